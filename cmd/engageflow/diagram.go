package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/engageflow/internal/diagram"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

func newDiagramCmd(c *cli) *cobra.Command {
	var (
		format      string
		output      string
		tenantID    string
		executionID string
	)
	cmd := &cobra.Command{
		Use:   "diagram [FILE]",
		Short: "Draw a workflow from a file, or a stored execution with its trace",
		Long: `diagram renders a workflow graph as mermaid, ascii, png or svg.

With FILE the workflow document is drawn as is. With --tenant and
--execution the execution's workflow is loaded from the store and the
steps it visited are highlighted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var (
				wf    *schema.Workflow
				trace []store.StepVisit
				err   error
			)
			switch {
			case len(args) == 1:
				wf, err = loadWorkflowFile(args[0])
			case tenantID != "" && executionID != "":
				wf, trace, err = loadExecutionWorkflow(cmd, c, tenantID, executionID)
			default:
				return fmt.Errorf("pass a workflow FILE or --tenant with --execution")
			}
			if err != nil {
				return err
			}

			model, err := diagram.Build(wf, trace)
			if err != nil {
				return err
			}

			var rendered []byte
			switch format {
			case "mermaid":
				rendered = []byte(diagram.RenderMermaid(model))
			case "ascii":
				rendered = []byte(diagram.RenderASCII(model))
			case diagram.FormatPNG, diagram.FormatSVG:
				if output == "" && format == diagram.FormatPNG {
					return fmt.Errorf("png output needs --output")
				}
				if rendered, err = diagram.RenderImage(ctx, model, format); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown format %q", format)
			}

			if output == "" {
				_, err = cmd.OutOrStdout().Write(rendered)
				return err
			}
			return os.WriteFile(output, rendered, 0o644)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "output format: mermaid, ascii, png or svg")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant of the execution")
	cmd.Flags().StringVar(&executionID, "execution", "", "execution whose trace is overlaid")
	return cmd
}

func loadExecutionWorkflow(cmd *cobra.Command, c *cli, tenantID, executionID string) (*schema.Workflow, []store.StepVisit, error) {
	ctx := cmd.Context()
	s, err := openStore(ctx, c.cfg)
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	exec, err := s.Load(ctx, tenantID, executionID)
	if err != nil {
		return nil, nil, err
	}
	wf, err := s.GetWorkflow(ctx, tenantID, exec.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	trace, err := store.NewEventLog(s).Trace(ctx, tenantID, executionID)
	if err != nil {
		return nil, nil, err
	}
	return wf, trace, nil
}
