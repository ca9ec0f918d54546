package main

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/engageflow/pkg/schema"
)

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate workflow documents without storing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := newStandaloneValidator(c.cfg, c.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				wf, err := loadWorkflowFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}
				report := validator.Validate(wf)
				printReport(out, path, report)
				if !report.Valid() {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflow(s) invalid", failed, len(args))
			}
			return nil
		},
	}
}

func printReport(w io.Writer, path string, report *schema.Report) {
	if report.Valid() {
		fmt.Fprintf(w, "%s: ok (%d warning(s))\n", path, len(report.Warnings))
	} else {
		fmt.Fprintf(w, "%s: invalid\n", path)
	}
	for _, issue := range slices.Concat(report.Errors, report.Warnings) {
		fmt.Fprintf(w, "  %s %s: %s (%s)\n", issue.Severity, issue.Path, issue.Message, issue.Code)
	}
}

func newDefineCmd(c *cli) *cobra.Command {
	var (
		tenantID string
		activate bool
	)
	cmd := &cobra.Command{
		Use:   "define FILE",
		Short: "Validate a workflow document and store it for a tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loadWorkflowFile(args[0])
			if err != nil {
				return err
			}
			if wf.TenantID != "" && wf.TenantID != tenantID {
				return fmt.Errorf("workflow belongs to tenant %q, not %q", wf.TenantID, tenantID)
			}
			wf.TenantID = tenantID
			if wf.ID == "" {
				wf.ID = uuid.NewString()
			}
			wf.Status = schema.WorkflowStatusDraft
			if activate {
				wf.Status = schema.WorkflowStatusActive
			}
			for i := range wf.Steps {
				wf.Steps[i].WorkflowID = wf.ID
				wf.Steps[i].TenantID = tenantID
			}

			validator, err := newStandaloneValidator(c.cfg, c.logger)
			if err != nil {
				return err
			}
			report := validator.Validate(wf)
			printReport(cmd.OutOrStdout(), args[0], report)
			if !report.Valid() {
				return errors.New("workflow is invalid; nothing stored")
			}

			s, err := openStore(cmd.Context(), c.cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.CreateWorkflow(cmd.Context(), wf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored workflow %s (%s)\n", wf.ID, wf.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant that owns the workflow")
	cmd.Flags().BoolVar(&activate, "activate", false, "store the workflow as active instead of draft")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
