package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/engageflow/pkg/schema"
)

func newEmitCmd(c *cli) *cobra.Command {
	var (
		ev      schema.DomainEvent
		evType  string
		payload string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Dispatch one domain event and run the executions it starts",
		Long: `emit feeds a single domain event to the dispatcher, then waits up to
--wait for the started executions to finish or park. Executions parked at
a delay are resumed later by "engageflow serve".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev.Type = schema.DomainEventType(evType)
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
					return fmt.Errorf("--payload: %w", err)
				}
			}
			ev.OccurredAt = time.Now().UTC()
			return runEmit(cmd, c, ev, wait)
		},
	}
	cmd.Flags().StringVar(&ev.TenantID, "tenant", "", "tenant that owns the event")
	cmd.Flags().StringVar(&evType, "type", string(schema.EventMessageReceived), "event type, e.g. MessageReceived or ConversationCreated")
	cmd.Flags().StringVar(&ev.ConversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&ev.CustomerID, "customer", "", "customer id")
	cmd.Flags().StringVar(&ev.EntityID, "entity", "", "id of the message, conversation or customer behind the event")
	cmd.Flags().StringVar(&payload, "payload", "", "event payload as a JSON object")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for started executions")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func runEmit(cmd *cobra.Command, c *cli, ev schema.DomainEvent, wait time.Duration) error {
	ctx := cmd.Context()
	s, err := openStore(ctx, c.cfg)
	if err != nil {
		return err
	}
	a, err := buildApp(c.cfg, s, c.logger)
	if err != nil {
		_ = s.Close()
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := a.shutdown(shutdownCtx); err != nil {
			c.logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
	}()

	ids, err := a.dispatcher.OnEvent(ctx, ev)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, "no workflow matched")
		return nil
	}

	done := make(chan struct{})
	go func() {
		a.queue.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		fmt.Fprintf(out, "still running after %s\n", wait)
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, id := range ids {
		exec, err := a.store.Load(ctx, ev.TenantID, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", exec.ID, exec.WorkflowID, exec.Status)
	}
	return nil
}
