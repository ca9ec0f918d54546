package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/engageflow/internal/jobs"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/pkg/schema"
)

// FireDue claims up to one batch of due resumptions and fires them. It
// returns how many were claimed by this call.
func (s *Scheduler) FireDue(ctx context.Context) (int, error) {
	due, err := s.store.DueResumptions(ctx, s.cfg.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		if !s.tryAcquire(r.ID) {
			continue
		}
		ok, err := s.store.ClaimResumption(ctx, r.ID)
		if err != nil || !ok {
			s.release(r.ID)
			if err != nil {
				s.logger.Error("failed to claim resumption", slog.String("resumption_id", r.ID), slog.String("error", err.Error()))
			}
			continue
		}
		claimed++

		if err := s.fire(ctx, r); err != nil {
			logging.LogWith(logging.WithTenantID(ctx, r.TenantID), s.logger).Error("resumption failed",
				slog.String("resumption_id", r.ID),
				slog.String("kind", string(r.Kind)),
				slog.String("error", err.Error()))
			if ferr := s.store.FailResumption(ctx, r.ID, err.Error()); ferr != nil {
				s.logger.Error("failed to record resumption failure", slog.String("resumption_id", r.ID), slog.String("error", ferr.Error()))
			}
		}
		s.release(r.ID)
	}
	return claimed, nil
}

func (s *Scheduler) fire(ctx context.Context, r *schema.ScheduledResumption) error {
	switch r.Kind {
	case schema.ResumptionResumeStep:
		return s.queue.Enqueue(ctx, jobs.ResumeJob(r.TenantID, r.ExecutionID, r.StepID))
	case schema.ResumptionScheduledTrigger:
		return s.fireTrigger(ctx, r)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown resumption kind %q", r.Kind)
	}
}

// fireTrigger dispatches a Scheduled event for the workflow and schedules
// its next occurrence.
func (s *Scheduler) fireTrigger(ctx context.Context, r *schema.ScheduledResumption) error {
	ids, err := s.dispatcher.OnEvent(ctx, schema.DomainEvent{
		Type:       schema.EventScheduled,
		TenantID:   r.TenantID,
		WorkflowID: r.WorkflowID,
		EntityID:   r.ID,
		Payload: map[string]any{
			"scheduled_for": r.FireAt.UTC().Format(time.RFC3339),
		},
		OccurredAt: s.cfg.Now().UTC(),
	})
	logging.LogWith(logging.WithTenantID(ctx, r.TenantID), s.logger).Info("scheduled trigger fired",
		slog.String("workflow_id", r.WorkflowID), slog.Int("executions", len(ids)))

	wf, gerr := s.store.GetWorkflow(ctx, r.TenantID, r.WorkflowID)
	if gerr == nil && wf.Dispatchable() && wf.TriggerType == schema.TriggerScheduled {
		if serr := s.scheduleNext(ctx, wf); serr != nil && err == nil {
			err = serr
		}
	}
	return err
}
