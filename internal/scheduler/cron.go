package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

// CalculateNextRun computes the next run time of a cron expression in the
// given IANA timezone (UTC when empty). The result is in UTC.
func (s *Scheduler) CalculateNextRun(cronExpr, timezone string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	loc := time.UTC
	if timezone != "" {
		if loc, err = time.LoadLocation(timezone); err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}
	return schedule.Next(from.In(loc)).UTC(), nil
}

// SyncSchedules makes sure every active scheduled workflow has one pending
// trigger resumption.
func (s *Scheduler) SyncSchedules(ctx context.Context) error {
	active := schema.WorkflowStatusActive
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		TriggerType: schema.TriggerScheduled,
		Status:      &active,
	})
	if err != nil {
		return err
	}

	pending := schema.ResumptionPending
	for _, wf := range workflows {
		existing, err := s.store.ListResumptions(ctx, store.ResumptionFilter{
			TenantID:   wf.TenantID,
			WorkflowID: wf.ID,
			Kind:       schema.ResumptionScheduledTrigger,
			Status:     &pending,
			Limit:      1,
		})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		if err := s.scheduleNext(ctx, wf); err != nil {
			s.logger.Warn("cannot schedule workflow",
				slog.String("tenant_id", wf.TenantID),
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Scheduler) scheduleNext(ctx context.Context, wf *schema.Workflow) error {
	ts, err := wf.Trigger()
	if err != nil {
		return err
	}
	if ts.Cron == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "workflow %s has no cron expression", wf.ID)
	}
	next, err := s.CalculateNextRun(ts.Cron, ts.Timezone, s.cfg.Now())
	if err != nil {
		return err
	}
	return s.store.ScheduleResumption(ctx, &schema.ScheduledResumption{
		ID:         uuid.NewString(),
		TenantID:   wf.TenantID,
		Kind:       schema.ResumptionScheduledTrigger,
		WorkflowID: wf.ID,
		FireAt:     next,
	})
}
