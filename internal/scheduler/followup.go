package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

// Defaults for FollowUpConfig.
const (
	DefaultFollowUpBatch   = 50
	DefaultFollowUpRate    = 5.0
	DefaultFollowUpWorkers = 4
	DefaultMaxFollowUps    = 3
)

// FollowUpConfig tunes a FollowUpScanner.
type FollowUpConfig struct {
	// BatchSize bounds the conversations dispatched per scan across all workflows.
	BatchSize int
	// RatePerSecond limits dispatches; bursts are capped at one.
	RatePerSecond float64
	Concurrency   int
	// DefaultMaxFollowUps applies when a workflow sets no max_follow_ups.
	DefaultMaxFollowUps int
	Logger              *slog.Logger
	Now                 func() time.Time
}

// FollowUpScanner starts no_response and auto_follow_up workflows for
// conversations that have been quiet longer than the workflow's threshold.
type FollowUpScanner struct {
	store      store.Store
	dispatcher EventDispatcher
	limiter    *rate.Limiter
	cfg        FollowUpConfig
	logger     *slog.Logger
}

// NewFollowUpScanner creates a FollowUpScanner.
func NewFollowUpScanner(s store.Store, d EventDispatcher, cfg FollowUpConfig) *FollowUpScanner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultFollowUpBatch
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultFollowUpRate
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultFollowUpWorkers
	}
	if cfg.DefaultMaxFollowUps <= 0 {
		cfg.DefaultMaxFollowUps = DefaultMaxFollowUps
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FollowUpScanner{
		store:      s,
		dispatcher: d,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		cfg:        cfg,
		logger:     cfg.Logger,
	}
}

var followUpEvents = map[schema.TriggerType]schema.DomainEventType{
	schema.TriggerNoResponse:   schema.EventNoResponse,
	schema.TriggerAutoFollowUp: schema.EventAutoFollowUp,
}

// Scan runs one pass and returns the number of executions started.
func (f *FollowUpScanner) Scan(ctx context.Context) (int, error) {
	var started atomic.Int64
	budget := f.cfg.BatchSize

	for _, trigger := range []schema.TriggerType{schema.TriggerNoResponse, schema.TriggerAutoFollowUp} {
		active := schema.WorkflowStatusActive
		workflows, err := f.store.ListWorkflows(ctx, store.WorkflowFilter{TriggerType: trigger, Status: &active})
		if err != nil {
			return int(started.Load()), err
		}

		for _, wf := range workflows {
			if budget <= 0 {
				return int(started.Load()), nil
			}
			n, err := f.scanWorkflow(ctx, wf, budget, &started)
			budget -= n
			if err != nil {
				return int(started.Load()), err
			}
		}
	}
	return int(started.Load()), nil
}

// scanWorkflow dispatches the eligible conversations of one workflow and
// returns how many it attempted.
func (f *FollowUpScanner) scanWorkflow(ctx context.Context, wf *schema.Workflow, budget int, started *atomic.Int64) (int, error) {
	ctx = logging.WithTenantID(ctx, wf.TenantID)
	log := logging.LogWith(ctx, f.logger).With(slog.String("workflow_id", wf.ID))

	ts, err := wf.Trigger()
	if err != nil {
		log.Warn("skipping workflow with invalid trigger config", slog.String("error", err.Error()))
		return 0, nil
	}
	maxFollowUps := ts.MaxFollowUps
	if maxFollowUps <= 0 {
		maxFollowUps = f.cfg.DefaultMaxFollowUps
	}

	since := f.cfg.Now().UTC().Add(-time.Duration(ts.Inactivity()) * time.Minute)
	convs, err := f.store.ListInactiveConversations(ctx, wf.TenantID, since, maxFollowUps, budget)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)

	attempted := 0
	for _, conv := range convs {
		attempted++
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			ok, err := f.followUp(gctx, wf, conv, since)
			if ok {
				started.Add(1)
			}
			if err != nil {
				log.Error("follow-up dispatch failed",
					slog.String("conversation_id", conv.ID), slog.String("error", err.Error()))
			}
			return nil
		})
	}
	return attempted, g.Wait()
}

// followUp dispatches the event for one conversation and bumps its counter
// when an execution was created.
func (f *FollowUpScanner) followUp(ctx context.Context, wf *schema.Workflow, conv *schema.Conversation, since time.Time) (bool, error) {
	ids, err := f.dispatcher.OnEvent(ctx, schema.DomainEvent{
		Type:           followUpEvents[wf.TriggerType],
		TenantID:       wf.TenantID,
		WorkflowID:     wf.ID,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		EntityID:       conv.ID,
		Payload: map[string]any{
			"last_activity_at": conv.LastActivityAt.UTC().Format(time.RFC3339),
			"inactive_since":   since.Format(time.RFC3339),
			"follow_up_count":  conv.FollowUpCount(),
		},
		OccurredAt: f.cfg.Now().UTC(),
	})
	if err != nil || len(ids) == 0 {
		return false, err
	}
	if _, err := f.store.IncrementFollowUpCount(ctx, wf.TenantID, conv.ID); err != nil {
		return true, err
	}
	return true, nil
}
