// Package scheduler runs the background loops of the engine: firing due
// resumptions, keeping cron-driven workflows scheduled, and scanning for
// inactive conversations.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/engageflow/internal/jobs"
	"github.com/rendis/engageflow/internal/logging"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

// Defaults for Config.
const (
	DefaultPollInterval     = 15 * time.Second
	DefaultBatchSize        = 100
	DefaultFollowUpInterval = 5 * time.Minute
	DefaultStaleAfter       = 10 * time.Minute
)

// EventDispatcher starts executions for an event. Satisfied by
// *dispatch.Dispatcher.
type EventDispatcher interface {
	OnEvent(ctx context.Context, ev schema.DomainEvent) ([]string, error)
}

// Config tunes the scheduler loops.
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	FollowUpInterval time.Duration
	// StaleAfter is how long a pending or running execution may go without
	// an update before RecoverMissed re-enqueues it.
	StaleAfter time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FollowUpInterval <= 0 {
		c.FollowUpInterval = DefaultFollowUpInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Scheduler polls the store for due resumptions and hands them to the job
// queue or the dispatcher. It also keeps one pending trigger scheduled for
// every active cron workflow and, when configured, drives a FollowUpScanner.
type Scheduler struct {
	store      store.Store
	queue      jobs.Queue
	dispatcher EventDispatcher
	followUps  *FollowUpScanner
	parser     cron.Parser
	cfg        Config
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // resumption ids being fired (dedup)
}

// New creates a Scheduler. followUps may be nil.
func New(s store.Store, q jobs.Queue, d EventDispatcher, followUps *FollowUpScanner, cfg Config) *Scheduler {
	cfg.defaults()
	return &Scheduler{
		store:      s,
		queue:      q,
		dispatcher: d,
		followUps:  followUps,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cfg:        cfg,
		logger:     cfg.Logger,
		inflight:   make(map[string]struct{}),
	}
}

// Start launches the background loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started",
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Bool("follow_ups", s.followUps != nil))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var followUps <-chan time.Time
	if s.followUps != nil {
		ft := time.NewTicker(s.cfg.FollowUpInterval)
		defer ft.Stop()
		followUps = ft.C
	}

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		case <-followUps:
			if _, err := s.followUps.Scan(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("follow-up scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// tick keeps cron workflows scheduled, then fires what is due.
func (s *Scheduler) tick(ctx context.Context) {
	if err := s.SyncSchedules(ctx); err != nil {
		s.logger.Error("failed to sync cron schedules", slog.String("error", err.Error()))
	}
	if _, err := s.FireDue(ctx); err != nil {
		s.logger.Error("failed to fire due resumptions", slog.String("error", err.Error()))
	}
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed runs once at startup. It fires every overdue resumption and
// re-enqueues executions left pending or running without a timer, which
// covers jobs lost with an in-process queue.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	fired := 0
	for {
		n, err := s.FireDue(ctx)
		if err != nil {
			return fmt.Errorf("fire overdue resumptions: %w", err)
		}
		fired += n
		if n < s.cfg.BatchSize {
			break
		}
	}

	requeued, err := s.requeueStale(ctx)
	if err != nil {
		return fmt.Errorf("requeue stale executions: %w", err)
	}

	if fired > 0 || requeued > 0 {
		s.logger.Info("recovered missed work", slog.Int("resumptions", fired), slog.Int("executions", requeued))
	}
	return nil
}

func (s *Scheduler) requeueStale(ctx context.Context) (int, error) {
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{IncludeDeleted: true})
	if err != nil {
		return 0, err
	}
	tenants := make(map[string]struct{})
	for _, wf := range workflows {
		tenants[wf.TenantID] = struct{}{}
	}

	cutoff := s.cfg.Now().UTC().Add(-s.cfg.StaleAfter)
	pendingResume := schema.ResumptionPending
	requeued := 0
	for tenant := range tenants {
		for _, status := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning} {
			st := status
			execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{TenantID: tenant, Status: &st})
			if err != nil {
				return requeued, err
			}
			for _, exec := range execs {
				if exec.UpdatedAt.After(cutoff) {
					continue
				}
				if exec.Status == schema.ExecutionRunning {
					timers, err := s.store.ListResumptions(ctx, store.ResumptionFilter{
						TenantID: tenant, ExecutionID: exec.ID, Status: &pendingResume, Limit: 1,
					})
					if err != nil {
						return requeued, err
					}
					if len(timers) > 0 {
						continue
					}
				}
				if err := s.queue.Enqueue(ctx, jobs.RunJob(tenant, exec.ID)); err != nil {
					return requeued, err
				}
				requeued++
			}
		}
	}
	return requeued, nil
}

// tryAcquire returns true and marks the id as in-flight if it is not already.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
