package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rendis/engageflow/internal/actions"
	"github.com/rendis/engageflow/internal/conditions"
	"github.com/rendis/engageflow/internal/config"
	"github.com/rendis/engageflow/internal/dispatch"
	"github.com/rendis/engageflow/internal/engine"
	"github.com/rendis/engageflow/internal/expressions"
	"github.com/rendis/engageflow/internal/jobs"
	"github.com/rendis/engageflow/internal/providers"
	"github.com/rendis/engageflow/internal/scheduler"
	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/internal/streaming"
	"github.com/rendis/engageflow/internal/validation"
)

// app is the fully wired engine.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      store.Store
	hub        *streaming.MemoryHub
	interp     engine.Interpreter
	queue      *jobs.LocalQueue
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	validator  *validation.WorkflowValidator
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch cfg.Store.Driver {
	case config.DriverLibSQL:
		s, err = store.NewLibSQLStore(cfg.Store.DSN)
	case config.DriverPostgres:
		s, err = store.NewPostgresStore(ctx, cfg.Store.DSN)
	case config.DriverMemory:
		s = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}
	return s, nil
}

// integrations holds the outbound collaborators. Fields stay nil interfaces
// when the matching endpoint is not configured.
type integrations struct {
	ai            providers.AIProvider
	messenger     providers.Messenger
	conversations providers.ConversationService
}

func newIntegrations(cfg *config.Config) integrations {
	var out integrations
	if cfg.AIEnabled() {
		out.ai = providers.NewChatProvider(providers.HTTPConfig{
			BaseURL: cfg.AI.BaseURL,
			APIKey:  cfg.AI.APIKey,
			Timeout: cfg.AI.Timeout,
		}, cfg.AI.Model)
	}
	if cfg.Messaging.WebhookURL != "" {
		out.messenger = providers.NewWebhookMessenger(providers.HTTPConfig{
			BaseURL: cfg.Messaging.WebhookURL,
			APIKey:  cfg.Messaging.APIKey,
			Timeout: cfg.Messaging.Timeout,
		})
	}
	if cfg.Messaging.ConversationsURL != "" {
		out.conversations = providers.NewWebhookConversations(providers.HTTPConfig{
			BaseURL: cfg.Messaging.ConversationsURL,
			APIKey:  cfg.Messaging.APIKey,
			Timeout: cfg.Messaging.Timeout,
		})
	}
	return out
}

// registries bundles the action and condition catalogs with the validator
// that checks workflows against them.
type registries struct {
	actions    *actions.Registry
	conditions *conditions.Registry
	validator  *validation.WorkflowValidator
}

func newRegistries(ext integrations, engines *expressions.Engines, cfg *config.Config, logger *slog.Logger) (*registries, error) {
	actionReg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(actionReg, actions.Deps{
		AI:            ext.ai,
		Messenger:     ext.messenger,
		Conversations: ext.conversations,
		AIDefaults:    providers.Options{Model: cfg.AI.Model},
	}); err != nil {
		return nil, fmt.Errorf("register actions: %w", err)
	}
	condReg := conditions.NewRegistry()
	if err := conditions.RegisterBuiltins(condReg, conditions.Deps{
		AI:      ext.ai,
		Engines: engines,
		Logger:  logger,
	}); err != nil {
		return nil, fmt.Errorf("register conditions: %w", err)
	}

	validator, err := validation.NewWorkflowValidator(validation.Deps{
		Actions:    actionReg,
		Conditions: condReg,
		When:       engines.Expr,
	})
	if err != nil {
		return nil, fmt.Errorf("workflow validator: %w", err)
	}
	return &registries{actions: actionReg, conditions: condReg, validator: validator}, nil
}

// newStandaloneValidator builds a validator without opening a store.
func newStandaloneValidator(cfg *config.Config, logger *slog.Logger) (*validation.WorkflowValidator, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	reg, err := newRegistries(newIntegrations(cfg), engines, cfg, logger)
	if err != nil {
		return nil, err
	}
	return reg.validator, nil
}

// buildApp wires every component over an already opened store.
func buildApp(cfg *config.Config, s store.Store, logger *slog.Logger) (*app, error) {
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, fmt.Errorf("expression engines: %w", err)
	}
	ext := newIntegrations(cfg)

	reg, err := newRegistries(ext, engines, cfg, logger)
	if err != nil {
		return nil, err
	}
	actionReg, condReg := reg.actions, reg.conditions

	breakerCfg := actions.DefaultCircuitBreakerConfig()
	breakerCfg.FailureThreshold = cfg.CircuitBreaker.FailureThreshold
	breakerCfg.Cooldown = cfg.CircuitBreaker.Cooldown
	breakers := actions.NewCircuitBreakerRegistry(breakerCfg)
	hub := streaming.NewMemoryHub()
	steps := engine.NewStepRegistry(condReg, actionReg)
	interp := engine.NewInterpreter(s,
		steps,
		actions.NewExecutor(actionReg, breakers, logger),
		engine.Config{
			StepLimit: cfg.Engine.StepLimit,
			Hub:       hub,
			Logger:    logger,
		})

	runner := jobs.NewRunner(interp, s, jobs.RunnerConfig{
		Timeout: cfg.Engine.JobTimeout,
		Backoff: engine.BackoffSchedule(cfg.Engine.RetryDelays),
		Logger:  logger,
	})
	queue := jobs.NewLocalQueue(cfg.Engine.PoolSize, runner.Handle, logger)
	runner.Attach(queue)

	var fallback dispatch.Fallback
	if cfg.Fallback.Enabled && ext.ai != nil && ext.messenger != nil {
		fallback = &providers.DirectResponder{
			AI:           ext.ai,
			Messenger:    ext.messenger,
			SystemPrompt: cfg.Fallback.SystemPrompt,
			Options:      providers.Options{Model: cfg.AI.Model},
		}
	}
	dispatcher := dispatch.New(s, queue, interp, dispatch.Config{
		When:     engines.Expr,
		Fallback: fallback,
		Steps:    steps,
		Logger:   logger,
	})

	var followUps *scheduler.FollowUpScanner
	if cfg.FollowUp.Enabled {
		followUps = scheduler.NewFollowUpScanner(s, dispatcher, scheduler.FollowUpConfig{
			BatchSize:           cfg.FollowUp.BatchSize,
			RatePerSecond:       cfg.FollowUp.RatePerSecond,
			Concurrency:         cfg.FollowUp.Concurrency,
			DefaultMaxFollowUps: cfg.FollowUp.DefaultMaxFollowUps,
			Logger:              logger,
		})
	}
	sched := scheduler.New(s, queue, dispatcher, followUps, scheduler.Config{
		PollInterval:     cfg.Scheduler.PollInterval,
		BatchSize:        cfg.Scheduler.BatchSize,
		FollowUpInterval: cfg.FollowUp.ScanInterval,
		StaleAfter:       cfg.Scheduler.StaleAfter,
		Logger:           logger,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      s,
		hub:        hub,
		interp:     interp,
		queue:      queue,
		dispatcher: dispatcher,
		scheduler:  sched,
		validator:  reg.validator,
	}, nil
}

// shutdown stops the scheduler, drains the queue within ctx, ends hub
// subscriptions and closes the store.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.scheduler.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
	}
	a.queue.Shutdown(ctx)
	a.hub.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
