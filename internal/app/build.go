package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/antoniostano/handoff/internal/config"
	"github.com/antoniostano/handoff/internal/distributor"
	"github.com/antoniostano/handoff/internal/httpapi"
	"github.com/antoniostano/handoff/internal/notify"
	"github.com/antoniostano/handoff/internal/observability"
	"github.com/antoniostano/handoff/internal/orchestrator"
	"github.com/antoniostano/handoff/internal/persistence"
)

type BuildResult struct {
	Config  config.Config
	Logger  *slog.Logger
	Service *orchestrator.Service
	Agents  *config.Agents
	Watcher *config.PolicyWatcher
	// Loop is nil when distribution is disabled.
	Loop    *distributor.Loop
	API     *httpapi.Server
	Metrics *observability.Metrics
	Tracing *observability.Tracing

	// Cleanup should be called on shutdown to flush traces and close the store.
	Cleanup func() error
}

type options struct {
	metrics *observability.Metrics
	logger  *slog.Logger
}

type Option func(*options)

// WithMetrics overrides the default-registry metrics; tests pass their own registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func Build(ctx context.Context, cfg config.Config, opts ...Option) (*BuildResult, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	}
	metrics := o.metrics
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Exporter: cfg.TraceExporter,
		Endpoint: cfg.TraceEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	policy, err := config.LoadPolicy(cfg.AgentsFile)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("agent policy: %w", err)
	}
	agentPolicy := config.NewAgents(policy)

	store, err := persistence.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = tracing.Shutdown(ctx)
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	logger.Info("store opened", "mode", store.Mode(), "store", observability.RedactURL(cfg.DatabaseURL))

	svc := orchestrator.New(store, orchestrator.Config{
		StoreTimeout: cfg.StoreTimeout,
		Prompts:      agentPolicy,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracing.Tracer,
	})

	for _, name := range agentPolicy.Names() {
		if _, err := svc.EnsureAgent(ctx, name, agentPolicy.Label(name)); err != nil {
			_ = store.Close()
			_ = tracing.Shutdown(ctx)
			return nil, fmt.Errorf("register agent %q: %w", name, err)
		}
	}

	var loop *distributor.Loop
	if cfg.DistributionEnabled {
		schedule, err := cfg.Schedule()
		if err != nil {
			_ = store.Close()
			_ = tracing.Shutdown(ctx)
			return nil, err
		}
		loop = distributor.New(distributor.Config{
			Queue: svc.Queue(),
			Hub:   svc.Hub(),
			Notifier: notify.Fanout{
				svc.Events(),
				notify.NewLogNotifier(logger),
				notify.NewWebhookNotifier(agentPolicy).WithAttempts(cfg.WebhookAttempts),
			},
			Modes:        agentPolicy,
			Schedule:     schedule,
			StoreTimeout: cfg.StoreTimeout,
			Logger:       logger,
			Metrics:      metrics,
			Tracer:       tracing.Tracer,
		})
	}

	var watcher *config.PolicyWatcher
	if cfg.AgentsFile != "" {
		watcher = config.NewPolicyWatcher(cfg.AgentsFile, agentPolicy, logger)
	}

	// A nil *Loop must not become a non-nil interface.
	var runner httpapi.Distributor
	if loop != nil {
		runner = loop
	}
	api := httpapi.New(cfg, svc, runner, logger)

	cleanup := func() error {
		var errs []error
		if loop != nil {
			loop.Stop()
		}
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		if err := tracing.Shutdown(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:  cfg,
		Logger:  logger,
		Service: svc,
		Agents:  agentPolicy,
		Watcher: watcher,
		Loop:    loop,
		API:     api,
		Metrics: metrics,
		Tracing: tracing,
		Cleanup: cleanup,
	}, nil
}

// StartBackground starts the policy watcher and the distribution loop. Both stop when
// ctx ends.
func (b *BuildResult) StartBackground(ctx context.Context) error {
	if b.Watcher != nil {
		if err := b.Watcher.Start(ctx); err != nil {
			return fmt.Errorf("watch agent policy: %w", err)
		}
		go b.registerReloadedAgents(ctx)
	}
	if b.Loop != nil {
		b.Loop.Start(ctx)
		b.Logger.Info("distribution loop started")
	}
	return nil
}

func (b *BuildResult) registerReloadedAgents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.Watcher.Events():
			if !ok {
				return
			}
			if evt.Err != nil {
				continue
			}
			// Agents added by a reload are registered so listing shows them.
			for _, name := range b.Agents.Names() {
				if _, err := b.Service.EnsureAgent(ctx, name, b.Agents.Label(name)); err != nil {
					b.Logger.Warn("register reloaded agent failed", "agent", name, "error", err)
				}
			}
		}
	}
}
