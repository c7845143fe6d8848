package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/antoniostano/handoff/internal/app"
	"github.com/antoniostano/handoff/internal/config"
	"github.com/antoniostano/handoff/internal/observability"
)

type rootFlags struct {
	databaseURL string
	agentsFile  string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "handoff",
		Short:         "Hand tasks and messages between coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.databaseURL, "database-url", "", "store URL (overrides DATABASE_URL)")
	root.PersistentFlags().StringVar(&flags.agentsFile, "agents", "", "agent policy file (overrides HANDOFF_AGENTS_FILE)")

	root.AddCommand(
		newServeCmd(flags),
		newDispatchCmd(flags),
		newOrphansCmd(flags),
		newActivityCmd(flags),
	)
	return root
}

// loadConfig reads the environment and applies flag overrides.
func (f *rootFlags) loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if v := strings.TrimSpace(f.databaseURL); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(f.agentsFile); v != "" {
		cfg.AgentsFile = v
	}
	return cfg, nil
}

// openOffline builds the service for a one-shot command: no loop, no watcher and
// metrics on a private registry.
func (f *rootFlags) openOffline(ctx context.Context, stderr io.Writer) (*app.BuildResult, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.DistributionEnabled = false
	logger := observability.NewLogger(cfg.LogLevel, "text", stderr)
	return app.Build(ctx, cfg,
		app.WithLogger(logger),
		app.WithMetrics(observability.NewMetricsWith(cfg.MetricsNamespace, prometheus.NewRegistry())),
	)
}

// withService runs fn against an offline build and releases it afterwards.
func (f *rootFlags) withService(cmd *cobra.Command, fn func(ctx context.Context, res *app.BuildResult) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := f.openOffline(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	runErr := fn(ctx, res)
	if err := res.Cleanup(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func stderrOr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stderr
	}
	return w
}
