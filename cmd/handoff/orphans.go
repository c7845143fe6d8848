package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/handoff/internal/app"
	"github.com/antoniostano/handoff/internal/recovery"
)

func newOrphansCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "List and resolve activity records left open by crashed agents",
	}
	cmd.AddCommand(newOrphansListCmd(flags))
	for _, r := range []struct {
		use        string
		short      string
		resolution recovery.Resolution
	}{
		{"complete", "Close the record as finished", recovery.ResolutionCompleted},
		{"reset", "Close the record and return its task to pending", recovery.ResolutionReset},
		{"ignore", "Close the record without touching its task", recovery.ResolutionIgnored},
	} {
		cmd.AddCommand(newOrphanResolveCmd(flags, r.use, r.short, r.resolution))
	}
	return cmd
}

func newOrphansListCmd(flags *rootFlags) *cobra.Command {
	var minAge time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open activity records older than --min-age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withService(cmd, func(ctx context.Context, res *app.BuildResult) error {
				list, err := res.Service.FindOrphans(ctx, minAge)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only records started at least this long ago")
	return cmd
}

func newOrphanResolveCmd(flags *rootFlags, use, short string, resolution recovery.Resolution) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <activity-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("orphans %s: invalid id %q: %w", use, args[0], err)
			}
			return flags.withService(cmd, func(ctx context.Context, res *app.BuildResult) error {
				a, task, err := res.Service.ResolveOrphan(ctx, id, resolution)
				if err != nil {
					return fmt.Errorf("orphans %s: %w", use, err)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"activity": a, "task": task})
			})
		},
	}
}
