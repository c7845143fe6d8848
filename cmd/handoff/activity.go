package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/antoniostano/handoff/internal/app"
)

func newActivityCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Report agent work starting and finishing",
	}
	cmd.AddCommand(newActivityStartCmd(flags), newActivityFinishCmd(flags))
	return cmd
}

func newActivityStartCmd(flags *rootFlags) *cobra.Command {
	var taskID int64
	cmd := &cobra.Command{
		Use:   "start <agent>",
		Short: "Open an activity record; the agent counts as busy until it is finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withService(cmd, func(ctx context.Context, res *app.BuildResult) error {
				var task *int64
				if taskID > 0 {
					task = &taskID
				}
				a, err := res.Service.StartActivity(ctx, args[0], task)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), a)
			})
		},
	}
	cmd.Flags().Int64Var(&taskID, "task", 0, "task the work belongs to")
	return cmd
}

func newActivityFinishCmd(flags *rootFlags) *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "finish [agent]",
		Short: "Close the agent's open activity records, or one record with --id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id <= 0 && len(args) == 0 {
				return fmt.Errorf("activity finish: an agent or --id is required")
			}
			return flags.withService(cmd, func(ctx context.Context, res *app.BuildResult) error {
				if id > 0 {
					a, err := res.Service.FinishActivity(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), a)
				}
				n, err := res.Service.FinishAgentActivity(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"agent": args[0], "closed": n})
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "activity record to close")
	return cmd
}
