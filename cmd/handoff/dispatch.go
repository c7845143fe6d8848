package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/antoniostano/handoff/internal/app"
)

func newDispatchCmd(flags *rootFlags) *cobra.Command {
	var reference string
	cmd := &cobra.Command{
		Use:   "dispatch <agent>",
		Short: "Hand the agent its next ready task if it is idle",
		Long:  "Dispatch the oldest ready task for the agent, or the task matching --reference.\nPrints the dispatch result as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withService(cmd, func(ctx context.Context, res *app.BuildResult) error {
				out, err := res.Service.Dispatch(ctx, args[0], reference)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "dispatch the task with this external reference")
	return cmd
}
