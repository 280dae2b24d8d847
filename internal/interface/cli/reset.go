package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/YoshitsuguKoike/storyflow/internal/infra/checkpoint"
)

func newResetCmd(root *rootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <collection>",
		Short: "Forget the checkpoint of a collection",
		Long:  "Reset removes every completed and failed record of the collection, so the next run starts from the first story. Story artifacts are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := root.load(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !yes {
				ok, err := confirm(fmt.Sprintf("Reset checkpoint of %s", args[0]))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(env.out, "Aborted")
					return nil
				}
			}
			return resetCollection(cmd.Context(), env, args[0])
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func resetCollection(ctx context.Context, env *environment, collectionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	checkpoints, closer, err := checkpoint.Open(ctx, env.cfg.CheckpointBackend(), env.fs, env.paths)
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := checkpoints.Reset(ctx, collectionID); err != nil {
		return fmt.Errorf("reset %s: %w", collectionID, err)
	}
	fmt.Fprintf(env.out, "Checkpoint of %s cleared\n", collectionID)
	return nil
}
