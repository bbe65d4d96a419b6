package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/storyforge/adosync/internal/store"
)

var pushStatus string

var pushCmd = &cobra.Command{
	Use:   "push [story-id]",
	Short: "Push local changes to Azure DevOps",
	Long: `Push local status changes to linked work items.

Without arguments every linked story whose local update is newer than its
last push is pushed. With a story id (and optionally --status) only that
story is pushed. Pushes are idempotent: a work item already in the target
state is skipped without a write.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if len(args) == 1 {
			storyID := args[0]
			status := pushStatus
			if status == "" {
				story, err := rt.store.GetStory(cmd.Context(), storyID)
				if err != nil {
					return fmt.Errorf("look up story %s: %w", storyID, err)
				}
				status = string(story.Status)
			}

			result := rt.outbound.PushStateChange(cmd.Context(), storyID, store.Status(status))
			if !result.Success {
				fmt.Fprintf(os.Stderr, "Error: %s: %s\n", result.Kind, result.Message)
				os.Exit(1)
			}
			if result.Skipped {
				fmt.Printf("Work item %d already %s, nothing to push\n", result.RemoteID, result.NewState)
			} else {
				fmt.Printf("Pushed: work item %d %s -> %s\n", result.RemoteID, result.PreviousState, result.NewState)
			}
			return nil
		}

		result := rt.outbound.PushPendingChanges(cmd.Context())
		fmt.Printf("Push %s: %d processed, %d updated, %d skipped\n",
			verdict(result.Success), result.ItemsProcessed, result.ItemsUpdated, result.ItemsSkipped)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  story %s: %s: %s\n", e.StoryID, e.Kind, e.Message)
		}
		if !result.Success {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	pushCmd.Flags().StringVar(&pushStatus, "status", "", "Status to push (default: the story's current status)")
	rootCmd.AddCommand(pushCmd)
}
