package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var syncRemoteID int

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a one-shot inbound sync from Azure DevOps",
	Long: `Pull work item changes from Azure DevOps into the local store.

Without flags this fetches every work item of the configured types in the
configured area/iteration scope. With --id only that work item is fetched.

Remote values win over local ones, except stories in draft status, which
are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if syncRemoteID > 0 {
			item, serr := rt.inbound.SyncOne(cmd.Context(), syncRemoteID)
			if serr != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", serr)
				os.Exit(1)
			}
			fmt.Printf("Synced work item %d (%s)\n", item.ID, item.StringField("System.Title"))
			return nil
		}

		result := rt.inbound.SyncNow(cmd.Context())
		fmt.Printf("Sync %s: %d processed, %d created, %d updated, %d skipped\n",
			verdict(result.Success), result.ItemsProcessed, result.ItemsCreated,
			result.ItemsUpdated, result.ItemsSkipped)
		for _, e := range result.Errors {
			fmt.Fprintf(os.Stderr, "  work item %d: %s: %s\n", e.RemoteID, e.Kind, e.Message)
		}
		if !result.Success {
			os.Exit(1)
		}
		return nil
	},
}

func verdict(ok bool) string {
	if ok {
		return "complete"
	}
	return "failed"
}

func init() {
	syncCmd.Flags().IntVar(&syncRemoteID, "id", 0, "Sync a single work item by id")
	rootCmd.AddCommand(syncCmd)
}
