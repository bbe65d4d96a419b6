package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Show the remote connection state and the local pending-push count.

For live engine counters while the daemon is running, query its control
plane instead: GET /api/status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.client.TestConnection(cmd.Context()); err != nil {
			fmt.Printf("Azure DevOps: unreachable (%v)\n", err)
		} else {
			fmt.Printf("Azure DevOps: connected (%s / %s)\n",
				rt.cfg.ADO.OrganizationURL, rt.cfg.ADO.Project)
		}

		pending, err := rt.store.CountPendingPush(cmd.Context())
		if err != nil {
			return fmt.Errorf("count pending changes: %w", err)
		}
		fmt.Printf("Pending outbound changes: %d\n", pending)
		fmt.Printf("Store: %s\n", rt.cfg.Store.Path)
		fmt.Printf("Supported work item types: %v\n", rt.mapper.SupportedTypes())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
