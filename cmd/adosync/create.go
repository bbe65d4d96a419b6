package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var createType string

var createCmd = &cobra.Command{
	Use:   "create <story-id>",
	Short: "Create an Azure DevOps work item from a local story",
	Long: `Create a work item from a local story and link the two.

A story that is already linked is refused; the link is established exactly
once and never overwritten. The work item starts in the remote new-item
state; run push afterwards to transition it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		result := rt.outbound.CreateWorkItemFromStory(cmd.Context(), args[0], createType)
		if !result.Success {
			fmt.Fprintf(os.Stderr, "Error: %s: %s\n", result.Kind, result.Message)
			os.Exit(1)
		}
		fmt.Printf("Created work item %d\n%s\n", result.RemoteID, result.RemoteURL)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createType, "type", "", "Work item type (default: the configured fallback)")
	rootCmd.AddCommand(createCmd)
}
