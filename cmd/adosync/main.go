// Command adosync keeps a local story database and Azure DevOps work items
// in sync. It runs either as a long-lived daemon (polling inbound, serving a
// local control plane) or as one-shot commands for manual syncs and pushes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "adosync",
	Short: "Bidirectional sync between local stories and Azure DevOps",
	Long: `adosync bridges a local story/feature database with Azure DevOps work items.

Inbound sync polls ADO and pulls work item changes into the local store
(ADO wins, except for unpromoted drafts). Outbound sync pushes local status
changes back and creates work items from local stories.

Configuration is read from .adosync.yaml (working directory, then home) and
from ADOSYNC_* environment variables. The personal access token is usually
supplied as ADOSYNC_ADO_PERSONAL_ACCESS_TOKEN.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
