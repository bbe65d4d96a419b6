package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/storyforge/adosync/internal/config"
	"github.com/storyforge/adosync/internal/dashboard"
	"github.com/storyforge/adosync/internal/logging"
	"github.com/storyforge/adosync/internal/server"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run adosync as a long-lived daemon.

The daemon polls Azure DevOps on an interval and pulls work item changes
into the local store, serves a localhost control plane for manual syncs and
pushes, and (optionally) broadcasts sync events over a WebSocket dashboard.

Control plane endpoints:
  POST /api/sync                       run inbound sync now
  POST /api/sync/{remoteId}            sync a single work item
  GET  /api/status                     engine status
  POST /api/push/{storyId}             push a story's status
  POST /api/push/pending               push all pending changes
  POST /api/stories/{storyId}/workitem create a work item from a story
  POST /api/errors/reset               clear outbound error counters
  GET  /health                         liveness check

The field-mapping document is reloaded automatically when it changes on
disk (mapping.hot_reload).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		logger := logging.Component(rt.logW, "daemon")

		if err := rt.client.TestConnection(cmd.Context()); err != nil {
			return fmt.Errorf("cannot reach Azure DevOps: %w", err)
		}

		// Mapping hot reload.
		if rt.cfg.Mapping.HotReload {
			watcher, err := config.NewMappingWatcher(rt.cfg.Mapping.Path, rt.mapper,
				logging.Component(rt.logW, "mapping"))
			if err != nil {
				return err
			}
			if err := watcher.Start(); err != nil {
				logger.Printf("mapping watch disabled: %v", err)
			} else {
				defer watcher.Stop()
			}
		}

		// Dashboard.
		if rt.cfg.Dashboard.Enabled {
			dash := dashboard.NewServer(&dashboard.Config{
				Port:   rt.cfg.Dashboard.Port,
				Logger: logging.Component(rt.logW, "dashboard"),
			})
			if err := dash.Start(); err != nil {
				return fmt.Errorf("start dashboard: %w", err)
			}
			defer dash.Stop()

			handler := dashboard.NewHandler(dash, logging.Component(rt.logW, "dashboard"))
			rt.inbound.SetNotifiers(handler.OnSyncComplete, handler.OnStoryUpdate)
			rt.outbound.SetNotifiers(handler.OnPushComplete, handler.OnSyncComplete)
			fmt.Printf("Dashboard: ws://%s/ws\n", dash.GetAddr())
		}

		// Control plane.
		ctrl := server.New(server.Config{
			Port:   rt.cfg.Server.Port,
			Logger: logging.Component(rt.logW, "server"),
		}, rt.inbound, rt.outbound)
		if err := ctrl.Start(); err != nil {
			return fmt.Errorf("start control plane: %w", err)
		}
		defer ctrl.Stop()
		fmt.Printf("Control plane: http://%s\n", ctrl.Addr())

		// Inbound polling.
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		rt.inbound.StartPolling(ctx)
		defer rt.inbound.StopPolling()

		logger.Printf("daemon started (poll interval %s)", rt.cfg.Sync.PollInterval)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()
		fmt.Println("\nShutting down...")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
