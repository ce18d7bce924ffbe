package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightlog/nightlog/internal/activity"
	"github.com/nightlog/nightlog/internal/relay"
	"github.com/nightlog/nightlog/internal/remote"
	"github.com/nightlog/nightlog/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync both stores with the relay",
	Long: `Push local commits and pull remote changes for the private store and,
when a share is attached, the shared store.

With --watch the command keeps running: it follows relay signals, local
commits and writes by other processes until interrupted.

With --full the remote cursors and push tokens are rewound first, so the
whole zone is pulled and every local commit is pushed again. Use it after
the relay lost its data.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		full, _ := cmd.Flags().GetBool("full")

		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireOnline(); err != nil {
			return err
		}

		if full {
			if err := a.rec.Reset(cmd.Context()); err != nil {
				return err
			}
		}

		if watch {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("%s Syncing with %s as %s/%s\n", ui.RenderAccent("🔄"), cfg.Relay.URL, cfg.UserID, cfg.DeviceID)
			fmt.Printf("\nPress Ctrl+C to stop\n\n")
			a.running = true
			return a.rec.Start(ctx)
		}

		start := time.Now()
		if err := a.rec.SyncNow(cmd.Context()); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		for _, id := range []activity.StoreID{activity.StorePrivate, activity.StoreShared} {
			store, _ := a.store(string(id))
			n, err := store.Count(cmd.Context())
			if err != nil {
				return err
			}
			zone := a.rec.Zone(id)
			where := zone.String()
			if zone.IsZero() {
				where = ui.RenderMuted("not attached")
			}
			fmt.Printf("   %-8s %4d sessions  %s\n", id, n, where)
		}
		return nil
	},
}

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "sync",
	Short:   "Run a development relay",
	Long: `Start an in-memory relay that devices sync through.

The relay keeps zones, shares and change feeds in memory; restarting it
loses them. Devices recover with 'nightlog sync --full'.

Endpoints:
  /v1/...   push, pull and share API
  /v1/ws    change signals (websocket)
  /health   health check
  /metrics  Prometheus metrics`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Relay.Addr
		}

		server := relay.NewServer(remote.NewCloud(), &relay.Config{
			Addr:   addr,
			Logger: newLogger("relay"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}

		fmt.Printf("%s Relay listening on %s\n", ui.RenderAccent("🚀"), server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down relay...")
		if err := server.Stop(); err != nil {
			return err
		}
		fmt.Println("Relay stopped")
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolP("watch", "w", false, "Keep syncing until interrupted")
	syncCmd.Flags().Bool("full", false, "Rewind cursors and push tokens before syncing")

	relayCmd.Flags().String("addr", "", "Listen address (default: relay.addr)")

	rootCmd.AddCommand(syncCmd, relayCmd)
}
