package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/config"
	"github.com/mapsync/mapsync/internal/lockfile"
	"github.com/mapsync/mapsync/internal/replica/daemon"
	"github.com/mapsync/mapsync/internal/replica/dashboard"
	"github.com/mapsync/mapsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync controller in the foreground",
	Long: `Run the sync controller until interrupted.

The controller syncs when:
  - the remote becomes reachable (polled every probe_interval)
  - the process receives SIGUSR1 (app returned to foreground)
  - sync_interval elapses

It never syncs without a session, while offline, or while a sync is already
running. Editing sync_interval in the config file takes effect without a
restart.

Status is served on a WebSocket dashboard (ws://<dashboard_addr>/ws) that
'mapsync watch' connects to. Only one daemon may run per data directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		lock, err := lockfile.Acquire(cfg.DataDir)
		if err != nil {
			return err
		}
		defer lock.Release()

		r, err := openReplica(ctx)
		if err != nil {
			return err
		}
		defer r.Close()

		d, err := startDaemon(ctx, r, !noDashboard)
		if err != nil {
			return err
		}
		defer d.stop()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Sync daemon started\n", ui.RenderAccent("🚀"))
		fmt.Fprintf(out, "   Database: %s\n", r.store.Path())
		fmt.Fprintf(out, "   Remote: %s\n", r.cfg.RemoteURL)
		fmt.Fprintf(out, "   Interval: %v\n", d.controller.Interval())
		if d.dashboard != nil {
			fmt.Fprintf(out, "   Dashboard: ws://%s/ws\n", d.dashboard.GetAddr())
		}
		if r.cfg.File() != "" {
			fmt.Fprintf(out, "   Config: %s (watched)\n", r.cfg.File())
		}
		fmt.Fprintf(out, "\nPress Ctrl+C to stop\n\n")

		<-ctx.Done()
		fmt.Fprintln(out, "\nShutting down sync daemon...")
		return nil
	},
}

// runningDaemon is a started controller with its dashboard and config
// watcher.
type runningDaemon struct {
	controller *daemon.Controller
	dashboard  *dashboard.Server
	watcher    *daemon.ConfigWatcher
	cancel     context.CancelFunc
	logger     *log.Logger
}

// startDaemon wires the controller to the replica's sources and starts it.
func startDaemon(ctx context.Context, r *replica, withDashboard bool) (*runningDaemon, error) {
	logger := r.logs.Logger("daemon")
	probe := daemon.NewHTTPProbe(r.client, r.cfg.ProbeInterval, logger)

	controller := daemon.NewController(r.engine, r.session, daemon.Sources{
		Network:   probe,
		Lifecycle: daemon.NewSignalLifecycle(),
	}, daemon.Config{
		Interval:  r.cfg.SyncInterval,
		Conflicts: r.conflicts,
		Logger:    logger,
	})

	ctx, cancel := context.WithCancel(ctx)
	d := &runningDaemon{controller: controller, cancel: cancel, logger: logger}

	if withDashboard {
		d.dashboard = dashboard.NewServer(controller.Status, &dashboard.Config{
			Addr:   r.cfg.DashboardAddr,
			Logger: r.logs.Logger("dashboard"),
		})
		if err := d.dashboard.Start(); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to start dashboard: %w", err)
		}
		updates, unsubscribe := controller.Subscribe()
		handler := dashboard.NewHandler(d.dashboard, r.logs.Logger("dashboard"))
		go func() {
			defer unsubscribe()
			handler.Run(ctx, updates)
		}()
	}

	if path := r.cfg.File(); path != "" {
		w, err := daemon.NewConfigWatcher(path, 500*time.Millisecond, func() {
			reloadInterval(controller, path, logger)
		}, logger)
		if err != nil {
			logger.Printf("config watching disabled: %v", err)
		} else if err := w.Start(); err != nil {
			logger.Printf("config watching disabled: %v", err)
		} else {
			d.watcher = w
		}
	}

	if err := controller.Start(ctx); err != nil {
		d.stop()
		return nil, err
	}
	return d, nil
}

// reloadInterval rereads the config file and applies a changed sync
// interval. Other settings need a restart.
func reloadInterval(c *daemon.Controller, path string, logger *log.Logger) {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Printf("ignoring config change: %v", err)
		return
	}
	if cfg.SyncInterval != c.Interval() {
		logger.Printf("sync interval changed: %v -> %v", c.Interval(), cfg.SyncInterval)
		c.SetInterval(cfg.SyncInterval)
	}
}

func (d *runningDaemon) stop() {
	if err := d.controller.Stop(); err != nil {
		d.logger.Printf("stopping controller: %v", err)
	}
	d.cancel()
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.dashboard != nil {
		if err := d.dashboard.Stop(); err != nil {
			d.logger.Printf("stopping dashboard: %v", err)
		}
	}
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the status dashboard")
	rootCmd.AddCommand(daemonCmd)
}
