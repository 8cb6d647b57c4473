package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/logging"
	"github.com/mapsync/mapsync/internal/remote"
	"github.com/mapsync/mapsync/internal/replica/conflict"
	"github.com/mapsync/mapsync/internal/replica/loadtest"
	"github.com/mapsync/mapsync/internal/replica/schema"
	rsync "github.com/mapsync/mapsync/internal/replica/sync"
	"github.com/mapsync/mapsync/internal/session"
	"github.com/mapsync/mapsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure edit latency on a scratch replica",
	Long: `Create a throwaway replica, run concurrent editors against it and report
edit latency. The configured replica is not touched.

With --sync, an in-memory remote server runs alongside and the replica
syncs back to back while the editors work. The run fails if any edit is
missing from the change log or if sync raised a conflict.

Examples:
  mapsync loadtest --editors 20 --edits 50
  mapsync loadtest --sync --nodes 200`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		editors, _ := cmd.Flags().GetInt("editors")
		edits, _ := cmd.Flags().GetInt("edits")
		maps, _ := cmd.Flags().GetInt("maps")
		nodes, _ := cmd.Flags().GetInt("nodes")
		withSync, _ := cmd.Flags().GetBool("sync")
		ctx := cmd.Context()

		if editors <= 0 || edits <= 0 || maps <= 0 || nodes <= 0 {
			return errors.New("--editors, --edits, --maps and --nodes must be positive")
		}

		dir, err := os.MkdirTemp("", "mapsync-loadtest-")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		clock := schema.NewClock(nil)
		tr, err := loadtest.CreateTestReplica(ctx, filepath.Join(dir, "replica.db"), maps, nodes, clock)
		if err != nil {
			return err
		}
		defer tr.Close()

		report := loadtestReport{Editors: editors, EditsPerEditor: edits}
		if withSync {
			engine, surface, stop, err := scratchSync(cmd, tr, clock)
			if err != nil {
				return err
			}
			defer stop()
			if report.Latency, report.SyncRuns, err = tr.SyncUnderLoad(ctx, engine, editors, edits); err != nil {
				return err
			}
			report.Conflicts = surface.Len()
		} else if report.Latency, err = tr.RunConcurrentEdits(ctx, editors, edits); err != nil {
			return err
		}

		if err := tr.VerifyChangeLog(ctx); err != nil {
			return fmt.Errorf("change log check failed: %w", err)
		}
		if err := emit(cmd.OutOrStdout(), report, func(w io.Writer) {
			fmt.Fprintf(w, "%s %d editors x %d edits on %d map(s) of %d nodes\n\n",
				ui.RenderAccent("⚡"), editors, edits, maps, nodes)
			report.Latency.Print(w)
			if withSync {
				fmt.Fprintf(w, "\nSync runs:     %d\n", report.SyncRuns)
				fmt.Fprintf(w, "Conflicts:     %d\n", report.Conflicts)
			}
		}); err != nil {
			return err
		}
		if report.Conflicts > 0 {
			return fmt.Errorf("sync raised %d conflict(s) from local edits", report.Conflicts)
		}
		return nil
	},
}

type loadtestReport struct {
	Editors        int                    `json:"editors"`
	EditsPerEditor int                    `json:"edits_per_editor"`
	Latency        *loadtest.LatencyStats `json:"latency"`
	SyncRuns       int                    `json:"sync_runs,omitempty"`
	Conflicts      int                    `json:"conflicts,omitempty"`
}

// scratchSync starts an in-memory remote and returns an engine syncing the
// scratch replica against it.
func scratchSync(cmd *cobra.Command, tr *loadtest.TestReplica, clock *schema.Clock) (*rsync.Engine, *conflict.Surface, func(), error) {
	logs := logging.New(logging.Options{Quiet: true})
	srv := remote.NewServer(clock, logs.Logger("remote"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = httpServer.Serve(ln) }()
	stop := func() {
		_ = httpServer.Close()
		_ = logs.Close()
	}

	sess := session.NewMemoryStore(srv.IssueSession())
	client := remote.NewClient("http://"+ln.Addr().String(), sess, 10*time.Second, logs.Logger("client"))
	surface, err := conflict.New(cmd.Context(), tr.Store, clock, logs.Logger("conflict"))
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	engine := rsync.New(tr.Store, client, surface, sess, rsync.Config{Clock: clock, Logger: logs.Logger("sync")})
	return engine, surface, stop, nil
}

func init() {
	loadtestCmd.Flags().Int("editors", 10, "Number of concurrent editors")
	loadtestCmd.Flags().Int("edits", 20, "Edits per editor")
	loadtestCmd.Flags().Int("maps", 2, "Maps in the scratch replica")
	loadtestCmd.Flags().Int("nodes", 50, "Nodes per map")
	loadtestCmd.Flags().Bool("sync", false, "Sync against an in-memory remote during the run")
	rootCmd.AddCommand(loadtestCmd)
}
