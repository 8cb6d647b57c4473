package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/lockfile"
	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/ui"
)

// statusReport is the replica overview printed by `mapsync status`.
type statusReport struct {
	Database       string         `json:"database"`
	Remote         string         `json:"remote"`
	Online         *bool          `json:"online,omitempty"`
	LoggedIn       bool           `json:"logged_in"`
	DaemonPID      int            `json:"daemon_pid,omitempty"`
	PendingChanges int            `json:"pending_changes"`
	Unsynced       map[string]int `json:"unsynced"`
	Conflicts      int            `json:"conflicts"`
	LastPullAt     *time.Time     `json:"last_pull_at,omitempty"`
	Policy         string         `json:"conflict_policy"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show replica sync status",
	Long: `Show the local state of the replica: pending changes, unsynced rows per
table, unresolved conflicts, the session and whether a daemon is running.

The remote is probed unless --offline is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		offline, _ := cmd.Flags().GetBool("offline")
		return withReplica(cmd.Context(), func(r *replica) error {
			rep, err := buildStatus(cmd.Context(), r, !offline)
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rep, func(w io.Writer) { printStatus(w, rep) })
		})
	},
}

func buildStatus(ctx context.Context, r *replica, probe bool) (*statusReport, error) {
	rep := &statusReport{
		Database:  r.store.Path(),
		Remote:    r.client.BaseURL,
		Unsynced:  make(map[string]int, len(schema.Tables)),
		Conflicts: r.conflicts.Len(),
		Policy:    r.cfg.ConflictPolicy,
	}
	_, rep.LoggedIn = r.session.Tokens()
	if lockfile.Held(r.cfg.DataDir) {
		rep.DaemonPID, _ = lockfile.Holder(r.cfg.DataDir)
	}

	var err error
	if rep.PendingChanges, err = r.repo.PendingCount(ctx); err != nil {
		return nil, err
	}
	for _, t := range schema.Tables {
		n, err := r.store.CountUnsynced(ctx, t)
		if err != nil {
			return nil, err
		}
		rep.Unsynced[string(t)] = n
	}
	lastPull, err := r.store.LastPullAt(ctx)
	if err != nil {
		return nil, err
	}
	if lastPull > 0 {
		at := schema.FromMillis(lastPull)
		rep.LastPullAt = &at
	}

	if probe {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := r.client.Health(pctx)
		online := err == nil
		rep.Online = &online
	}
	return rep, nil
}

func printStatus(w io.Writer, rep *statusReport) {
	fmt.Fprintf(w, "\n%s Replica Status\n\n", ui.RenderAccent("📊"))
	fmt.Fprintf(w, "Database: %s\n", rep.Database)
	remote := rep.Remote
	if rep.Online != nil {
		remote += " (" + ui.OnlineText(*rep.Online) + ")"
	}
	fmt.Fprintf(w, "Remote: %s\n", remote)
	if rep.LoggedIn {
		fmt.Fprintf(w, "Session: %s\n", ui.RenderPass("logged in"))
	} else {
		fmt.Fprintf(w, "Session: %s\n", ui.RenderWarn("logged out"))
	}
	if rep.DaemonPID > 0 {
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", rep.DaemonPID)
	} else {
		fmt.Fprintf(w, "Daemon: %s\n", ui.RenderMuted("not running"))
	}
	fmt.Fprintf(w, "Pending changes: %d\n", rep.PendingChanges)
	for _, t := range schema.Tables {
		fmt.Fprintf(w, "   Unsynced %s: %d\n", t, rep.Unsynced[string(t)])
	}
	if rep.Conflicts > 0 {
		fmt.Fprintf(w, "Conflicts: %s\n", ui.RenderWarn(fmt.Sprint(rep.Conflicts)))
	} else {
		fmt.Fprintf(w, "Conflicts: 0\n")
	}
	if rep.LastPullAt != nil {
		fmt.Fprintf(w, "Last pull: %s\n", rep.LastPullAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintf(w, "Last pull: %s\n", ui.RenderMuted("never"))
	}
	fmt.Fprintf(w, "Conflict policy: %s\n\n", rep.Policy)
}

func init() {
	statusCmd.Flags().Bool("offline", false, "skip the remote health probe")
	rootCmd.AddCommand(statusCmd)
}
