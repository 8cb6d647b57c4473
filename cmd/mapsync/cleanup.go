package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/ui"
)

var cleanupCmd = &cobra.Command{
	Use:     "cleanup",
	GroupID: "advanced",
	Short:   "Hard-delete synced soft-deleted rows",
	Long: `Physically remove rows that were soft-deleted before a cutoff and are
already synced. Deletions that have not reached the remote are kept.

The cutoff defaults to now minus retention_days. --before accepts a date
(2024-05-01), a duration (720h) or a phrase such as "31 days ago" or
"last monday".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		before, _ := cmd.Flags().GetString("before")
		return withReplica(cmd.Context(), func(r *replica) error {
			now := time.Now()
			var cutoff time.Time
			if before != "" {
				var err error
				if cutoff, err = parseCutoff(before, now); err != nil {
					return err
				}
			} else {
				retention := r.cfg.Retention()
				if retention < 0 {
					return errors.New("retention is disabled (retention_days = 0); pass --before")
				}
				cutoff = now.Add(-retention)
			}

			stats, err := r.store.PurgeDeleted(cmd.Context(), schema.Millis(cutoff))
			if err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), purgeReport{Cutoff: cutoff, PurgeStats: stats}, func(w io.Writer) {
				fmt.Fprintf(w, "%s Purged %d row(s) deleted before %s\n",
					ui.RenderPass("✓"), stats.Total(), cutoff.Format("2006-01-02 15:04"))
				fmt.Fprintf(w, "   Maps: %d\n   Nodes: %d\n   Edges: %d\n", stats.Maps, stats.Nodes, stats.Edges)
			})
		})
	},
}

type purgeReport struct {
	Cutoff time.Time `json:"cutoff"`
	db.PurgeStats
}

var cutoffParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseCutoff reads a cutoff time relative to now.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration %q", s)
		}
		return now.Add(-d), nil
	}
	res, err := cutoffParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cutoff %q: %w", s, err)
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("unrecognized cutoff %q", s)
	}
	if res.Time.After(now) {
		return time.Time{}, fmt.Errorf("cutoff %q is in the future", s)
	}
	return res.Time, nil
}

var pullResetCmd = &cobra.Command{
	Use:     "pull-reset",
	GroupID: "advanced",
	Short:   "Make the next sync pull everything",
	Long: `Forget the last pull time so the next sync asks the remote for every
record. Rows with unpushed local changes are still protected by the usual
conflict rules.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withReplica(cmd.Context(), func(r *replica) error {
			if err := r.store.DeleteSetting(cmd.Context(), db.SettingLastPullAt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Next sync will pull all records\n", ui.RenderPass("✓"))
			return nil
		})
	},
}

func init() {
	cleanupCmd.Flags().String("before", "", `purge rows deleted before this time (e.g. "31 days ago")`)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(pullResetCmd)
}
