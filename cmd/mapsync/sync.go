package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	rsync "github.com/mapsync/mapsync/internal/replica/sync"
	"github.com/mapsync/mapsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push local changes and pull remote ones once",
	Long: `Run one sync cycle:
  1. Refetch records whose conflicts were resolved with "remote"
  2. Push the change log (maps, then nodes, then edges bundled per map)
  3. Pull everything the remote changed since the last pull
  4. Purge synced soft-deleted rows past the retention window

Exits non-zero when the run did not complete. Conflicts alone do not fail
a run; list them with 'mapsync conflicts ls'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		check, _ := cmd.Flags().GetBool("check")
		return withReplica(cmd.Context(), func(r *replica) error {
			if check {
				h, err := r.client.CheckCompatibility(cmd.Context())
				if err != nil {
					return err
				}
				r.logs.Logger("sync").Printf("remote api %s", h.APIVersion)
			}

			res := r.engine.Sync(cmd.Context())
			if err := emit(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintln(w, ui.RenderResult(res))
			}); err != nil {
				return err
			}
			if !res.Success {
				return errSyncFailed(res)
			}
			return nil
		})
	},
}

func errSyncFailed(res rsync.Result) error {
	if res.Error != "" {
		return fmt.Errorf("sync did not complete: %s", res.Error)
	}
	return fmt.Errorf("sync did not complete: %d record(s) failed", res.Failed)
}

func init() {
	syncCmd.Flags().Bool("check", false, "verify the remote API version first")
	rootCmd.AddCommand(syncCmd)
}
