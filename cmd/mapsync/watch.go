package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mapsync/mapsync/internal/replica/daemon"
	"github.com/mapsync/mapsync/internal/replica/dashboard"
	"github.com/mapsync/mapsync/internal/replica/schema"
	rsync "github.com/mapsync/mapsync/internal/replica/sync"
	"github.com/mapsync/mapsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Follow a running daemon's status",
	Long: `Connect to the dashboard of a running 'mapsync daemon' and print every
status change, sync result and conflict update until interrupted.

With --format json or yaml each message is printed as received.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			addr = cfg.DashboardAddr
		}
		out := cmd.OutOrStdout()
		return dashboard.Watch(cmd.Context(), addr, func(msg dashboard.Message) error {
			if outputFormat != string(formatText) {
				return emit(out, msg, nil)
			}
			return printMessage(out, msg)
		})
	},
}

// printMessage renders one dashboard message as a text line.
func printMessage(w io.Writer, msg dashboard.Message) error {
	ts := ui.RenderMuted(msg.Timestamp.Format(time.TimeOnly))
	switch msg.Type {
	case dashboard.MessageTypeStatus:
		var st daemon.Status
		if err := json.Unmarshal(msg.Data, &st); err != nil {
			return err
		}
		state := "idle"
		if st.Syncing {
			state = ui.RenderAccent("syncing")
		}
		fmt.Fprintf(w, "%s %s, %s, %d pending, %d conflict(s)\n",
			ts, ui.OnlineText(st.Online), state, st.PendingChanges, len(st.Conflicts))
	case dashboard.MessageTypeSyncResult:
		var res rsync.Result
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s %s\n", ts, ui.RenderResult(res))
	case dashboard.MessageTypeConflicts:
		var conflicts []schema.Conflict
		if err := json.Unmarshal(msg.Data, &conflicts); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s Conflicts changed:\n%s", ts, ui.Indent(ui.RenderConflicts(conflicts), "   "))
	default:
		fmt.Fprintf(w, "%s %s\n", ts, msg.Type)
	}
	return nil
}

func init() {
	watchCmd.Flags().String("addr", "", "dashboard address (default dashboard_addr from config)")
	rootCmd.AddCommand(watchCmd)
}
