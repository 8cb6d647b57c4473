package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/mapsync/mapsync/internal/replica/schema"
	rsync "github.com/mapsync/mapsync/internal/replica/sync"
)

// RenderResult summarizes one sync run on a single line.
func RenderResult(r rsync.Result) string {
	switch {
	case r.Skipped:
		return fmt.Sprintf("%s Sync skipped: %s", RenderWarn("⚠"), r.Error)
	case !r.Success:
		msg := fmt.Sprintf("%s Sync failed: synced %d, failed %d, conflicts %d",
			RenderFail("✗"), r.Synced, r.Failed, r.Conflicts)
		if r.Error != "" {
			msg += " (" + r.Error + ")"
		}
		return msg
	case r.Conflicts > 0:
		return fmt.Sprintf("%s Sync complete: synced %d, %d conflict(s) need review",
			RenderWarn("⚠"), r.Synced, r.Conflicts)
	default:
		return fmt.Sprintf("%s Sync complete: synced %d in %v",
			RenderPass("✓"), r.Synced, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
}

// RenderConflicts lists pending conflicts, local and remote side by side.
func RenderConflicts(conflicts []schema.Conflict) string {
	if len(conflicts) == 0 {
		return RenderPass("✓") + " No conflicts\n"
	}
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{
			c.Key().String(),
			fmt.Sprintf("v%d %s", c.Local.Version, quote(c.Local.Title)),
			fmt.Sprintf("v%d %s", c.Remote.Version, quote(c.Remote.Title)),
			RenderMuted(schema.FromMillis(c.DetectedAt).Format("2006-01-02 15:04:05")),
		})
	}
	return RenderTable([]string{"RECORD", "LOCAL", "REMOTE", "DETECTED"}, rows)
}

func quote(s string) string {
	if r := []rune(s); len(r) > 40 {
		s = string(r[:37]) + "..."
	}
	return fmt.Sprintf("%q", s)
}

// OnlineText renders a connectivity flag.
func OnlineText(online bool) string {
	if online {
		return RenderPass("online")
	}
	return RenderWarn("offline")
}

// Indent prefixes every line of s.
func Indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n") + "\n"
}
