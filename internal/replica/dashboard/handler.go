package dashboard

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/mapsync/mapsync/internal/replica/daemon"
)

// Handler turns controller status updates into dashboard messages.
type Handler struct {
	server *Server
	logger *log.Logger

	lastFinished  time.Time
	lastConflicts int
}

// NewHandler creates a handler broadcasting through server.
// If logger is nil, a default stderr logger is used.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{server: server, logger: logger, lastConflicts: -1}
}

// Run forwards updates until ctx is done or the channel closes.
func (h *Handler) Run(ctx context.Context, updates <-chan daemon.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			h.OnStatus(st)
		}
	}
}

// OnStatus broadcasts a status snapshot, plus the sync result and conflict
// list when they changed since the previous snapshot.
func (h *Handler) OnStatus(st daemon.Status) {
	h.server.BroadcastJSON(MessageTypeStatus, st)

	if r := st.LastResult; r != nil && !r.FinishedAt.Equal(h.lastFinished) {
		h.lastFinished = r.FinishedAt
		h.logger.Printf("Sync finished: success=%v synced=%d failed=%d conflicts=%d",
			r.Success, r.Synced, r.Failed, r.Conflicts)
		h.server.BroadcastJSON(MessageTypeSyncResult, r)
	}

	if n := len(st.Conflicts); n != h.lastConflicts {
		h.lastConflicts = n
		h.server.BroadcastJSON(MessageTypeConflicts, st.Conflicts)
	}
}
