package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"
)

// Watch connects to a dashboard at addr and calls fn for every message
// until ctx is done, fn returns an error, or the server closes the
// connection. A normal closure returns nil.
func Watch(ctx context.Context, addr string, fn func(Message) error) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to dashboard at %s: %w", addr, err)
	}
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || isClosure(err) {
				return nil
			}
			return fmt.Errorf("failed to read dashboard message: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to decode dashboard message: %w", err)
		}
		if err := fn(msg); err != nil {
			if errors.Is(err, ErrStopWatching) {
				return nil
			}
			return err
		}
	}
}

// ErrStopWatching ends Watch without an error when returned by fn.
var ErrStopWatching = errors.New("stop watching")

func isClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
