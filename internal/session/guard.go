package session

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/singleflight"
)

// RefreshFunc exchanges a refresh token for a new token pair.
type RefreshFunc func(ctx context.Context, refreshToken string) (Tokens, error)

// Guard runs at most one token refresh at a time.
//
// Callers that hit an authentication failure concurrently share the single
// in-flight refresh and all receive its result. The store is updated before
// any of them resumes, so no caller retries with the expired token.
type Guard struct {
	store   Store
	refresh RefreshFunc
	group   singleflight.Group
	logger  *log.Logger
}

// NewGuard creates a guard refreshing the tokens held by store.
// If logger is nil, a default stderr logger is used.
func NewGuard(store Store, refresh RefreshFunc, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Guard{store: store, refresh: refresh, logger: logger}
}

// Store returns the guarded session store.
func (g *Guard) Store() Store {
	return g.store
}

// AccessToken returns the current access token, if any.
func (g *Guard) AccessToken() (string, bool) {
	t, ok := g.store.Tokens()
	return t.Access, ok
}

// Refresh obtains fresh tokens after stale was rejected.
//
// If the stored access token no longer equals stale, another caller already
// refreshed and the current tokens are returned without a new call. On
// refresh failure the session is cleared and ErrReauthRequired returned.
func (g *Guard) Refresh(ctx context.Context, stale string) (Tokens, error) {
	if t, done, err := g.current(stale); done {
		return t, err
	}

	v, err, _ := g.group.Do("refresh", func() (any, error) {
		// A refresh may have completed between the check above and Do.
		if t, done, err := g.current(stale); done {
			return t, err
		}

		cur, _ := g.store.Tokens()
		// Waiters share this call; one caller's cancellation must not fail the others.
		t, err := g.refresh(context.WithoutCancel(ctx), cur.Refresh)
		if err != nil {
			g.logger.Printf("WARNING: token refresh failed, clearing session: %v", err)
			if cerr := g.store.Clear(); cerr != nil {
				g.logger.Printf("WARNING: failed to clear session: %v", cerr)
			}
			return Tokens{}, fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		if err := g.store.Set(t.Access, t.Refresh); err != nil {
			return Tokens{}, fmt.Errorf("failed to store refreshed tokens: %w", err)
		}
		return t, nil
	})
	if err != nil {
		return Tokens{}, err
	}
	return v.(Tokens), nil
}

// current reports whether the stored tokens already answer a refresh for stale.
func (g *Guard) current(stale string) (Tokens, bool, error) {
	t, ok := g.store.Tokens()
	if !ok {
		return Tokens{}, true, ErrNoSession
	}
	if t.Access != stale {
		return t, true, nil
	}
	return Tokens{}, false, nil
}
