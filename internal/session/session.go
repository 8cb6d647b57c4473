// Package session holds the replica's credentials and serializes token
// refresh.
//
// A Store is injected into the remote client and the sync controller; there
// is no process-wide session. Tokens change only through Guard.Refresh or
// an explicit login/logout.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mapsync/mapsync/internal/replica/db"
)

var (
	// ErrNoSession is returned when no credentials are stored.
	ErrNoSession = errors.New("no session")
	// ErrReauthRequired is returned when a refresh failed and the session
	// was cleared.
	ErrReauthRequired = errors.New("needs re-login")
)

// Tokens is an access/refresh token pair.
type Tokens struct {
	Access  string `json:"access_token"`
	Refresh string `json:"refresh_token"`
}

// Store holds the current session.
type Store interface {
	// Tokens returns the current tokens and whether a session exists.
	Tokens() (Tokens, bool)
	// Set replaces the tokens.
	Set(access, refresh string) error
	// Clear removes the session.
	Clear() error
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens Tokens
	ok     bool
}

// NewMemoryStore returns a store holding t, or an empty store if t is zero.
func NewMemoryStore(t Tokens) *MemoryStore {
	return &MemoryStore{tokens: t, ok: t.Access != ""}
}

func (s *MemoryStore) Tokens() (Tokens, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens, s.ok
}

func (s *MemoryStore) Set(access, refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{Access: access, Refresh: refresh}
	s.ok = access != ""
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{}
	s.ok = false
	return nil
}

// Settings keys used by DBStore.
const (
	settingAccessToken  = "session.access_token"
	settingRefreshToken = "session.refresh_token"
)

// DBStore persists the session in the replica's settings table so it
// survives restarts. Reads are served from memory.
type DBStore struct {
	mem   MemoryStore
	store *db.DB
}

// NewDBStore loads the persisted session from store.
func NewDBStore(ctx context.Context, store *db.DB) (*DBStore, error) {
	access, _, err := store.GetSetting(ctx, settingAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	refresh, _, err := store.GetSetting(ctx, settingRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	s := &DBStore{store: store}
	_ = s.mem.Set(access, refresh)
	return s, nil
}

func (s *DBStore) Tokens() (Tokens, bool) {
	return s.mem.Tokens()
}

func (s *DBStore) Set(access, refresh string) error {
	ctx := context.Background()
	err := s.store.WithTx(ctx, func(tx *db.Queries) error {
		if err := tx.SetSetting(ctx, settingAccessToken, access); err != nil {
			return err
		}
		return tx.SetSetting(ctx, settingRefreshToken, refresh)
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return s.mem.Set(access, refresh)
}

func (s *DBStore) Clear() error {
	_ = s.mem.Clear()
	ctx := context.Background()
	err := s.store.WithTx(ctx, func(tx *db.Queries) error {
		if err := tx.DeleteSetting(ctx, settingAccessToken); err != nil {
			return err
		}
		return tx.DeleteSetting(ctx, settingRefreshToken)
	})
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
