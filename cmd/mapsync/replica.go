package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/mapsync/mapsync/internal/config"
	"github.com/mapsync/mapsync/internal/logging"
	"github.com/mapsync/mapsync/internal/remote"
	"github.com/mapsync/mapsync/internal/replica/conflict"
	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/repo"
	"github.com/mapsync/mapsync/internal/replica/schema"
	rsync "github.com/mapsync/mapsync/internal/replica/sync"
	"github.com/mapsync/mapsync/internal/session"
)

// replica is the fully wired local store of one data directory.
type replica struct {
	cfg       *config.Config
	logs      *logging.Factory
	clock     *schema.Clock
	store     *db.DB
	repo      *repo.Repository
	session   *session.DBStore
	client    *remote.Client
	conflicts *conflict.Surface
	engine    *rsync.Engine
}

// loadConfig reads the config selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openReplica loads the config and opens the replica it names.
func openReplica(ctx context.Context) (*replica, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logs := logging.New(logging.Options{File: cfg.LogFile, MaxSizeMB: cfg.LogMaxSizeMB})
	r, err := newReplica(ctx, cfg, logs)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return r, nil
}

// newReplica opens the database of cfg and wires the sync stack around it.
func newReplica(ctx context.Context, cfg *config.Config, logs *logging.Factory) (*replica, error) {
	policy, err := rsync.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	store, err := db.OpenWithOptions(cfg.DBPath(), db.Options{Driver: cfg.Driver})
	if err != nil {
		return nil, err
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	clock := schema.NewClock(nil)
	sess, err := session.NewDBStore(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	surface, err := conflict.New(ctx, store, clock, logs.Logger("conflict"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	client := remote.NewClient(cfg.RemoteURL, sess, cfg.RequestTimeout, logs.Logger("remote"))
	engine := rsync.New(store, client, surface, sess, rsync.Config{
		MaxRetries: cfg.MaxRetries,
		Policy:     policy,
		Retention:  cfg.Retention(),
		Clock:      clock,
		Logger:     logs.Logger("sync"),
	})

	return &replica{
		cfg:       cfg,
		logs:      logs,
		clock:     clock,
		store:     store,
		repo:      repo.New(store, clock),
		session:   sess,
		client:    client,
		conflicts: surface,
		engine:    engine,
	}, nil
}

// Close closes the database and the log file.
func (r *replica) Close() error {
	return errors.Join(r.store.Close(), r.logs.Close())
}

// withReplica opens the replica, runs fn and closes it.
func withReplica(ctx context.Context, fn func(r *replica) error) error {
	r, err := openReplica(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}
