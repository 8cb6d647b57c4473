// Package daemon decides when a replica synchronizes.
//
// # Architecture
//
// The Controller merges three trigger sources into one loop goroutine:
//
//   - NetworkMonitor: an offline→online transition runs a sync
//   - LifecycleSource: returning to the foreground runs a sync
//   - a timer: runs a sync every interval, reconfigurable with SetInterval
//
// Every trigger calls tick, which runs serially on the loop. A tick
// short-circuits when there is no session, the replica is offline, or the
// engine already has a sync in flight; otherwise it runs the engine and
// publishes the result:
//
//	ctrl := daemon.NewController(engine, sessions, daemon.Sources{
//	    Network:   daemon.NewHTTPProbe(client, 30*time.Second, nil),
//	    Lifecycle: daemon.NewSignalLifecycle(),
//	}, daemon.Config{Interval: 5 * time.Minute, Conflicts: surface})
//
//	if err := ctrl.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ctrl.Stop()
//
//	updates, cancel := ctrl.Subscribe()
//	defer cancel()
//	for st := range updates {
//	    log.Printf("online=%v pending=%d", st.Online, st.PendingChanges)
//	}
//
// # Config Watching
//
// ConfigWatcher follows the config file with fsnotify and hands each reload
// to a callback, which the CLI uses to apply a changed sync interval without
// a restart.
package daemon
