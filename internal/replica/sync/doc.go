// Package sync reconciles a local replica with the remote store.
//
// One call to Engine.Sync runs the state machine
//
//	Idle -> Pushing -> Pulling -> Idle
//
// ending in Failed instead when the run cannot proceed at all: no session,
// credentials rejected after a refresh, or a local store failure.
//
// # Push
//
// The change log is read oldest first and grouped per record, tables in
// the order maps, nodes, edges. A record whose log holds a DELETE, or whose
// row is soft-deleted, is deleted remotely (404 counts as success). Any
// other record is written with create-or-replace. Edges are sent as one
// bundle per map and are not counted in Result.Synced.
//
// On success the consumed log entries are deleted and the row is marked
// synced, provided it still has the pushed version. A row edited during its
// push stays unsynced with last_synced_at at the pushed updated_at, so the
// pull echo of that push is kept out rather than raised as a conflict. A 409 raises a conflict
// and keeps the log entries. Other failures bump a per-record retry counter;
// past the ceiling the record counts as failed, and its log entries still
// stay queued. A transport error (no response) ends the push early.
//
// # Pull
//
// Queued refetches ("use remote" resolutions) are served first. Then every
// record the server changed since the last pull is applied per map in one
// transaction:
//   - unknown locally: inserted as synced
//   - both sides changed since the last sync: conflict
//   - otherwise: remote wins when its updated_at is not older (ties prefer remote)
//
// The pull timestamp advances only after the whole batch applied.
//
// # Concurrency
//
// Sync is single-flight: a call made while another runs returns a skipped,
// unsuccessful Result immediately. Runs are never cancelled midway by the
// engine; ctx bounds the network calls.
package sync
