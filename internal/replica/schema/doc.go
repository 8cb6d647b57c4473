// Package schema defines the records held by a mapsync replica.
//
// Three entity kinds are replicated:
//   - Map: a container owning nodes and edges
//   - Node: a tree-structured item inside a map (optional parent node)
//   - Edge: a directed link between two nodes of the same map
//
// Every entity embeds Meta, the sync metadata that drives replication:
//
//	version         starts at 1, +1 on every user-visible mutation
//	is_synced       false whenever local state diverged from the remote copy
//	last_synced_at  time of the last successful reconciliation (nullable)
//	deleted_at      soft-delete marker (nullable)
//
// All timestamps are integer milliseconds since the Unix epoch.
//
// The package also defines the change log record (ChangeRecord) consumed by
// push, and the Conflict record surfaced when both replicas diverged.
package schema
