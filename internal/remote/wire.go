// Package remote talks to the authoritative mapsync store over HTTP.
//
// Routes (JSON bodies, bearer auth except /health and /auth/refresh):
//
//	GET    /health
//	POST   /auth/refresh
//	GET    /maps?since=<ms>        changes since a server time, grouped by map
//	POST   /{table}                create
//	GET    /{table}/{id}
//	PUT    /{table}/{id}           replace an existing record (404 if absent)
//	DELETE /{table}/{id}
//	PUT    /maps/{id}/edges        upsert a bundle of edges of one map
//
// where {table} is maps, nodes or edges. A write whose version is not newer
// than the stored one is answered 409 with the stored snapshot.
package remote

import (
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// APIVersion is the version of the route set above.
const APIVersion = "v1.2.0"

// MinAPIVersion is the oldest server version this client can sync with.
const MinAPIVersion = "v1.1.0"

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	APIVersion string `json:"api_version"`
}

// MapDelta groups the changes of one map. Map is nil when only nested rows
// changed.
type MapDelta struct {
	MapID string         `json:"map_id"`
	Map   *schema.Map    `json:"map,omitempty"`
	Nodes []*schema.Node `json:"nodes,omitempty"`
	Edges []*schema.Edge `json:"edges,omitempty"`
}

// DeltaResponse is the body of GET /maps?since=.
type DeltaResponse struct {
	ServerTime int64      `json:"server_time"`
	Maps       []MapDelta `json:"maps"`
}

// EdgeBundle is the body of PUT /maps/{id}/edges.
type EdgeBundle struct {
	Edges []*schema.Edge `json:"edges"`
}

// BundleResult reports which edges of a bundle were stored. Stale edges
// lost the version rule and carry the remote snapshot they lost to.
type BundleResult struct {
	Applied int         `json:"applied"`
	Stale   []StaleEdge `json:"stale,omitempty"`
}

// StaleEdge is one edge of a bundle the remote side refused.
type StaleEdge struct {
	ID     string          `json:"id"`
	Remote schema.Snapshot `json:"remote"`
}

// IsStale reports whether the edge with id was refused.
func (r *BundleResult) IsStale(id string) (schema.Snapshot, bool) {
	if r == nil {
		return schema.Snapshot{}, false
	}
	for _, s := range r.Stale {
		if s.ID == id {
			return s.Remote, true
		}
	}
	return schema.Snapshot{}, false
}

// ConflictBody is the body of a 409 response.
type ConflictBody struct {
	Error  string          `json:"error"`
	Remote schema.Snapshot `json:"remote"`
}

// ErrorBody is the body of other error responses.
type ErrorBody struct {
	Error string `json:"error"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
