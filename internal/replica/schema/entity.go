package schema

import (
	"fmt"
	"strings"
)

// MaxTitleLength bounds map titles and node labels.
const MaxTitleLength = 500

// Meta is the sync metadata carried by every entity row.
// IsSynced and LastSyncedAt are local bookkeeping and never leave the replica.
type Meta struct {
	Version      int64  `json:"version"`
	IsSynced     bool   `json:"-"`
	LastSyncedAt *int64 `json:"-"`
	DeletedAt    *int64 `json:"deleted_at,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Deleted reports whether the row carries a soft-delete marker.
func (m Meta) Deleted() bool {
	return m.DeletedAt != nil
}

// DivergedSinceSync reports whether the row was modified locally after its
// last reconciliation. A row that never synced counts as diverged.
func (m Meta) DivergedSinceSync() bool {
	if m.LastSyncedAt == nil {
		return true
	}
	return m.UpdatedAt > *m.LastSyncedAt
}

// Map is the container entity.
type Map struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Meta
}

// Node is an item of a map. Roots have no parent and level 0.
type Node struct {
	ID       string  `json:"id"`
	MapID    string  `json:"map_id"`
	ParentID *string `json:"parent_id,omitempty"`
	Label    string  `json:"label"`
	Content  string  `json:"content,omitempty"`
	Level    int     `json:"level"`
	PosX     float64 `json:"pos_x"`
	PosY     float64 `json:"pos_y"`
	Color    string  `json:"color,omitempty"`
	Meta
}

// Edge links two nodes of the same map.
type Edge struct {
	ID       string `json:"id"`
	MapID    string `json:"map_id"`
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Label    string `json:"label,omitempty"`
	Style    string `json:"style,omitempty"`
	Meta
}

// ValidationError reports an entity field that failed validation.
type ValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Entity, e.Field, e.Reason)
}

// Validate checks the map's user fields.
func (m *Map) Validate() error {
	if m.ID == "" {
		return &ValidationError{Entity: "map", Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(m.Title) == "" {
		return &ValidationError{Entity: "map", Field: "title", Reason: "is required"}
	}
	if len(m.Title) > MaxTitleLength {
		return &ValidationError{Entity: "map", Field: "title",
			Reason: fmt.Sprintf("must be %d characters or less (got %d)", MaxTitleLength, len(m.Title))}
	}
	return nil
}

// Validate checks the node's user fields.
func (n *Node) Validate() error {
	if n.ID == "" {
		return &ValidationError{Entity: "node", Field: "id", Reason: "is required"}
	}
	if n.MapID == "" {
		return &ValidationError{Entity: "node", Field: "map_id", Reason: "is required"}
	}
	if len(n.Label) > MaxTitleLength {
		return &ValidationError{Entity: "node", Field: "label",
			Reason: fmt.Sprintf("must be %d characters or less (got %d)", MaxTitleLength, len(n.Label))}
	}
	if n.ParentID != nil && *n.ParentID == n.ID {
		return &ValidationError{Entity: "node", Field: "parent_id", Reason: "cannot reference itself"}
	}
	if n.Level < 0 {
		return &ValidationError{Entity: "node", Field: "level", Reason: "cannot be negative"}
	}
	return nil
}

// Validate checks the edge's user fields.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return &ValidationError{Entity: "edge", Field: "id", Reason: "is required"}
	}
	if e.MapID == "" {
		return &ValidationError{Entity: "edge", Field: "map_id", Reason: "is required"}
	}
	if e.SourceID == "" || e.TargetID == "" {
		return &ValidationError{Entity: "edge", Field: "source_id/target_id", Reason: "are required"}
	}
	return nil
}

// Title returns the display title used in conflict snapshots.
func (n *Node) Title() string { return n.Label }

// Title returns the display title used in conflict snapshots.
func (e *Edge) Title() string {
	if e.Label != "" {
		return e.Label
	}
	return e.SourceID + " -> " + e.TargetID
}
