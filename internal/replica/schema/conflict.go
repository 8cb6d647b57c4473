package schema

// Snapshot is the part of a record shown when two replicas disagree.
type Snapshot struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updated_at"`
}

// Conflict pairs the local and remote snapshots of a record that changed on
// both sides since the last successful sync.
type Conflict struct {
	Table      Table    `json:"table" yaml:"table"`
	RecordID   string   `json:"record_id" yaml:"record_id"`
	Local      Snapshot `json:"local" yaml:"local"`
	Remote     Snapshot `json:"remote" yaml:"remote"`
	DetectedAt int64    `json:"detected_at" yaml:"detected_at"`
}

// Key returns the conflict's record key.
func (c Conflict) Key() RecordKey {
	return RecordKey{Table: c.Table, ID: c.RecordID}
}

// Snapshot returns the conflict snapshot of a map.
func (m *Map) Snapshot() Snapshot {
	return Snapshot{ID: m.ID, Title: m.Title, Version: m.Version, UpdatedAt: m.UpdatedAt}
}

// Snapshot returns the conflict snapshot of a node.
func (n *Node) Snapshot() Snapshot {
	return Snapshot{ID: n.ID, Title: n.Label, Version: n.Version, UpdatedAt: n.UpdatedAt}
}

// Snapshot returns the conflict snapshot of an edge.
func (e *Edge) Snapshot() Snapshot {
	return Snapshot{ID: e.ID, Title: e.Title(), Version: e.Version, UpdatedAt: e.UpdatedAt}
}
