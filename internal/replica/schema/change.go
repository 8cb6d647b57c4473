package schema

import "fmt"

// Table names a replicated entity table.
type Table string

const (
	TableMaps  Table = "maps"
	TableNodes Table = "nodes"
	TableEdges Table = "edges"
)

// Tables lists the replicated tables in push order: containers first so
// that nodes and edges never reach the remote side before their map.
var Tables = []Table{TableMaps, TableNodes, TableEdges}

// ParseTable converts a table name into a Table.
func ParseTable(s string) (Table, error) {
	switch Table(s) {
	case TableMaps, TableNodes, TableEdges:
		return Table(s), nil
	case "map", "container":
		return TableMaps, nil
	case "node":
		return TableNodes, nil
	case "edge":
		return TableEdges, nil
	}
	return "", fmt.Errorf("unknown table %q", s)
}

// Operation is the kind of mutation captured by a change record.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeRecord is one entry of the change log: a user-visible mutation of
// one row awaiting push.
type ChangeRecord struct {
	// LogID orders entries written within the same millisecond
	LogID int64 `json:"log_id"`
	// Table is the table of the mutated row
	Table Table `json:"table_name"`
	// RecordID is the id of the mutated row
	RecordID string `json:"record_id"`
	// Operation is INSERT, UPDATE or DELETE
	Operation Operation `json:"operation"`
	// ChangedAt is the mutation time in milliseconds
	ChangedAt int64 `json:"changed_at"`
}

// RecordKey identifies one row across tables.
type RecordKey struct {
	Table Table
	ID    string
}

func (k RecordKey) String() string {
	return string(k.Table) + "/" + k.ID
}
