package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mapsync/mapsync/internal/replica/schema"
)

const metaColumns = "version, is_synced, last_synced_at, deleted_at, created_at, updated_at"

const (
	mapColumns  = "id, title, description, " + metaColumns
	nodeColumns = "id, map_id, parent_id, label, content, level, pos_x, pos_y, color, " + metaColumns
	edgeColumns = "id, map_id, source_id, target_id, label, style, " + metaColumns
)

const metaUpsert = `
	version = excluded.version,
	is_synced = excluded.is_synced,
	last_synced_at = excluded.last_synced_at,
	deleted_at = excluded.deleted_at,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at`

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func metaArgs(m *schema.Meta) []any {
	return []any{m.Version, boolToInt(m.IsSynced), nullInt64(m.LastSyncedAt), nullInt64(m.DeletedAt), m.CreatedAt, m.UpdatedAt}
}

type metaScan struct {
	synced       int
	lastSyncedAt sql.NullInt64
	deletedAt    sql.NullInt64
}

func (s *metaScan) dest(m *schema.Meta) []any {
	return []any{&m.Version, &s.synced, &s.lastSyncedAt, &s.deletedAt, &m.CreatedAt, &m.UpdatedAt}
}

func (s *metaScan) apply(m *schema.Meta) {
	m.IsSynced = s.synced == 1
	m.LastSyncedAt = int64Ptr(s.lastSyncedAt)
	m.DeletedAt = int64Ptr(s.deletedAt)
}

func scanMap(row rowScanner) (*schema.Map, error) {
	var m schema.Map
	var ms metaScan
	dest := append([]any{&m.ID, &m.Title, &m.Description}, ms.dest(&m.Meta)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	ms.apply(&m.Meta)
	return &m, nil
}

func scanNode(row rowScanner) (*schema.Node, error) {
	var n schema.Node
	var ms metaScan
	var parent sql.NullString
	dest := append([]any{&n.ID, &n.MapID, &parent, &n.Label, &n.Content, &n.Level, &n.PosX, &n.PosY, &n.Color}, ms.dest(&n.Meta)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	n.ParentID = stringPtr(parent)
	ms.apply(&n.Meta)
	return &n, nil
}

func scanEdge(row rowScanner) (*schema.Edge, error) {
	var e schema.Edge
	var ms metaScan
	dest := append([]any{&e.ID, &e.MapID, &e.SourceID, &e.TargetID, &e.Label, &e.Style}, ms.dest(&e.Meta)...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	ms.apply(&e.Meta)
	return &e, nil
}

// ===== Maps =====

// GetMap returns the map with id, soft-deleted or not. It returns nil, nil
// when no row exists.
func (q *Queries) GetMap(ctx context.Context, id string) (*schema.Map, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+mapColumns+` FROM maps WHERE id = ?`, id)
	m, err := scanMap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get map %s: %w", id, err)
	}
	return m, nil
}

// SaveMap inserts the map or overwrites every column of an existing row.
func (q *Queries) SaveMap(ctx context.Context, m *schema.Map) error {
	query := `
	INSERT INTO maps (` + mapColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		description = excluded.description,` + metaUpsert

	args := append([]any{m.ID, m.Title, m.Description}, metaArgs(&m.Meta)...)
	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save map %s: %w", m.ID, err)
	}
	return nil
}

// ListMaps returns active maps ordered by title.
func (q *Queries) ListMaps(ctx context.Context) ([]*schema.Map, error) {
	return q.queryMaps(ctx, `SELECT `+mapColumns+` FROM maps WHERE deleted_at IS NULL ORDER BY title, id`)
}

// MapsUpdatedAfter returns maps, including soft-deleted ones, modified after ms.
func (q *Queries) MapsUpdatedAfter(ctx context.Context, ms int64) ([]*schema.Map, error) {
	return q.queryMaps(ctx, `SELECT `+mapColumns+` FROM maps WHERE updated_at > ? ORDER BY updated_at, id`, ms)
}

// GetMaps returns the active maps among ids.
func (q *Queries) GetMaps(ctx context.Context, ids []string) ([]*schema.Map, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + mapColumns + ` FROM maps WHERE deleted_at IS NULL AND id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	return q.queryMaps(ctx, query, stringArgs(ids)...)
}

func (q *Queries) queryMaps(ctx context.Context, query string, args ...any) ([]*schema.Map, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query maps: %w", err)
	}
	defer rows.Close()

	var out []*schema.Map
	for rows.Next() {
		m, err := scanMap(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan map: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate maps: %w", err)
	}
	return out, nil
}

// ===== Nodes =====

// GetNode returns the node with id, soft-deleted or not. It returns nil, nil
// when no row exists.
func (q *Queries) GetNode(ctx context.Context, id string) (*schema.Node, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node %s: %w", id, err)
	}
	return n, nil
}

// SaveNode inserts the node or overwrites every column of an existing row.
func (q *Queries) SaveNode(ctx context.Context, n *schema.Node) error {
	query := `
	INSERT INTO nodes (` + nodeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		map_id = excluded.map_id,
		parent_id = excluded.parent_id,
		label = excluded.label,
		content = excluded.content,
		level = excluded.level,
		pos_x = excluded.pos_x,
		pos_y = excluded.pos_y,
		color = excluded.color,` + metaUpsert

	args := append([]any{n.ID, n.MapID, nullString(n.ParentID), n.Label, n.Content, n.Level, n.PosX, n.PosY, n.Color}, metaArgs(&n.Meta)...)
	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save node %s: %w", n.ID, err)
	}
	return nil
}

// NodesByMap returns the active nodes of a map ordered by level.
func (q *Queries) NodesByMap(ctx context.Context, mapID string) ([]*schema.Node, error) {
	return q.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE map_id = ? AND deleted_at IS NULL ORDER BY level, created_at, id`, mapID)
}

// NodeChildren returns the active direct children of a node.
func (q *Queries) NodeChildren(ctx context.Context, parentID string) ([]*schema.Node, error) {
	return q.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, parentID)
}

// NodesUpdatedAfter returns nodes, including soft-deleted ones, modified after ms.
func (q *Queries) NodesUpdatedAfter(ctx context.Context, ms int64) ([]*schema.Node, error) {
	return q.queryNodes(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE updated_at > ? ORDER BY updated_at, id`, ms)
}

// GetNodes returns the active nodes among ids.
func (q *Queries) GetNodes(ctx context.Context, ids []string) ([]*schema.Node, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE deleted_at IS NULL AND id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	return q.queryNodes(ctx, query, stringArgs(ids)...)
}

func (q *Queries) queryNodes(ctx context.Context, query string, args ...any) ([]*schema.Node, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var out []*schema.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nodes: %w", err)
	}
	return out, nil
}

// ===== Edges =====

// GetEdge returns the edge with id, soft-deleted or not. It returns nil, nil
// when no row exists.
func (q *Queries) GetEdge(ctx context.Context, id string) (*schema.Edge, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get edge %s: %w", id, err)
	}
	return e, nil
}

// SaveEdge inserts the edge or overwrites every column of an existing row.
func (q *Queries) SaveEdge(ctx context.Context, e *schema.Edge) error {
	query := `
	INSERT INTO edges (` + edgeColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		map_id = excluded.map_id,
		source_id = excluded.source_id,
		target_id = excluded.target_id,
		label = excluded.label,
		style = excluded.style,` + metaUpsert

	args := append([]any{e.ID, e.MapID, e.SourceID, e.TargetID, e.Label, e.Style}, metaArgs(&e.Meta)...)
	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to save edge %s: %w", e.ID, err)
	}
	return nil
}

// EdgesByMap returns the active edges of a map.
func (q *Queries) EdgesByMap(ctx context.Context, mapID string) ([]*schema.Edge, error) {
	return q.queryEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE map_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, mapID)
}

// EdgesTouching returns the active edges with nodeID as source or target.
func (q *Queries) EdgesTouching(ctx context.Context, nodeID string) ([]*schema.Edge, error) {
	return q.queryEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE (source_id = ? OR target_id = ?) AND deleted_at IS NULL ORDER BY created_at, id`, nodeID, nodeID)
}

// EdgesUpdatedAfter returns edges, including soft-deleted ones, modified after ms.
func (q *Queries) EdgesUpdatedAfter(ctx context.Context, ms int64) ([]*schema.Edge, error) {
	return q.queryEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE updated_at > ? ORDER BY updated_at, id`, ms)
}

// GetEdges returns the active edges among ids.
func (q *Queries) GetEdges(ctx context.Context, ids []string) ([]*schema.Edge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + edgeColumns + ` FROM edges WHERE deleted_at IS NULL AND id IN (` + placeholders(len(ids)) + `) ORDER BY id`
	return q.queryEdges(ctx, query, stringArgs(ids)...)
}

func (q *Queries) queryEdges(ctx context.Context, query string, args ...any) ([]*schema.Edge, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var out []*schema.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate edges: %w", err)
	}
	return out, nil
}

// ===== Sync metadata =====

// MarkSynced flags a row as reconciled at syncedAt, but only while it still
// holds the pushed version. A row edited again during the push stays
// unsynced. Reports whether the row was updated.
func (q *Queries) MarkSynced(ctx context.Context, table schema.Table, id string, version, syncedAt int64) (bool, error) {
	name, err := tableName(table)
	if err != nil {
		return false, err
	}
	res, err := q.q.ExecContext(ctx,
		`UPDATE `+name+` SET is_synced = 1, last_synced_at = ? WHERE id = ? AND version = ?`,
		syncedAt, id, version)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s/%s synced: %w", table, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkPushed records that the remote side holds the row as of pushedAt (the
// pushed updated_at) without flagging it synced. last_synced_at never moves
// backwards.
func (q *Queries) MarkPushed(ctx context.Context, table schema.Table, id string, pushedAt int64) error {
	name, err := tableName(table)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx,
		`UPDATE `+name+` SET last_synced_at = ? WHERE id = ? AND is_synced = 0 AND (last_synced_at IS NULL OR last_synced_at < ?)`,
		pushedAt, id, pushedAt)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s pushed: %w", table, id, err)
	}
	return nil
}

// SetVersionStamp overwrites a row's version and updated_at without touching
// user fields, leaving the row unsynced.
func (q *Queries) SetVersionStamp(ctx context.Context, table schema.Table, id string, version, updatedAt int64) error {
	name, err := tableName(table)
	if err != nil {
		return err
	}
	if _, err := q.q.ExecContext(ctx, `UPDATE `+name+` SET version = ?, updated_at = ?, is_synced = 0 WHERE id = ?`, version, updatedAt, id); err != nil {
		return fmt.Errorf("failed to set version of %s/%s: %w", table, id, err)
	}
	return nil
}

// CountUnsynced returns the number of rows in table awaiting push.
func (q *Queries) CountUnsynced(ctx context.Context, table schema.Table) (int, error) {
	name, err := tableName(table)
	if err != nil {
		return 0, err
	}
	var count int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+name+` WHERE is_synced = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unsynced %s: %w", table, err)
	}
	return count, nil
}

func tableName(t schema.Table) (string, error) {
	switch t {
	case schema.TableMaps, schema.TableNodes, schema.TableEdges:
		return string(t), nil
	}
	return "", fmt.Errorf("unknown table %q", t)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// GetMeta returns the sync metadata of any row, or nil when it does not exist.
func (q *Queries) GetMeta(ctx context.Context, table schema.Table, id string) (*schema.Meta, error) {
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	var m schema.Meta
	var ms metaScan
	row := q.q.QueryRowContext(ctx, `SELECT `+metaColumns+` FROM `+name+` WHERE id = ?`, id)
	if err := row.Scan(ms.dest(&m)...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get %s/%s: %w", table, id, err)
	}
	ms.apply(&m)
	return &m, nil
}
