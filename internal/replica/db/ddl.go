package db

const schemaDDL = `
-- Replicated entities
CREATE TABLE IF NOT EXISTS maps (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	is_synced INTEGER NOT NULL DEFAULT 0 CHECK (is_synced IN (0, 1)),
	last_synced_at INTEGER,
	deleted_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	map_id TEXT NOT NULL,
	parent_id TEXT,
	label TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	level INTEGER NOT NULL DEFAULT 0,
	pos_x REAL NOT NULL DEFAULT 0,
	pos_y REAL NOT NULL DEFAULT 0,
	color TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	is_synced INTEGER NOT NULL DEFAULT 0 CHECK (is_synced IN (0, 1)),
	last_synced_at INTEGER,
	deleted_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS edges (
	id TEXT PRIMARY KEY,
	map_id TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	style TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	is_synced INTEGER NOT NULL DEFAULT 0 CHECK (is_synced IN (0, 1)),
	last_synced_at INTEGER,
	deleted_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Pending local mutations, drained oldest first by push
CREATE TABLE IF NOT EXISTS change_log (
	log_id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL CHECK (table_name IN ('maps', 'nodes', 'edges')),
	record_id TEXT NOT NULL,
	operation TEXT NOT NULL CHECK (operation IN ('INSERT', 'UPDATE', 'DELETE')),
	changed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

-- Unresolved conflicts survive restarts
CREATE TABLE IF NOT EXISTS sync_conflicts (
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	local_title TEXT NOT NULL DEFAULT '',
	local_version INTEGER NOT NULL,
	local_updated_at INTEGER NOT NULL,
	remote_title TEXT NOT NULL DEFAULT '',
	remote_version INTEGER NOT NULL,
	remote_updated_at INTEGER NOT NULL,
	detected_at INTEGER NOT NULL,
	PRIMARY KEY (table_name, record_id)
);

-- Records whose remote copy must be fetched on the next sync
CREATE TABLE IF NOT EXISTS sync_refetch (
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	PRIMARY KEY (table_name, record_id)
);

CREATE INDEX IF NOT EXISTS idx_maps_updated ON maps(updated_at);
CREATE INDEX IF NOT EXISTS idx_nodes_map ON nodes(map_id);
CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent_id);
CREATE INDEX IF NOT EXISTS idx_nodes_updated ON nodes(updated_at);
CREATE INDEX IF NOT EXISTS idx_edges_map ON edges(map_id);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
CREATE INDEX IF NOT EXISTS idx_edges_updated ON edges(updated_at);
CREATE INDEX IF NOT EXISTS idx_change_log_order ON change_log(changed_at, log_id);
CREATE INDEX IF NOT EXISTS idx_change_log_record ON change_log(table_name, record_id);

-- Retention purge scans
CREATE INDEX IF NOT EXISTS idx_maps_deleted ON maps(deleted_at) WHERE deleted_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_nodes_deleted ON nodes(deleted_at) WHERE deleted_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_edges_deleted ON edges(deleted_at) WHERE deleted_at IS NOT NULL;
`
