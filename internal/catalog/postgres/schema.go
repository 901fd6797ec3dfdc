package postgres

import "context"

// ddl creates the catalog tables. Statements are idempotent and run in
// dependency order on every startup.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS mg_datastores (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL UNIQUE,
		engine                TEXT NOT NULL,
		version               TEXT NOT NULL DEFAULT '',
		object_props_disabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		deleted_at            TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS mg_schemas (
		pk                  TEXT PRIMARY KEY,
		datastore_id        TEXT NOT NULL REFERENCES mg_datastores(id) ON DELETE CASCADE,
		name                TEXT NOT NULL,
		object_id           TEXT NOT NULL DEFAULT '',
		tags                TEXT[] NOT NULL DEFAULT '{}',
		created_revision_id TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// Create inserts dedupe on the revision that produced the row, not
	// on the name: during an object-id change the replacement row and
	// the to-be-dropped row share a name inside the same transaction.
	`CREATE UNIQUE INDEX IF NOT EXISTS mg_schemas_created_revision
		ON mg_schemas (created_revision_id) WHERE created_revision_id <> ''`,

	`CREATE INDEX IF NOT EXISTS mg_schemas_name
		ON mg_schemas (datastore_id, name)`,

	`CREATE TABLE IF NOT EXISTS mg_tables (
		pk                  TEXT PRIMARY KEY,
		schema_pk           TEXT NOT NULL REFERENCES mg_schemas(pk) ON DELETE CASCADE,
		name                TEXT NOT NULL,
		object_id           TEXT NOT NULL DEFAULT '',
		kind                TEXT NOT NULL DEFAULT 'table',
		tags                TEXT[] NOT NULL DEFAULT '{}',
		created_revision_id TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS mg_tables_created_revision
		ON mg_tables (created_revision_id) WHERE created_revision_id <> ''`,

	`CREATE INDEX IF NOT EXISTS mg_tables_name
		ON mg_tables (schema_pk, name)`,

	`CREATE TABLE IF NOT EXISTS mg_columns (
		pk                  TEXT PRIMARY KEY,
		table_pk            TEXT NOT NULL REFERENCES mg_tables(pk) ON DELETE CASCADE,
		name                TEXT NOT NULL,
		object_id           TEXT NOT NULL DEFAULT '',
		ordinal_position    INTEGER NOT NULL DEFAULT 0,
		data_type           TEXT NOT NULL DEFAULT '',
		max_length          INTEGER,
		numeric_scale       INTEGER,
		is_nullable         BOOLEAN NOT NULL DEFAULT FALSE,
		is_primary          BOOLEAN NOT NULL DEFAULT FALSE,
		default_value       TEXT NOT NULL DEFAULT '',
		db_comment          TEXT NOT NULL DEFAULT '',
		created_revision_id TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS mg_columns_created_revision
		ON mg_columns (created_revision_id) WHERE created_revision_id <> ''`,

	`CREATE INDEX IF NOT EXISTS mg_columns_name
		ON mg_columns (table_pk, name)`,

	`CREATE TABLE IF NOT EXISTS mg_indexes (
		pk                  TEXT PRIMARY KEY,
		table_pk            TEXT NOT NULL REFERENCES mg_tables(pk) ON DELETE CASCADE,
		name                TEXT NOT NULL,
		object_id           TEXT NOT NULL DEFAULT '',
		sql                 TEXT NOT NULL DEFAULT '',
		is_primary          BOOLEAN NOT NULL DEFAULT FALSE,
		is_unique           BOOLEAN NOT NULL DEFAULT FALSE,
		created_revision_id TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS mg_indexes_created_revision
		ON mg_indexes (created_revision_id) WHERE created_revision_id <> ''`,

	`CREATE INDEX IF NOT EXISTS mg_indexes_name
		ON mg_indexes (table_pk, name)`,

	`CREATE TABLE IF NOT EXISTS mg_index_columns (
		index_pk         TEXT NOT NULL REFERENCES mg_indexes(pk) ON DELETE CASCADE,
		column_pk        TEXT NOT NULL REFERENCES mg_columns(pk) ON DELETE CASCADE,
		ordinal_position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (index_pk, column_pk)
	)`,

	// id is the deterministic checksum, which already embeds the
	// datastore; it doubles as the staging upsert key.
	`CREATE TABLE IF NOT EXISTS mg_revisions (
		id                 TEXT PRIMARY KEY,
		datastore_id       TEXT NOT NULL REFERENCES mg_datastores(id) ON DELETE CASCADE,
		action             TEXT NOT NULL,
		resource_kind      TEXT NOT NULL,
		resource_pk        TEXT NOT NULL DEFAULT '',
		parent_kind        TEXT NOT NULL DEFAULT '',
		parent_pk          TEXT NOT NULL DEFAULT '',
		parent_revision_id TEXT NOT NULL DEFAULT '',
		payload            JSONB NOT NULL,
		run_id             TEXT NOT NULL,
		first_seen_run_id  TEXT NOT NULL,
		first_seen_on      TIMESTAMPTZ NOT NULL,
		applied_on         TIMESTAMPTZ,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS mg_revisions_unapplied
		ON mg_revisions (run_id) WHERE applied_on IS NULL`,

	`CREATE TABLE IF NOT EXISTS mg_runs (
		id             TEXT PRIMARY KEY,
		datastore_id   TEXT NOT NULL REFERENCES mg_datastores(id) ON DELETE CASCADE,
		started_at     TIMESTAMPTZ,
		finished_at    TIMESTAMPTZ,
		revision_count INTEGER NOT NULL DEFAULT 0,
		errored        BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS mg_run_tasks (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES mg_runs(id) ON DELETE CASCADE,
		schema_name  TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		attempts     INTEGER NOT NULL DEFAULT 0,
		started_at   TIMESTAMPTZ,
		finished_at  TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS mg_errors (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL REFERENCES mg_runs(id) ON DELETE CASCADE,
		task_id    TEXT NOT NULL DEFAULT '',
		err_type   TEXT NOT NULL,
		message    TEXT NOT NULL,
		stacktrace TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func (d *Driver) ensureSchema(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return mapError(err, "failed to create catalog tables")
		}
	}
	return nil
}
