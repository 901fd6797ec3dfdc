package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/metaglass/metaglass/internal/catalog"
)

// --- datastores ---

func (d *Driver) GetDatastore(ctx context.Context, id string) (*catalog.Datastore, error) {
	const q = `
		SELECT id, name, engine, version, object_props_disabled, created_at, deleted_at
		FROM mg_datastores
		WHERE id = $1`

	var ds catalog.Datastore
	err := d.pool.QueryRow(ctx, q, id).Scan(
		&ds.ID, &ds.Name, &ds.Engine, &ds.Version, &ds.ObjectPropsDisabled, &ds.CreatedAt, &ds.DeletedAt)
	if err != nil {
		return nil, mapError(err, "failed to get datastore")
	}
	return &ds, nil
}

func (d *Driver) ListDatastores(ctx context.Context) ([]*catalog.Datastore, error) {
	const q = `
		SELECT id, name, engine, version, object_props_disabled, created_at, deleted_at
		FROM mg_datastores
		WHERE deleted_at IS NULL
		ORDER BY created_at, id`

	rows, err := d.pool.Query(ctx, q)
	if err != nil {
		return nil, mapError(err, "failed to list datastores")
	}
	defer rows.Close()

	var out []*catalog.Datastore
	for rows.Next() {
		var ds catalog.Datastore
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.Engine, &ds.Version, &ds.ObjectPropsDisabled, &ds.CreatedAt, &ds.DeletedAt); err != nil {
			return nil, mapError(err, "failed to scan datastore")
		}
		out = append(out, &ds)
	}
	return out, mapError(rows.Err(), "error iterating datastores")
}

func (d *Driver) CreateDatastore(ctx context.Context, ds *catalog.Datastore) error {
	const q = `
		INSERT INTO mg_datastores (id, name, engine, version, object_props_disabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := d.pool.Exec(ctx, q, ds.ID, ds.Name, ds.Engine, ds.Version, ds.ObjectPropsDisabled, ds.CreatedAt)
	return mapError(err, "failed to create datastore")
}

// --- metadata graph reads ---

func (d *Driver) ListSchemas(ctx context.Context, datastoreID string) ([]*catalog.Schema, error) {
	const q = `
		SELECT pk, datastore_id, name, object_id, tags, created_revision_id, created_at, updated_at
		FROM mg_schemas
		WHERE datastore_id = $1
		ORDER BY created_at, pk`

	rows, err := d.pool.Query(ctx, q, datastoreID)
	if err != nil {
		return nil, mapError(err, "failed to list schemas")
	}
	defer rows.Close()

	var out []*catalog.Schema
	for rows.Next() {
		var s catalog.Schema
		if err := rows.Scan(&s.PK, &s.DatastoreID, &s.Name, &s.ObjectID, &s.Tags, &s.CreatedRevisionID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, mapError(err, "failed to scan schema")
		}
		out = append(out, &s)
	}
	return out, mapError(rows.Err(), "error iterating schemas")
}

func (d *Driver) ListTables(ctx context.Context, datastoreID string) ([]*catalog.Table, error) {
	const q = `
		SELECT t.pk, t.schema_pk, t.name, t.object_id, t.kind, t.tags, t.created_revision_id, t.created_at, t.updated_at
		FROM mg_tables t
		JOIN mg_schemas s ON s.pk = t.schema_pk
		WHERE s.datastore_id = $1
		ORDER BY t.created_at, t.pk`

	rows, err := d.pool.Query(ctx, q, datastoreID)
	if err != nil {
		return nil, mapError(err, "failed to list tables")
	}
	defer rows.Close()

	var out []*catalog.Table
	for rows.Next() {
		var t catalog.Table
		if err := rows.Scan(&t.PK, &t.SchemaPK, &t.Name, &t.ObjectID, &t.Kind, &t.Tags, &t.CreatedRevisionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, mapError(err, "failed to scan table")
		}
		out = append(out, &t)
	}
	return out, mapError(rows.Err(), "error iterating tables")
}

func (d *Driver) ListColumns(ctx context.Context, datastoreID string) ([]*catalog.Column, error) {
	const q = `
		SELECT c.pk, c.table_pk, c.name, c.object_id, c.ordinal_position, c.data_type,
		       c.max_length, c.numeric_scale, c.is_nullable, c.is_primary,
		       c.default_value, c.db_comment, c.created_revision_id, c.created_at, c.updated_at
		FROM mg_columns c
		JOIN mg_tables  t ON t.pk = c.table_pk
		JOIN mg_schemas s ON s.pk = t.schema_pk
		WHERE s.datastore_id = $1
		ORDER BY c.created_at, c.pk`

	rows, err := d.pool.Query(ctx, q, datastoreID)
	if err != nil {
		return nil, mapError(err, "failed to list columns")
	}
	defer rows.Close()

	var out []*catalog.Column
	for rows.Next() {
		var c catalog.Column
		err := rows.Scan(&c.PK, &c.TablePK, &c.Name, &c.ObjectID, &c.OrdinalPosition, &c.DataType,
			&c.MaxLength, &c.NumericScale, &c.IsNullable, &c.IsPrimary,
			&c.DefaultValue, &c.Comment, &c.CreatedRevisionID, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, mapError(err, "failed to scan column")
		}
		out = append(out, &c)
	}
	return out, mapError(rows.Err(), "error iterating columns")
}

// ListIndexes returns indexes with their member columns populated. The
// member's name is resolved from the current column row, so a renamed
// column is reported under its new name.
func (d *Driver) ListIndexes(ctx context.Context, datastoreID string) ([]*catalog.Index, error) {
	const q = `
		SELECT i.pk, i.table_pk, i.name, i.object_id, i.sql, i.is_primary, i.is_unique,
		       i.created_revision_id, i.created_at, i.updated_at
		FROM mg_indexes i
		JOIN mg_tables  t ON t.pk = i.table_pk
		JOIN mg_schemas s ON s.pk = t.schema_pk
		WHERE s.datastore_id = $1
		ORDER BY i.created_at, i.pk`

	rows, err := d.pool.Query(ctx, q, datastoreID)
	if err != nil {
		return nil, mapError(err, "failed to list indexes")
	}
	defer rows.Close()

	var out []*catalog.Index
	byPK := map[string]*catalog.Index{}
	for rows.Next() {
		var idx catalog.Index
		err := rows.Scan(&idx.PK, &idx.TablePK, &idx.Name, &idx.ObjectID, &idx.SQL, &idx.IsPrimary, &idx.IsUnique,
			&idx.CreatedRevisionID, &idx.CreatedAt, &idx.UpdatedAt)
		if err != nil {
			return nil, mapError(err, "failed to scan index")
		}
		out = append(out, &idx)
		byPK[idx.PK] = &idx
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "error iterating indexes")
	}
	rows.Close()

	const qCols = `
		SELECT ic.index_pk, ic.column_pk, c.name, ic.ordinal_position
		FROM mg_index_columns ic
		JOIN mg_columns c ON c.pk = ic.column_pk
		JOIN mg_indexes i ON i.pk = ic.index_pk
		JOIN mg_tables  t ON t.pk = i.table_pk
		JOIN mg_schemas s ON s.pk = t.schema_pk
		WHERE s.datastore_id = $1
		ORDER BY ic.index_pk, ic.ordinal_position`

	colRows, err := d.pool.Query(ctx, qCols, datastoreID)
	if err != nil {
		return nil, mapError(err, "failed to list index columns")
	}
	defer colRows.Close()

	for colRows.Next() {
		var indexPK string
		var ic catalog.IndexColumn
		if err := colRows.Scan(&indexPK, &ic.ColumnPK, &ic.ColumnName, &ic.OrdinalPosition); err != nil {
			return nil, mapError(err, "failed to scan index column")
		}
		if idx := byPK[indexPK]; idx != nil {
			idx.Columns = append(idx.Columns, ic)
		}
	}
	return out, mapError(colRows.Err(), "error iterating index columns")
}

// --- revision staging ---

func (d *Driver) StageRevisions(ctx context.Context, revs []catalog.Revision) error {
	const q = `
		INSERT INTO mg_revisions
			(id, datastore_id, action, resource_kind, resource_pk,
			 parent_kind, parent_pk, parent_revision_id, payload,
			 run_id, first_seen_run_id, first_seen_on, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE
		SET run_id = EXCLUDED.run_id, updated_at = EXCLUDED.updated_at`

	batch := &pgx.Batch{}
	for _, rev := range revs {
		payload, err := catalog.EncodePayload(rev.Payload)
		if err != nil {
			return err
		}
		batch.Queue(q,
			rev.ID, rev.DatastoreID, rev.Action, rev.ResourceKind, rev.ResourcePK,
			rev.Parent.Kind, rev.Parent.PK, rev.Parent.RevisionID, payload,
			rev.RunID, rev.FirstSeenRunID, rev.FirstSeenOn, rev.UpdatedAt)
	}
	return d.sendBatch(ctx, batch, "failed to stage revisions")
}

func (d *Driver) ListUnapplied(ctx context.Context, runID string) ([]catalog.Revision, error) {
	const q = `
		SELECT id, datastore_id, action, resource_kind, resource_pk,
		       parent_kind, parent_pk, parent_revision_id, payload,
		       run_id, first_seen_run_id, first_seen_on, applied_on, updated_at
		FROM mg_revisions
		WHERE run_id = $1 AND applied_on IS NULL
		ORDER BY first_seen_on, id`

	rows, err := d.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, mapError(err, "failed to list unapplied revisions")
	}
	defer rows.Close()

	var out []catalog.Revision
	for rows.Next() {
		var rev catalog.Revision
		var payload []byte
		err := rows.Scan(&rev.ID, &rev.DatastoreID, &rev.Action, &rev.ResourceKind, &rev.ResourcePK,
			&rev.Parent.Kind, &rev.Parent.PK, &rev.Parent.RevisionID, &payload,
			&rev.RunID, &rev.FirstSeenRunID, &rev.FirstSeenOn, &rev.AppliedOn, &rev.UpdatedAt)
		if err != nil {
			return nil, mapError(err, "failed to scan revision")
		}
		if rev.Payload, err = catalog.DecodePayload(rev.Action, rev.ResourceKind, payload); err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, mapError(rows.Err(), "error iterating revisions")
}

// --- runs ---

func (d *Driver) CreateRun(ctx context.Context, run *catalog.Run) error {
	const q = `
		INSERT INTO mg_runs (id, datastore_id, started_at, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := d.pool.Exec(ctx, q, run.ID, run.DatastoreID, run.StartedAt, run.CreatedAt)
	return mapError(err, "failed to create run")
}

func (d *Driver) GetRun(ctx context.Context, id string) (*catalog.Run, error) {
	const q = `
		SELECT id, datastore_id, started_at, finished_at, revision_count, errored, created_at
		FROM mg_runs
		WHERE id = $1`

	var run catalog.Run
	err := d.pool.QueryRow(ctx, q, id).Scan(
		&run.ID, &run.DatastoreID, &run.StartedAt, &run.FinishedAt, &run.RevisionCount, &run.Errored, &run.CreatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get run")
	}
	return &run, nil
}

func (d *Driver) HasUnfinishedRun(ctx context.Context, datastoreID string) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM mg_runs
			WHERE datastore_id = $1 AND finished_at IS NULL
		)`

	var exists bool
	if err := d.pool.QueryRow(ctx, q, datastoreID).Scan(&exists); err != nil {
		return false, mapError(err, "failed to check unfinished runs")
	}
	return exists, nil
}

func (d *Driver) FinishRun(ctx context.Context, runID string, at time.Time, revisionCount int, errored bool) error {
	const q = `
		UPDATE mg_runs
		SET finished_at = $2, revision_count = $3, errored = (errored OR $4)
		WHERE id = $1`

	tag, err := d.pool.Exec(ctx, q, runID, at, revisionCount, errored)
	if err != nil {
		return mapError(err, "failed to finish run")
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows, "run not found")
	}
	return nil
}

// --- run tasks ---

func (d *Driver) CreateRunTasks(ctx context.Context, tasks []*catalog.RunTask) error {
	const q = `
		INSERT INTO mg_run_tasks (id, run_id, schema_name, storage_path, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, task := range tasks {
		batch.Queue(q, task.ID, task.RunID, task.SchemaName, task.StoragePath, task.Status, task.CreatedAt)
	}
	return d.sendBatch(ctx, batch, "failed to create run tasks")
}

func (d *Driver) GetRunTask(ctx context.Context, id string) (*catalog.RunTask, error) {
	const q = `
		SELECT id, run_id, schema_name, storage_path, status, attempts, started_at, finished_at, created_at
		FROM mg_run_tasks
		WHERE id = $1`

	var task catalog.RunTask
	err := d.pool.QueryRow(ctx, q, id).Scan(
		&task.ID, &task.RunID, &task.SchemaName, &task.StoragePath, &task.Status,
		&task.Attempts, &task.StartedAt, &task.FinishedAt, &task.CreatedAt)
	if err != nil {
		return nil, mapError(err, "failed to get run task")
	}
	return &task, nil
}

func (d *Driver) StartRunTask(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE mg_run_tasks
		SET started_at = $2, attempts = attempts + 1
		WHERE id = $1`

	tag, err := d.pool.Exec(ctx, q, id, at)
	if err != nil {
		return mapError(err, "failed to start run task")
	}
	if tag.RowsAffected() == 0 {
		return mapError(pgx.ErrNoRows, "run task not found")
	}
	return nil
}

// FinishRunTask moves the task to its terminal status and counts the
// sibling tasks not yet succeeded in the same statement, so the fan-in
// decision is atomic across concurrent workers. The outer query of a
// data-modifying CTE reads the pre-update snapshot, so the finished
// task is excluded from the count and accounted for on this side.
func (d *Driver) FinishRunTask(ctx context.Context, id string, status catalog.TaskStatus, at time.Time) (int, error) {
	const q = `
		WITH finished AS (
			UPDATE mg_run_tasks
			SET status = $2, finished_at = $3
			WHERE id = $1
			RETURNING run_id
		)
		SELECT (
			SELECT count(*)
			FROM mg_run_tasks t
			WHERE t.run_id = f.run_id AND t.id <> $1 AND t.status <> 'SUCCESS'
		)
		FROM finished f`

	var remaining int
	if err := d.pool.QueryRow(ctx, q, id, status, at).Scan(&remaining); err != nil {
		return 0, mapError(err, "failed to finish run task")
	}
	if status != catalog.TaskSuccess {
		remaining++
	}
	return remaining, nil
}

func (d *Driver) RevokePendingTasks(ctx context.Context, runID string) ([]string, error) {
	const q = `
		UPDATE mg_run_tasks
		SET status = 'REVOKED'
		WHERE run_id = $1 AND status = 'PENDING'
		RETURNING id`

	rows, err := d.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, mapError(err, "failed to revoke pending tasks")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapError(err, "failed to scan revoked task id")
		}
		ids = append(ids, id)
	}
	return ids, mapError(rows.Err(), "error iterating revoked tasks")
}

// --- errors ---

func (d *Driver) RecordError(ctx context.Context, re *catalog.RevisionerError) error {
	const q = `
		INSERT INTO mg_errors (id, run_id, task_id, err_type, message, stacktrace, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := d.pool.Exec(ctx, q, re.ID, re.RunID, re.TaskID, re.ErrType, re.Message, re.Stacktrace, re.CreatedAt)
	return mapError(err, "failed to record error")
}

func (d *Driver) ListErrors(ctx context.Context, runID string) ([]*catalog.RevisionerError, error) {
	const q = `
		SELECT id, run_id, task_id, err_type, message, stacktrace, created_at
		FROM mg_errors
		WHERE run_id = $1
		ORDER BY created_at, id`

	rows, err := d.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, mapError(err, "failed to list errors")
	}
	defer rows.Close()

	var out []*catalog.RevisionerError
	for rows.Next() {
		var re catalog.RevisionerError
		if err := rows.Scan(&re.ID, &re.RunID, &re.TaskID, &re.ErrType, &re.Message, &re.Stacktrace, &re.CreatedAt); err != nil {
			return nil, mapError(err, "failed to scan error")
		}
		out = append(out, &re)
	}
	return out, mapError(rows.Err(), "error iterating errors")
}

// --- helpers ---

func (d *Driver) sendBatch(ctx context.Context, batch *pgx.Batch, msg string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := d.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return mapError(err, msg)
		}
	}
	return nil
}
