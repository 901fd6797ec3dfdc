package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/metaglass/metaglass/internal/catalog"
)

// deleteChunkSize bounds the number of keys passed to one bulk delete.
const deleteChunkSize = 500

// pgTx is the commit-phase surface over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

var _ catalog.Tx = (*pgTx)(nil)

// --- inserts (conflict-ignore on the creating revision checksum) ---
//
// Deduping on created_revision_id keeps re-applied create revisions
// idempotent without colliding with a same-named row that a later pass
// of the same transaction is about to drop.

func (t *pgTx) InsertSchemas(ctx context.Context, rows []*catalog.Schema) error {
	const q = `
		INSERT INTO mg_schemas (pk, datastore_id, name, object_id, tags, created_revision_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (created_revision_id) WHERE created_revision_id <> '' DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.DatastoreID, row.Name, row.ObjectID, tags(row.Tags),
			row.CreatedRevisionID, row.CreatedAt, row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to insert schemas")
}

func (t *pgTx) InsertTables(ctx context.Context, rows []*catalog.Table) error {
	const q = `
		INSERT INTO mg_tables (pk, schema_pk, name, object_id, kind, tags, created_revision_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (created_revision_id) WHERE created_revision_id <> '' DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.SchemaPK, row.Name, row.ObjectID, row.Kind, tags(row.Tags),
			row.CreatedRevisionID, row.CreatedAt, row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to insert tables")
}

func (t *pgTx) InsertColumns(ctx context.Context, rows []*catalog.Column) error {
	const q = `
		INSERT INTO mg_columns
			(pk, table_pk, name, object_id, ordinal_position, data_type, max_length, numeric_scale,
			 is_nullable, is_primary, default_value, db_comment, created_revision_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (created_revision_id) WHERE created_revision_id <> '' DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.TablePK, row.Name, row.ObjectID, row.OrdinalPosition, row.DataType,
			row.MaxLength, row.NumericScale, row.IsNullable, row.IsPrimary,
			row.DefaultValue, row.Comment, row.CreatedRevisionID, row.CreatedAt, row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to insert columns")
}

func (t *pgTx) InsertIndexes(ctx context.Context, rows []*catalog.Index) error {
	const q = `
		INSERT INTO mg_indexes (pk, table_pk, name, object_id, sql, is_primary, is_unique, created_revision_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (created_revision_id) WHERE created_revision_id <> '' DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.TablePK, row.Name, row.ObjectID, row.SQL, row.IsPrimary, row.IsUnique,
			row.CreatedRevisionID, row.CreatedAt, row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to insert indexes")
}

// --- updates ---

func (t *pgTx) UpdateSchemas(ctx context.Context, rows []*catalog.Schema) error {
	const q = `
		UPDATE mg_schemas
		SET name = $2, object_id = $3, tags = $4, updated_at = $5
		WHERE pk = $1`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.Name, row.ObjectID, tags(row.Tags), row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to update schemas")
}

func (t *pgTx) UpdateTables(ctx context.Context, rows []*catalog.Table) error {
	const q = `
		UPDATE mg_tables
		SET schema_pk = $2, name = $3, object_id = $4, kind = $5, tags = $6, updated_at = $7
		WHERE pk = $1`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.SchemaPK, row.Name, row.ObjectID, row.Kind, tags(row.Tags), row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to update tables")
}

func (t *pgTx) UpdateColumns(ctx context.Context, rows []*catalog.Column) error {
	const q = `
		UPDATE mg_columns
		SET name = $2, object_id = $3, ordinal_position = $4, data_type = $5, max_length = $6,
		    numeric_scale = $7, is_nullable = $8, is_primary = $9, default_value = $10,
		    db_comment = $11, updated_at = $12
		WHERE pk = $1`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.Name, row.ObjectID, row.OrdinalPosition, row.DataType, row.MaxLength,
			row.NumericScale, row.IsNullable, row.IsPrimary, row.DefaultValue, row.Comment, row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to update columns")
}

func (t *pgTx) UpdateIndexes(ctx context.Context, rows []*catalog.Index) error {
	const q = `
		UPDATE mg_indexes
		SET name = $2, object_id = $3, sql = $4, is_primary = $5, is_unique = $6, updated_at = $7
		WHERE pk = $1`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(q, row.PK, row.Name, row.ObjectID, row.SQL, row.IsPrimary, row.IsUnique, row.UpdatedAt)
	}
	return t.sendBatch(ctx, batch, "failed to update indexes")
}

// ReplaceIndexColumns upserts the new member set and prunes join rows
// no longer referenced.
func (t *pgTx) ReplaceIndexColumns(ctx context.Context, indexPK string, cols []catalog.IndexColumn) error {
	const upsert = `
		INSERT INTO mg_index_columns (index_pk, column_pk, ordinal_position)
		VALUES ($1, $2, $3)
		ON CONFLICT (index_pk, column_pk) DO UPDATE
		SET ordinal_position = EXCLUDED.ordinal_position`

	keep := make([]string, 0, len(cols))
	batch := &pgx.Batch{}
	for _, ic := range cols {
		batch.Queue(upsert, indexPK, ic.ColumnPK, ic.OrdinalPosition)
		keep = append(keep, ic.ColumnPK)
	}
	if err := t.sendBatch(ctx, batch, "failed to upsert index columns"); err != nil {
		return err
	}

	const prune = `
		DELETE FROM mg_index_columns
		WHERE index_pk = $1 AND column_pk <> ALL($2)`

	_, err := t.tx.Exec(ctx, prune, indexPK, keep)
	return mapError(err, "failed to prune index columns")
}

// --- deletes (FKs cascade to descendants) ---

func (t *pgTx) DeleteSchemas(ctx context.Context, pks []string) error {
	return t.deleteByPK(ctx, `DELETE FROM mg_schemas WHERE pk = ANY($1)`, pks, "failed to delete schemas")
}

func (t *pgTx) DeleteTables(ctx context.Context, pks []string) error {
	return t.deleteByPK(ctx, `DELETE FROM mg_tables WHERE pk = ANY($1)`, pks, "failed to delete tables")
}

func (t *pgTx) DeleteColumns(ctx context.Context, pks []string) error {
	return t.deleteByPK(ctx, `DELETE FROM mg_columns WHERE pk = ANY($1)`, pks, "failed to delete columns")
}

func (t *pgTx) DeleteIndexes(ctx context.Context, pks []string) error {
	return t.deleteByPK(ctx, `DELETE FROM mg_indexes WHERE pk = ANY($1)`, pks, "failed to delete indexes")
}

func (t *pgTx) deleteByPK(ctx context.Context, q string, pks []string, msg string) error {
	for len(pks) > 0 {
		chunk := pks
		if len(chunk) > deleteChunkSize {
			chunk = chunk[:deleteChunkSize]
		}
		if _, err := t.tx.Exec(ctx, q, chunk); err != nil {
			return mapError(err, msg)
		}
		pks = pks[len(chunk):]
	}
	return nil
}

// --- revisions ---

func (t *pgTx) MarkRevisionsApplied(ctx context.Context, ids []string, at time.Time) error {
	const q = `
		UPDATE mg_revisions
		SET applied_on = $2, updated_at = $2
		WHERE id = ANY($1)`

	_, err := t.tx.Exec(ctx, q, ids, at)
	return mapError(err, "failed to mark revisions applied")
}

func (t *pgTx) UpdateRevisionPayload(ctx context.Context, id string, p catalog.Payload) error {
	payload, err := catalog.EncodePayload(p)
	if err != nil {
		return err
	}

	const q = `UPDATE mg_revisions SET payload = $2 WHERE id = $1`
	_, err = t.tx.Exec(ctx, q, id, payload)
	return mapError(err, "failed to update revision payload")
}

func (t *pgTx) DeleteRevisions(ctx context.Context, ids []string) error {
	return t.deleteByPK(ctx, `DELETE FROM mg_revisions WHERE id = ANY($1)`, ids, "failed to delete revisions")
}

// --- helpers ---

func (t *pgTx) sendBatch(ctx context.Context, batch *pgx.Batch, msg string) error {
	if batch.Len() == 0 {
		return nil
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return mapError(err, msg)
		}
	}
	return nil
}

// tags normalizes nil to an empty array so the column's NOT NULL
// constraint holds.
func tags(ts []string) []string {
	if ts == nil {
		return []string{}
	}
	return ts
}
