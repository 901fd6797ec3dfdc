package memory

import (
	"context"
	"time"

	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/errs"
)

// memTx mutates a cloned state. The caller swaps the clone in only when
// the whole transaction function succeeds.
type memTx struct {
	st  *state
	now func() time.Time
}

var _ catalog.Tx = (*memTx)(nil)

// --- inserts (conflict-ignore on the creating revision checksum) ---
//
// Deduping on CreatedRevisionID keeps re-applied create revisions
// idempotent without colliding with a same-named row that a later pass
// of the same transaction is about to drop.

func (tx *memTx) InsertSchemas(_ context.Context, rows []*catalog.Schema) error {
	for _, row := range rows {
		if tx.schemaByRevision(row.CreatedRevisionID) != nil {
			continue
		}
		v := *row
		tx.st.schemas[row.PK] = &v
		tx.st.schOrder = append(tx.st.schOrder, row.PK)
	}
	return nil
}

func (tx *memTx) InsertTables(_ context.Context, rows []*catalog.Table) error {
	for _, row := range rows {
		if _, ok := tx.st.schemas[row.SchemaPK]; !ok {
			return errs.Newf(errs.ErrKindUnresolvable, "table %s references missing schema %s", row.Name, row.SchemaPK)
		}
		if tx.tableByRevision(row.CreatedRevisionID) != nil {
			continue
		}
		v := *row
		tx.st.tables[row.PK] = &v
		tx.st.tblOrder = append(tx.st.tblOrder, row.PK)
	}
	return nil
}

func (tx *memTx) InsertColumns(_ context.Context, rows []*catalog.Column) error {
	for _, row := range rows {
		if _, ok := tx.st.tables[row.TablePK]; !ok {
			return errs.Newf(errs.ErrKindUnresolvable, "column %s references missing table %s", row.Name, row.TablePK)
		}
		if tx.columnByRevision(row.CreatedRevisionID) != nil {
			continue
		}
		v := *row
		tx.st.columns[row.PK] = &v
		tx.st.colOrder = append(tx.st.colOrder, row.PK)
	}
	return nil
}

func (tx *memTx) InsertIndexes(_ context.Context, rows []*catalog.Index) error {
	for _, row := range rows {
		if _, ok := tx.st.tables[row.TablePK]; !ok {
			return errs.Newf(errs.ErrKindUnresolvable, "index %s references missing table %s", row.Name, row.TablePK)
		}
		if tx.indexByRevision(row.CreatedRevisionID) != nil {
			continue
		}
		v := *row
		v.Columns = nil
		tx.st.indexes[row.PK] = &v
		tx.st.idxOrder = append(tx.st.idxOrder, row.PK)
	}
	return nil
}

// --- updates ---

func (tx *memTx) UpdateSchemas(_ context.Context, rows []*catalog.Schema) error {
	for _, row := range rows {
		if _, ok := tx.st.schemas[row.PK]; !ok {
			return errs.Newf(errs.ErrKindNotFound, "schema %s not found", row.PK)
		}
		v := *row
		v.Tags = append([]string(nil), row.Tags...)
		tx.st.schemas[row.PK] = &v
	}
	return nil
}

func (tx *memTx) UpdateTables(_ context.Context, rows []*catalog.Table) error {
	for _, row := range rows {
		if _, ok := tx.st.tables[row.PK]; !ok {
			return errs.Newf(errs.ErrKindNotFound, "table %s not found", row.PK)
		}
		v := *row
		v.Tags = append([]string(nil), row.Tags...)
		tx.st.tables[row.PK] = &v
	}
	return nil
}

func (tx *memTx) UpdateColumns(_ context.Context, rows []*catalog.Column) error {
	for _, row := range rows {
		if _, ok := tx.st.columns[row.PK]; !ok {
			return errs.Newf(errs.ErrKindNotFound, "column %s not found", row.PK)
		}
		v := *row
		tx.st.columns[row.PK] = &v
	}
	return nil
}

func (tx *memTx) UpdateIndexes(_ context.Context, rows []*catalog.Index) error {
	for _, row := range rows {
		if _, ok := tx.st.indexes[row.PK]; !ok {
			return errs.Newf(errs.ErrKindNotFound, "index %s not found", row.PK)
		}
		v := *row
		v.Columns = nil
		tx.st.indexes[row.PK] = &v
	}
	return nil
}

func (tx *memTx) ReplaceIndexColumns(_ context.Context, indexPK string, cols []catalog.IndexColumn) error {
	if _, ok := tx.st.indexes[indexPK]; !ok {
		return errs.Newf(errs.ErrKindNotFound, "index %s not found", indexPK)
	}
	tx.st.indexCols[indexPK] = append([]catalog.IndexColumn(nil), cols...)
	return nil
}

// --- deletes (cascading) ---

func (tx *memTx) DeleteSchemas(_ context.Context, pks []string) error {
	for _, pk := range pks {
		var tables []string
		for tpk, t := range tx.st.tables {
			if t.SchemaPK == pk {
				tables = append(tables, tpk)
			}
		}
		if err := tx.DeleteTables(nil, tables); err != nil {
			return err
		}
		delete(tx.st.schemas, pk)
	}
	tx.st.schOrder = prune(tx.st.schOrder, tx.stSchemaExists)
	return nil
}

func (tx *memTx) DeleteTables(_ context.Context, pks []string) error {
	for _, pk := range pks {
		for cpk, c := range tx.st.columns {
			if c.TablePK == pk {
				delete(tx.st.columns, cpk)
			}
		}
		for ipk, idx := range tx.st.indexes {
			if idx.TablePK == pk {
				delete(tx.st.indexes, ipk)
				delete(tx.st.indexCols, ipk)
			}
		}
		delete(tx.st.tables, pk)
	}
	tx.st.tblOrder = prune(tx.st.tblOrder, tx.stTableExists)
	tx.st.colOrder = prune(tx.st.colOrder, tx.stColumnExists)
	tx.st.idxOrder = prune(tx.st.idxOrder, tx.stIndexExists)
	return nil
}

func (tx *memTx) DeleteColumns(_ context.Context, pks []string) error {
	for _, pk := range pks {
		delete(tx.st.columns, pk)
		// drop join rows referencing the column
		for ipk, cols := range tx.st.indexCols {
			kept := cols[:0]
			for _, ic := range cols {
				if ic.ColumnPK != pk {
					kept = append(kept, ic)
				}
			}
			tx.st.indexCols[ipk] = kept
		}
	}
	tx.st.colOrder = prune(tx.st.colOrder, tx.stColumnExists)
	return nil
}

func (tx *memTx) DeleteIndexes(_ context.Context, pks []string) error {
	for _, pk := range pks {
		delete(tx.st.indexes, pk)
		delete(tx.st.indexCols, pk)
	}
	tx.st.idxOrder = prune(tx.st.idxOrder, tx.stIndexExists)
	return nil
}

// --- revisions ---

func (tx *memTx) MarkRevisionsApplied(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		rev, ok := tx.st.revisions[id]
		if !ok {
			return errs.Newf(errs.ErrKindNotFound, "revision %s not found", id)
		}
		t := at
		rev.AppliedOn = &t
		rev.UpdatedAt = tx.now()
	}
	return nil
}

func (tx *memTx) UpdateRevisionPayload(_ context.Context, id string, p catalog.Payload) error {
	rev, ok := tx.st.revisions[id]
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "revision %s not found", id)
	}
	rev.Payload = p
	rev.UpdatedAt = tx.now()
	return nil
}

func (tx *memTx) DeleteRevisions(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(tx.st.revisions, id)
	}
	kept := tx.st.revOrder[:0]
	for _, id := range tx.st.revOrder {
		if _, ok := tx.st.revisions[id]; ok {
			kept = append(kept, id)
		}
	}
	tx.st.revOrder = kept
	return nil
}

// --- lookup helpers ---

func (tx *memTx) schemaByRevision(revID string) *catalog.Schema {
	if revID == "" {
		return nil
	}
	for _, row := range tx.st.schemas {
		if row.CreatedRevisionID == revID {
			return row
		}
	}
	return nil
}

func (tx *memTx) tableByRevision(revID string) *catalog.Table {
	if revID == "" {
		return nil
	}
	for _, row := range tx.st.tables {
		if row.CreatedRevisionID == revID {
			return row
		}
	}
	return nil
}

func (tx *memTx) columnByRevision(revID string) *catalog.Column {
	if revID == "" {
		return nil
	}
	for _, row := range tx.st.columns {
		if row.CreatedRevisionID == revID {
			return row
		}
	}
	return nil
}

func (tx *memTx) indexByRevision(revID string) *catalog.Index {
	if revID == "" {
		return nil
	}
	for _, row := range tx.st.indexes {
		if row.CreatedRevisionID == revID {
			return row
		}
	}
	return nil
}

func (tx *memTx) stSchemaExists(pk string) bool { _, ok := tx.st.schemas[pk]; return ok }
func (tx *memTx) stTableExists(pk string) bool  { _, ok := tx.st.tables[pk]; return ok }
func (tx *memTx) stColumnExists(pk string) bool { _, ok := tx.st.columns[pk]; return ok }
func (tx *memTx) stIndexExists(pk string) bool  { _, ok := tx.st.indexes[pk]; return ok }

func prune(order []string, keep func(string) bool) []string {
	out := order[:0]
	for _, pk := range order {
		if keep(pk) {
			out = append(out, pk)
		}
	}
	return out
}
