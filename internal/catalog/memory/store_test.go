package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/errs"
)

var ctx = context.Background()

func seedDatastore(t *testing.T, s *Store) *catalog.Datastore {
	t.Helper()
	ds := &catalog.Datastore{ID: "ds1", Name: "warehouse", Engine: catalog.EnginePostgres, CreatedAt: time.Now()}
	require.NoError(t, s.CreateDatastore(ctx, ds))
	return ds
}

// seedTable inserts schema -> table -> two columns through a transaction
// and returns the persisted rows.
func seedTable(t *testing.T, s *Store) (*catalog.Schema, *catalog.Table, []*catalog.Column) {
	t.Helper()
	schema := &catalog.Schema{PK: "s1", DatastoreID: "ds1", Name: "public"}
	table := &catalog.Table{PK: "t1", SchemaPK: "s1", Name: "orders", Kind: "table"}
	cols := []*catalog.Column{
		{PK: "c1", TablePK: "t1", Name: "id", OrdinalPosition: 1, DataType: "bigint"},
		{PK: "c2", TablePK: "t1", Name: "total", OrdinalPosition: 2, DataType: "numeric"},
	}
	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		if err := tx.InsertSchemas(ctx, []*catalog.Schema{schema}); err != nil {
			return err
		}
		if err := tx.InsertTables(ctx, []*catalog.Table{table}); err != nil {
			return err
		}
		return tx.InsertColumns(ctx, cols)
	}))
	return schema, table, cols
}

func stageOne(t *testing.T, s *Store, runID, name string) catalog.Revision {
	t.Helper()
	rev := catalog.NewRevision("ds1", catalog.ActionCreated, catalog.KindSchema, "",
		catalog.ParentLink{}, &catalog.SchemaCreated{SchemaAttrs: catalog.SchemaAttrs{Name: name}},
		runID, time.Now())
	require.NoError(t, s.StageRevisions(ctx, []catalog.Revision{rev}))
	return rev
}

func TestStore_StageRevisionsDedupes(t *testing.T) {
	s := New()
	seedDatastore(t, s)

	first := stageOne(t, s, "run1", "public")

	// the same observation from a later run moves only the run pointer
	second := stageOne(t, s, "run2", "public")
	require.Equal(t, first.ID, second.ID)

	assert.Empty(t, mustList(t, s, "run1"), "revision no longer belongs to run1")
	got := mustList(t, s, "run2")
	require.Len(t, got, 1)
	assert.Equal(t, "run2", got[0].RunID)
	assert.Equal(t, "run1", got[0].FirstSeenRunID)
	assert.Equal(t, first.FirstSeenOn.Unix(), got[0].FirstSeenOn.Unix())
}

func TestStore_ListUnappliedSkipsApplied(t *testing.T) {
	s := New()
	seedDatastore(t, s)
	rev := stageOne(t, s, "run1", "public")
	stageOne(t, s, "run1", "app")

	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		return tx.MarkRevisionsApplied(ctx, []string{rev.ID}, time.Now())
	}))

	got := mustList(t, s, "run1")
	require.Len(t, got, 1)
	assert.NotEqual(t, rev.ID, got[0].ID)
}

func TestStore_WithinTxRollsBackOnError(t *testing.T) {
	s := New()
	seedDatastore(t, s)

	err := s.WithinTx(ctx, func(tx catalog.Tx) error {
		if err := tx.InsertSchemas(ctx, []*catalog.Schema{{PK: "s1", DatastoreID: "ds1", Name: "public"}}); err != nil {
			return err
		}
		return errs.New(errs.ErrKindQueryFailed, "boom")
	})
	require.Error(t, err)

	rows, err := s.ListSchemas(ctx, "ds1")
	require.NoError(t, err)
	assert.Empty(t, rows, "aborted transaction left nothing behind")
}

func TestStore_DeleteTableCascades(t *testing.T) {
	s := New()
	seedDatastore(t, s)
	_, table, _ := seedTable(t, s)

	idx := &catalog.Index{PK: "i1", TablePK: table.PK, Name: "orders_pkey", IsPrimary: true, IsUnique: true}
	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		if err := tx.InsertIndexes(ctx, []*catalog.Index{idx}); err != nil {
			return err
		}
		return tx.ReplaceIndexColumns(ctx, idx.PK, []catalog.IndexColumn{{ColumnPK: "c1", OrdinalPosition: 1}})
	}))

	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		return tx.DeleteTables(ctx, []string{table.PK})
	}))

	tables, err := s.ListTables(ctx, "ds1")
	require.NoError(t, err)
	assert.Empty(t, tables)
	cols, err := s.ListColumns(ctx, "ds1")
	require.NoError(t, err)
	assert.Empty(t, cols)
	idxs, err := s.ListIndexes(ctx, "ds1")
	require.NoError(t, err)
	assert.Empty(t, idxs)
}

func TestStore_InsertConflictIgnored(t *testing.T) {
	s := New()
	seedDatastore(t, s)

	first := &catalog.Schema{PK: "s1", DatastoreID: "ds1", Name: "public", CreatedRevisionID: "rev-a"}
	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		return tx.InsertSchemas(ctx, []*catalog.Schema{first})
	}))

	// re-applying the same create revision under a different pk is
	// ignored, not an error
	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		return tx.InsertSchemas(ctx, []*catalog.Schema{
			{PK: "s99", DatastoreID: "ds1", Name: "public", CreatedRevisionID: "rev-a"},
		})
	}))

	rows, err := s.ListSchemas(ctx, "ds1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, first.PK, rows[0].PK)

	// a distinct create revision may reuse the name; the dropped pass
	// removes its predecessor within the same transaction
	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		if err := tx.InsertSchemas(ctx, []*catalog.Schema{
			{PK: "s2", DatastoreID: "ds1", Name: "public", CreatedRevisionID: "rev-b"},
		}); err != nil {
			return err
		}
		return tx.DeleteSchemas(ctx, []string{first.PK})
	}))

	rows, err = s.ListSchemas(ctx, "ds1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "s2", rows[0].PK)
}

func TestStore_ListIndexesResolvesMemberNames(t *testing.T) {
	s := New()
	seedDatastore(t, s)
	_, _, cols := seedTable(t, s)

	idx := &catalog.Index{PK: "i1", TablePK: "t1", Name: "orders_total_idx"}
	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		if err := tx.InsertIndexes(ctx, []*catalog.Index{idx}); err != nil {
			return err
		}
		return tx.ReplaceIndexColumns(ctx, idx.PK, []catalog.IndexColumn{{ColumnPK: cols[1].PK, OrdinalPosition: 1}})
	}))

	// rename the member column; the index view must show the new name
	renamed := *cols[1]
	renamed.Name = "grand_total"
	require.NoError(t, s.WithinTx(ctx, func(tx catalog.Tx) error {
		return tx.UpdateColumns(ctx, []*catalog.Column{&renamed})
	}))

	idxs, err := s.ListIndexes(ctx, "ds1")
	require.NoError(t, err)
	require.Len(t, idxs, 1)
	require.Len(t, idxs[0].Columns, 1)
	assert.Equal(t, "grand_total", idxs[0].Columns[0].ColumnName)
}

func TestStore_FinishRunTaskCountsRemaining(t *testing.T) {
	s := New()
	seedDatastore(t, s)
	now := time.Now()
	run := &catalog.Run{ID: "run1", DatastoreID: "ds1", StartedAt: &now, CreatedAt: now}
	require.NoError(t, s.CreateRun(ctx, run))
	tasks := []*catalog.RunTask{
		{ID: "tk1", RunID: "run1", SchemaName: "public", Status: catalog.TaskPending, CreatedAt: now},
		{ID: "tk2", RunID: "run1", SchemaName: "app", Status: catalog.TaskPending, CreatedAt: now},
	}
	require.NoError(t, s.CreateRunTasks(ctx, tasks))

	remaining, err := s.FinishRunTask(ctx, "tk1", catalog.TaskSuccess, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	remaining, err = s.FinishRunTask(ctx, "tk2", catalog.TaskSuccess, time.Now())
	require.NoError(t, err)
	assert.Zero(t, remaining, "last sibling triggers the fan-in")
}

func TestStore_RevokePendingTasks(t *testing.T) {
	s := New()
	seedDatastore(t, s)
	now := time.Now()
	require.NoError(t, s.CreateRun(ctx, &catalog.Run{ID: "run1", DatastoreID: "ds1", StartedAt: &now, CreatedAt: now}))
	require.NoError(t, s.CreateRunTasks(ctx, []*catalog.RunTask{
		{ID: "tk1", RunID: "run1", SchemaName: "public", Status: catalog.TaskPending, CreatedAt: now},
		{ID: "tk2", RunID: "run1", SchemaName: "app", Status: catalog.TaskPending, CreatedAt: now},
		{ID: "tk3", RunID: "run1", SchemaName: "etl", Status: catalog.TaskPending, CreatedAt: now},
	}))
	require.NoError(t, s.StartRunTask(ctx, "tk1", time.Now()))
	_, err := s.FinishRunTask(ctx, "tk1", catalog.TaskFailure, time.Now())
	require.NoError(t, err)

	revoked, err := s.RevokePendingTasks(ctx, "run1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tk2", "tk3"}, revoked)

	tk1, err := s.GetRunTask(ctx, "tk1")
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskFailure, tk1.Status, "finished task untouched by revocation")
	tk2, err := s.GetRunTask(ctx, "tk2")
	require.NoError(t, err)
	assert.Equal(t, catalog.TaskRevoked, tk2.Status)
}

func TestStore_HasUnfinishedRun(t *testing.T) {
	s := New()
	seedDatastore(t, s)
	now := time.Now()
	require.NoError(t, s.CreateRun(ctx, &catalog.Run{ID: "run1", DatastoreID: "ds1", StartedAt: &now, CreatedAt: now}))

	busy, err := s.HasUnfinishedRun(ctx, "ds1")
	require.NoError(t, err)
	assert.True(t, busy)

	require.NoError(t, s.FinishRun(ctx, "run1", time.Now(), 0, false))

	busy, err = s.HasUnfinishedRun(ctx, "ds1")
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := New()
	_, err := s.GetRun(ctx, "missing")
	assert.True(t, errs.IsNotFound(err))
}

func mustList(t *testing.T, s *Store, runID string) []catalog.Revision {
	t.Helper()
	revs, err := s.ListUnapplied(ctx, runID)
	require.NoError(t, err)
	return revs
}
