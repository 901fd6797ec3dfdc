package run

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	blobmem "github.com/metaglass/metaglass/internal/blobstore/memory"
	"github.com/metaglass/metaglass/internal/catalog"
	catmem "github.com/metaglass/metaglass/internal/catalog/memory"
	"github.com/metaglass/metaglass/internal/document"
	"github.com/metaglass/metaglass/internal/errs"
	"github.com/metaglass/metaglass/internal/logger"
	"github.com/metaglass/metaglass/internal/taskqueue"
	"github.com/metaglass/metaglass/internal/taskqueue/inproc"
)

type fixtureInspector struct {
	docs []*document.SchemaDoc
	err  error
}

func (f *fixtureInspector) Inspect(context.Context, *catalog.Datastore) ([]*document.SchemaDoc, error) {
	return f.docs, f.err
}

type fixture struct {
	store  *catmem.Store
	orch   *Orchestrator
	insp   *fixtureInspector
	ds     *catalog.Datastore
	closeQ func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.Nop()

	store := catmem.New()
	blobs := blobmem.New()
	require.NoError(t, blobs.EnsureBucket(ctx, "metaglass-inspections"))
	queue := inproc.New(taskqueue.DefaultConfig(), log)
	t.Cleanup(func() { queue.Close() })

	insp := &fixtureInspector{}
	orch := NewOrchestrator(store, blobs, "metaglass-inspections", queue, insp, log)

	ds := &catalog.Datastore{ID: catalog.NewID(), Name: "fixture", Engine: catalog.EnginePostgres, CreatedAt: time.Now()}
	require.NoError(t, store.CreateDatastore(ctx, ds))
	return &fixture{store: store, orch: orch, insp: insp, ds: ds}
}

// waitForRun polls until the run leaves PENDING or the deadline expires.
func (f *fixture) waitForRun(t *testing.T, runID string) *catalog.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		cur, err := f.store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if cur.Status() != catalog.RunPending {
			return cur
		}
		require.False(t, time.Now().After(deadline), "run %s did not finish in time", runID)
		time.Sleep(5 * time.Millisecond)
	}
}

func snapshot() []*document.SchemaDoc {
	return []*document.SchemaDoc{
		{
			SchemaAttrs: catalog.SchemaAttrs{Name: "public", ObjectID: "2200"},
			Tables: []document.TableDoc{{
				TableAttrs: catalog.TableAttrs{Name: "users", ObjectID: "16384", Kind: "table"},
				Columns: []document.ColumnDoc{
					{ColumnAttrs: catalog.ColumnAttrs{Name: "id", ObjectID: "1", OrdinalPosition: 1, DataType: "bigint"}},
				},
			}},
		},
		{
			SchemaAttrs: catalog.SchemaAttrs{Name: "app", ObjectID: "2300"},
			Tables: []document.TableDoc{{
				TableAttrs: catalog.TableAttrs{Name: "events", ObjectID: "16400", Kind: "table"},
			}},
		},
	}
}

func TestOrchestrator_FullCycle(t *testing.T) {
	f := newFixture(t)
	f.insp.docs = snapshot()

	r, err := f.orch.StartRun(context.Background(), f.ds.ID)
	require.NoError(t, err)

	done := f.waitForRun(t, r.ID)
	assert.Equal(t, catalog.RunSuccess, done.Status())
	// 2 schemas + 2 tables + 1 column
	assert.Equal(t, 5, done.RevisionCount)

	schemas, err := f.store.ListSchemas(context.Background(), f.ds.ID)
	require.NoError(t, err)
	assert.Len(t, schemas, 2)
	tables, err := f.store.ListTables(context.Background(), f.ds.ID)
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}

func TestOrchestrator_EmptyInspectionFinishesImmediately(t *testing.T) {
	f := newFixture(t)

	r, err := f.orch.StartRun(context.Background(), f.ds.ID)
	require.NoError(t, err)

	done := f.waitForRun(t, r.ID)
	assert.Equal(t, catalog.RunSuccess, done.Status())
	assert.Zero(t, done.RevisionCount)
}

func TestOrchestrator_DropsOnlyRunCommitsDirectly(t *testing.T) {
	f := newFixture(t)
	f.insp.docs = snapshot()
	r, err := f.orch.StartRun(context.Background(), f.ds.ID)
	require.NoError(t, err)
	f.waitForRun(t, r.ID)

	// the whole structure vanished from the engine
	f.insp.docs = nil
	r, err = f.orch.StartRun(context.Background(), f.ds.ID)
	require.NoError(t, err)

	done := f.waitForRun(t, r.ID)
	assert.Equal(t, catalog.RunSuccess, done.Status())
	assert.Equal(t, 5, done.RevisionCount, "every entity dropped")

	schemas, err := f.store.ListSchemas(context.Background(), f.ds.ID)
	require.NoError(t, err)
	assert.Empty(t, schemas)
}

func TestOrchestrator_SecondRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.insp.docs = snapshot()

	r, err := f.orch.StartRun(context.Background(), f.ds.ID)
	require.NoError(t, err)
	f.waitForRun(t, r.ID)

	r, err = f.orch.StartRun(context.Background(), f.ds.ID)
	require.NoError(t, err)
	done := f.waitForRun(t, r.ID)
	assert.Equal(t, catalog.RunSuccess, done.Status())
	assert.Zero(t, done.RevisionCount, "unchanged snapshot applies nothing")
}

func TestOrchestrator_MalformedDocumentFailsRun(t *testing.T) {
	f := newFixture(t)
	docs := snapshot()
	docs[1].Tables[0].Name = "" // rejected during extraction
	f.insp.docs = docs

	r, err := f.orch.StartRun(context.Background(), f.ds.ID)
	require.NoError(t, err)

	done := f.waitForRun(t, r.ID)
	assert.Equal(t, catalog.RunFailure, done.Status())
	assert.True(t, done.Errored)
}

func TestOrchestrator_InspectorErrorFailsRun(t *testing.T) {
	f := newFixture(t)
	f.insp.err = errs.New(errs.ErrKindConnectionFailed, "engine unreachable")

	_, err := f.orch.StartRun(context.Background(), f.ds.ID)
	require.Error(t, err)
	assert.True(t, errs.IsConnectionFailed(err))
}

func TestOrchestrator_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.store.CreateRun(context.Background(),
		&catalog.Run{ID: "stuck", DatastoreID: f.ds.ID, StartedAt: &now, CreatedAt: now}))

	_, err := f.orch.StartRun(context.Background(), f.ds.ID)
	require.Error(t, err)
	assert.True(t, errs.IsConflict(err))
}

func TestOrchestrator_RejectsDeletedDatastore(t *testing.T) {
	f := newFixture(t)
	gone := time.Now()
	deleted := &catalog.Datastore{ID: catalog.NewID(), Name: "retired", Engine: catalog.EnginePostgres, CreatedAt: gone, DeletedAt: &gone}
	require.NoError(t, f.store.CreateDatastore(context.Background(), deleted))

	_, err := f.orch.StartRun(context.Background(), deleted.ID)
	require.Error(t, err)
	assert.Equal(t, errs.ErrKindInvalidInput, errs.KindOf(err))
}
