package catalog

import (
	"context"
	"time"
)

// Store is the central contract for catalog persistence. All layers
// above this package talk only to this interface — they never import the
// postgres or memory packages directly.
//
// Concurrency: StageRevisions must be safe under concurrent sibling
// extraction tasks (natural-key upsert makes their writes commutative),
// and FinishRunTask's remaining-count must be computed atomically with
// the status change so the fan-in check is race-free across workers.
type Store interface {
	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close()

	// --- datastores ---

	GetDatastore(ctx context.Context, id string) (*Datastore, error)
	ListDatastores(ctx context.Context) ([]*Datastore, error)
	CreateDatastore(ctx context.Context, ds *Datastore) error

	// --- metadata graph reads (collector construction) ---

	ListSchemas(ctx context.Context, datastoreID string) ([]*Schema, error)
	ListTables(ctx context.Context, datastoreID string) ([]*Table, error)
	ListColumns(ctx context.Context, datastoreID string) ([]*Column, error)

	// ListIndexes returns indexes with their member columns populated.
	ListIndexes(ctx context.Context, datastoreID string) ([]*Index, error)

	// --- revision staging ---

	// StageRevisions upserts revisions against the (datastore, checksum)
	// natural key. A revision whose checksum already exists is touched
	// only: its RunID and UpdatedAt move to the staging run, while ID,
	// payload, FirstSeenRunID and FirstSeenOn are preserved.
	StageRevisions(ctx context.Context, revs []Revision) error

	// ListUnapplied returns every staged, not-yet-applied revision last
	// observed by the given run, in first-seen order.
	ListUnapplied(ctx context.Context, runID string) ([]Revision, error)

	// --- runs ---

	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)

	// HasUnfinishedRun reports whether the datastore has a run that has
	// not yet finished. The scheduler uses it as the one-active-run guard.
	HasUnfinishedRun(ctx context.Context, datastoreID string) (bool, error)

	// FinishRun stamps the run finished with its applied-revision count
	// and terminal error flag.
	FinishRun(ctx context.Context, runID string, at time.Time, revisionCount int, errored bool) error

	// --- run tasks ---

	CreateRunTasks(ctx context.Context, tasks []*RunTask) error
	GetRunTask(ctx context.Context, id string) (*RunTask, error)
	StartRunTask(ctx context.Context, id string, at time.Time) error

	// FinishRunTask moves the task to its terminal status and returns
	// the number of sibling tasks (same run) not yet in SUCCESS,
	// computed atomically with the status change.
	FinishRunTask(ctx context.Context, id string, status TaskStatus, at time.Time) (remaining int, err error)

	// RevokePendingTasks marks every still-PENDING task of the run
	// REVOKED and returns their ids so the queue can cancel them.
	RevokePendingTasks(ctx context.Context, runID string) ([]string, error)

	// --- errors ---

	RecordError(ctx context.Context, re *RevisionerError) error
	ListErrors(ctx context.Context, runID string) ([]*RevisionerError, error)

	// --- commit transaction ---

	// WithinTx runs fn inside one transaction. Any error aborts the
	// whole transaction; nothing fn wrote is visible afterwards.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the bulk-operation surface the commit engine uses inside its
// single transaction. Insert* use conflict-ignore semantics keyed on
// the creating revision checksum, so re-applying an already-applied
// create is a no-op rather than an error while a replacement row may
// briefly share a name with one the dropped pass removes. Delete*
// cascade to descendants and are internally chunked into fixed-size
// batches.
type Tx interface {
	InsertSchemas(ctx context.Context, rows []*Schema) error
	InsertTables(ctx context.Context, rows []*Table) error
	InsertColumns(ctx context.Context, rows []*Column) error
	InsertIndexes(ctx context.Context, rows []*Index) error

	UpdateSchemas(ctx context.Context, rows []*Schema) error
	UpdateTables(ctx context.Context, rows []*Table) error
	UpdateColumns(ctx context.Context, rows []*Column) error
	UpdateIndexes(ctx context.Context, rows []*Index) error

	// ReplaceIndexColumns upserts the given join rows (updating ordinal
	// position on conflict) and deletes any pre-existing join row not in
	// the new set.
	ReplaceIndexColumns(ctx context.Context, indexPK string, cols []IndexColumn) error

	DeleteSchemas(ctx context.Context, pks []string) error
	DeleteTables(ctx context.Context, pks []string) error
	DeleteColumns(ctx context.Context, pks []string) error
	DeleteIndexes(ctx context.Context, pks []string) error

	// MarkRevisionsApplied stamps applied_on on the given revisions.
	MarkRevisionsApplied(ctx context.Context, ids []string, at time.Time) error

	// UpdateRevisionPayload rewrites a revision's stored payload after
	// commit-time resolution patched a pending value, so later history
	// reads are accurate.
	UpdateRevisionPayload(ctx context.Context, id string, p Payload) error

	// DeleteRevisions removes revisions outright. Used only by the
	// noise-revision housekeeping step.
	DeleteRevisions(ctx context.Context, ids []string) error
}
