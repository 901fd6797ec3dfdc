// Package memory implements catalog.Store entirely in process. It
// mirrors the semantics of the postgres driver — natural-key upserts,
// conflict-ignore inserts, cascading deletes, atomic transactions — so
// the reconciliation pipeline can be exercised without a database.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/errs"
)

// state is the whole catalog. Transactions clone it, mutate the clone
// and swap it back in on success, which gives the same all-or-nothing
// visibility as a database transaction.
type state struct {
	datastores map[string]*catalog.Datastore
	dsOrder    []string

	schemas  map[string]*catalog.Schema
	tables   map[string]*catalog.Table
	columns  map[string]*catalog.Column
	indexes  map[string]*catalog.Index
	schOrder []string
	tblOrder []string
	colOrder []string
	idxOrder []string

	// member columns per index pk; names are resolved on read
	indexCols map[string][]catalog.IndexColumn

	revisions map[string]*catalog.Revision
	revOrder  []string // first-seen order

	runs   map[string]*catalog.Run
	tasks  map[string]*catalog.RunTask
	taskOr []string
	errors []*catalog.RevisionerError
}

func newState() *state {
	return &state{
		datastores: map[string]*catalog.Datastore{},
		schemas:    map[string]*catalog.Schema{},
		tables:     map[string]*catalog.Table{},
		columns:    map[string]*catalog.Column{},
		indexes:    map[string]*catalog.Index{},
		indexCols:  map[string][]catalog.IndexColumn{},
		revisions:  map[string]*catalog.Revision{},
		runs:       map[string]*catalog.Run{},
		tasks:      map[string]*catalog.RunTask{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, ds := range s.datastores {
		v := *ds
		c.datastores[id] = &v
	}
	c.dsOrder = append([]string(nil), s.dsOrder...)
	for pk, row := range s.schemas {
		v := *row
		v.Tags = append([]string(nil), row.Tags...)
		c.schemas[pk] = &v
	}
	for pk, row := range s.tables {
		v := *row
		v.Tags = append([]string(nil), row.Tags...)
		c.tables[pk] = &v
	}
	for pk, row := range s.columns {
		v := *row
		c.columns[pk] = &v
	}
	for pk, row := range s.indexes {
		v := *row
		v.Columns = nil
		c.indexes[pk] = &v
	}
	c.schOrder = append([]string(nil), s.schOrder...)
	c.tblOrder = append([]string(nil), s.tblOrder...)
	c.colOrder = append([]string(nil), s.colOrder...)
	c.idxOrder = append([]string(nil), s.idxOrder...)
	for pk, cols := range s.indexCols {
		c.indexCols[pk] = append([]catalog.IndexColumn(nil), cols...)
	}
	for id, rev := range s.revisions {
		v := *rev
		c.revisions[id] = &v
	}
	c.revOrder = append([]string(nil), s.revOrder...)
	for id, run := range s.runs {
		v := *run
		c.runs[id] = &v
	}
	for id, task := range s.tasks {
		v := *task
		c.tasks[id] = &v
	}
	c.taskOr = append([]string(nil), s.taskOr...)
	c.errors = append([]*catalog.RevisionerError(nil), s.errors...)
	return c
}

// Store is the in-memory driver.
type Store struct {
	mu sync.RWMutex
	st *state

	// Now stamps UpdatedAt on touched staged revisions. Tests override it.
	Now func() time.Time
}

var _ catalog.Store = (*Store)(nil)

// New returns an empty in-memory catalog.
func New() *Store {
	return &Store{st: newState(), Now: time.Now}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// --- datastores ---

func (s *Store) GetDatastore(_ context.Context, id string) (*catalog.Datastore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.st.datastores[id]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "datastore %s not found", id)
	}
	v := *ds
	return &v, nil
}

func (s *Store) ListDatastores(context.Context) ([]*catalog.Datastore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*catalog.Datastore, 0, len(s.st.dsOrder))
	for _, id := range s.st.dsOrder {
		v := *s.st.datastores[id]
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) CreateDatastore(_ context.Context, ds *catalog.Datastore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.datastores[ds.ID]; ok {
		return errs.Newf(errs.ErrKindConflict, "datastore %s already exists", ds.ID)
	}
	v := *ds
	s.st.datastores[ds.ID] = &v
	s.st.dsOrder = append(s.st.dsOrder, ds.ID)
	return nil
}

// --- metadata graph reads ---

func (s *Store) ListSchemas(_ context.Context, datastoreID string) ([]*catalog.Schema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.Schema
	for _, pk := range s.st.schOrder {
		row := s.st.schemas[pk]
		if row.DatastoreID != datastoreID {
			continue
		}
		v := *row
		v.Tags = append([]string(nil), row.Tags...)
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) ListTables(_ context.Context, datastoreID string) ([]*catalog.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.Table
	for _, pk := range s.st.tblOrder {
		row := s.st.tables[pk]
		if !s.st.tableInDatastore(row, datastoreID) {
			continue
		}
		v := *row
		v.Tags = append([]string(nil), row.Tags...)
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) ListColumns(_ context.Context, datastoreID string) ([]*catalog.Column, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.Column
	for _, pk := range s.st.colOrder {
		row := s.st.columns[pk]
		tbl := s.st.tables[row.TablePK]
		if tbl == nil || !s.st.tableInDatastore(tbl, datastoreID) {
			continue
		}
		v := *row
		out = append(out, &v)
	}
	return out, nil
}

func (s *Store) ListIndexes(_ context.Context, datastoreID string) ([]*catalog.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.Index
	for _, pk := range s.st.idxOrder {
		row := s.st.indexes[pk]
		tbl := s.st.tables[row.TablePK]
		if tbl == nil || !s.st.tableInDatastore(tbl, datastoreID) {
			continue
		}
		v := *row
		v.Columns = s.st.memberColumns(pk)
		out = append(out, &v)
	}
	return out, nil
}

func (st *state) tableInDatastore(t *catalog.Table, datastoreID string) bool {
	sch := st.schemas[t.SchemaPK]
	return sch != nil && sch.DatastoreID == datastoreID
}

// memberColumns re-resolves each member's current column name, so a
// renamed column is reported under its new name without touching the
// join rows.
func (st *state) memberColumns(indexPK string) []catalog.IndexColumn {
	cols := st.indexCols[indexPK]
	out := make([]catalog.IndexColumn, len(cols))
	for i, ic := range cols {
		out[i] = ic
		if col := st.columns[ic.ColumnPK]; col != nil {
			out[i].ColumnName = col.Name
		}
	}
	return out
}

// --- revision staging ---

func (s *Store) StageRevisions(_ context.Context, revs []catalog.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Now()
	for _, rev := range revs {
		if existing, ok := s.st.revisions[rev.ID]; ok {
			existing.RunID = rev.RunID
			existing.UpdatedAt = now
			continue
		}
		v := rev
		s.st.revisions[rev.ID] = &v
		s.st.revOrder = append(s.st.revOrder, rev.ID)
	}
	return nil
}

func (s *Store) ListUnapplied(_ context.Context, runID string) ([]catalog.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []catalog.Revision
	for _, id := range s.st.revOrder {
		rev := s.st.revisions[id]
		if rev.RunID == runID && rev.AppliedOn == nil {
			out = append(out, *rev)
		}
	}
	return out, nil
}

// --- runs ---

func (s *Store) CreateRun(_ context.Context, run *catalog.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.runs[run.ID]; ok {
		return errs.Newf(errs.ErrKindConflict, "run %s already exists", run.ID)
	}
	v := *run
	s.st.runs[run.ID] = &v
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*catalog.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.st.runs[id]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "run %s not found", id)
	}
	v := *run
	return &v, nil
}

func (s *Store) HasUnfinishedRun(_ context.Context, datastoreID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, run := range s.st.runs {
		if run.DatastoreID == datastoreID && run.FinishedAt == nil {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) FinishRun(_ context.Context, runID string, at time.Time, revisionCount int, errored bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.st.runs[runID]
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "run %s not found", runID)
	}
	t := at
	run.FinishedAt = &t
	run.RevisionCount = revisionCount
	run.Errored = run.Errored || errored
	return nil
}

// --- run tasks ---

func (s *Store) CreateRunTasks(_ context.Context, tasks []*catalog.RunTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		if _, ok := s.st.tasks[task.ID]; ok {
			return errs.Newf(errs.ErrKindConflict, "run task %s already exists", task.ID)
		}
	}
	for _, task := range tasks {
		v := *task
		s.st.tasks[task.ID] = &v
		s.st.taskOr = append(s.st.taskOr, task.ID)
	}
	return nil
}

func (s *Store) GetRunTask(_ context.Context, id string) (*catalog.RunTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.st.tasks[id]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "run task %s not found", id)
	}
	v := *task
	return &v, nil
}

func (s *Store) StartRunTask(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.st.tasks[id]
	if !ok {
		return errs.Newf(errs.ErrKindNotFound, "run task %s not found", id)
	}
	t := at
	task.StartedAt = &t
	task.Attempts++
	return nil
}

func (s *Store) FinishRunTask(_ context.Context, id string, status catalog.TaskStatus, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.st.tasks[id]
	if !ok {
		return 0, errs.Newf(errs.ErrKindNotFound, "run task %s not found", id)
	}
	t := at
	task.Status = status
	task.FinishedAt = &t

	remaining := 0
	for _, sibling := range s.st.tasks {
		if sibling.RunID == task.RunID && sibling.Status != catalog.TaskSuccess {
			remaining++
		}
	}
	return remaining, nil
}

func (s *Store) RevokePendingTasks(_ context.Context, runID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked []string
	for _, id := range s.st.taskOr {
		task := s.st.tasks[id]
		if task.RunID == runID && task.Status == catalog.TaskPending {
			task.Status = catalog.TaskRevoked
			revoked = append(revoked, id)
		}
	}
	return revoked, nil
}

// --- errors ---

func (s *Store) RecordError(_ context.Context, re *catalog.RevisionerError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := *re
	s.st.errors = append(s.st.errors, &v)
	return nil
}

func (s *Store) ListErrors(_ context.Context, runID string) ([]*catalog.RevisionerError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*catalog.RevisionerError
	for _, re := range s.st.errors {
		if re.RunID == runID {
			v := *re
			out = append(out, &v)
		}
	}
	return out, nil
}

// --- transaction ---

func (s *Store) WithinTx(_ context.Context, fn func(tx catalog.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.st.clone()
	if err := fn(&memTx{st: staged, now: s.Now}); err != nil {
		return err
	}
	s.st = staged
	return nil
}
