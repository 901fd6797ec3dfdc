// Package run drives the inspect-and-reconcile cycle: starting runs,
// fanning schema extraction out over the task queue, detecting the
// all-siblings-done moment and handing the staged revisions to the
// commit engine. Failure of any task fails the whole run and revokes
// its remaining work.
package run

import (
	"bytes"
	"context"
	"runtime/debug"
	"time"

	"github.com/metaglass/metaglass/internal/blobstore"
	"github.com/metaglass/metaglass/internal/catalog"
	"github.com/metaglass/metaglass/internal/collector"
	"github.com/metaglass/metaglass/internal/commit"
	"github.com/metaglass/metaglass/internal/document"
	"github.com/metaglass/metaglass/internal/errs"
	"github.com/metaglass/metaglass/internal/extract"
	"github.com/metaglass/metaglass/internal/logger"
	"github.com/metaglass/metaglass/internal/taskqueue"
)

// Queue message types.
const (
	msgTypeExtract = "run.extract"
	msgTypeCommit  = "run.commit"
)

// Orchestrator owns the run lifecycle for all datastores.
type Orchestrator struct {
	store     catalog.Store
	blobs     blobstore.Store
	bucket    string
	queue     taskqueue.Queue
	inspector Inspector
	engine    *commit.Engine
	log       *logger.Logger

	// Now is the lifecycle clock. Tests override it.
	Now func() time.Time
}

// NewOrchestrator wires the orchestrator and registers its queue
// handlers. The bucket must already be ensured by the caller.
func NewOrchestrator(store catalog.Store, blobs blobstore.Store, bucket string, queue taskqueue.Queue, inspector Inspector, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	o := &Orchestrator{
		store:     store,
		blobs:     blobs,
		bucket:    bucket,
		queue:     queue,
		inspector: inspector,
		engine:    commit.New(store, log),
		log:       log,
		Now:       time.Now,
	}
	queue.Handle(msgTypeExtract, o.handleExtract, o.extractFailed)
	queue.Handle(msgTypeCommit, o.handleCommit, o.commitFailed)
	return o
}

// StartRun begins one inspect-and-reconcile cycle for the datastore. It
// inspects, stages drop revisions, uploads the per-schema documents and
// enqueues one extraction task per schema. At most one unfinished run
// per datastore is allowed; a second start returns a conflict.
func (o *Orchestrator) StartRun(ctx context.Context, datastoreID string) (*catalog.Run, error) {
	ds, err := o.store.GetDatastore(ctx, datastoreID)
	if err != nil {
		return nil, err
	}
	if ds.DeletedAt != nil {
		return nil, errs.Newf(errs.ErrKindInvalidInput, "datastore %s is deleted", ds.ID)
	}

	busy, err := o.store.HasUnfinishedRun(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	if busy {
		return nil, errs.Newf(errs.ErrKindConflict, "datastore %s already has an unfinished run", ds.ID)
	}

	now := o.Now()
	run := &catalog.Run{
		ID:          catalog.NewID(),
		DatastoreID: ds.ID,
		StartedAt:   &now,
		CreatedAt:   now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	log := o.log.With().Str("run_id", run.ID).Str("datastore_id", ds.ID).Logger()

	docs, err := o.inspector.Inspect(ctx, ds)
	if err != nil {
		o.failRun(ctx, run.ID, "", err)
		return nil, err
	}

	// Drop detection needs the full claimed set before any revision is
	// staged, so every document is resolved here up front.
	def, err := collector.BuildDefinition(ctx, o.store, ds.ID)
	if err != nil {
		o.failRun(ctx, run.ID, "", err)
		return nil, err
	}
	ex := extract.New(ds, def, run.ID)
	ex.Claim(docs)
	drops := ex.Dropped()

	if len(docs) == 0 && len(drops) == 0 {
		log.Info("nothing to inspect, finishing run")
		if err := o.store.FinishRun(ctx, run.ID, o.Now(), 0, false); err != nil {
			return nil, err
		}
		return o.store.GetRun(ctx, run.ID)
	}

	if len(drops) > 0 {
		if err := o.store.StageRevisions(ctx, drops); err != nil {
			o.failRun(ctx, run.ID, "", err)
			return nil, err
		}
	}

	if len(docs) == 0 {
		// Only drops: no extraction to fan out, commit directly.
		if err := o.enqueueCommit(ctx, run.ID); err != nil {
			o.failRun(ctx, run.ID, "", err)
			return nil, err
		}
		return run, nil
	}

	tasks := make([]*catalog.RunTask, 0, len(docs))
	for _, doc := range docs {
		data, err := document.Encode(doc)
		if err != nil {
			o.failRun(ctx, run.ID, "", err)
			return nil, err
		}
		path := document.Path(ds.ID, run.ID, doc.Name)
		if err := o.blobs.Put(ctx, o.bucket, path, data, document.ContentType); err != nil {
			o.failRun(ctx, run.ID, "", err)
			return nil, err
		}
		tasks = append(tasks, &catalog.RunTask{
			ID:          catalog.NewID(),
			RunID:       run.ID,
			SchemaName:  doc.Name,
			StoragePath: path,
			Status:      catalog.TaskPending,
			CreatedAt:   now,
		})
	}
	if err := o.store.CreateRunTasks(ctx, tasks); err != nil {
		o.failRun(ctx, run.ID, "", err)
		return nil, err
	}

	for _, task := range tasks {
		msg := taskqueue.Message{ID: task.ID, Type: msgTypeExtract, RunID: run.ID, TaskID: task.ID}
		if err := o.queue.Enqueue(ctx, msg); err != nil {
			o.failRun(ctx, run.ID, task.ID, err)
			return nil, err
		}
	}

	log.With().Int("tasks", len(tasks)).Logger().Info("run started")
	return run, nil
}

// --- extraction ---

// handleExtract processes one schema's extraction task: download the
// inspection document, compute its revisions against a fresh definition
// snapshot and stage them. The last sibling to succeed enqueues the
// commit.
func (o *Orchestrator) handleExtract(ctx context.Context, msg taskqueue.Message) error {
	task, err := o.store.GetRunTask(ctx, msg.TaskID)
	if err != nil {
		return err
	}
	if task.Status == catalog.TaskRevoked {
		o.log.With().Str("task_id", task.ID).Logger().Debug("skipping revoked task")
		return nil
	}
	if err := o.store.StartRunTask(ctx, task.ID, o.Now()); err != nil {
		return err
	}

	doc, err := o.fetchDocument(ctx, task.StoragePath)
	if err != nil {
		return err
	}

	run, err := o.store.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	ds, err := o.store.GetDatastore(ctx, run.DatastoreID)
	if err != nil {
		return err
	}
	def, err := collector.BuildDefinition(ctx, o.store, ds.ID)
	if err != nil {
		return err
	}

	revs, err := extract.New(ds, def, run.ID).Schema(doc)
	if err != nil {
		return err
	}
	if err := o.store.StageRevisions(ctx, revs); err != nil {
		return err
	}

	remaining, err := o.store.FinishRunTask(ctx, task.ID, catalog.TaskSuccess, o.Now())
	if err != nil {
		return err
	}
	o.log.With().Str("task_id", task.ID).Int("revisions", len(revs)).Int("remaining", remaining).Logger().
		Debug("extraction task finished")

	if remaining == 0 {
		return o.enqueueCommit(ctx, run.ID)
	}
	return nil
}

func (o *Orchestrator) fetchDocument(ctx context.Context, path string) (*document.SchemaDoc, error) {
	obj, err := o.blobs.Get(ctx, o.bucket, path)
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return document.Decode(obj)
}

// extractFailed is the terminal-failure path for one extraction task:
// record the error, fail the task and the run, revoke the siblings.
func (o *Orchestrator) extractFailed(ctx context.Context, msg taskqueue.Message, cause error) {
	o.recordError(ctx, msg.RunID, msg.TaskID, cause)

	if _, err := o.store.FinishRunTask(ctx, msg.TaskID, catalog.TaskFailure, o.Now()); err != nil {
		o.log.ErrorWith("failing run task", err, nil)
	}
	revoked, err := o.store.RevokePendingTasks(ctx, msg.RunID)
	if err != nil {
		o.log.ErrorWith("revoking pending tasks", err, nil)
	}
	o.queue.Revoke(revoked...)

	if err := o.store.FinishRun(ctx, msg.RunID, o.Now(), 0, true); err != nil {
		o.log.ErrorWith("finishing failed run", err, nil)
	}
	o.log.With().Str("run_id", msg.RunID).Str("task_id", msg.TaskID).Err(cause).Logger().
		Error("run failed, siblings revoked")
}

// --- commit ---

func (o *Orchestrator) enqueueCommit(ctx context.Context, runID string) error {
	return o.queue.Enqueue(ctx, taskqueue.Message{ID: catalog.NewID(), Type: msgTypeCommit, RunID: runID})
}

func (o *Orchestrator) handleCommit(ctx context.Context, msg taskqueue.Message) error {
	run, err := o.store.GetRun(ctx, msg.RunID)
	if err != nil {
		return err
	}
	applied, err := o.engine.Commit(ctx, run)
	if err != nil {
		return err
	}
	if err := o.store.FinishRun(ctx, run.ID, o.Now(), applied, false); err != nil {
		return err
	}
	o.log.With().Str("run_id", run.ID).Int("applied", applied).Logger().Info("run finished")
	return nil
}

func (o *Orchestrator) commitFailed(ctx context.Context, msg taskqueue.Message, cause error) {
	o.failRun(ctx, msg.RunID, "", cause)
	o.log.With().Str("run_id", msg.RunID).Err(cause).Logger().Error("commit failed, run aborted")
}

// --- failure plumbing ---

func (o *Orchestrator) failRun(ctx context.Context, runID, taskID string, cause error) {
	o.recordError(ctx, runID, taskID, cause)
	if err := o.store.FinishRun(ctx, runID, o.Now(), 0, true); err != nil {
		o.log.ErrorWith("finishing failed run", err, nil)
	}
}

func (o *Orchestrator) recordError(ctx context.Context, runID, taskID string, cause error) {
	re := &catalog.RevisionerError{
		ID:         catalog.NewID(),
		RunID:      runID,
		TaskID:     taskID,
		ErrType:    errs.TypeOf(cause),
		Message:    cause.Error(),
		Stacktrace: string(bytes.TrimSpace(debug.Stack())),
		CreatedAt:  o.Now(),
	}
	if err := o.store.RecordError(ctx, re); err != nil {
		o.log.ErrorWith("recording run error", err, nil)
	}
}
