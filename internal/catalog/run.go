package catalog

import "time"

// RunStatus is the derived state of a Run.
type RunStatus string

const (
	RunPending RunStatus = "PENDING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailure RunStatus = "FAILURE"
)

// Run is one inspect-and-reconcile cycle for one datastore. At most one
// unfinished run per datastore is actively processed at a time.
type Run struct {
	ID          string
	DatastoreID string
	StartedAt   *time.Time
	FinishedAt  *time.Time

	// RevisionCount is the number of revisions applied by this run,
	// snapshotted at finish time.
	RevisionCount int

	// Errored is set when any task of the run failed terminally or the
	// run itself recorded an error.
	Errored bool

	CreatedAt time.Time
}

// Status derives the run's state: PENDING while unfinished, FAILURE when
// any error was recorded, SUCCESS otherwise.
func (r *Run) Status() RunStatus {
	switch {
	case r.FinishedAt == nil:
		return RunPending
	case r.Errored:
		return RunFailure
	default:
		return RunSuccess
	}
}

// TaskStatus is the state of one RunTask.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailure TaskStatus = "FAILURE"
	TaskRevoked TaskStatus = "REVOKED"
)

// RunTask is one schema-scoped unit of extraction work within a Run. It
// references the blob-storage path of the raw inspected-schema document,
// so extraction can be retried without re-inspecting the remote engine.
type RunTask struct {
	ID          string
	RunID       string
	SchemaName  string
	StoragePath string
	Status      TaskStatus
	Attempts    int
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CreatedAt   time.Time
}

// RevisionerError records an exception raised by a Run or RunTask.
// TaskID is empty for run-scoped errors (run start and commit failures).
type RevisionerError struct {
	ID         string
	RunID      string
	TaskID     string
	ErrType    string
	Message    string
	Stacktrace string
	CreatedAt  time.Time
}
