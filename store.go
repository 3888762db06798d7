package weft

import "context"

// Store abstracts durable persistence of threads and runs. Implementations:
// FileStore (default), store/sqlite, store/postgres.
//
// Lookups return *ErrNotFound for missing records, distinct from I/O errors.
// Stores that hold external resources additionally implement io.Closer;
// stores that can enumerate runs implement RunLister.
type Store interface {
	// Init prepares the backend (directories, schema). Idempotent.
	Init(ctx context.Context) error

	// CreateThread persists and returns a fresh empty thread.
	CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error)

	// GetThread loads a thread with its messages.
	GetThread(ctx context.Context, id string) (*Thread, error)

	// AppendMessages appends msgs to the thread in order. Messages are
	// stored as given; callers stamp thread_id and run_id.
	AppendMessages(ctx context.Context, threadID string, msgs []Message) error

	// CreateRun persists and returns a fresh run in status queued.
	CreateRun(ctx context.Context, p RunParams) (*Run, error)

	// GetRun loads a run.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun shallow-merges the set fields of u into the stored run,
	// persists, and returns the updated record. Id, object, created_at, and
	// input are immutable (RunUpdate cannot express them).
	UpdateRun(ctx context.Context, id string, u RunUpdate) (*Run, error)
}

// RunLister is an optional Store capability used by the expiry sweeper.
type RunLister interface {
	// ListRunsByStatus returns all runs whose status is one of the given
	// statuses, in unspecified order.
	ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*Run, error)
}

// RunUpdate is a partial run mutation. Nil fields are left unchanged.
type RunUpdate struct {
	Status      *RunStatus
	Output      []Message
	LastError   *RunError
	Usage       *Usage
	Metadata    map[string]any
	StartedAt   *int64
	CompletedAt *int64
	CancelledAt *int64
	FailedAt    *int64
}

// ApplyRunUpdate merges u into r in place. Shared by store implementations so
// partial-update semantics stay identical across backends.
func ApplyRunUpdate(r *Run, u RunUpdate) {
	if u.Status != nil {
		r.Status = *u.Status
	}
	if u.Output != nil {
		r.Output = u.Output
	}
	if u.LastError != nil {
		r.LastError = u.LastError
	}
	if u.Usage != nil {
		r.Usage = u.Usage
	}
	if u.Metadata != nil {
		r.Metadata = u.Metadata
	}
	if u.StartedAt != nil {
		r.StartedAt = u.StartedAt
	}
	if u.CompletedAt != nil {
		r.CompletedAt = u.CompletedAt
	}
	if u.CancelledAt != nil {
		r.CancelledAt = u.CancelledAt
	}
	if u.FailedAt != nil {
		r.FailedAt = u.FailedAt
	}
}
