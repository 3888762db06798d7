package weft

import "fmt"

// Entity names used in ErrNotFound messages.
const (
	EntityThread = "Thread"
	EntityRun    = "Run"
)

// ExecErrorCode is the last_error.code recorded when a runner's execution
// fails (error return, panic, or deadline). Runner failures are data on the
// Run record, not Go error values surfaced to callers.
const ExecErrorCode = "EXEC_ERROR"

// ErrNotFound reports a thread or run id with no stored record. Stores return
// it from lookups; it is distinct from I/O errors so callers can map it to
// a 404 without sniffing messages.
type ErrNotFound struct {
	Entity string // EntityThread or EntityRun
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ErrInvalidID reports a record id that is unusable as a storage key:
// empty, or resolving outside the store's data directory.
type ErrInvalidID struct {
	ID     string
	Reason string
}

func (e *ErrInvalidID) Error() string {
	return fmt.Sprintf("invalid id %q: %s", e.ID, e.Reason)
}

// ErrRunState reports an operation that is not legal for the run's current
// status, e.g. cancelling a run that already reached a terminal status.
type ErrRunState struct {
	Op     string // the rejected operation, e.g. "cancel"
	Status RunStatus
}

func (e *ErrRunState) Error() string {
	return fmt.Sprintf("Cannot %s run with status '%s'", e.Op, e.Status)
}
