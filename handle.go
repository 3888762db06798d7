package weft

import (
	"context"
	"sync"
	"sync/atomic"
)

// runHandle tracks one executing run. All methods are safe for concurrent use.
//
// The done channel closes only after the drainer has either persisted the
// run's terminal status or returned without writing because the handle was
// aborted. That close is the happens-before barrier CancelRun relies on:
// after Wait returns, the cancel path owns the terminal write.
type runHandle struct {
	runID   string
	cancel  context.CancelFunc
	aborted atomic.Bool
	err     error // written before close(done)
	done    chan struct{}
}

func newRunHandle(runID string, cancel context.CancelFunc) *runHandle {
	return &runHandle{runID: runID, cancel: cancel, done: make(chan struct{})}
}

// Abort requests cooperative cancellation: the abort flag tells the drainer
// to skip its terminal write, and the context cancellation releases a runner
// blocked in ExecRun. Non-blocking; only CancelRun calls this.
func (h *runHandle) Abort() {
	h.aborted.Store(true)
	h.cancel()
}

// Aborted reports whether Abort was called.
func (h *runHandle) Aborted() bool { return h.aborted.Load() }

// finish records the execution error and closes done. Called exactly once by
// the drainer, after any terminal store write.
func (h *runHandle) finish(err error) {
	h.err = err
	close(h.done)
}

// Wait blocks until execution finishes or ctx is cancelled. Returns the
// execution error on completion, ctx.Err() otherwise.
func (h *runHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when execution finishes.
func (h *runHandle) Done() <-chan struct{} { return h.done }

// registry is the in-flight run map: it contains exactly the runs between
// queued acceptance and terminal completion of their execution.
type registry struct {
	mu sync.Mutex
	m  map[string]*runHandle
}

func newRegistry() *registry {
	return &registry{m: make(map[string]*runHandle)}
}

func (r *registry) add(h *runHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[h.runID] = h
}

func (r *registry) remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, runID)
}

func (r *registry) get(runID string) (*runHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[runID]
	return h, ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// snapshot returns the current handles. Used by teardown; the copy avoids
// holding the lock while waiting.
func (r *registry) snapshot() []*runHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*runHandle, 0, len(r.m))
	for _, h := range r.m {
		handles = append(handles, h)
	}
	return handles
}

// awaitAll blocks until every currently registered run finishes or ctx is
// cancelled. Execution errors are ignored; the first ctx error is returned.
func (r *registry) awaitAll(ctx context.Context) error {
	for _, h := range r.snapshot() {
		select {
		case <-h.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
