package weft

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"time"
)

// retryStore wraps a Store and automatically retries operations that fail
// with backend errors, using exponential backoff. Domain errors (missing
// records, bad ids) and context errors are permanent and pass through.
type retryStore struct {
	inner       Store
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryStore.
type RetryOption func(*retryStore)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryStore) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt (default: 1s).
// Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryStore) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence. If the
// total time across all attempts exceeds this duration, the retry loop gives up
// and returns the last error. The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryStore) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. When set, retries
// log at WARN level and final failures after exhausting attempts log at ERROR.
// If not set, a no-op logger is used (no output).
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryStore) { r.logger = l }
}

// WithStoreRetry wraps s with automatic retry on backend errors. Retries use
// exponential backoff with jitter. Mutations are retried as-is, so the
// backend must make each call atomic; every bundled store does. Compose with
// any Store:
//
//	store = weft.WithStoreRetry(postgres.New(pool))
//	store = weft.WithStoreRetry(postgres.New(pool), weft.RetryMaxAttempts(5))
func WithStoreRetry(s Store, opts ...RetryOption) Store {
	r := &retryStore{
		inner:       s,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryStore) Init(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := retryCall(ctx, r.maxAttempts, r.baseDelay, "Init", r.logger, func() (struct{}, error) {
		return struct{}{}, r.inner.Init(ctx)
	})
	return err
}

func (r *retryStore) CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, "CreateThread", r.logger, func() (*Thread, error) {
		return r.inner.CreateThread(ctx, metadata)
	})
}

func (r *retryStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, "GetThread", r.logger, func() (*Thread, error) {
		return r.inner.GetThread(ctx, id)
	})
}

func (r *retryStore) AppendMessages(ctx context.Context, threadID string, msgs []Message) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := retryCall(ctx, r.maxAttempts, r.baseDelay, "AppendMessages", r.logger, func() (struct{}, error) {
		return struct{}{}, r.inner.AppendMessages(ctx, threadID, msgs)
	})
	return err
}

func (r *retryStore) CreateRun(ctx context.Context, p RunParams) (*Run, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, "CreateRun", r.logger, func() (*Run, error) {
		return r.inner.CreateRun(ctx, p)
	})
}

func (r *retryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, "GetRun", r.logger, func() (*Run, error) {
		return r.inner.GetRun(ctx, id)
	})
}

func (r *retryStore) UpdateRun(ctx context.Context, id string, u RunUpdate) (*Run, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, "UpdateRun", r.logger, func() (*Run, error) {
		return r.inner.UpdateRun(ctx, id, u)
	})
}

// ListRunsByStatus delegates with retry when the wrapped store can list runs.
func (r *retryStore) ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*Run, error) {
	rl, ok := r.inner.(RunLister)
	if !ok {
		return nil, errors.New("wrapped store does not support listing runs")
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, "ListRunsByStatus", r.logger, func() ([]*Run, error) {
		return rl.ListRunsByStatus(ctx, statuses...)
	})
}

// Close closes the wrapped store when it holds closeable resources.
func (r *retryStore) Close() error {
	if c, ok := r.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx unchanged.
// The caller must call the returned CancelFunc when done.
func (r *retryStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryable reports whether err is worth another attempt. Typed domain
// errors describe stable facts about the data, and context errors mean the
// caller is gone; neither changes on retry.
func retryable(err error) bool {
	var notFound *ErrNotFound
	var invalid *ErrInvalidID
	var runState *ErrRunState
	if errors.As(err, &notFound) || errors.As(err, &invalid) || errors.As(err, &runState) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// retryCall calls fn up to maxAttempts times, sleeping between retryable failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, op string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !retryable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying store operation",
			"op", op,
			"error", err,
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			timer := time.NewTimer(retryBackoff(base, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"op", op,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time checks
var (
	_ Store     = (*retryStore)(nil)
	_ RunLister = (*retryStore)(nil)
	_ io.Closer = (*retryStore)(nil)
)
