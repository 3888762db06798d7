package weft

import (
	"context"
	"log/slog"
	"time"
)

// ExpiredErrorCode is the last_error.code recorded when the sweeper expires
// a run that never started executing.
const ExpiredErrorCode = "EXPIRED"

// SweepStore is the store capability the sweeper needs: enumerate runs by
// status, re-read them, and update them. Every bundled store satisfies it.
type SweepStore interface {
	RunLister
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, u RunUpdate) (*Run, error)
}

// sweeperConfig holds options accumulated by SweeperOption calls.
type sweeperConfig struct {
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*sweeperConfig)

// WithSweepInterval sets the polling interval. Default: 1 minute.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(c *sweeperConfig) { c.interval = d }
}

// WithSweepTTL sets how long a run may sit in queued before it is expired.
// Default: 10 minutes. Keep this well above any realistic accept-to-start
// delay: expiry can race a run that begins executing exactly at the
// boundary.
func WithSweepTTL(d time.Duration) SweeperOption {
	return func(c *sweeperConfig) { c.ttl = d }
}

// WithSweepLogger sets a structured logger for sweep activity.
// If not set, no logs are emitted.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(c *sweeperConfig) { c.logger = l }
}

// Sweeper marks runs that never left the queue as expired. A run is only
// queued between acceptance and the start of execution, so one that stays
// there past the TTL belongs to a process that died before starting it.
// Sweeping keeps such orphans from reading as live work forever.
//
// Usage:
//
//	sweeper := weft.NewSweeper(store, weft.WithSweepTTL(5*time.Minute))
//	go sweeper.Start(ctx)
type Sweeper struct {
	store    SweepStore
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper over store.
func NewSweeper(store SweepStore, opts ...SweeperOption) *Sweeper {
	cfg := sweeperConfig{
		interval: time.Minute,
		ttl:      10 * time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	return &Sweeper{
		store:    store,
		interval: cfg.interval,
		ttl:      cfg.ttl,
		logger:   cfg.logger,
	}
}

// Start begins the polling loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *Sweeper) Start(ctx context.Context) error {
	for {
		s.sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// sweep performs one pass: list queued runs and expire those older than the
// TTL.
func (s *Sweeper) sweep(ctx context.Context) {
	runs, err := s.store.ListRunsByStatus(ctx, RunQueued)
	if err != nil {
		s.logger.Error("sweep: listing queued runs", "error", err)
		return
	}
	cutoff := time.Now().Add(-s.ttl).Unix()
	for _, r := range runs {
		if ctx.Err() != nil {
			return
		}
		if r.CreatedAt > cutoff {
			continue
		}
		s.expire(ctx, r)
	}
}

func (s *Sweeper) expire(ctx context.Context, r *Run) {
	// Re-read before writing: the run may have started or finished since
	// the listing.
	cur, err := s.store.GetRun(ctx, r.ID)
	if err != nil {
		s.logger.Error("sweep: rereading run", "run_id", r.ID, "error", err)
		return
	}
	if cur.Status != RunQueued {
		return
	}
	st := RunExpired
	_, err = s.store.UpdateRun(ctx, r.ID, RunUpdate{
		Status:    &st,
		LastError: &RunError{Code: ExpiredErrorCode, Message: "run expired before execution started"},
	})
	if err != nil {
		s.logger.Error("sweep: expiring run", "run_id", r.ID, "error", err)
		return
	}
	s.logger.Info("run expired", "run_id", r.ID, "queued_secs", NowUnix()-r.CreatedAt)
}
