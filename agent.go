package weft

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// EnvDataDir names the environment variable that points the default file
// store at a data directory. When unset, <cwd>/.agent-data is used.
const EnvDataDir = "TEGG_AGENT_DATA_DIR"

// defaultChunkBuffer is the capacity of the chunk channel handed to a runner.
const defaultChunkBuffer = 64

// Runner produces the chunk stream for a run. It is the one capability users
// must supply; everything else (persistence, lifecycle, cancellation, HTTP)
// comes from the runtime.
//
// ExecRun writes chunks to ch and returns when the run's work is done. The
// runtime owns ch and closes it after ExecRun returns — implementations must
// not close it. ExecRun must honor ctx: cancellation means the consumer is
// gone (run cancelled, client disconnected, or timeout) and the runner should
// return promptly. A non-nil error marks the run failed with code EXEC_ERROR.
type Runner interface {
	ExecRun(ctx context.Context, run *Run, ch chan<- Chunk) error
}

// Initializer is implemented by runners that need setup before the first run.
// Called once from Agent.Init, after the store is ready.
type Initializer interface {
	Init(ctx context.Context) error
}

// Shutdowner is implemented by runners that need teardown. Called from
// Agent.Close after in-flight runs have drained and the store is closed.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Handler is the seven-operation surface the HTTP adapter serves. *Agent is
// the default implementation; override individual operations by embedding
// *Agent in your own type and shadowing the method:
//
//	type audited struct{ *weft.Agent }
//
//	func (a audited) CancelRun(ctx context.Context, id string) (*weft.Run, error) {
//		log.Printf("cancel requested: %s", id)
//		return a.Agent.CancelRun(ctx, id)
//	}
type Handler interface {
	CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error)
	GetThread(ctx context.Context, threadID string) (*Thread, error)
	CreateRun(ctx context.Context, req RunRequest) (*Run, error)
	CreateRunAndWait(ctx context.Context, req RunRequest) (*Run, error)
	StreamRun(ctx context.Context, req RunRequest, sink EventSink) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	CancelRun(ctx context.Context, runID string) (*Run, error)
}

// Agent binds a Runner to a store and an in-flight registry and provides the
// default implementation of every runtime operation. Construct with New,
// initialize with Init (or let the first operation do it), release with Close.
type Agent struct {
	runner   Runner
	store    Store
	registry *registry

	dataDir     string
	logger      *slog.Logger
	tracer      Tracer
	chunkBuffer int

	initOnce sync.Once
	initErr  error
}

var _ Handler = (*Agent)(nil)

// Option configures an Agent.
type Option func(*Agent)

// WithStore sets the persistence backend. When not set, Init creates a file
// store at the data directory (WithDataDir, $TEGG_AGENT_DATA_DIR, or
// <cwd>/.agent-data, in that order).
func WithStore(s Store) Option {
	return func(a *Agent) { a.store = s }
}

// WithDataDir sets the directory for the default file store. Ignored when
// WithStore is used.
func WithDataDir(dir string) Option {
	return func(a *Agent) { a.dataDir = dir }
}

// WithLogger sets the structured logger for run lifecycle events.
// If not set, a no-op logger is used (no output).
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithTracer sets the span tracer. The observer package provides an
// OTEL-backed implementation via NewTracer(). Nil means spans are skipped.
func WithTracer(t Tracer) Option {
	return func(a *Agent) { a.tracer = t }
}

// WithChunkBuffer sets the capacity of the chunk channel handed to the
// runner (default 64).
func WithChunkBuffer(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.chunkBuffer = n
		}
	}
}

// New binds a runner to the runtime. A nil runner is allowed: every run then
// fails with EXEC_ERROR, which keeps partially wired apps inspectable.
func New(r Runner, opts ...Option) *Agent {
	a := &Agent{
		runner:      r,
		registry:    newRegistry(),
		logger:      nopLogger,
		chunkBuffer: defaultChunkBuffer,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// Init prepares the agent: resolve the store, initialize it, and run the
// runner's optional Initializer hook. Called automatically by the first
// operation; calling it again is a no-op returning the first result.
func (a *Agent) Init(ctx context.Context) error {
	a.initOnce.Do(func() {
		a.initErr = a.doInit(ctx)
	})
	return a.initErr
}

func (a *Agent) doInit(ctx context.Context) error {
	if a.store == nil {
		dir := a.dataDir
		if dir == "" {
			dir = DefaultDataDir()
		}
		a.store = NewFileStore(dir, FileStoreLogger(a.logger))
		a.logger.Info("using file store", "dir", dir)
	}
	if err := a.store.Init(ctx); err != nil {
		return err
	}
	if init, ok := a.runner.(Initializer); ok {
		if err := init.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the agent: await in-flight runs, close the store when it
// supports closing, then run the runner's optional Shutdown hook. Bounded by
// ctx; in-flight execution errors are not Close errors.
func (a *Agent) Close(ctx context.Context) error {
	var errs []error
	if err := a.registry.awaitAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if c, ok := a.store.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s, ok := a.runner.(Shutdowner); ok {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Store returns the bound store. Nil before Init when no store was
// configured.
func (a *Agent) Store() Store { return a.store }

// InFlight returns the number of runs currently executing.
func (a *Agent) InFlight() int { return a.registry.len() }

// DefaultDataDir resolves the default file store directory:
// $TEGG_AGENT_DATA_DIR when set, else <cwd>/.agent-data.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "."
	}
	return filepath.Join(wd, ".agent-data")
}

// span starts a tracer span, or a no-op span when no tracer is configured.
func (a *Agent) span(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if a.tracer == nil {
		return ctx, nopSpan{}
	}
	return a.tracer.Start(ctx, name, attrs...)
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
