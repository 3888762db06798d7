package weft

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// hookedRunner records lifecycle hook calls.
type hookedRunner struct {
	inited   int
	shutdown int
}

func (r *hookedRunner) ExecRun(ctx context.Context, run *Run, ch chan<- Chunk) error {
	return nil
}

func (r *hookedRunner) Init(ctx context.Context) error {
	r.inited++
	return nil
}

func (r *hookedRunner) Shutdown(ctx context.Context) error {
	r.shutdown++
	return nil
}

func TestAgentInitIdempotent(t *testing.T) {
	inner := &flakyStore{}
	runner := &hookedRunner{}
	a := New(runner, WithStore(inner))

	for range 3 {
		if err := a.Init(context.Background()); err != nil {
			t.Fatalf("Init: %v", err)
		}
	}

	if inner.calls != 1 {
		t.Errorf("store Init ran %d times, want 1", inner.calls)
	}
	if runner.inited != 1 {
		t.Errorf("runner Init ran %d times, want 1", runner.inited)
	}
}

func TestAgentDefaultFileStore(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)

	a := New(chunksRunner(TextChunk("ok")))
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { a.Close(context.Background()) })

	for _, sub := range []string{"threads", "runs"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("expected %s directory: %v", sub, err)
		}
	}
	if _, err := a.CreateThread(context.Background(), nil); err != nil {
		t.Errorf("CreateThread on the default store: %v", err)
	}
}

func TestAgentDataDirOptionWins(t *testing.T) {
	envDir := t.TempDir()
	optDir := t.TempDir()
	t.Setenv(EnvDataDir, envDir)

	a := New(nil, WithDataDir(optDir))
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := os.Stat(filepath.Join(optDir, "threads")); err != nil {
		t.Errorf("option directory not used: %v", err)
	}
	if _, err := os.Stat(filepath.Join(envDir, "threads")); !os.IsNotExist(err) {
		t.Errorf("environment directory used despite WithDataDir: %v", err)
	}
}

func TestDefaultDataDir(t *testing.T) {
	t.Setenv(EnvDataDir, "/srv/agent-data")
	if got := DefaultDataDir(); got != "/srv/agent-data" {
		t.Errorf("DefaultDataDir = %q, want the environment value", got)
	}

	t.Setenv(EnvDataDir, "")
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if got, want := DefaultDataDir(), filepath.Join(wd, ".agent-data"); got != want {
		t.Errorf("DefaultDataDir = %q, want %q", got, want)
	}
}

func TestAgentCloseAwaitsInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	a := newTestAgent(t, runnerFunc(func(ctx context.Context, _ *Run, ch chan<- Chunk) error {
		close(started)
		<-release
		select {
		case ch <- TextChunk("late result"):
		case <-ctx.Done():
		}
		return nil
	}))

	run, err := a.CreateRun(context.Background(), RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	<-started
	if n := a.InFlight(); n != 1 {
		t.Fatalf("InFlight = %d, want 1", n)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if n := a.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after Close, want 0", n)
	}
	got, err := a.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunCompleted {
		t.Errorf("Status = %q, want %q (Close waits out the run)", got.Status, RunCompleted)
	}
}

func TestAgentCloseBoundedByContext(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	a := newTestAgent(t, runnerFunc(func(_ context.Context, _ *Run, _ chan<- Chunk) error {
		close(started)
		<-release
		return nil
	}))

	if _, err := a.CreateRun(context.Background(), RunRequest{Input: userInput("go")}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Close(ctx); err == nil {
		t.Error("Close must report the deadline when runs cannot drain in time")
	}
}

func TestAgentCloseStoreAndShutdownHook(t *testing.T) {
	store := &closableStore{}
	runner := &hookedRunner{}
	a := New(runner, WithStore(store))
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if store.closed != 1 {
		t.Errorf("store closed %d times, want 1", store.closed)
	}
	if runner.shutdown != 1 {
		t.Errorf("runner Shutdown ran %d times, want 1", runner.shutdown)
	}
}

func TestAgentOperationsInitImplicitly(t *testing.T) {
	a := New(chunksRunner(), WithDataDir(t.TempDir()))

	// No explicit Init; the first operation must bootstrap the store.
	if _, err := a.CreateThread(context.Background(), nil); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
}
