package weft

import (
	"context"
	"strings"
	"testing"
	"time"
)

// runnerFunc adapts a function to the Runner interface.
type runnerFunc func(ctx context.Context, run *Run, ch chan<- Chunk) error

func (f runnerFunc) ExecRun(ctx context.Context, run *Run, ch chan<- Chunk) error {
	return f(ctx, run, ch)
}

// chunksRunner returns a Runner that emits the given chunks and succeeds.
func chunksRunner(chunks ...Chunk) Runner {
	return runnerFunc(func(ctx context.Context, _ *Run, ch chan<- Chunk) error {
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

// newTestAgent builds an initialized Agent over a throwaway file store.
func newTestAgent(t *testing.T, r Runner, opts ...Option) *Agent {
	t.Helper()
	opts = append([]Option{WithDataDir(t.TempDir())}, opts...)
	a := New(r, opts...)
	if err := a.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

// userInput wraps plain strings as user input messages.
func userInput(texts ...string) RunInput {
	msgs := make([]InputMessage, len(texts))
	for i, s := range texts {
		msgs[i] = InputMessage{Role: RoleUser, Content: Text(s)}
	}
	return RunInput{Messages: msgs}
}

// textOf concatenates a message's text block values.
func textOf(m Message) string {
	var sb strings.Builder
	for _, b := range m.Content {
		sb.WriteString(b.Text.Value)
	}
	return sb.String()
}

// waitStatus polls GetRun until the run reaches want or the deadline passes.
func waitStatus(t *testing.T, a *Agent, runID string, want RunStatus) *Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := a.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %q", runID, want)
	return nil
}
