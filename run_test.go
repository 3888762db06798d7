package weft

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCreateRunAndWaitHappyPath(t *testing.T) {
	a := newTestAgent(t, chunksRunner(
		TextChunk("Processed 1 messages"),
		UsageChunk(10, 5),
	))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("hello")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}

	if run.Status != RunCompleted {
		t.Fatalf("Status = %q, want %q", run.Status, RunCompleted)
	}
	if len(run.Output) != 1 {
		t.Fatalf("Output length = %d, want 1", len(run.Output))
	}
	out := run.Output[0]
	if out.Role != RoleAssistant {
		t.Errorf("output Role = %q, want %q", out.Role, RoleAssistant)
	}
	if out.Status != MessageCompleted {
		t.Errorf("output Status = %q, want %q", out.Status, MessageCompleted)
	}
	if out.RunID != run.ID || out.ThreadID != run.ThreadID {
		t.Errorf("output attribution = (%q, %q), want (%q, %q)", out.RunID, out.ThreadID, run.ID, run.ThreadID)
	}
	if got := textOf(out); got != "Processed 1 messages" {
		t.Errorf("output text = %q, want %q", got, "Processed 1 messages")
	}
	if run.Usage == nil {
		t.Fatal("Usage is nil")
	}
	if run.Usage.PromptTokens != 10 || run.Usage.CompletionTokens != 5 || run.Usage.TotalTokens != 15 {
		t.Errorf("Usage = %+v, want 10/5/15", run.Usage)
	}
	if run.StartedAt == nil || run.CompletedAt == nil {
		t.Error("StartedAt and CompletedAt must both be set on a completed run")
	}
	if run.LastError != nil {
		t.Errorf("LastError = %+v, want nil", run.LastError)
	}

	// The conversation landed on the thread: input first, then output.
	thread, err := a.GetThread(context.Background(), run.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(thread.Messages) != 2 {
		t.Fatalf("thread has %d messages, want 2", len(thread.Messages))
	}
	if thread.Messages[0].Role != RoleUser || textOf(thread.Messages[0]) != "hello" {
		t.Errorf("first thread message = %q %q, want user hello", thread.Messages[0].Role, textOf(thread.Messages[0]))
	}
	if thread.Messages[1].Role != RoleAssistant || thread.Messages[1].RunID != run.ID {
		t.Errorf("second thread message = %q run %q, want assistant %q", thread.Messages[1].Role, thread.Messages[1].RunID, run.ID)
	}
}

func TestCreateRunAndWaitMultipleMessages(t *testing.T) {
	a := newTestAgent(t, chunksRunner(
		TextChunk("first"),
		TextChunk("second"),
	))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if len(run.Output) != 2 {
		t.Fatalf("Output length = %d, want 2", len(run.Output))
	}
	if textOf(run.Output[0]) != "first" || textOf(run.Output[1]) != "second" {
		t.Errorf("output texts = %q, %q", textOf(run.Output[0]), textOf(run.Output[1]))
	}
	if run.Output[0].ID == run.Output[1].ID {
		t.Error("each output message needs its own id")
	}
	if run.Usage != nil {
		t.Errorf("Usage = %+v, want nil when the runner reports none", run.Usage)
	}
}

func TestCreateRunAndWaitUsageAccumulates(t *testing.T) {
	a := newTestAgent(t, chunksRunner(
		UsageChunk(3, 4),
		TextChunk("ok"),
		UsageChunk(7, 6),
	))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if run.Usage == nil {
		t.Fatal("Usage is nil")
	}
	if run.Usage.PromptTokens != 10 || run.Usage.CompletionTokens != 10 || run.Usage.TotalTokens != 20 {
		t.Errorf("Usage = %+v, want 10/10/20", run.Usage)
	}
}

func TestCreateRunAndWaitRunnerError(t *testing.T) {
	a := newTestAgent(t, runnerFunc(func(_ context.Context, _ *Run, ch chan<- Chunk) error {
		ch <- TextChunk("partial")
		return errors.New("backend exploded")
	}))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("runner failures must not surface as call errors, got %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("Status = %q, want %q", run.Status, RunFailed)
	}
	if run.LastError == nil {
		t.Fatal("LastError is nil")
	}
	if run.LastError.Code != ExecErrorCode {
		t.Errorf("LastError.Code = %q, want %q", run.LastError.Code, ExecErrorCode)
	}
	if run.LastError.Message != "backend exploded" {
		t.Errorf("LastError.Message = %q, want %q", run.LastError.Message, "backend exploded")
	}
	if run.FailedAt == nil {
		t.Error("FailedAt must be set on a failed run")
	}
	if len(run.Output) != 0 {
		t.Errorf("failed run Output length = %d, want 0", len(run.Output))
	}

	// Nothing reached the thread.
	thread, err := a.GetThread(context.Background(), run.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(thread.Messages) != 0 {
		t.Errorf("thread has %d messages after a failed run, want 0", len(thread.Messages))
	}
}

func TestCreateRunAndWaitRunnerPanic(t *testing.T) {
	a := newTestAgent(t, runnerFunc(func(_ context.Context, _ *Run, _ chan<- Chunk) error {
		panic("kaboom")
	}))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("Status = %q, want %q", run.Status, RunFailed)
	}
	if !strings.Contains(run.LastError.Message, "kaboom") {
		t.Errorf("LastError.Message = %q, want it to carry the panic value", run.LastError.Message)
	}
}

func TestCreateRunAndWaitNilRunner(t *testing.T) {
	a := newTestAgent(t, nil)

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("Status = %q, want %q", run.Status, RunFailed)
	}
	if run.LastError.Message != "no runner configured" {
		t.Errorf("LastError.Message = %q", run.LastError.Message)
	}
}

func TestCreateRunAndWaitTimeout(t *testing.T) {
	a := newTestAgent(t, runnerFunc(func(ctx context.Context, _ *Run, _ chan<- Chunk) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{
		Input:  userInput("go"),
		Config: &RunConfig{TimeoutMS: 30},
	})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if run.Status != RunFailed {
		t.Fatalf("Status = %q, want %q", run.Status, RunFailed)
	}
	if run.LastError == nil || run.LastError.Code != ExecErrorCode {
		t.Errorf("LastError = %+v, want code %q", run.LastError, ExecErrorCode)
	}
}

func TestCreateRunAndWaitConsumerCancelled(t *testing.T) {
	started := make(chan struct{})
	a := newTestAgent(t, runnerFunc(func(ctx context.Context, _ *Run, _ chan<- Chunk) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	run, err := a.CreateRunAndWait(ctx, RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if run.Status != RunCancelled {
		t.Fatalf("Status = %q, want %q", run.Status, RunCancelled)
	}
	if run.CancelledAt == nil {
		t.Error("CancelledAt must be set")
	}
}

func TestCreateRunNewThread(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("ok")))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("hi")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if run.ThreadID == "" {
		t.Fatal("run without a thread_id must get a fresh thread")
	}
	if _, err := a.GetThread(context.Background(), run.ThreadID); err != nil {
		t.Fatalf("GetThread on the created thread: %v", err)
	}
}

func TestCreateRunUnknownThread(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("ok")))

	_, err := a.CreateRunAndWait(context.Background(), RunRequest{
		ThreadID: "thread_missing",
		Input:    userInput("hi"),
	})
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *ErrNotFound", err)
	}
	if nf.Entity != EntityThread {
		t.Errorf("Entity = %q, want %q", nf.Entity, EntityThread)
	}
}

func TestCreateRunAsync(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("done"), UsageChunk(2, 3)))

	run, err := a.CreateRun(context.Background(), RunRequest{Input: userInput("hi")})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != RunQueued {
		t.Fatalf("returned Status = %q, want %q", run.Status, RunQueued)
	}

	final := waitStatus(t, a, run.ID, RunCompleted)
	if len(final.Output) != 1 || textOf(final.Output[0]) != "done" {
		t.Errorf("final Output = %+v, want one message %q", final.Output, "done")
	}
	if final.Usage == nil || final.Usage.TotalTokens != 5 {
		t.Errorf("final Usage = %+v, want total 5", final.Usage)
	}
}

func TestCancelRunMidRun(t *testing.T) {
	started := make(chan struct{})
	a := newTestAgent(t, runnerFunc(func(ctx context.Context, _ *Run, ch chan<- Chunk) error {
		ch <- TextChunk("early")
		close(started)
		<-ctx.Done()
		// A last-gasp send must never land in the run's output.
		select {
		case ch <- TextChunk("final"):
		default:
		}
		return ctx.Err()
	}))

	run, err := a.CreateRun(context.Background(), RunRequest{Input: userInput("work")})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	<-started

	cancelled, err := a.CancelRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if cancelled.Status != RunCancelled {
		t.Fatalf("Status = %q, want %q", cancelled.Status, RunCancelled)
	}
	if cancelled.CancelledAt == nil {
		t.Error("CancelledAt must be set")
	}
	if len(cancelled.Output) != 0 {
		t.Errorf("cancelled run Output length = %d, want 0", len(cancelled.Output))
	}
	if n := a.InFlight(); n != 0 {
		t.Errorf("InFlight = %d after cancel, want 0", n)
	}

	// The cancel is durable.
	got, err := a.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != RunCancelled {
		t.Errorf("persisted Status = %q, want %q", got.Status, RunCancelled)
	}
}

func TestCancelRunTerminal(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("ok")))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("hi")})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}

	_, err = a.CancelRun(context.Background(), run.ID)
	var rs *ErrRunState
	if !errors.As(err, &rs) {
		t.Fatalf("error = %v, want *ErrRunState", err)
	}
	want := "Cannot cancel run with status 'completed'"
	if err.Error() != want {
		t.Errorf("error message = %q, want %q", err.Error(), want)
	}

	// Terminal state untouched.
	got, _ := a.GetRun(context.Background(), run.ID)
	if got.Status != RunCompleted {
		t.Errorf("Status = %q after rejected cancel, want %q", got.Status, RunCompleted)
	}
}

func TestCancelRunQueued(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("ok")))

	// A queued run with no executor, as left behind by a crashed process.
	thread, err := a.CreateThread(context.Background(), nil)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	run, err := a.Store().CreateRun(context.Background(), RunParams{ThreadID: thread.ID})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	cancelled, err := a.CancelRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if cancelled.Status != RunCancelled {
		t.Errorf("Status = %q, want %q", cancelled.Status, RunCancelled)
	}
}

func TestCancelRunNotFound(t *testing.T) {
	a := newTestAgent(t, chunksRunner())

	_, err := a.CancelRun(context.Background(), "run_missing")
	var nf *ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *ErrNotFound", err)
	}
	if want := "Run run_missing not found"; err.Error() != want {
		t.Errorf("error message = %q, want %q", err.Error(), want)
	}
}

func TestRunMetadataPassthrough(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("ok")))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{
		Input:    userInput("hi"),
		Metadata: map[string]any{"purpose": "demo"},
	})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}
	if run.Metadata["purpose"] != "demo" {
		t.Errorf("Metadata = %v, want purpose=demo preserved", run.Metadata)
	}
}

func TestSystemMessagesNotAppended(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("reply")))

	run, err := a.CreateRunAndWait(context.Background(), RunRequest{
		Input: RunInput{Messages: []InputMessage{
			{Role: RoleSystem, Content: Text("be terse")},
			{Role: RoleUser, Content: Text("hi")},
		}},
	})
	if err != nil {
		t.Fatalf("CreateRunAndWait: %v", err)
	}

	thread, err := a.GetThread(context.Background(), run.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(thread.Messages) != 2 {
		t.Fatalf("thread has %d messages, want 2 (system dropped)", len(thread.Messages))
	}
	if thread.Messages[0].Role != RoleUser {
		t.Errorf("first appended role = %q, want %q", thread.Messages[0].Role, RoleUser)
	}
	if thread.Messages[1].Role != RoleAssistant {
		t.Errorf("second appended role = %q, want %q", thread.Messages[1].Role, RoleAssistant)
	}

	// The run record itself still holds the full submitted input.
	if len(run.Input) != 2 || run.Input[0].Role != RoleSystem {
		t.Errorf("run Input = %+v, want the submitted two messages", run.Input)
	}
}

func TestRunSequentialOnSameThread(t *testing.T) {
	a := newTestAgent(t, chunksRunner(TextChunk("pong")))

	first, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("ping")})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := a.CreateRunAndWait(context.Background(), RunRequest{
		ThreadID: first.ThreadID,
		Input:    userInput("ping again"),
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.ThreadID != first.ThreadID {
		t.Fatalf("second run thread = %q, want %q", second.ThreadID, first.ThreadID)
	}

	thread, err := a.GetThread(context.Background(), first.ThreadID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(thread.Messages) != 4 {
		t.Fatalf("thread has %d messages after two runs, want 4", len(thread.Messages))
	}
	wantRoles := []string{RoleUser, RoleAssistant, RoleUser, RoleAssistant}
	for i, m := range thread.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
}

func TestRunErrorDoesNotBlockThread(t *testing.T) {
	calls := 0
	a := newTestAgent(t, runnerFunc(func(_ context.Context, _ *Run, ch chan<- Chunk) error {
		calls++
		if calls == 1 {
			return errors.New("first try fails")
		}
		ch <- TextChunk("second try works")
		return nil
	}))

	failed, err := a.CreateRunAndWait(context.Background(), RunRequest{Input: userInput("go")})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if failed.Status != RunFailed {
		t.Fatalf("first run Status = %q, want %q", failed.Status, RunFailed)
	}

	ok, err := a.CreateRunAndWait(context.Background(), RunRequest{
		ThreadID: failed.ThreadID,
		Input:    userInput("retry"),
	})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if ok.Status != RunCompleted {
		t.Fatalf("second run Status = %q, want %q", ok.Status, RunCompleted)
	}

	thread, _ := a.GetThread(context.Background(), failed.ThreadID)
	if len(thread.Messages) != 2 {
		t.Errorf("thread has %d messages, want 2 (only the completed run appends)", len(thread.Messages))
	}
}
