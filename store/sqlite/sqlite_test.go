package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/weftlabs/weft"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func storedMessage(text string) weft.Message {
	return weft.Message{
		ID:        weft.NewMessageID(),
		Object:    weft.ObjectMessage,
		CreatedAt: weft.NowUnix(),
		Role:      weft.RoleUser,
		Status:    weft.MessageCompleted,
		Content:   []weft.ContentBlock{weft.TextBlock(text)},
	}
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestThreadRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	created, err := s.CreateThread(ctx, map[string]any{"team": "qa"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	got, err := s.GetThread(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.ID != created.ID || got.Object != weft.ObjectThread {
		t.Errorf("got id %q object %q", got.ID, got.Object)
	}
	if got.Metadata["team"] != "qa" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.Messages == nil || len(got.Messages) != 0 {
		t.Errorf("Messages = %+v, want empty non-nil", got.Messages)
	}
}

func TestThreadNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.GetThread(context.Background(), "thread_missing")
	var nf *weft.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *weft.ErrNotFound", err)
	}
	if nf.Entity != weft.EntityThread {
		t.Errorf("Entity = %q", nf.Entity)
	}
}

func TestAppendMessagesOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	thread, _ := s.CreateThread(ctx, nil)

	if err := s.AppendMessages(ctx, thread.ID, []weft.Message{storedMessage("one"), storedMessage("two")}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := s.AppendMessages(ctx, thread.ID, []weft.Message{storedMessage("three")}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	got, err := s.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("thread has %d messages, want 3", len(got.Messages))
	}
	for i, want := range []string{"one", "two", "three"} {
		m := got.Messages[i]
		if m.Content[0].Text.Value != want {
			t.Errorf("message %d = %q, want %q", i, m.Content[0].Text.Value, want)
		}
		if m.ThreadID != thread.ID {
			t.Errorf("message %d thread = %q", i, m.ThreadID)
		}
		if m.RunID != "" {
			t.Errorf("message %d run id = %q, want empty", i, m.RunID)
		}
	}
}

func TestAppendMessagesUnknownThread(t *testing.T) {
	s := testStore(t)

	err := s.AppendMessages(context.Background(), "thread_missing", []weft.Message{storedMessage("x")})
	var nf *weft.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("error = %v, want *weft.ErrNotFound", err)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, weft.RunParams{
		ThreadID: "thread_1",
		Input:    []weft.InputMessage{{Role: weft.RoleUser, Content: weft.Text("hi")}},
		Config:   &weft.RunConfig{TimeoutMS: 5000},
		Metadata: map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != weft.RunQueued {
		t.Fatalf("Status = %q, want queued", run.Status)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ThreadID != "thread_1" || got.Status != weft.RunQueued {
		t.Errorf("got = thread %q status %q", got.ThreadID, got.Status)
	}
	if len(got.Input) != 1 || got.Input[0].Role != weft.RoleUser {
		t.Errorf("Input = %+v", got.Input)
	}
	if got.Config == nil || got.Config.TimeoutMS != 5000 {
		t.Errorf("Config = %+v", got.Config)
	}
	if got.Metadata["k"] != "v" {
		t.Errorf("Metadata = %v", got.Metadata)
	}

	started := weft.NowUnix()
	st := weft.RunInProgress
	mid, err := s.UpdateRun(ctx, run.ID, weft.RunUpdate{Status: &st, StartedAt: &started})
	if err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if mid.Status != weft.RunInProgress || mid.StartedAt == nil {
		t.Errorf("mid = %q %v", mid.Status, mid.StartedAt)
	}

	completed := weft.NowUnix()
	st2 := weft.RunCompleted
	final, err := s.UpdateRun(ctx, run.ID, weft.RunUpdate{
		Status:      &st2,
		CompletedAt: &completed,
		Output:      []weft.Message{storedMessage("done")},
		Usage:       &weft.Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	})
	if err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}
	if final.StartedAt == nil || *final.StartedAt != started {
		t.Error("partial update must keep StartedAt")
	}
	if len(final.Input) != 1 {
		t.Error("input is immutable")
	}

	reloaded, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if reloaded.Status != weft.RunCompleted {
		t.Errorf("Status = %q", reloaded.Status)
	}
	if len(reloaded.Output) != 1 || reloaded.Output[0].Content[0].Text.Value != "done" {
		t.Errorf("Output = %+v", reloaded.Output)
	}
	if reloaded.Usage == nil || reloaded.Usage.TotalTokens != 3 {
		t.Errorf("Usage = %+v", reloaded.Usage)
	}
}

func TestRunNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "run_missing")
	var nf *weft.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetRun error = %v, want *weft.ErrNotFound", err)
	}

	st := weft.RunCancelled
	_, err = s.UpdateRun(ctx, "run_missing", weft.RunUpdate{Status: &st})
	if !errors.As(err, &nf) {
		t.Fatalf("UpdateRun error = %v, want *weft.ErrNotFound", err)
	}
}

func TestListRunsByStatus(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var ids []string
	for range 3 {
		r, err := s.CreateRun(ctx, weft.RunParams{ThreadID: "thread_1"})
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		ids = append(ids, r.ID)
	}
	st := weft.RunCompleted
	if _, err := s.UpdateRun(ctx, ids[0], weft.RunUpdate{Status: &st}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	queued, err := s.ListRunsByStatus(ctx, weft.RunQueued)
	if err != nil {
		t.Fatalf("ListRunsByStatus: %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("queued = %d, want 2", len(queued))
	}

	all, err := s.ListRunsByStatus(ctx)
	if err != nil {
		t.Fatalf("ListRunsByStatus: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}

	both, err := s.ListRunsByStatus(ctx, weft.RunQueued, weft.RunCompleted)
	if err != nil {
		t.Fatalf("ListRunsByStatus: %v", err)
	}
	if len(both) != 3 {
		t.Errorf("both = %d, want 3", len(both))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s := New(path)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	thread, err := s.CreateThread(ctx, map[string]any{"keep": "me"})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	run, err := s.CreateRun(ctx, weft.RunParams{ThreadID: thread.ID})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := New(path)
	defer reopened.Close()
	if err := reopened.Init(ctx); err != nil {
		t.Fatalf("Init after reopen: %v", err)
	}
	gotThread, err := reopened.GetThread(ctx, thread.ID)
	if err != nil {
		t.Fatalf("GetThread after reopen: %v", err)
	}
	if gotThread.Metadata["keep"] != "me" {
		t.Errorf("Metadata = %v", gotThread.Metadata)
	}
	gotRun, err := reopened.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun after reopen: %v", err)
	}
	if gotRun.Status != weft.RunQueued {
		t.Errorf("Status = %q", gotRun.Status)
	}
}
