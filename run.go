package weft

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CreateThread persists and returns a fresh thread.
func (a *Agent) CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}
	ctx, sp := a.span(ctx, "thread.create")
	defer sp.End()
	t, err := a.store.CreateThread(ctx, metadata)
	if err != nil {
		sp.Error(err)
		return nil, err
	}
	a.logger.Debug("thread created", "thread_id", t.ID)
	return t, nil
}

// GetThread loads a thread with its messages.
func (a *Agent) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}
	return a.store.GetThread(ctx, threadID)
}

// GetRun loads a run.
func (a *Agent) GetRun(ctx context.Context, runID string) (*Run, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}
	return a.store.GetRun(ctx, runID)
}

// CreateRun accepts a run and executes it in the background. The returned run
// is the queued snapshot; poll GetRun for progress. Execution is detached
// from ctx — cancelling the request does not cancel the run.
func (a *Agent) CreateRun(ctx context.Context, req RunRequest) (*Run, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}
	ctx, sp := a.span(ctx, "run.create", StringAttr("mode", "async"))
	defer sp.End()
	run, err := a.acceptRun(ctx, req)
	if err != nil {
		sp.Error(err)
		return nil, err
	}

	// Register before returning so a CancelRun issued right after this call
	// finds the handle instead of racing the background start.
	runCtx, h := a.beginRun(context.WithoutCancel(ctx), run)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				a.logger.Error("run pipeline panic", "run_id", run.ID, "panic", fmt.Sprintf("%v", p))
			}
		}()
		_, sp := a.span(runCtx, "run.execute", StringAttr("mode", "async"), StringAttr("run_id", run.ID))
		defer sp.End()
		a.executeRun(runCtx, h, run, execHooks{})
	}()
	return run, nil
}

// CreateRunAndWait accepts a run, executes it inline, and returns the final
// run record. Runner failures are returned as a failed run, not a Go error.
func (a *Agent) CreateRunAndWait(ctx context.Context, req RunRequest) (*Run, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}
	ctx, sp := a.span(ctx, "run.execute", StringAttr("mode", "sync"))
	defer sp.End()
	run, err := a.acceptRun(ctx, req)
	if err != nil {
		sp.Error(err)
		return nil, err
	}
	runCtx, h := a.beginRun(ctx, run)
	final, err := a.executeRun(runCtx, h, run, execHooks{})
	if err != nil {
		sp.Error(err)
		return nil, err
	}
	if final == nil {
		// Aborted: the cancel operation owns the terminal write. Return the
		// freshest state we can see.
		return a.store.GetRun(context.WithoutCancel(ctx), run.ID)
	}
	if final.Usage != nil {
		sp.SetAttr(IntAttr("tokens.total", final.Usage.TotalTokens))
	}
	return final, nil
}

// CancelRun cancels an executing run, or marks a non-terminal idle run
// cancelled. Cancelling a terminal run returns *ErrRunState.
func (a *Agent) CancelRun(ctx context.Context, runID string) (*Run, error) {
	if err := a.Init(ctx); err != nil {
		return nil, err
	}
	ctx, sp := a.span(ctx, "run.cancel", StringAttr("run_id", runID))
	defer sp.End()

	if h, ok := a.registry.get(runID); ok {
		// Signal the drainer to stand down, then wait for it. Once the
		// handle completes, this path owns the terminal write. Execution
		// errors are the run's business, not the cancel caller's.
		h.Abort()
		if werr := h.Wait(ctx); werr != nil && ctx.Err() != nil {
			sp.Error(werr)
			return nil, werr
		}
	}

	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		sp.Error(err)
		return nil, err
	}
	if run.Status.Terminal() {
		serr := &ErrRunState{Op: "cancel", Status: run.Status}
		sp.Error(serr)
		return nil, serr
	}

	now := NowUnix()
	st := RunCancelled
	updated, err := a.store.UpdateRun(ctx, runID, RunUpdate{Status: &st, CancelledAt: &now})
	if err != nil {
		sp.Error(err)
		return nil, err
	}
	a.logger.Info("run cancelled", "run_id", runID)
	return updated, nil
}

// acceptRun resolves the target thread (creating one when the request names
// none) and persists a queued run.
func (a *Agent) acceptRun(ctx context.Context, req RunRequest) (*Run, error) {
	threadID := req.ThreadID
	if threadID == "" {
		t, err := a.store.CreateThread(ctx, nil)
		if err != nil {
			return nil, err
		}
		threadID = t.ID
	} else {
		if _, err := a.store.GetThread(ctx, threadID); err != nil {
			return nil, err
		}
	}
	run, err := a.store.CreateRun(ctx, RunParams{
		ThreadID: threadID,
		Input:    req.Input.Messages,
		Config:   req.Config,
		Metadata: req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info("run accepted", "run_id", run.ID, "thread_id", threadID)
	return run, nil
}

// beginRun derives the execution context (abort signal plus the optional
// config timeout) and registers the run's handle. Callers must hand both to
// executeRun, which owns deregistration and handle completion.
func (a *Agent) beginRun(ctx context.Context, run *Run) (context.Context, *runHandle) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if run.Config != nil && run.Config.TimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(run.Config.TimeoutMS)*time.Millisecond)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	h := newRunHandle(run.ID, cancel)
	a.registry.add(h)
	return runCtx, h
}

// execHooks are the streaming path's observation points. All fields optional.
type execHooks struct {
	// onStart fires after the in_progress transition is persisted.
	onStart func(run *Run)
	// onMessage fires with the eagerly materialized assistant message
	// skeleton. Setting it switches the collector to eager mode.
	onMessage func(msg *Message)
	// onDelta fires with each batch of content blocks a chunk contributed.
	onDelta func(msg *Message, blocks []ContentBlock)
}

// executeRun drives a registered run to its end: persist in_progress, drain
// the runner's chunks, then finalize. Exactly one of these happens:
//
//   - handle aborted → no terminal write here; CancelRun owns it. Returns (nil, nil).
//   - runner error/panic/timeout → status failed with EXEC_ERROR.
//   - execution context cancelled from outside (caller gone) → status cancelled.
//   - success → status completed, output and usage recorded, thread appended.
//
// Store writes use a context detached from ctx so a vanished consumer cannot
// interrupt persistence. The returned error reports store failures only.
func (a *Agent) executeRun(ctx context.Context, h *runHandle, run *Run, hooks execHooks) (*Run, error) {
	storeCtx := context.WithoutCancel(ctx)
	start := time.Now()

	finish := func(final *Run, execErr error, infraErr error) (*Run, error) {
		a.registry.remove(run.ID)
		if infraErr != nil {
			h.finish(infraErr)
			return nil, infraErr
		}
		h.finish(execErr)
		return final, nil
	}

	// A cancel issued between acceptance and this point set the flag already:
	// stand down without touching the queued record.
	if h.Aborted() {
		return finish(nil, context.Canceled, nil)
	}

	now := NowUnix()
	st := RunInProgress
	cur, err := a.store.UpdateRun(storeCtx, run.ID, RunUpdate{Status: &st, StartedAt: &now})
	if err != nil {
		return finish(nil, nil, err)
	}
	if hooks.onStart != nil {
		hooks.onStart(cur)
	}

	col := newChunkCollector(run.ThreadID, run.ID)
	if hooks.onMessage != nil {
		hooks.onMessage(col.ensureMessage())
	}

	ch := make(chan Chunk, a.chunkBuffer)
	execErrCh := make(chan error, 1)
	go func() {
		defer close(ch)
		execErrCh <- a.callRunner(ctx, cur, ch)
	}()

	for chunk := range ch {
		if h.Aborted() {
			break
		}
		blocks, hasMessage := col.add(chunk)
		if hasMessage && hooks.onDelta != nil {
			hooks.onDelta(col.eager, blocks)
		}
	}

	aborted := h.Aborted()
	var execErr error
	if aborted {
		// Empty the channel in the background so a runner mid-send can
		// observe its cancelled context and return.
		go func() {
			for range ch {
			}
		}()
	} else {
		execErr = <-execErrCh
	}

	now = NowUnix()
	switch {
	case aborted:
		a.logger.Info("run aborted", "run_id", run.ID, "duration", time.Since(start))
		return finish(nil, context.Canceled, nil)

	case execErr != nil && errors.Is(execErr, context.Canceled) && ctx.Err() != nil:
		// The consumer went away (stream client disconnect, sync caller
		// cancelled). Nobody will issue CancelRun for this run, so the
		// drainer records the cancellation itself.
		st := RunCancelled
		final, uerr := a.store.UpdateRun(storeCtx, run.ID, RunUpdate{Status: &st, CancelledAt: &now})
		if uerr != nil {
			a.logger.Error("persisting cancelled run", "run_id", run.ID, "error", uerr)
			return finish(nil, execErr, uerr)
		}
		a.logger.Info("run cancelled by consumer", "run_id", run.ID, "duration", time.Since(start))
		return finish(final, execErr, nil)

	case execErr != nil:
		st := RunFailed
		final, uerr := a.store.UpdateRun(storeCtx, run.ID, RunUpdate{
			Status:    &st,
			FailedAt:  &now,
			LastError: &RunError{Code: ExecErrorCode, Message: execErr.Error()},
		})
		if uerr != nil {
			// The execution error stays primary; the store failure is logged,
			// not returned, so it cannot mask what actually went wrong.
			a.logger.Error("persisting failed run", "run_id", run.ID, "error", uerr)
			return finish(nil, execErr, nil)
		}
		a.logger.Error("run failed", "run_id", run.ID, "error", execErr, "duration", time.Since(start))
		return finish(final, execErr, nil)

	default:
		output, usage := col.finish()
		st := RunCompleted
		upd := RunUpdate{Status: &st, CompletedAt: &now, Output: output}
		if usage != nil {
			upd.Usage = usage
		}
		final, uerr := a.store.UpdateRun(storeCtx, run.ID, upd)
		if uerr != nil {
			return finish(nil, nil, uerr)
		}
		if aerr := a.appendRunMessages(storeCtx, run, output); aerr != nil {
			a.logger.Error("appending run messages", "run_id", run.ID, "thread_id", run.ThreadID, "error", aerr)
			return finish(nil, nil, aerr)
		}
		logAttrs := []any{"run_id", run.ID, "duration", time.Since(start)}
		if usage != nil {
			logAttrs = append(logAttrs, "tokens.prompt", usage.PromptTokens, "tokens.completion", usage.CompletionTokens)
		}
		a.logger.Info("run completed", logAttrs...)
		return finish(final, nil, nil)
	}
}

// callRunner invokes the runner with panic recovery. A nil runner is the
// failing placeholder for agents that never configured execution.
func (a *Agent) callRunner(ctx context.Context, run *Run, ch chan<- Chunk) (err error) {
	if a.runner == nil {
		return errors.New("no runner configured")
	}
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("runner panic", "run_id", run.ID, "panic", fmt.Sprintf("%v", p))
			err = fmt.Errorf("runner panic: %v", p)
		}
	}()
	return a.runner.ExecRun(ctx, run, ch)
}

// appendRunMessages appends a completed run's conversation to its thread:
// the submitted input (minus system messages) followed by the output.
func (a *Agent) appendRunMessages(ctx context.Context, run *Run, output []Message) error {
	msgs := make([]Message, 0, len(run.Input)+len(output))
	for _, im := range run.Input {
		if im.Role == RoleSystem {
			continue
		}
		msgs = append(msgs, im.asMessage(run.ThreadID))
	}
	msgs = append(msgs, output...)
	if len(msgs) == 0 {
		return nil
	}
	return a.store.AppendMessages(ctx, run.ThreadID, msgs)
}
