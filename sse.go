package weft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Stream event names, in the order a successful run emits them. A failed
// run replaces the message.completed and run.completed pair with
// run.failed. Every stream ends with a done frame.
const (
	EventRunCreated       = "thread.run.created"
	EventRunInProgress    = "thread.run.in_progress"
	EventMessageCreated   = "thread.message.created"
	EventMessageDelta     = "thread.message.delta"
	EventMessageCompleted = "thread.message.completed"
	EventRunCompleted     = "thread.run.completed"
	EventRunFailed        = "thread.run.failed"
	EventDone             = "done"
)

// doneData is the payload of the terminal done frame.
const doneData = "[DONE]"

// EventSink receives the ordered event stream of a streaming run. Send is
// called from a single goroutine; an error tells the runtime the consumer
// is gone, after which no further sends arrive.
type EventSink interface {
	Send(event string, data []byte) error
}

// SSEWriter adapts an http.ResponseWriter into an EventSink emitting
// server-sent events. Headers go out with the first frame, so a handler
// that fails before producing any event can still write a plain error
// response.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewSSEWriter wraps w. Fails when w cannot flush, which streaming
// requires.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported: response writer cannot flush")
	}
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one SSE frame and flushes it to the client.
func (s *SSEWriter) Send(event string, data []byte) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Started reports whether any frame, and with it the response header, has
// been written.
func (s *SSEWriter) Started() bool { return s.started }

// StreamRun accepts a run and executes it while emitting its lifecycle as
// events on sink. An error return means nothing was emitted yet (the
// request itself was rejected); once events flow, failures travel inside
// the stream and the method returns nil. Cancelling ctx — a streaming
// client disconnecting — cancels the run.
func (a *Agent) StreamRun(ctx context.Context, req RunRequest, sink EventSink) error {
	if err := a.Init(ctx); err != nil {
		return err
	}
	ctx, sp := a.span(ctx, "run.execute", StringAttr("mode", "stream"))
	defer sp.End()

	run, err := a.acceptRun(ctx, req)
	if err != nil {
		sp.Error(err)
		return err
	}

	out := newEventStream(sink, a.logger)
	defer out.done()

	out.sendJSON(EventRunCreated, run)

	runCtx, h := a.beginRun(ctx, run)
	var msg *Message
	final, execErr := a.executeRun(runCtx, h, run, execHooks{
		onStart: func(r *Run) {
			out.sendJSON(EventRunInProgress, r)
		},
		onMessage: func(m *Message) {
			msg = m
			out.sendJSON(EventMessageCreated, m)
		},
		onDelta: func(m *Message, blocks []ContentBlock) {
			if blocks == nil {
				blocks = []ContentBlock{}
			}
			out.sendJSON(EventMessageDelta, messageDelta{
				ID:     m.ID,
				Object: ObjectMessageDelta,
				Delta:  deltaContent{Content: blocks},
			})
		},
	})
	if execErr != nil {
		// Store failure mid-stream: the frames already sent cannot be
		// unsent, so report in-band and release the client.
		sp.Error(execErr)
		a.logger.Error("stream run aborted by store failure", "run_id", run.ID, "error", execErr)
		return nil
	}
	if final == nil {
		// Cancelled via CancelRun; that path owns the terminal write and
		// the client just gets the done frame.
		return nil
	}

	switch final.Status {
	case RunCompleted:
		if msg != nil {
			out.sendJSON(EventMessageCompleted, msg)
		}
		out.sendJSON(EventRunCompleted, final)
	case RunFailed:
		out.sendJSON(EventRunFailed, final)
	}
	return nil
}

// messageDelta is the payload of a thread.message.delta frame.
type messageDelta struct {
	ID     string       `json:"id"`
	Object string       `json:"object"`
	Delta  deltaContent `json:"delta"`
}

type deltaContent struct {
	Content []ContentBlock `json:"content"`
}

// eventStream serializes lifecycle events onto an EventSink. After any send
// fails the stream goes quiet rather than failing the run: the consumer is
// gone, and persistence is the pipeline's business either way.
type eventStream struct {
	sink   EventSink
	logger *slog.Logger
	dead   bool
}

func newEventStream(sink EventSink, logger *slog.Logger) *eventStream {
	return &eventStream{sink: sink, logger: logger}
}

func (e *eventStream) send(event string, data []byte) {
	if e.dead {
		return
	}
	if err := e.sink.Send(event, data); err != nil {
		e.logger.Debug("event sink closed", "event", event, "error", err)
		e.dead = true
	}
}

func (e *eventStream) sendJSON(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("encoding stream event", "event", event, "error", err)
		return
	}
	e.send(event, data)
}

// done emits the terminal frame. Safe to call after any exit path,
// including a dead sink.
func (e *eventStream) done() {
	e.send(EventDone, []byte(doneData))
}
