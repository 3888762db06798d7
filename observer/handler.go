package observer

import (
	"context"
	"time"

	"github.com/weftlabs/weft"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	weftlog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedHandler wraps any Handler to emit OTEL request spans, metrics, and
// logs. The wrapper creates a parent span for each API operation that contains
// all inner operations (store calls, runner execution) as child spans via
// context propagation.
type ObservedHandler struct {
	inner weft.Handler
	inst  *Instruments
}

// WrapHandler returns an instrumented Handler that emits request telemetry.
func WrapHandler(inner weft.Handler, inst *Instruments) *ObservedHandler {
	return &ObservedHandler{inner: inner, inst: inst}
}

func (o *ObservedHandler) CreateThread(ctx context.Context, metadata map[string]any) (*weft.Thread, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "api.create_thread")
	defer span.End()
	start := time.Now()

	thread, err := o.inner.CreateThread(ctx, metadata)
	if thread != nil {
		span.SetAttributes(AttrThreadID.String(thread.ID))
	}
	o.record(ctx, span, "create_thread", err, start)
	return thread, err
}

func (o *ObservedHandler) GetThread(ctx context.Context, threadID string) (*weft.Thread, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "api.get_thread", trace.WithAttributes(
		AttrThreadID.String(threadID),
	))
	defer span.End()
	start := time.Now()

	thread, err := o.inner.GetThread(ctx, threadID)
	o.record(ctx, span, "get_thread", err, start)
	return thread, err
}

func (o *ObservedHandler) CreateRun(ctx context.Context, req weft.RunRequest) (*weft.Run, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "api.create_run", trace.WithAttributes(
		AttrThreadID.String(req.ThreadID),
	))
	defer span.End()
	start := time.Now()

	run, err := o.inner.CreateRun(ctx, req)
	o.annotateRun(span, run)
	o.record(ctx, span, "create_run", err, start)
	return run, err
}

func (o *ObservedHandler) CreateRunAndWait(ctx context.Context, req weft.RunRequest) (*weft.Run, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "api.create_run_and_wait", trace.WithAttributes(
		AttrThreadID.String(req.ThreadID),
	))
	defer span.End()
	start := time.Now()

	run, err := o.inner.CreateRunAndWait(ctx, req)
	o.annotateRun(span, run)
	if run != nil && run.Usage != nil {
		span.SetAttributes(
			AttrTokensPrompt.Int(run.Usage.PromptTokens),
			AttrTokensCompletion.Int(run.Usage.CompletionTokens),
		)
	}
	o.record(ctx, span, "create_run_and_wait", err, start)
	return run, err
}

func (o *ObservedHandler) StreamRun(ctx context.Context, req weft.RunRequest, sink weft.EventSink) error {
	ctx, span := o.inst.Tracer.Start(ctx, "api.stream_run", trace.WithAttributes(
		AttrThreadID.String(req.ThreadID),
	))
	defer span.End()
	start := time.Now()

	err := o.inner.StreamRun(ctx, req, sink)
	o.record(ctx, span, "stream_run", err, start)
	return err
}

func (o *ObservedHandler) GetRun(ctx context.Context, runID string) (*weft.Run, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "api.get_run", trace.WithAttributes(
		AttrRunID.String(runID),
	))
	defer span.End()
	start := time.Now()

	run, err := o.inner.GetRun(ctx, runID)
	o.annotateRun(span, run)
	o.record(ctx, span, "get_run", err, start)
	return run, err
}

func (o *ObservedHandler) CancelRun(ctx context.Context, runID string) (*weft.Run, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "api.cancel_run", trace.WithAttributes(
		AttrRunID.String(runID),
	))
	defer span.End()
	start := time.Now()

	run, err := o.inner.CancelRun(ctx, runID)
	o.annotateRun(span, run)
	o.record(ctx, span, "cancel_run", err, start)
	return run, err
}

func (o *ObservedHandler) annotateRun(span trace.Span, run *weft.Run) {
	if run == nil {
		return
	}
	span.SetAttributes(
		AttrRunID.String(run.ID),
		AttrThreadID.String(run.ThreadID),
		AttrRunStatus.String(string(run.Status)),
	)
}

func (o *ObservedHandler) record(ctx context.Context, span trace.Span, op string, err error, start time.Time) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.APIRequests.Add(ctx, 1, metric.WithAttributes(
		AttrAPIOp.String(op),
		attribute.String("status", status),
	))
	o.inst.APIDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAPIOp.String(op),
	))

	// Structured log
	var rec weftlog.Record
	rec.SetSeverity(weftlog.SeverityInfo)
	rec.SetBody(weftlog.StringValue("api request completed"))
	rec.AddAttributes(
		weftlog.String("api.op", op),
		weftlog.String("status", status),
		weftlog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}

// compile-time check
var _ weft.Handler = (*ObservedHandler)(nil)
