package observer

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/weftlabs/weft"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedStore wraps a weft.Store with OTEL instrumentation. Each operation
// emits a store.<op> span and operation count and duration metrics.
//
// ListRunsByStatus and Close pass through when the wrapped store supports
// them, so sweeping and shutdown keep working across the wrapper.
type ObservedStore struct {
	inner weft.Store
	inst  *Instruments
}

// WrapStore returns an instrumented store that emits traces and metrics.
func WrapStore(inner weft.Store, inst *Instruments) *ObservedStore {
	return &ObservedStore{inner: inner, inst: inst}
}

func (o *ObservedStore) Init(ctx context.Context) error {
	return o.observe(ctx, "init", nil, func(ctx context.Context) error {
		return o.inner.Init(ctx)
	})
}

func (o *ObservedStore) CreateThread(ctx context.Context, metadata map[string]any) (*weft.Thread, error) {
	var thread *weft.Thread
	err := o.observe(ctx, "create_thread", nil, func(ctx context.Context) error {
		var err error
		thread, err = o.inner.CreateThread(ctx, metadata)
		return err
	})
	return thread, err
}

func (o *ObservedStore) GetThread(ctx context.Context, id string) (*weft.Thread, error) {
	var thread *weft.Thread
	err := o.observe(ctx, "get_thread", []attribute.KeyValue{AttrThreadID.String(id)}, func(ctx context.Context) error {
		var err error
		thread, err = o.inner.GetThread(ctx, id)
		return err
	})
	return thread, err
}

func (o *ObservedStore) AppendMessages(ctx context.Context, threadID string, msgs []weft.Message) error {
	attrs := []attribute.KeyValue{
		AttrThreadID.String(threadID),
		attribute.Int("message_count", len(msgs)),
	}
	return o.observe(ctx, "append_messages", attrs, func(ctx context.Context) error {
		return o.inner.AppendMessages(ctx, threadID, msgs)
	})
}

func (o *ObservedStore) CreateRun(ctx context.Context, p weft.RunParams) (*weft.Run, error) {
	var run *weft.Run
	err := o.observe(ctx, "create_run", []attribute.KeyValue{AttrThreadID.String(p.ThreadID)}, func(ctx context.Context) error {
		var err error
		run, err = o.inner.CreateRun(ctx, p)
		return err
	})
	return run, err
}

func (o *ObservedStore) GetRun(ctx context.Context, id string) (*weft.Run, error) {
	var run *weft.Run
	err := o.observe(ctx, "get_run", []attribute.KeyValue{AttrRunID.String(id)}, func(ctx context.Context) error {
		var err error
		run, err = o.inner.GetRun(ctx, id)
		return err
	})
	return run, err
}

func (o *ObservedStore) UpdateRun(ctx context.Context, id string, u weft.RunUpdate) (*weft.Run, error) {
	attrs := []attribute.KeyValue{AttrRunID.String(id)}
	if u.Status != nil {
		attrs = append(attrs, AttrRunStatus.String(string(*u.Status)))
	}
	var run *weft.Run
	err := o.observe(ctx, "update_run", attrs, func(ctx context.Context) error {
		var err error
		run, err = o.inner.UpdateRun(ctx, id, u)
		return err
	})
	return run, err
}

// ListRunsByStatus delegates to the wrapped store when it implements
// RunLister, and fails otherwise.
func (o *ObservedStore) ListRunsByStatus(ctx context.Context, statuses ...weft.RunStatus) ([]*weft.Run, error) {
	lister, ok := o.inner.(weft.RunLister)
	if !ok {
		return nil, errors.New("wrapped store does not support listing runs")
	}
	var runs []*weft.Run
	err := o.observe(ctx, "list_runs_by_status", nil, func(ctx context.Context) error {
		var err error
		runs, err = lister.ListRunsByStatus(ctx, statuses...)
		return err
	})
	return runs, err
}

// Close releases the wrapped store's resources when it holds any.
func (o *ObservedStore) Close() error {
	if closer, ok := o.inner.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (o *ObservedStore) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, span := o.inst.Tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	defer span.End()
	start := time.Now()

	err := fn(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.StoreOperations.Add(ctx, 1, metric.WithAttributes(
		AttrStoreOp.String(op),
		attribute.String("status", status),
	))
	o.inst.StoreDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrStoreOp.String(op),
	))
	return err
}

// compile-time checks
var (
	_ weft.Store     = (*ObservedStore)(nil)
	_ weft.RunLister = (*ObservedStore)(nil)
	_ io.Closer      = (*ObservedStore)(nil)
)
