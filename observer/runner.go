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

// ObservedRunner wraps a weft.Runner with OTEL instrumentation. Each execution
// emits a runner.exec span, chunk and token counts, and a completion log.
type ObservedRunner struct {
	inner weft.Runner
	inst  *Instruments
}

// WrapRunner returns an instrumented runner that emits traces, metrics, and logs.
func WrapRunner(inner weft.Runner, inst *Instruments) *ObservedRunner {
	return &ObservedRunner{inner: inner, inst: inst}
}

// ExecRun implements weft.Runner. Chunks are forwarded to the runtime's
// channel as they arrive; the caller's channel is left open per the Runner
// contract.
func (o *ObservedRunner) ExecRun(ctx context.Context, run *weft.Run, ch chan<- weft.Chunk) error {
	ctx, span := o.inst.Tracer.Start(ctx, "runner.exec", trace.WithAttributes(
		AttrRunID.String(run.ID),
		AttrThreadID.String(run.ThreadID),
	))
	defer span.End()
	start := time.Now()

	// Forward through a counting channel so chunk and token totals can be
	// captured in passing. The forwarder honors ctx, so a cancelled run
	// cannot strand it on a full caller channel.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan weft.Chunk, bufSize)
	chunks := 0
	prompt, completion := 0, 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for c := range wrappedCh {
			chunks++
			if c.Usage != nil {
				prompt += c.Usage.PromptTokens
				completion += c.Usage.CompletionTokens
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	err := o.inner.ExecRun(ctx, run, wrappedCh)
	close(wrappedCh) // the inner runner never closes it
	<-done           // wait for goroutine to finish before reading counts

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrRunnerChunks.Int(chunks),
		AttrTokensPrompt.Int(prompt),
		AttrTokensCompletion.Int(completion),
	)

	// Metrics
	o.inst.TokenUsage.Add(ctx, int64(prompt), metric.WithAttributes(
		attribute.String("direction", "prompt"),
	))
	o.inst.TokenUsage.Add(ctx, int64(completion), metric.WithAttributes(
		attribute.String("direction", "completion"),
	))
	o.inst.RunnerExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.RunnerDuration.Record(ctx, durationMs)

	// Structured log
	var rec weftlog.Record
	rec.SetSeverity(weftlog.SeverityInfo)
	rec.SetBody(weftlog.StringValue("runner execution completed"))
	rec.AddAttributes(
		weftlog.String("run.id", run.ID),
		weftlog.String("thread.id", run.ThreadID),
		weftlog.String("status", status),
		weftlog.Int("runner.chunks", chunks),
		weftlog.Int("run.tokens.prompt", prompt),
		weftlog.Int("run.tokens.completion", completion),
		weftlog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return err
}

// compile-time check
var _ weft.Runner = (*ObservedRunner)(nil)
