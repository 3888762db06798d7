package weft

import "context"

// Tracer creates spans around thread and run operations. The observer
// package provides an OTEL-backed implementation via NewTracer(); when no
// Tracer is configured the agent skips span creation entirely.
type Tracer interface {
	// Start opens a span and returns a child context carrying it.
	// Callers must call End() on the returned Span exactly once.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one traced operation.
type Span interface {
	// SetAttr attaches attributes after the span has started.
	SetAttr(attrs ...SpanAttr)
	// Event records a point-in-time annotation on the span.
	Event(name string, attrs ...SpanAttr)
	// Error records err and marks the span failed.
	Error(err error)
	// End completes the span.
	End()
}

// SpanAttr is a key-value attribute on a span or event. Values are string,
// int, int64, float64, or bool; implementations may stringify anything else.
type SpanAttr struct {
	Key   string
	Value any
}

// StringAttr builds a string-valued span attribute.
func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

// IntAttr builds an int-valued span attribute.
func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

// nopSpan is handed out when no Tracer is configured.
type nopSpan struct{}

func (nopSpan) SetAttr(...SpanAttr)       {}
func (nopSpan) Event(string, ...SpanAttr) {}
func (nopSpan) Error(error)               {}
func (nopSpan) End()                      {}
