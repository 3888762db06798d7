// Package weft is an agent runtime for serving stateful conversations in Go.
//
// It persists threads and runs, executes user-defined runners against them,
// and exposes the whole lifecycle over an HTTP API: create a thread, start a
// run (fire-and-forget, blocking, or streamed over SSE), poll it, cancel it.
//
// # Quick Start
//
// Bind a runner to an agent and serve it:
//
//	store := sqlite.New("weft.db")
//
//	agent := weft.New(myRunner,
//		weft.WithStore(store),
//		weft.WithLogger(logger),
//	)
//	defer agent.Close(ctx)
//
//	srv := weft.NewServer(agent)
//	http.ListenAndServe(":8080", srv.Routes())
//
// A runner is any implementation of [Runner]: it receives the run and a chunk
// channel, streams content and token usage back, and returns when done. The
// runtime owns everything else: persistence, status transitions, streaming,
// cancellation, and output collection.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Runner] — executes a run, emitting chunks (the only required piece)
//   - [Store] — persistence for threads, messages, and runs
//   - [Handler] — the seven runtime operations, implemented by [Agent]
//   - [EventSink] — receiver for streamed run events
//   - [Tracer] — span hooks for distributed tracing
//
// # Included Implementations
//
// Storage: the built-in file store, store/sqlite (local), store/postgres.
// Runners: runner/openaichat (OpenAI-compatible chat APIs).
// Observability: observer (OTEL traces, metrics, and logs).
//
// See the cmd/weftd directory for a complete reference daemon.
package weft
