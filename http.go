package weft

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// maxRequestBodyBytes caps API request bodies.
const maxRequestBodyBytes = 4 << 20 // 4MB

// Server exposes a Handler over HTTP. All routes live under /api/v1:
//
//	POST /api/v1/threads            create a thread
//	GET  /api/v1/threads/{id}       fetch a thread with messages
//	POST /api/v1/runs               create a run, execute in background
//	POST /api/v1/runs/stream        create a run, stream it as SSE
//	POST /api/v1/runs/wait          create a run, respond on completion
//	GET  /api/v1/runs/{id}          fetch a run
//	POST /api/v1/runs/{id}/cancel   cancel a run
//
// Unknown ids map to 404, operations illegal for the run's state to 409,
// malformed ids and bodies to 400. Error bodies are {"error": "<message>"}.
type Server struct {
	handler Handler
	logger  *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLogger sets a structured logger for request failures. If not set,
// no logs are emitted.
func ServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer wraps h. Mount the result of Routes on an http.Server.
func NewServer(h Handler, opts ...ServerOption) *Server {
	s := &Server{handler: h, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the API mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/threads", s.handleCreateThread)
	mux.HandleFunc("GET /api/v1/threads/{id}", s.handleGetThread)
	mux.HandleFunc("POST /api/v1/runs", s.handleCreateRun)
	mux.HandleFunc("POST /api/v1/runs/stream", s.handleStreamRun)
	mux.HandleFunc("POST /api/v1/runs/wait", s.handleWaitRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", s.handleCancelRun)
	return mux
}

// threadProjection is the create-thread response: the thread without its
// message log.
type threadProjection struct {
	ID        string         `json:"id"`
	Object    string         `json:"object"`
	CreatedAt int64          `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	// The body is optional; {"metadata": {...}} seeds thread metadata.
	var body struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.handler.CreateThread(r.Context(), body.Metadata)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threadProjection{
		ID:        t.ID,
		Object:    t.Object,
		CreatedAt: t.CreatedAt,
		Metadata:  t.Metadata,
	})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	t, err := s.handler.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}
	run, err := s.handler.CreateRun(r.Context(), req)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleWaitRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}
	run, err := s.handler.CreateRunAndWait(r.Context(), req)
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRunRequest(w, r)
	if !ok {
		return
	}
	sink, err := NewSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.handler.StreamRun(r.Context(), req, sink); err != nil {
		// Rejected before any frame went out: a plain JSON error still works.
		if !sink.Started() {
			s.writeHandlerError(w, err)
			return
		}
		s.logger.Error("stream run", "error", err)
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.handler.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.handler.CancelRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeHandlerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// decodeRunRequest parses a run creation body, writing the 400 itself when
// the body is missing or malformed.
func (s *Server) decodeRunRequest(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	err := decodeBody(r, &req)
	if err == io.EOF {
		writeError(w, http.StatusBadRequest, "request body is required")
		return req, false
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

// decodeBody decodes a JSON request body into v. An empty body returns
// io.EOF so callers can treat the body as optional.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		return errors.New("failed to read request body")
	}
	if len(body) == 0 {
		return io.EOF
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON: " + err.Error())
	}
	return nil
}

func (s *Server) writeHandlerError(w http.ResponseWriter, err error) {
	var (
		notFound *ErrNotFound
		invalid  *ErrInvalidID
		runState *ErrRunState
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, invalid.Error())
	case errors.As(err, &runState):
		writeError(w, http.StatusConflict, runState.Error())
	default:
		s.logger.Error("handler error", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
