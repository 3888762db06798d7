// Package sqlite implements weft.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weftlabs/weft"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements weft.Store backed by a local SQLite file. Records are
// stored relationally — one row per thread, message, and run — with nested
// structures (content blocks, run input, usage) as JSON text columns.
// Message order within a thread is insertion order.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ weft.Store = (*Store)(nil)
var _ weft.RunLister = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			last_error TEXT,
			usage TEXT,
			config TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			completed_at INTEGER,
			cancelled_at INTEGER,
			failed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "duration", time.Since(start))
	return nil
}

func (s *Store) CreateThread(ctx context.Context, metadata map[string]any) (*weft.Thread, error) {
	start := time.Now()
	t := weft.NewThread(metadata)
	s.logger.Debug("sqlite: create thread", "id", t.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, metadata, created_at) VALUES (?, ?, ?)`,
		t.ID, jsonText(t.Metadata), t.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create thread failed", "id", t.ID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: create thread ok", "id", t.ID, "duration", time.Since(start))
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*weft.Thread, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get thread", "id", id)

	t := weft.Thread{Object: weft.ObjectThread, Metadata: map[string]any{}}
	var metaJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, metadata, created_at FROM threads WHERE id = ?`,
		id,
	).Scan(&t.ID, &metaJSON, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &weft.ErrNotFound{Entity: weft.EntityThread, ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get thread failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
	}

	msgs, err := s.threadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Messages = msgs
	s.logger.Debug("sqlite: get thread ok", "id", id, "messages", len(msgs), "duration", time.Since(start))
	return &t, nil
}

// threadMessages loads a thread's messages in insertion order.
func (s *Store) threadMessages(ctx context.Context, threadID string) ([]weft.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, role, status, content, metadata, created_at
		 FROM messages WHERE thread_id = ? ORDER BY rowid`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	msgs := []weft.Message{}
	for rows.Next() {
		m := weft.Message{Object: weft.ObjectMessage, ThreadID: threadID}
		var runID, metaJSON sql.NullString
		var contentJSON string
		if err := rows.Scan(&m.ID, &runID, &m.Role, &m.Status, &contentJSON, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if runID.Valid {
			m.RunID = runID.String
		}
		m.Content = []weft.ContentBlock{}
		_ = json.Unmarshal([]byte(contentJSON), &m.Content)
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &m.Metadata)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) AppendMessages(ctx context.Context, threadID string, msgs []weft.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	start := time.Now()
	s.logger.Debug("sqlite: append messages", "thread_id", threadID, "count", len(msgs))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append messages: begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &weft.ErrNotFound{Entity: weft.EntityThread, ID: threadID}
	}
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}

	for _, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("append messages: encode content: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, thread_id, run_id, role, status, content, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, threadID, nullText(m.RunID), m.Role, m.Status, string(content), jsonText(m.Metadata), m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append messages: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append messages: commit: %w", err)
	}
	s.logger.Debug("sqlite: append messages ok", "thread_id", threadID, "count", len(msgs), "duration", time.Since(start))
	return nil
}

func (s *Store) CreateRun(ctx context.Context, p weft.RunParams) (*weft.Run, error) {
	start := time.Now()
	r := weft.NewRun(p)
	s.logger.Debug("sqlite: create run", "id", r.ID, "thread_id", r.ThreadID)

	input, err := json.Marshal(r.Input)
	if err != nil {
		return nil, fmt.Errorf("create run: encode input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, thread_id, status, input, config, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullText(r.ThreadID), string(r.Status), string(input), jsonOpt(r.Config), jsonText(r.Metadata), r.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create run failed", "id", r.ID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("create run: %w", err)
	}
	s.logger.Debug("sqlite: create run ok", "id", r.ID, "duration", time.Since(start))
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*weft.Run, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get run", "id", id)

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &weft.ErrNotFound{Entity: weft.EntityRun, ID: id}
	}
	if err != nil {
		s.logger.Error("sqlite: get run failed", "id", id, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get run: %w", err)
	}
	s.logger.Debug("sqlite: get run ok", "id", id, "status", r.Status, "duration", time.Since(start))
	return r, nil
}

func (s *Store) UpdateRun(ctx context.Context, id string, u weft.RunUpdate) (*weft.Run, error) {
	start := time.Now()
	s.logger.Debug("sqlite: update run", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update run: begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &weft.ErrNotFound{Entity: weft.EntityRun, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	weft.ApplyRunUpdate(r, u)

	output, err := jsonOptSlice(r.Output)
	if err != nil {
		return nil, fmt.Errorf("update run: encode output: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, output = ?, last_error = ?, usage = ?, metadata = ?,
		 started_at = ?, completed_at = ?, cancelled_at = ?, failed_at = ? WHERE id = ?`,
		string(r.Status), output, jsonOpt(r.LastError), jsonOpt(r.Usage), jsonText(r.Metadata),
		r.StartedAt, r.CompletedAt, r.CancelledAt, r.FailedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update run: commit: %w", err)
	}
	s.logger.Debug("sqlite: update run ok", "id", id, "status", r.Status, "duration", time.Since(start))
	return r, nil
}

// ListRunsByStatus returns all runs whose status is one of statuses, oldest
// first. No statuses means all runs.
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...weft.RunStatus) ([]*weft.Run, error) {
	start := time.Now()

	query := `SELECT ` + runColumns + ` FROM runs`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
		query += ` WHERE status IN (` + placeholders + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*weft.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	s.logger.Debug("sqlite: runs listed", "count", len(runs), "duration", time.Since(start))
	return runs, nil
}

// DB exposes the underlying database handle, e.g. for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// runColumns is the column list every run query selects, in scanRun order.
const runColumns = `id, thread_id, status, input, output, last_error, usage, config, metadata,
	created_at, started_at, completed_at, cancelled_at, failed_at`

// scanRun builds a Run from one row's Scan function.
func scanRun(scan func(dest ...any) error) (*weft.Run, error) {
	r := weft.Run{Object: weft.ObjectRun, Metadata: map[string]any{}}
	var threadID, output, lastError, usage, config, metadata sql.NullString
	var status, input string
	err := scan(&r.ID, &threadID, &status, &input, &output, &lastError, &usage, &config, &metadata,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt, &r.FailedAt)
	if err != nil {
		return nil, err
	}
	r.Status = weft.RunStatus(status)
	if threadID.Valid {
		r.ThreadID = threadID.String
	}
	r.Input = []weft.InputMessage{}
	if err := json.Unmarshal([]byte(input), &r.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if output.Valid {
		_ = json.Unmarshal([]byte(output.String), &r.Output)
	}
	if lastError.Valid {
		_ = json.Unmarshal([]byte(lastError.String), &r.LastError)
	}
	if usage.Valid {
		_ = json.Unmarshal([]byte(usage.String), &r.Usage)
	}
	if config.Valid {
		_ = json.Unmarshal([]byte(config.String), &r.Config)
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &r.Metadata)
	}
	return &r, nil
}

// jsonText marshals a non-empty map to JSON text, or NULL.
func jsonText(m map[string]any) *string {
	if len(m) == 0 {
		return nil
	}
	data, _ := json.Marshal(m)
	v := string(data)
	return &v
}

// jsonOpt marshals a non-nil pointer value to JSON text, or NULL.
func jsonOpt[T any](v *T) *string {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	s := string(data)
	return &s
}

// jsonOptSlice marshals a non-nil slice to JSON text, or NULL.
func jsonOptSlice[T any](v []T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// nullText returns NULL for the empty string.
func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
