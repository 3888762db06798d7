// Package postgres implements weft.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weftlabs/weft"
)

// Store implements weft.Store backed by PostgreSQL. Nested structures
// (content blocks, run input, usage) live in JSONB columns; scalar run
// fields are plain columns so runs can be indexed and listed by status.
type Store struct {
	pool *pgxpool.Pool

	threads  string
	messages string
	runs     string
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	tablePrefix string
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithTablePrefix namespaces the store's tables (threads, messages, runs)
// so several deployments can share one database. Affects table creation and
// every query; pick one prefix per deployment and keep it.
func WithTablePrefix(prefix string) Option {
	return func(c *pgConfig) { c.tablePrefix = prefix }
}

var _ weft.Store = (*Store)(nil)
var _ weft.RunLister = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{
		pool:     pool,
		threads:  cfg.tablePrefix + "threads",
		messages: cfg.tablePrefix + "messages",
		runs:     cfg.tablePrefix + "runs",
	}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`, s.threads),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT UNIQUE NOT NULL,
			thread_id TEXT NOT NULL,
			run_id TEXT,
			role TEXT NOT NULL,
			status TEXT NOT NULL,
			content JSONB NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL
		)`, s.messages),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			thread_id TEXT,
			status TEXT NOT NULL,
			input JSONB NOT NULL,
			output JSONB,
			last_error JSONB,
			usage JSONB,
			config JSONB,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			started_at BIGINT,
			completed_at BIGINT,
			cancelled_at BIGINT,
			failed_at BIGINT
		)`, s.runs),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_thread ON %s(thread_id)`, s.messages, s.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_status ON %s(status)`, s.runs, s.runs),
	}
	for _, ddl := range stmts {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateThread(ctx context.Context, metadata map[string]any) (*weft.Thread, error) {
	t := weft.NewThread(metadata)
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, metadata, created_at) VALUES ($1, $2, $3)`, s.threads),
		t.ID, mapJSON(t.Metadata), t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: create thread: %w", err)
	}
	return t, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*weft.Thread, error) {
	t := weft.Thread{Object: weft.ObjectThread, Metadata: map[string]any{}}
	var metaJSON []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, metadata, created_at FROM %s WHERE id = $1`, s.threads),
		id,
	).Scan(&t.ID, &metaJSON, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &weft.ErrNotFound{Entity: weft.EntityThread, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get thread: %w", err)
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &t.Metadata)
	}

	msgs, err := s.threadMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Messages = msgs
	return &t, nil
}

// threadMessages loads a thread's messages in insertion order.
func (s *Store) threadMessages(ctx context.Context, threadID string) ([]weft.Message, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, run_id, role, status, content, metadata, created_at
			FROM %s WHERE thread_id = $1 ORDER BY seq`, s.messages),
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	msgs := []weft.Message{}
	for rows.Next() {
		m := weft.Message{Object: weft.ObjectMessage, ThreadID: threadID}
		var runID *string
		var content, metaJSON []byte
		if err := rows.Scan(&m.ID, &runID, &m.Role, &m.Status, &content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if runID != nil {
			m.RunID = *runID
		}
		m.Content = []weft.ContentBlock{}
		_ = json.Unmarshal(content, &m.Content)
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &m.Metadata)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) AppendMessages(ctx context.Context, threadID string, msgs []weft.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: append messages: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.threads), threadID,
	).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return &weft.ErrNotFound{Entity: weft.EntityThread, ID: threadID}
	}
	if err != nil {
		return fmt.Errorf("postgres: append messages: %w", err)
	}

	for _, m := range msgs {
		content, err := json.Marshal(m.Content)
		if err != nil {
			return fmt.Errorf("postgres: append messages: encode content: %w", err)
		}
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (id, thread_id, run_id, role, status, content, metadata, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.messages),
			m.ID, threadID, nullText(m.RunID), m.Role, m.Status, content, mapJSON(m.Metadata), m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("postgres: append messages: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: append messages: commit: %w", err)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, p weft.RunParams) (*weft.Run, error) {
	r := weft.NewRun(p)
	input, err := json.Marshal(r.Input)
	if err != nil {
		return nil, fmt.Errorf("postgres: create run: encode input: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, thread_id, status, input, config, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.runs),
		r.ID, nullText(r.ThreadID), string(r.Status), input, ptrJSON(r.Config), mapJSON(r.Metadata), r.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: create run: %w", err)
	}
	return r, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*weft.Run, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.runs), id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &weft.ErrNotFound{Entity: weft.EntityRun, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateRun(ctx context.Context, id string, u weft.RunUpdate) (*weft.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: update run: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, runColumns, s.runs), id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &weft.ErrNotFound{Entity: weft.EntityRun, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: update run: %w", err)
	}

	weft.ApplyRunUpdate(r, u)

	output, err := sliceJSON(r.Output)
	if err != nil {
		return nil, fmt.Errorf("postgres: update run: encode output: %w", err)
	}
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1, output = $2, last_error = $3, usage = $4, metadata = $5,
			started_at = $6, completed_at = $7, cancelled_at = $8, failed_at = $9 WHERE id = $10`, s.runs),
		string(r.Status), output, ptrJSON(r.LastError), ptrJSON(r.Usage), mapJSON(r.Metadata),
		r.StartedAt, r.CompletedAt, r.CancelledAt, r.FailedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: update run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: update run: commit: %w", err)
	}
	return r, nil
}

// ListRunsByStatus returns all runs whose status is one of statuses, oldest
// first. No statuses means all runs.
func (s *Store) ListRunsByStatus(ctx context.Context, statuses ...weft.RunStatus) ([]*weft.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, runColumns, s.runs)
	args := []any{}
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($1)`
		vals := make([]string, len(statuses))
		for i, st := range statuses {
			vals[i] = string(st)
		}
		args = append(args, vals)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*weft.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("postgres: list runs: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	return runs, nil
}

// runColumns is the column list every run query selects, in scanRun order.
const runColumns = `id, thread_id, status, input, output, last_error, usage, config, metadata,
	created_at, started_at, completed_at, cancelled_at, failed_at`

// scanRun builds a Run from one row's Scan function.
func scanRun(scan func(dest ...any) error) (*weft.Run, error) {
	r := weft.Run{Object: weft.ObjectRun, Metadata: map[string]any{}}
	var threadID *string
	var status string
	var input, output, lastError, usage, config, metadata []byte
	err := scan(&r.ID, &threadID, &status, &input, &output, &lastError, &usage, &config, &metadata,
		&r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt, &r.FailedAt)
	if err != nil {
		return nil, err
	}
	r.Status = weft.RunStatus(status)
	if threadID != nil {
		r.ThreadID = *threadID
	}
	r.Input = []weft.InputMessage{}
	if err := json.Unmarshal(input, &r.Input); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	if output != nil {
		_ = json.Unmarshal(output, &r.Output)
	}
	if lastError != nil {
		_ = json.Unmarshal(lastError, &r.LastError)
	}
	if usage != nil {
		_ = json.Unmarshal(usage, &r.Usage)
	}
	if config != nil {
		_ = json.Unmarshal(config, &r.Config)
	}
	if metadata != nil {
		_ = json.Unmarshal(metadata, &r.Metadata)
	}
	return &r, nil
}

// mapJSON marshals a non-empty map for a JSONB column, or NULL.
func mapJSON(m map[string]any) []byte {
	if len(m) == 0 {
		return nil
	}
	data, _ := json.Marshal(m)
	return data
}

// ptrJSON marshals a non-nil pointer value for a JSONB column, or NULL.
func ptrJSON[T any](v *T) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// sliceJSON marshals a non-nil slice for a JSONB column, or NULL.
func sliceJSON[T any](v []T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// nullText returns NULL for the empty string.
func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
