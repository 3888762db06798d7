package weft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	threadsDir = "threads"
	runsDir    = "runs"
)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// FileStoreLogger sets a structured logger for the store. When set, the
// store emits debug logs for every mutation. If not set, no logs are
// emitted.
func FileStoreLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

// FileStore implements Store with one JSON document per record under
// <dir>/threads and <dir>/runs. Every write lands in a sibling temp file
// first and is renamed into place, so readers observe either the old
// document or the new one, never a torn write. A store-wide mutex
// serializes read-modify-write cycles within this process; two processes
// sharing a directory get no such protection.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex
}

var _ Store = (*FileStore)(nil)
var _ RunLister = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at dir. Call Init before use.
func NewFileStore(dir string, opts ...FileStoreOption) *FileStore {
	s := &FileStore{dir: dir, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the threads and runs directories. Idempotent.
func (s *FileStore) Init(ctx context.Context) error {
	for _, sub := range []string{threadsDir, runsDir} {
		if err := os.MkdirAll(filepath.Join(s.dir, sub), 0o755); err != nil {
			return fmt.Errorf("filestore: init: %w", err)
		}
	}
	s.logger.Debug("filestore: initialized", "dir", s.dir)
	return nil
}

func (s *FileStore) CreateThread(ctx context.Context, metadata map[string]any) (*Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := NewThread(metadata)
	path, err := s.recordPath(threadsDir, t.ID)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(path, t); err != nil {
		return nil, err
	}
	s.logger.Debug("filestore: thread created", "thread_id", t.ID)
	return t, nil
}

func (s *FileStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	path, err := s.recordPath(threadsDir, id)
	if err != nil {
		return nil, err
	}
	var t Thread
	if err := s.readRecord(path, EntityThread, id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *FileStore) AppendMessages(ctx context.Context, threadID string, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.recordPath(threadsDir, threadID)
	if err != nil {
		return err
	}
	var t Thread
	if err := s.readRecord(path, EntityThread, threadID, &t); err != nil {
		return err
	}
	t.Messages = append(t.Messages, msgs...)
	if err := s.writeRecord(path, &t); err != nil {
		return err
	}
	s.logger.Debug("filestore: messages appended", "thread_id", threadID, "count", len(msgs))
	return nil
}

func (s *FileStore) CreateRun(ctx context.Context, p RunParams) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := NewRun(p)
	path, err := s.recordPath(runsDir, r.ID)
	if err != nil {
		return nil, err
	}
	if err := s.writeRecord(path, r); err != nil {
		return nil, err
	}
	s.logger.Debug("filestore: run created", "run_id", r.ID, "thread_id", r.ThreadID)
	return r, nil
}

func (s *FileStore) GetRun(ctx context.Context, id string) (*Run, error) {
	path, err := s.recordPath(runsDir, id)
	if err != nil {
		return nil, err
	}
	var r Run
	if err := s.readRecord(path, EntityRun, id, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *FileStore) UpdateRun(ctx context.Context, id string, u RunUpdate) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.recordPath(runsDir, id)
	if err != nil {
		return nil, err
	}
	var r Run
	if err := s.readRecord(path, EntityRun, id, &r); err != nil {
		return nil, err
	}
	ApplyRunUpdate(&r, u)
	if err := s.writeRecord(path, &r); err != nil {
		return nil, err
	}
	s.logger.Debug("filestore: run updated", "run_id", id, "status", r.Status)
	return &r, nil
}

// ListRunsByStatus scans the runs directory and returns runs whose status is
// in statuses. No statuses means all runs. Unreadable documents are skipped
// with a warning so one torn file cannot wedge a sweep.
func (s *FileStore) ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]*Run, error) {
	start := time.Now()
	want := make(map[RunStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	base := filepath.Join(s.dir, runsDir)
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: list runs: %w", err)
	}
	var runs []*Run
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		var r Run
		if err := s.readRecord(filepath.Join(base, name), EntityRun, id, &r); err != nil {
			s.logger.Warn("filestore: skipping unreadable run", "file", name, "error", err)
			continue
		}
		if len(want) == 0 || want[r.Status] {
			runs = append(runs, &r)
		}
	}
	s.logger.Debug("filestore: runs listed", "scanned", len(entries), "matched", len(runs), "duration", time.Since(start))
	return runs, nil
}

// recordPath resolves id to its JSON document under sub. Empty ids and ids
// whose resolved path escapes the store directory are rejected.
func (s *FileStore) recordPath(sub, id string) (string, error) {
	if id == "" {
		return "", &ErrInvalidID{ID: id, Reason: "empty"}
	}
	base := filepath.Join(s.dir, sub)
	path := filepath.Join(base, id+".json")
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", &ErrInvalidID{ID: id, Reason: "path escapes the store directory"}
	}
	return path, nil
}

// readRecord loads and decodes one document. A missing file maps to
// *ErrNotFound for the given entity.
func (s *FileStore) readRecord(path, entity, id string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &ErrNotFound{Entity: entity, ID: id}
		}
		return fmt.Errorf("filestore: read %s: %w", id, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("filestore: decode %s: %w", id, err)
	}
	return nil
}

// writeRecord serializes v to a uniquely named temp file beside path, then
// renames it into place.
func (s *FileStore) writeRecord(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("filestore: encode: %w", err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("filestore: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("filestore: rename: %w", err)
	}
	return nil
}
