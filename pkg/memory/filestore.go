package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// Compile-time interface check.
var _ Store = (*FileStore)(nil)

// FileStore persists reports as append-only JSON lines in a local file and
// serves queries from an in-memory index loaded at open. It suits a single
// device with a handful of users. Safe for concurrent use.
type FileStore struct {
	mu    sync.Mutex
	path  string
	index *MemStore
}

// OpenFileStore loads the reports in path, creating the file on first save if
// it does not exist. Lines that fail to decode are skipped with a warning.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, index: NewMemStore()}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: open %q: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r Report
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.UserID == "" {
			slog.Warn("memory: skipping unreadable report", "path", path, "line", line, "err", err)
			continue
		}
		if _, err := s.index.SaveReport(context.Background(), r.UserID, r); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("memory: read %q: %w", path, err)
	}
	return s, nil
}

// PriorContext implements [Store.PriorContext].
func (s *FileStore) PriorContext(ctx context.Context, userID string) (string, error) {
	return s.index.PriorContext(ctx, userID)
}

// Reports implements [Store.Reports].
func (s *FileStore) Reports(ctx context.Context, userID string, limit int) ([]Report, error) {
	return s.index.Reports(ctx, userID, limit)
}

// SaveReport implements [Store.SaveReport]. The report is on disk before it
// becomes visible to queries.
func (s *FileStore) SaveReport(_ context.Context, userID string, r Report) (Report, error) {
	if userID == "" {
		return Report{}, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.index.prepare(userID, r)
	data, err := json.Marshal(stored)
	if err != nil {
		return Report{}, fmt.Errorf("memory: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Report{}, fmt.Errorf("memory: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return Report{}, fmt.Errorf("memory: write: %w", err)
	}
	s.index.insert(stored)
	return stored, nil
}
