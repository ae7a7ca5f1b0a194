package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// Reports are lost when the process exits. The zero value is ready to use.
type MemStore struct {
	mu      sync.RWMutex
	reports map[string][]Report // userID → reports in insertion order
	now     func() time.Time
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		reports: make(map[string][]Report),
		now:     time.Now,
	}
}

// PriorContext implements [Store.PriorContext].
func (s *MemStore) PriorContext(_ context.Context, userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.reports[userID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].MemoryForNextSession != "" {
			return list[i].MemoryForNextSession, nil
		}
	}
	return "", nil
}

// SaveReport implements [Store.SaveReport].
func (s *MemStore) SaveReport(_ context.Context, userID string, r Report) (Report, error) {
	if userID == "" {
		return Report{}, ErrEmptyUserID
	}
	r = s.prepare(userID, r)
	s.insert(r)
	return r, nil
}

// prepare fills the store-assigned fields of r.
func (s *MemStore) prepare(userID string, r Report) Report {
	r.UserID = userID
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Categories = slices.Clone(r.Categories)
	if r.CreatedAt.IsZero() {
		if s.now != nil {
			r.CreatedAt = s.now()
		} else {
			r.CreatedAt = time.Now()
		}
	}
	return r
}

func (s *MemStore) insert(r Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reports == nil {
		s.reports = make(map[string][]Report)
	}
	s.reports[r.UserID] = append(s.reports[r.UserID], r)
}

// Reports implements [Store.Reports].
func (s *MemStore) Reports(_ context.Context, userID string, limit int) ([]Report, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.reports[userID]
	out := make([]Report, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
