// Package mock provides a test double for the memory.Store interface.
//
// Store records every call and returns the configured results:
//
//	store := &mock.Store{PriorContextResult: "exam tomorrow"}
//	// inject store into the system under test …
//	if got := len(store.Saved()); got != 1 {
//	    t.Errorf("expected 1 saved report, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/koojai/pkg/memory"
)

// SaveCall records a single invocation of SaveReport.
type SaveCall struct {
	UserID string
	Report memory.Report
}

// Store is a mock implementation of memory.Store.
type Store struct {
	mu sync.Mutex

	// PriorContextResult is returned by PriorContext.
	PriorContextResult string

	// PriorContextErr, if non-nil, is returned by PriorContext.
	PriorContextErr error

	// SaveErr, if non-nil, is returned by SaveReport.
	SaveErr error

	// ReportsResult is returned by Reports.
	ReportsResult []memory.Report

	// PriorContextCalls records the user IDs passed to PriorContext.
	PriorContextCalls []string

	// SaveCalls records every SaveReport invocation.
	SaveCalls []SaveCall

	// OnSave, if set, is called after every SaveReport is recorded.
	OnSave func(userID string, r memory.Report)
}

// PriorContext records the call and returns PriorContextResult, PriorContextErr.
func (s *Store) PriorContext(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PriorContextCalls = append(s.PriorContextCalls, userID)
	return s.PriorContextResult, s.PriorContextErr
}

// SaveReport records the call and returns r, SaveErr.
func (s *Store) SaveReport(_ context.Context, userID string, r memory.Report) (memory.Report, error) {
	s.mu.Lock()
	s.SaveCalls = append(s.SaveCalls, SaveCall{UserID: userID, Report: r})
	err, hook := s.SaveErr, s.OnSave
	s.mu.Unlock()
	if hook != nil {
		hook(userID, r)
	}
	if err != nil {
		return memory.Report{}, err
	}
	return r, nil
}

// Reports returns ReportsResult.
func (s *Store) Reports(_ context.Context, _ string, _ int) ([]memory.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ReportsResult, nil
}

// Saved returns a copy of the recorded SaveReport calls. Thread-safe.
func (s *Store) Saved() []SaveCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SaveCall(nil), s.SaveCalls...)
}

var _ memory.Store = (*Store)(nil)
