// Package memory stores what koojai remembers between sessions.
//
// After every session the analysis collaborator turns the transcript into a
// [Report]. The report's MemoryForNextSession is what the assistant is told at
// the start of the next conversation with the same user, so a user who
// mentioned an exam yesterday is asked how it went today.
//
// The audio engine never inspects reports; it only asks for the prior context
// at start and hands the finished transcript to a finalizer on stop.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"errors"
)

// ErrEmptyUserID is returned when an operation requires a user ID and none was given.
var ErrEmptyUserID = errors.New("memory: empty user id")

// Store persists session reports per user.
type Store interface {
	// PriorContext returns the MemoryForNextSession of the user's most recent
	// report that has one. It returns "" and a nil error when there is nothing
	// to remember.
	PriorContext(ctx context.Context, userID string) (string, error)

	// SaveReport stores r for userID. r.UserID is overwritten with userID; ID and
	// CreatedAt are assigned when zero. Returns the stored report.
	SaveReport(ctx context.Context, userID string, r Report) (Report, error)

	// Reports returns the user's reports, newest first. limit <= 0 means all.
	Reports(ctx context.Context, userID string, limit int) ([]Report, error)
}
