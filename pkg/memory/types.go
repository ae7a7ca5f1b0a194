package memory

import (
	"fmt"
	"strings"
	"time"
)

// Severity grades how concerning a finished conversation was.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every valid severity from least to most severe.
var Severities = []Severity{SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity normalises s (case and surrounding whitespace) and validates it.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range Severities {
		if sev == v {
			return sev, nil
		}
	}
	return "", fmt.Errorf("memory: unknown severity %q", s)
}

// Notify reports whether a report of this severity must reach a human.
// Only HIGH and CRITICAL qualify.
func (s Severity) Notify() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Report is the end-of-session analysis of one conversation.
type Report struct {
	// ID uniquely identifies the report. Assigned by the store when empty.
	ID string `json:"id"`

	// UserID is the person the conversation was held with.
	UserID string `json:"user_id"`

	Severity       Severity `json:"severity_level"`
	Categories     []string `json:"problem_category"`
	Summary        string   `json:"summary"`
	Recommendation string   `json:"recommendation"`
	ShouldNotify   bool     `json:"should_notify"`

	// MemoryForNextSession is injected into the next session's instructions.
	MemoryForNextSession string `json:"memory_for_next_session"`

	// HealingQuote is a short encouraging message for the user.
	HealingQuote string `json:"healing_quote"`

	// CreatedAt is set by the store when zero.
	CreatedAt time.Time `json:"created_at"`
}
