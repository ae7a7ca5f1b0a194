// Package analysis turns a finished conversation into a [memory.Report].
//
// The [Analyzer] sends the transcript log to an LLM with instructions to reply
// with a single JSON object, then validates the reply. The [Recorder] chains an
// Analyzer with a [memory.Store] and is what the session controller calls when
// a session ends.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/koojai/pkg/memory"
	"github.com/MrWong99/koojai/pkg/provider/llm"
)

// ErrMalformedReport is returned when the model reply is not a usable report.
var ErrMalformedReport = errors.New("analysis: malformed report")

// DefaultInstructions is the system prompt used when none is configured.
const DefaultInstructions = `You review a conversation between a young person and a supportive voice companion.
Reply with one JSON object and nothing else, using these keys:
  severity_level: one of NONE, LOW, MEDIUM, HIGH, CRITICAL
    NONE = nothing notable, LOW = ordinary venting, MEDIUM = worth watching,
    HIGH = an adult should check in gently, CRITICAL = urgent risk of harm
  problem_category: array of short category strings
  summary: a short summary for a responsible adult
  recommendation: what that adult should do next
  should_notify: true when severity_level is HIGH or CRITICAL, otherwise false
  memory_for_next_session: what the companion should remember and ask about next time
  healing_quote: one or two warm, encouraging sentences for the user`

// Option is a functional option for configuring an [Analyzer].
type Option func(*Analyzer)

// WithInstructions replaces [DefaultInstructions].
func WithInstructions(s string) Option {
	return func(a *Analyzer) {
		if s != "" {
			a.instructions = s
		}
	}
}

// WithMaxTokens caps the length of the model reply.
func WithMaxTokens(n int) Option {
	return func(a *Analyzer) { a.maxTokens = n }
}

// WithRetries sets how many extra attempts are made when the model reply is
// not a usable report. Default 1. Transport errors are never retried.
func WithRetries(n int) Option {
	return func(a *Analyzer) {
		if n >= 0 {
			a.retries = n
		}
	}
}

// Analyzer produces reports from conversation logs.
type Analyzer struct {
	llm          llm.Provider
	instructions string
	maxTokens    int
	retries      int
}

// New creates an Analyzer backed by p.
func New(p llm.Provider, opts ...Option) *Analyzer {
	a := &Analyzer{
		llm:          p,
		instructions: DefaultInstructions,
		maxTokens:    1024,
		retries:      1,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Analyze asks the model to grade the conversation log for userID.
// The returned report has UserID set; ID and CreatedAt are left to the store.
func (a *Analyzer) Analyze(ctx context.Context, userID, log string) (memory.Report, error) {
	if strings.TrimSpace(log) == "" {
		return memory.Report{}, errors.New("analysis: empty conversation log")
	}

	req := llm.CompletionRequest{
		Instructions: a.instructions,
		Prompt:       fmt.Sprintf("User ID: %s\n\nConversation:\n%s\n\nProduce the JSON report now.", userID, log),
		MaxTokens:    a.maxTokens,
		JSON:         true,
	}

	var lastErr error
	for attempt := 0; attempt <= a.retries; attempt++ {
		resp, err := a.llm.Complete(ctx, req)
		if err != nil {
			return memory.Report{}, fmt.Errorf("analysis: complete: %w", err)
		}
		if resp == nil {
			lastErr = fmt.Errorf("%w: no response", ErrMalformedReport)
			continue
		}
		slog.Debug("analysis: model replied", "user_id", userID, "attempt", attempt, "tokens", resp.Usage.Total())

		r, err := ParseReport(resp.Content)
		if err != nil {
			slog.Warn("analysis: unusable report", "user_id", userID, "attempt", attempt, "err", err)
			lastErr = err
			continue
		}
		r.UserID = userID
		return r, nil
	}
	return memory.Report{}, lastErr
}

// wireReport mirrors the JSON the model is asked to produce. ShouldNotify is a
// pointer so an omitted flag can be told apart from false.
type wireReport struct {
	Severity             string   `json:"severity_level"`
	Categories           []string `json:"problem_category"`
	Summary              string   `json:"summary"`
	Recommendation       string   `json:"recommendation"`
	ShouldNotify         *bool    `json:"should_notify"`
	MemoryForNextSession string   `json:"memory_for_next_session"`
	HealingQuote         string   `json:"healing_quote"`
}

// ParseReport extracts a report from a model reply. Markdown code fences and
// text around the outermost JSON object are ignored. A HIGH or CRITICAL
// severity always sets ShouldNotify; an omitted flag is derived from severity.
func ParseReport(content string) (memory.Report, error) {
	raw := extractObject(content)
	if raw == nil {
		return memory.Report{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedReport)
	}

	var w wireReport
	if err := json.Unmarshal(raw, &w); err != nil {
		return memory.Report{}, fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}
	sev, err := memory.ParseSeverity(w.Severity)
	if err != nil {
		return memory.Report{}, fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}

	notify := sev.Notify()
	if w.ShouldNotify != nil && *w.ShouldNotify {
		notify = true
	}

	return memory.Report{
		Severity:             sev,
		Categories:           w.Categories,
		Summary:              w.Summary,
		Recommendation:       w.Recommendation,
		ShouldNotify:         notify,
		MemoryForNextSession: strings.TrimSpace(w.MemoryForNextSession),
		HealingQuote:         w.HealingQuote,
	}, nil
}

func extractObject(content string) []byte {
	b := []byte(content)
	start := bytes.IndexByte(b, '{')
	end := bytes.LastIndexByte(b, '}')
	if start < 0 || end < start {
		return nil
	}
	return b[start : end+1]
}

// ── Recorder ──────────────────────────────────────────────────────────────────

// Recorder analyses finished sessions and stores the resulting reports.
type Recorder struct {
	analyzer *Analyzer
	store    memory.Store
	onReport func(memory.Report)
}

// RecorderOption is a functional option for configuring a [Recorder].
type RecorderOption func(*Recorder)

// WithOnReport registers fn to receive every stored report, e.g. to push it to
// connected UIs.
func WithOnReport(fn func(memory.Report)) RecorderOption {
	return func(r *Recorder) { r.onReport = fn }
}

// NewRecorder creates a Recorder. analyzer may be nil, in which case sessions
// are not analysed and nothing is stored.
func NewRecorder(analyzer *Analyzer, store memory.Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{analyzer: analyzer, store: store}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Finalize analyses the conversation log of a finished session and stores the
// report for userID.
func (r *Recorder) Finalize(ctx context.Context, userID, log string) error {
	if r.analyzer == nil {
		slog.Debug("analysis: no analyzer configured, skipping report", "user_id", userID)
		return nil
	}
	report, err := r.analyzer.Analyze(ctx, userID, log)
	if err != nil {
		return err
	}
	stored, err := r.store.SaveReport(ctx, userID, report)
	if err != nil {
		return fmt.Errorf("analysis: save report: %w", err)
	}
	slog.Info("analysis: report stored",
		"user_id", userID,
		"severity", stored.Severity,
		"notify", stored.ShouldNotify,
	)
	if stored.ShouldNotify {
		slog.Warn("analysis: session needs attention", "user_id", userID, "severity", stored.Severity, "report_id", stored.ID)
	}
	if r.onReport != nil {
		r.onReport(stored)
	}
	return nil
}
