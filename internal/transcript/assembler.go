// Package transcript assembles incremental speech-recognition text into
// speaker turns.
//
// The remote endpoint streams transcription for both sides of the conversation
// as small text deltas. The [Assembler] coalesces consecutive deltas from the
// same speaker into one [Turn] and opens a new turn whenever the speaker
// changes. Deltas are only ever appended: a turn's text never shrinks, and a
// turn is frozen once the other speaker begins.
//
// Assistant deltas can be passed through a [Cleaner] first to strip model
// reasoning markup before it reaches the user.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/koojai/pkg/types"
)

// Turn is one contiguous stretch of speech by a single speaker.
type Turn struct {
	Speaker   types.Speaker `json:"speaker"`
	Text      string        `json:"text"`
	StartedAt time.Time     `json:"started_at"`
}

// Option is a functional option for configuring an [Assembler].
type Option func(*Assembler)

// WithCleaner filters assistant deltas through c before assembly.
func WithCleaner(c *Cleaner) Option {
	return func(a *Assembler) { a.cleaner = c }
}

// WithClock overrides the time source used to stamp new turns.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithLabels sets the speaker labels used by [Assembler.Log].
func WithLabels(user, assistant string) Option {
	return func(a *Assembler) {
		a.labels = map[types.Speaker]string{
			types.SpeakerUser:      user,
			types.SpeakerAssistant: assistant,
		}
	}
}

// Assembler coalesces text deltas into turns. Safe for concurrent use; turns
// are ordered by the arrival order of Add calls.
type Assembler struct {
	cleaner *Cleaner
	now     func() time.Time
	labels  map[types.Speaker]string

	mu    sync.Mutex
	turns []Turn
}

// NewAssembler returns an empty Assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		now: time.Now,
		labels: map[types.Speaker]string{
			types.SpeakerUser:      "User",
			types.SpeakerAssistant: "AI",
		},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Add appends delta for speaker. A delta that is empty (after cleaning, for the
// assistant) is discarded and Add returns false. Otherwise the delta extends the
// last turn when it belongs to the same speaker, or opens a new turn stamped
// with the arrival time.
func (a *Assembler) Add(delta string, speaker types.Speaker) bool {
	if speaker == types.SpeakerAssistant && a.cleaner != nil {
		delta = a.cleaner.Clean(delta)
	}
	if delta == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.turns); n > 0 && a.turns[n-1].Speaker == speaker {
		a.turns[n-1].Text += delta
		return true
	}
	a.turns = append(a.turns, Turn{Speaker: speaker, Text: delta, StartedAt: a.now()})
	return true
}

// Turns returns a snapshot of all turns in arrival order.
func (a *Assembler) Turns() []Turn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Turn, len(a.turns))
	copy(out, a.turns)
	return out
}

// Len returns the number of turns.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.turns)
}

// Reset discards every turn.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = nil
}

// Log renders the turns as "<label>: <text>" lines.
func (a *Assembler) Log() string {
	return FormatLog(a.Turns(), a.labels)
}

// FormatLog renders turns as "<label>: <text>" lines using labels; speakers
// without a label fall back to their role name.
func FormatLog(turns []Turn, labels map[types.Speaker]string) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		label, ok := labels[t.Speaker]
		if !ok {
			label = t.Speaker.String()
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}
