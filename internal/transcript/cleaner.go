package transcript

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// reasoningHeader matches bold markup such as "**Considering the reply**" that
// some models emit ahead of their spoken answer.
var reasoningHeader = regexp.MustCompile(`\*\*.*?\*\*`)

// Cleaner removes non-spoken artefacts from assistant transcript deltas.
// The zero value strips nothing.
type Cleaner struct {
	// StripReasoning removes **bold** reasoning headers.
	StripReasoning bool

	// Script, when set, drops everything before the first rune of the script
	// and discards deltas that contain none. Surrounding whitespace is trimmed.
	Script *unicode.RangeTable
}

// NewCleaner builds a Cleaner for the named Unicode script (e.g. "Thai").
// An empty script disables script filtering.
func NewCleaner(script string, stripReasoning bool) (*Cleaner, error) {
	c := &Cleaner{StripReasoning: stripReasoning}
	if script != "" {
		table, ok := unicode.Scripts[script]
		if !ok {
			return nil, fmt.Errorf("transcript: unknown script %q", script)
		}
		c.Script = table
	}
	return c, nil
}

// Clean returns the spoken part of delta, or "" when nothing remains.
func (c *Cleaner) Clean(delta string) string {
	if c == nil {
		return delta
	}
	if c.Script != nil {
		idx := strings.IndexFunc(delta, func(r rune) bool { return unicode.Is(c.Script, r) })
		if idx < 0 {
			return ""
		}
		delta = delta[idx:]
	}
	if c.StripReasoning {
		delta = reasoningHeader.ReplaceAllString(delta, "")
	}
	if c.Script != nil {
		delta = strings.TrimSpace(delta)
	}
	return delta
}
