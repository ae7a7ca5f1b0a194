package visual

import (
	"math"
	"sync"
)

// BreathStep is the phase advance per display tick.
const BreathStep = 0.02

// Breather drives the idle pulse of the indicator. Its phase advances by
// [BreathStep] on every tick regardless of any loudness input.
type Breather struct {
	mu    sync.Mutex
	phase float64
}

// Tick advances the phase and returns the new value.
func (b *Breather) Tick() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase += BreathStep
	return b.phase
}

// Phase returns the current phase without advancing it.
func (b *Breather) Phase() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Pulse maps the current phase onto a scale factor around 1 with the given
// amplitude, e.g. 0.05 for a ±5% breathing effect.
func (b *Breather) Pulse(amplitude float64) float64 {
	return 1 + math.Sin(b.Phase())*amplitude
}
