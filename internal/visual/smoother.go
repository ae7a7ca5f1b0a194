// Package visual turns raw loudness into the smooth signals that drive the
// on-screen voice indicator.
//
// A [Smoother] keeps one attack/decay-filtered level per speaker. A [Breather]
// produces the idle "breathing" animation phase. The two are independent: the
// breathing phase never reads or writes smoothed volume.
package visual

import (
	"math"
	"sync/atomic"

	"github.com/MrWong99/koojai/pkg/types"
)

const (
	// Attack is the fraction of the gap closed per sample while the level rises.
	Attack = 0.2

	// Decay is the fraction of the gap closed per sample while the level falls.
	Decay = 0.05
)

// Sample is one loudness observation in [0, 1] attributed to a speaker.
type Sample struct {
	Level  float64
	Source types.Speaker
}

// Clamp bounds v to [0, 1].
func Clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// Smoother applies asymmetric attack/decay smoothing per speaker. Updates come
// from pipeline goroutines at frame cadence and reads from the display at its
// own cadence; values are stored atomically so a read never blocks a writer.
// A stale read is acceptable.
type Smoother struct {
	levels [2]atomic.Uint64 // float64 bits, indexed by speaker
}

// NewSmoother returns a Smoother with every speaker at zero.
func NewSmoother() *Smoother { return &Smoother{} }

// Step computes one smoothing step from current toward v.
func Step(current, v float64) float64 {
	if v > current {
		return current + (v-current)*Attack
	}
	return current + (v-current)*Decay
}

// Update feeds sample into the smoother and returns the new level for its
// source. Each source has a single writer (its pipeline goroutine).
func (s *Smoother) Update(sample Sample) float64 {
	slot := s.slot(sample.Source)
	if slot == nil {
		return 0
	}
	next := Step(math.Float64frombits(slot.Load()), sample.Level)
	slot.Store(math.Float64bits(next))
	return next
}

// Decay feeds a zero sample to every speaker. Called once per display tick while
// no session is live so the indicator settles back to rest.
func (s *Smoother) Decay() {
	for i := range s.levels {
		cur := math.Float64frombits(s.levels[i].Load())
		s.levels[i].Store(math.Float64bits(Step(cur, 0)))
	}
}

// Level returns the current smoothed level for speaker.
func (s *Smoother) Level(speaker types.Speaker) float64 {
	slot := s.slot(speaker)
	if slot == nil {
		return 0
	}
	return math.Float64frombits(slot.Load())
}

// Reset sets every speaker back to zero.
func (s *Smoother) Reset() {
	for i := range s.levels {
		s.levels[i].Store(0)
	}
}

func (s *Smoother) slot(speaker types.Speaker) *atomic.Uint64 {
	if speaker < 0 || int(speaker) >= len(s.levels) {
		return nil
	}
	return &s.levels[speaker]
}
