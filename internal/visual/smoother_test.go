package visual

import (
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/koojai/pkg/types"
)

func TestStep_StepResponse(t *testing.T) {
	t.Parallel()

	// From 0 toward 1: one attack step reaches 0.2.
	if got := Step(0, 1); math.Abs(got-0.2) > 1e-12 {
		t.Errorf("attack step = %v, want 0.2", got)
	}
	// From 1 toward 0: one decay step reaches 0.95.
	if got := Step(1, 0); math.Abs(got-0.95) > 1e-12 {
		t.Errorf("decay step = %v, want 0.95", got)
	}
	// Equal input is stable.
	if got := Step(0.4, 0.4); got != 0.4 {
		t.Errorf("steady step = %v, want 0.4", got)
	}
}

func TestSmoother_ConvergesFromStep(t *testing.T) {
	t.Parallel()

	s := NewSmoother()
	var prev float64
	for i := range 60 {
		got := s.Update(Sample{Level: 1, Source: types.SpeakerUser})
		want := 1 - math.Pow(0.8, float64(i+1))
		if math.Abs(got-want) > 1e-9 {
			t.Fatalf("step %d: got %v, want %v", i, got, want)
		}
		if got < prev || got > 1 {
			t.Fatalf("step %d: %v not monotone in [0,1]", i, got)
		}
		prev = got
	}
	if 1-prev > 1e-4 {
		t.Errorf("did not converge: %v", prev)
	}
}

func TestSmoother_FallIsSlowerThanRise(t *testing.T) {
	t.Parallel()

	s := NewSmoother()
	for range 100 {
		s.Update(Sample{Level: 1, Source: types.SpeakerAssistant})
	}
	high := s.Level(types.SpeakerAssistant)
	got := s.Update(Sample{Level: 0, Source: types.SpeakerAssistant})
	if math.Abs(got-high*0.95) > 1e-9 {
		t.Errorf("decay step = %v, want %v", got, high*0.95)
	}
}

func TestSmoother_PerSpeaker(t *testing.T) {
	t.Parallel()

	s := NewSmoother()
	s.Update(Sample{Level: 1, Source: types.SpeakerUser})
	if got := s.Level(types.SpeakerAssistant); got != 0 {
		t.Errorf("assistant level = %v, want 0", got)
	}
	if got := s.Level(types.SpeakerUser); got == 0 {
		t.Error("user level not updated")
	}
	if got := s.Update(Sample{Level: 1, Source: types.Speaker(9)}); got != 0 {
		t.Errorf("unknown speaker returned %v", got)
	}
}

func TestSmoother_DecayAndReset(t *testing.T) {
	t.Parallel()

	s := NewSmoother()
	for range 50 {
		s.Update(Sample{Level: 1, Source: types.SpeakerUser})
	}
	before := s.Level(types.SpeakerUser)
	s.Decay()
	if got := s.Level(types.SpeakerUser); math.Abs(got-before*0.95) > 1e-9 {
		t.Errorf("Decay: got %v, want %v", got, before*0.95)
	}
	s.Reset()
	if got := s.Level(types.SpeakerUser); got != 0 {
		t.Errorf("after Reset: %v", got)
	}
}

func TestSmoother_ConcurrentReaders(t *testing.T) {
	t.Parallel()

	s := NewSmoother()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 1000 {
			s.Update(Sample{Level: 0.5, Source: types.SpeakerUser})
		}
	}()
	go func() {
		defer wg.Done()
		for range 1000 {
			if v := s.Level(types.SpeakerUser); v < 0 || v > 1 {
				t.Errorf("level out of range: %v", v)
				return
			}
		}
	}()
	wg.Wait()
}

func TestClamp(t *testing.T) {
	for _, tt := range []struct{ in, want float64 }{{-1, 0}, {0.3, 0.3}, {2, 1}} {
		if got := Clamp(tt.in); got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBreather_IndependentOfSmoother(t *testing.T) {
	t.Parallel()

	var b Breather
	s := NewSmoother()
	for i := range 10 {
		s.Update(Sample{Level: float64(i % 2), Source: types.SpeakerUser})
		b.Tick()
	}
	if got := b.Phase(); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("phase after 10 ticks = %v, want 0.2", got)
	}
	if p := b.Pulse(0.05); p < 0.95 || p > 1.05 {
		t.Errorf("Pulse = %v, want within ±5%%", p)
	}
}
