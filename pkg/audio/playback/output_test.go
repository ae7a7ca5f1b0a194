package playback_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/audio/playback"
)

func constFrame(n int, v float32, rate int) audio.Frame {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return audio.Frame{Samples: s, SampleRate: rate}
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	var ended atomic.Int32
	onEnd := func() { ended.Add(1) }

	if _, err := tl.Schedule(constFrame(10, 0.5, 1000), 0, onEnd); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := tl.Schedule(constFrame(10, 0.25, 1000), 10*time.Millisecond, onEnd); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	out := make([]float32, 25)
	tl.Render(out)
	for i := range 10 {
		if out[i] != 0.5 {
			t.Fatalf("sample %d = %v, want 0.5", i, out[i])
		}
	}
	for i := 10; i < 20; i++ {
		if out[i] != 0.25 {
			t.Fatalf("sample %d = %v, want 0.25", i, out[i])
		}
	}
	for i := 20; i < 25; i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d = %v, want silence", i, out[i])
		}
	}
	if got := ended.Load(); got != 2 {
		t.Errorf("end callbacks = %d, want 2", got)
	}
	if tl.Now() != 25*time.Millisecond {
		t.Errorf("Now = %v, want 25ms", tl.Now())
	}
	if tl.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", tl.Pending())
	}
}

func TestTimeline_SpansRenderCalls(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	var ended atomic.Bool
	if _, err := tl.Schedule(constFrame(8, 0.1, 1000), 2*time.Millisecond, func() { ended.Store(true) }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	out := make([]float32, 5)
	tl.Render(out)
	if out[1] != 0 || out[2] != 0.1 || out[4] != 0.1 {
		t.Errorf("first block = %v", out)
	}
	if ended.Load() {
		t.Fatal("voice ended early")
	}
	tl.Render(out)
	if out[4] != 0.1 {
		t.Errorf("second block = %v", out)
	}
	if !ended.Load() {
		t.Error("voice did not end after its last sample")
	}
}

func TestTimeline_StopSilences(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	called := false
	v, err := tl.Schedule(constFrame(100, 0.5, 1000), 0, func() { called = true })
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	out := make([]float32, 10)
	tl.Render(out)
	v.Stop()
	v.Stop()
	tl.Render(out)
	for i, s := range out {
		if s != 0 {
			t.Fatalf("sample %d = %v after Stop, want 0", i, s)
		}
	}
	if called {
		t.Error("end callback fired for stopped voice")
	}
}

func TestTimeline_ClipsMix(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(1000)
	tl.Schedule(constFrame(4, 0.8, 1000), 0, nil)
	tl.Schedule(constFrame(4, 0.8, 1000), 0, nil)
	out := make([]float32, 4)
	tl.Render(out)
	for i, s := range out {
		if s != 1 {
			t.Errorf("sample %d = %v, want clipped 1", i, s)
		}
	}
}

func TestTimeline_ResamplesForeignRate(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(2000)
	tl.Schedule(constFrame(10, 0.5, 1000), 0, nil)
	out := make([]float32, 30)
	tl.Render(out)
	nonZero := 0
	for _, s := range out {
		if s != 0 {
			nonZero++
		}
	}
	if nonZero != 20 {
		t.Errorf("rendered %d samples, want 20", nonZero)
	}
}

func TestTimeline_DrivesScheduler(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(24000)
	s := playback.NewScheduler(tl)
	defer s.Close()
	ctx := context.Background()

	for i := range 3 {
		if _, err := s.Submit(ctx, frame100ms(uint64(i))); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	// Play 250ms: two frames complete, one still playing.
	tl.Render(make([]float32, 6000))

	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := s.Active(ctx)
		if err != nil {
			t.Fatalf("Active: %v", err)
		}
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Active = %d, want 1", n)
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := s.Interrupt(ctx); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if tl.Pending() != 0 {
		t.Errorf("timeline still holds %d voices after interrupt", tl.Pending())
	}
	e, err := s.Submit(ctx, frame100ms(9))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if e.Start != 250*time.Millisecond {
		t.Errorf("start after interrupt = %v, want 250ms", e.Start)
	}
}

// 1024 samples at 24 kHz is not a whole number of nanoseconds; frames must
// still abut exactly, without overlap or gap, across many submissions.
func TestScheduler_FractionalFrameDurationsStayGapless(t *testing.T) {
	t.Parallel()

	const (
		rate   = 24000
		size   = 1024
		frames = 64
	)
	tl := playback.NewTimeline(rate)
	s := playback.NewScheduler(tl)
	t.Cleanup(func() { s.Close() })

	levels := []float32{0.5, 0.25, 0.125}
	for i := range frames {
		f := constFrame(size, levels[i%len(levels)], rate)
		f.Seq = uint64(i)
		if _, err := s.Submit(context.Background(), f); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	out := make([]float32, size*frames+size)
	tl.Render(out)
	for i := range size * frames {
		want := levels[(i/size)%len(levels)]
		if out[i] != want {
			t.Fatalf("sample %d = %v, want %v (frame %d)", i, out[i], want, i/size)
		}
	}
	for i := size * frames; i < len(out); i++ {
		if out[i] != 0 {
			t.Fatalf("sample %d = %v, want silence after the last frame", i, out[i])
		}
	}
}
