package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/koojai/pkg/audio"
)

// Voice is the cancellation handle of one scheduled frame.
type Voice interface {
	// Stop silences the frame immediately, whether it has started or not.
	// The end callback passed to [Output.Schedule] is not invoked for a
	// stopped voice. Stop is idempotent.
	Stop()
}

// Output is an audio device timeline on which frames can be placed at exact
// offsets. Time is measured from the moment the output was created and
// advances only as the device consumes samples.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now returns the current playback position.
	Now() time.Duration

	// Schedule places frame on the timeline starting at at. onEnd, if non-nil,
	// is called once the last sample has been played. onEnd runs on the device
	// thread and must not block.
	Schedule(frame audio.Frame, at time.Duration, onEnd func()) (Voice, error)
}

// Compile-time interface assertion.
var _ Output = (*Timeline)(nil)

// Timeline is a sample-accurate software [Output]. Its clock is the number of
// samples pulled through [Timeline.Render], so it stays locked to the audio
// device driving it. Overlapping voices are summed and the mix is clipped to
// [-1, 1].
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // samples rendered so far
	voices []*timelineVoice
}

type timelineVoice struct {
	tl      *Timeline
	start   int64
	samples []float32
	onEnd   func()
}

// NewTimeline returns a Timeline running at sampleRate Hz.
func NewTimeline(sampleRate int) *Timeline {
	return &Timeline{rate: sampleRate}
}

// SampleRate returns the timeline rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now implements [Output].
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.durationOf(t.pos)
}

// Schedule implements [Output]. Frames at a different rate are resampled to the
// timeline rate. A start time in the past is honoured by skipping the samples
// that would already have played.
func (t *Timeline) Schedule(frame audio.Frame, at time.Duration, onEnd func()) (Voice, error) {
	if frame.SampleRate <= 0 {
		return nil, fmt.Errorf("playback: schedule frame %d: invalid sample rate %d", frame.Seq, frame.SampleRate)
	}
	samples := audio.Resample(frame.Samples, frame.SampleRate, t.rate)
	v := &timelineVoice{
		tl:      t,
		start:   t.samplesOf(at),
		samples: samples,
		onEnd:   onEnd,
	}

	t.mu.Lock()
	t.voices = append(t.voices, v)
	t.mu.Unlock()
	return v, nil
}

// Render mixes the next len(out) samples into out and advances the clock.
// It is meant to be called from the device callback.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	from := t.pos
	to := from + int64(len(out))

	var ended []func()
	kept := t.voices[:0]
	for _, v := range t.voices {
		end := v.start + int64(len(v.samples))
		lo := max(v.start, from)
		hi := min(end, to)
		for i := lo; i < hi; i++ {
			out[i-from] += v.samples[i-v.start]
		}
		if end <= to {
			if v.onEnd != nil {
				ended = append(ended, v.onEnd)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = to
	t.mu.Unlock()

	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	for _, fn := range ended {
		fn()
	}
}

// Pending returns the number of voices not yet finished.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

func (t *Timeline) durationOf(samples int64) time.Duration {
	if t.rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(t.rate)
}

// samplesOf rounds to the nearest sample: durations derived from sample
// counts are truncated to whole nanoseconds.
func (t *Timeline) samplesOf(d time.Duration) int64 {
	return (int64(d)*int64(t.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (v *timelineVoice) Stop() {
	t := v.tl
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, other := range t.voices {
		if other == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			return
		}
	}
}
