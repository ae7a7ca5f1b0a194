// Package playback schedules decoded assistant audio for gapless, in-order
// playback and cancels it instantly on interruption.
//
// The [Scheduler] keeps a single cursor (the time at which the next frame must
// start) and the set of frames currently scheduled on an [Output]. Both are
// owned by one goroutine; [Scheduler.Submit], [Scheduler.Interrupt],
// [Scheduler.Reset] and natural completion are messages to that goroutine, so
// an interruption can never interleave with a half-applied submission.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/koojai/pkg/audio"
)

// ErrClosed is returned by Scheduler methods after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Entry describes one frame placed on the output timeline.
type Entry struct {
	// ID uniquely identifies the entry within its scheduler.
	ID uint64

	// Frame is the decoded audio.
	Frame audio.Frame

	// Start is the timeline offset at which the frame begins.
	Start time.Duration

	voice Voice
}

// End returns the timeline offset right after the last sample of the entry.
func (e Entry) End() time.Duration { return e.Start + e.Frame.Duration() }

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithOnUnderrun registers fn to be called whenever a frame arrives after the
// cursor has already passed, with the length of the resulting gap.
func WithOnUnderrun(fn func(gap time.Duration)) Option {
	return func(s *Scheduler) { s.onUnderrun = fn }
}

// Scheduler places frames back to back on an [Output]. All exported methods
// are safe for concurrent use.
type Scheduler struct {
	out        Output
	onUnderrun func(time.Duration)

	cmds chan func()
	done chan struct{}

	// finished collects IDs of entries that played to the end. It is written
	// from the device thread and drained by the loop after a notify.
	finMu    sync.Mutex
	finished []uint64
	notify   chan struct{}

	closeOnce sync.Once

	// Owned by the loop goroutine. The cursor is anchor plus queued samples
	// at rate, so consecutive frames never accumulate rounding error.
	anchor time.Duration
	queued int64
	rate   int
	active map[uint64]Entry
	ids    uint64
}

// NewScheduler creates a Scheduler on out and starts its loop goroutine.
// Call [Scheduler.Close] to stop it.
func NewScheduler(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		cmds:   make(chan func()),
		done:   make(chan struct{}),
		notify: make(chan struct{}, 1),
		active: make(map[uint64]Entry),
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.done:
			for _, e := range s.active {
				e.voice.Stop()
			}
			clear(s.active)
			return
		case fn := <-s.cmds:
			fn()
		case <-s.notify:
			s.reapFinished()
		}
	}
}

// do runs fn on the loop goroutine and waits for it to finish.
func (s *Scheduler) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(ran) }:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Submit schedules frame at the cursor and advances the cursor by the frame
// duration. If the cursor has fallen behind the output clock it is first moved
// to now, so a late frame starts immediately instead of in the past.
func (s *Scheduler) Submit(ctx context.Context, frame audio.Frame) (Entry, error) {
	var (
		entry Entry
		err   error
	)
	if derr := s.do(ctx, func() { entry, err = s.submit(frame) }); derr != nil {
		return Entry{}, derr
	}
	return entry, err
}

func (s *Scheduler) submit(frame audio.Frame) (Entry, error) {
	now := s.out.Now()
	if next := s.cursor(); next < now {
		if next > 0 && s.onUnderrun != nil {
			s.onUnderrun(now - next)
		}
		s.setCursor(now)
	}
	if frame.SampleRate != s.rate {
		s.setCursor(s.cursor())
		s.rate = frame.SampleRate
	}

	start := s.cursor()
	s.ids++
	id := s.ids
	v, err := s.out.Schedule(frame, start, func() { s.finish(id) })
	if err != nil {
		return Entry{}, fmt.Errorf("playback: submit frame %d: %w", frame.Seq, err)
	}
	e := Entry{ID: id, Frame: frame, Start: start, voice: v}
	s.active[id] = e
	s.queued += int64(len(frame.Samples))
	return e, nil
}

// cursor is the start time of the next frame.
func (s *Scheduler) cursor() time.Duration {
	if s.rate <= 0 {
		return s.anchor
	}
	return s.anchor + time.Duration(s.queued)*time.Second/time.Duration(s.rate)
}

func (s *Scheduler) setCursor(d time.Duration) {
	s.anchor = d
	s.queued = 0
}

// Interrupt stops every scheduled frame, empties the active set and moves the
// cursor to now. It returns the number of frames cancelled.
func (s *Scheduler) Interrupt(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() {
		n = s.cancelAll()
		s.setCursor(s.out.Now())
	})
	if err == nil && n > 0 {
		slog.Debug("playback: interrupted", "cancelled", n)
	}
	return n, err
}

// Reset cancels all frames and rewinds the cursor to zero. Used when a session
// ends; the output itself is kept for the next session.
func (s *Scheduler) Reset(ctx context.Context) error {
	return s.do(ctx, func() {
		s.cancelAll()
		s.setCursor(0)
	})
}

// Active returns the number of frames scheduled and not yet finished.
func (s *Scheduler) Active(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func() {
		s.reapFinished()
		n = len(s.active)
	})
	return n, err
}

// Cursor returns the time at which the next submitted frame would start if
// the output clock has not passed it.
func (s *Scheduler) Cursor(ctx context.Context) (time.Duration, error) {
	var c time.Duration
	err := s.do(ctx, func() { c = s.cursor() })
	return c, err
}

// Now returns the current position of the output clock.
func (s *Scheduler) Now() time.Duration { return s.out.Now() }

// Close stops the loop goroutine and silences all frames. Close is idempotent.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Scheduler) cancelAll() int {
	s.reapFinished()
	n := len(s.active)
	for _, e := range s.active {
		e.voice.Stop()
	}
	clear(s.active)
	return n
}

// finish is the end callback handed to the output. It must not block.
func (s *Scheduler) finish(id uint64) {
	s.finMu.Lock()
	s.finished = append(s.finished, id)
	s.finMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) reapFinished() {
	s.finMu.Lock()
	ids := s.finished
	s.finished = nil
	s.finMu.Unlock()
	for _, id := range ids {
		delete(s.active, id)
	}
}
