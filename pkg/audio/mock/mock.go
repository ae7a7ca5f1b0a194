// Package mock provides in-memory mock implementations of the
// [audio.CaptureDevice], [audio.CaptureStream] and [audio.OutputDevice]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := mock.NewCaptureStream(0.1)
//	dev := &mock.CaptureDevice{OpenResult: stream}
//	s, err := dev.Open(ctx, audio.Format{SampleRate: 16000, Channels: 1}, 4096)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/koojai/pkg/audio"
)

// ─── CaptureStream ────────────────────────────────────────────────────────────

// CaptureStream is a mock implementation of [audio.CaptureStream].
//
// Every Read fills the buffer with Level and returns immediately unless Interval
// is set, in which case Read sleeps for Interval first to emulate device cadence.
// After Close, Read returns [audio.ErrStreamClosed].
type CaptureStream struct {
	mu sync.Mutex

	// Level is the constant sample value written by Read.
	Level float32

	// Interval is the simulated hardware buffer period.
	Interval time.Duration

	// ReadError, when non-nil, is returned by Read instead of samples.
	ReadError error

	// CloseError is returned by [CaptureStream.Close].
	CloseError error

	// CallCountRead records how many times Read returned samples.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed chan struct{}
	once   sync.Once
}

// NewCaptureStream returns a stream producing constant samples at level with a
// 1ms simulated cadence.
func NewCaptureStream(level float32) *CaptureStream {
	return &CaptureStream{Level: level, Interval: time.Millisecond}
}

func (s *CaptureStream) done() chan struct{} {
	s.once.Do(func() { s.closed = make(chan struct{}) })
	return s.closed
}

// Read implements [audio.CaptureStream].
func (s *CaptureStream) Read(buf []float32) (int, error) {
	done := s.done()

	s.mu.Lock()
	interval := s.Interval
	s.mu.Unlock()

	if interval > 0 {
		select {
		case <-done:
			return 0, audio.ErrStreamClosed
		case <-time.After(interval):
		}
	}

	select {
	case <-done:
		return 0, audio.ErrStreamClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReadError != nil {
		return 0, s.ReadError
	}
	s.CallCountRead++
	for i := range buf {
		buf[i] = s.Level
	}
	return len(buf), nil
}

// Close implements [audio.CaptureStream]. Returns CloseError.
func (s *CaptureStream) Close() error {
	done := s.done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	select {
	case <-done:
	default:
		close(done)
	}
	return s.CloseError
}

// Closed reports whether Close has been called at least once.
func (s *CaptureStream) Closed() bool {
	select {
	case <-s.done():
		return true
	default:
		return false
	}
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [CaptureDevice.Open] invocation.
type OpenCall struct {
	// Format is the format argument passed to Open.
	Format audio.Format

	// FrameSize is the frameSize argument passed to Open.
	FrameSize int
}

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// OpenResult is the stream returned by Open. When nil, a fresh
	// [CaptureStream] from NewStream (or NewCaptureStream(0)) is returned.
	OpenResult audio.CaptureStream

	// NewStream, when non-nil, builds the stream returned by each Open call.
	NewStream func() audio.CaptureStream

	// OpenError is the error returned by Open.
	OpenError error

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	// Streams records every stream handed out by Open.
	Streams []audio.CaptureStream
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context, format audio.Format, frameSize int) (audio.CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, OpenCall{Format: format, FrameSize: frameSize})
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := d.OpenResult
	if s == nil {
		if d.NewStream != nil {
			s = d.NewStream()
		} else {
			s = NewCaptureStream(0)
		}
	}
	d.Streams = append(d.Streams, s)
	return s, nil
}

// OpenCount returns the number of Open calls.
func (d *CaptureDevice) OpenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. It never
// calls the render function on its own; tests pull samples with [OutputDevice.Pull].
type OutputDevice struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// Format is the format passed to the last Start call.
	Format audio.Format

	render audio.RenderFunc
}

// Start implements [audio.OutputDevice].
func (o *OutputDevice) Start(format audio.Format, _ int, render audio.RenderFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStart++
	if o.StartError != nil {
		return o.StartError
	}
	o.Format = format
	o.render = render
	return nil
}

// Stop implements [audio.OutputDevice].
func (o *OutputDevice) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountStop++
	o.render = nil
	return nil
}

// Pull renders n samples through the registered render function. It returns
// nil if the device is not started.
func (o *OutputDevice) Pull(n int) []float32 {
	o.mu.Lock()
	render := o.render
	o.mu.Unlock()
	if render == nil {
		return nil
	}
	out := make([]float32, n)
	render(out)
	return out
}
