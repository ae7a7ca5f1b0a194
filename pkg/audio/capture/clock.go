// Package capture turns a blocking microphone stream into a steady sequence of
// fixed-size [audio.Frame] values.
//
// A [Clock] owns one [audio.CaptureStream] for the duration of a session. Frames
// are delivered over a bounded channel; when the consumer falls behind, the
// oldest unsent frame is discarded so the device read loop never stalls.
//
// Typical usage:
//
//	clk := capture.New(dev, capture.WithFrameSize(4096))
//	frames, err := clk.Start(ctx)
//	if err != nil { ... }
//	for f := range frames { ... }
//	clk.Stop()
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/koojai/pkg/audio"
)

// ErrCaptureUnavailable is returned by [Clock.Start] when the capture device
// cannot be acquired (missing, busy or permission denied).
var ErrCaptureUnavailable = errors.New("capture: device unavailable")

// ErrAlreadyRunning is returned by [Clock.Start] on a clock that is already
// producing frames.
var ErrAlreadyRunning = errors.New("capture: clock already running")

const (
	// DefaultSampleRate is the native capture rate in Hz.
	DefaultSampleRate = 16000

	// DefaultFrameSize is the number of samples per captured frame.
	DefaultFrameSize = 4096

	// DefaultBuffer is the number of frames held between producer and consumer.
	DefaultBuffer = 8
)

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Clock].
type Option func(*Clock)

// WithSampleRate sets the capture rate in Hz.
func WithSampleRate(rate int) Option {
	return func(c *Clock) { c.format.SampleRate = rate }
}

// WithFrameSize sets the number of samples per frame.
func WithFrameSize(n int) Option {
	return func(c *Clock) { c.frameSize = n }
}

// WithBuffer sets the capacity of the frame channel.
func WithBuffer(n int) Option {
	return func(c *Clock) { c.buffer = n }
}

// WithOnFrame registers fn to be called for every frame read from the device.
func WithOnFrame(fn func()) Option {
	return func(c *Clock) { c.onFrame = fn }
}

// WithOnDrop registers fn to be called whenever a frame is discarded because the
// consumer is not keeping up.
func WithOnDrop(fn func()) Option {
	return func(c *Clock) { c.onDrop = fn }
}

// ── Clock ────────────────────────────────────────────────────────────────────

// Clock produces frames from a capture device. Thread-safe.
type Clock struct {
	dev       audio.CaptureDevice
	format    audio.Format
	frameSize int
	buffer    int
	onFrame   func()
	onDrop    func()

	mu      sync.Mutex
	running bool
	stream  audio.CaptureStream
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Clock reading from dev. Defaults: 16 kHz mono, 4096-sample
// frames, 8-frame buffer.
func New(dev audio.CaptureDevice, opts ...Option) *Clock {
	c := &Clock{
		dev:       dev,
		format:    audio.Format{SampleRate: DefaultSampleRate, Channels: 1},
		frameSize: DefaultFrameSize,
		buffer:    DefaultBuffer,
	}
	for _, o := range opts {
		o(c)
	}
	if c.buffer < 1 {
		c.buffer = 1
	}
	return c
}

// Format returns the capture format.
func (c *Clock) Format() audio.Format { return c.format }

// FrameSize returns the number of samples per frame.
func (c *Clock) FrameSize() int { return c.frameSize }

// Start acquires the device and begins producing frames. The returned channel is
// closed after [Clock.Stop] or when the device fails. Device acquisition failure
// is reported as [ErrCaptureUnavailable] and nothing is started.
func (c *Clock) Start(ctx context.Context) (<-chan audio.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil, ErrAlreadyRunning
	}
	if c.frameSize <= 0 {
		return nil, fmt.Errorf("capture: invalid frame size %d", c.frameSize)
	}

	stream, err := c.dev.Open(ctx, c.format, c.frameSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	out := make(chan audio.Frame, c.buffer)
	c.stream = stream
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.readLoop(runCtx, stream, out, c.done)
	return out, nil
}

// Stop halts the clock, releases the device and waits for the read loop to
// exit. No frame is emitted after Stop returns. It is safe to call Stop more
// than once; subsequent calls are no-ops and return nil.
func (c *Clock) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stream, cancel, done := c.stream, c.cancel, c.done
	c.stream, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	err := stream.Close()
	<-done
	if err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}

// Running reports whether the clock is currently producing frames.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Clock) readLoop(ctx context.Context, stream audio.CaptureStream, out chan audio.Frame, done chan struct{}) {
	defer close(done)
	defer close(out)

	var seq uint64
	for {
		buf := make([]float32, c.frameSize)
		n, err := stream.Read(buf)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, audio.ErrStreamClosed) {
				slog.Warn("capture: read failed, stopping", "err", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		seq++
		if c.onFrame != nil {
			c.onFrame()
		}
		c.push(out, audio.Frame{Samples: buf[:n], SampleRate: c.format.SampleRate, Seq: seq})
	}
}

// push delivers f without blocking, evicting the oldest queued frame when the
// channel is full. The read loop is the only sender.
func (c *Clock) push(out chan audio.Frame, f audio.Frame) {
	for {
		select {
		case out <- f:
			return
		default:
		}
		select {
		case <-out:
			if c.onDrop != nil {
				c.onDrop()
			}
		default:
		}
	}
}
