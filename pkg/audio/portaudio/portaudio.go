// Package portaudio implements [audio.CaptureDevice] and [audio.OutputDevice]
// on top of the PortAudio host API.
//
// PortAudio is initialised lazily on first use and terminated when the last
// stream is released, so a process that never opens a device never touches the
// native library.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/koojai/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*CaptureDevice)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
)

// ErrDeviceNotFound is returned when no device matches the configured name.
var ErrDeviceNotFound = errors.New("portaudio: device not found")

// host reference-counts PortAudio initialisation across streams.
var host struct {
	mu   sync.Mutex
	refs int
}

func acquire() error {
	host.mu.Lock()
	defer host.mu.Unlock()
	if host.refs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	host.refs++
	return nil
}

func release() {
	host.mu.Lock()
	defer host.mu.Unlock()
	if host.refs == 0 {
		return
	}
	host.refs--
	if host.refs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// findDevice returns the first device whose name contains name
// (case-insensitive) and that offers the requested direction. An empty name
// selects the host default.
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, dev := range devices {
		if input && dev.MaxInputChannels < 1 {
			continue
		}
		if !input && dev.MaxOutputChannels < 1 {
			continue
		}
		if strings.Contains(strings.ToLower(dev.Name), want) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// ── Capture ──────────────────────────────────────────────────────────────────

// CaptureDevice opens a blocking PortAudio input stream.
type CaptureDevice struct {
	// Name selects the input device by case-insensitive substring match.
	// Empty selects the system default.
	Name string
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context, format audio.Format, frameSize int) (audio.CaptureStream, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	dev, err := findDevice(d.Name, true)
	if err != nil {
		release()
		return nil, err
	}

	channels := format.Channels
	if channels < 1 {
		channels = 1
	}
	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: frameSize,
	}

	buf := make([]float32, frameSize*channels)
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open input %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start input %q: %w", dev.Name, err)
	}

	slog.Info("portaudio: capture started", "device", dev.Name, "format", format.String(), "frame_size", frameSize)
	return &captureStream{stream: stream, buf: buf, channels: channels}, nil
}

// captureStream serialises native calls: Close never tears down the stream
// while a Read is blocked inside PortAudio; the reader releases it instead.
type captureStream struct {
	stream   *pa.Stream
	buf      []float32
	channels int

	mu      sync.Mutex
	reading bool
	closed  bool
	freed   bool
}

func (s *captureStream) Read(out []float32) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, audio.ErrStreamClosed
	}
	s.reading = true
	s.mu.Unlock()

	err := s.stream.Read()

	s.mu.Lock()
	s.reading = false
	if s.closed {
		s.freeLocked()
		s.mu.Unlock()
		return 0, audio.ErrStreamClosed
	}
	s.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("portaudio: read: %w", err)
	}
	mono := audio.Downmix(s.buf, s.channels)
	return copy(out, mono), nil
}

func (s *captureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.reading {
		s.freeLocked()
	}
	return nil
}

func (s *captureStream) freeLocked() {
	if s.freed {
		return
	}
	s.freed = true
	if err := s.stream.Stop(); err != nil {
		slog.Debug("portaudio: stop input", "err", err)
	}
	if err := s.stream.Close(); err != nil {
		slog.Debug("portaudio: close input", "err", err)
	}
	release()
}

// ── Output ───────────────────────────────────────────────────────────────────

// OutputDevice plays audio through a PortAudio callback stream.
type OutputDevice struct {
	// Name selects the output device by case-insensitive substring match.
	// Empty selects the system default.
	Name string

	mu     sync.Mutex
	stream *pa.Stream
}

// Start implements [audio.OutputDevice]. render is called from the PortAudio
// callback thread with mono buffers; the adapter fans them out to every
// device channel.
func (o *OutputDevice) Start(format audio.Format, frameSize int, render audio.RenderFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream != nil {
		return nil
	}
	if err := acquire(); err != nil {
		return err
	}
	dev, err := findDevice(o.Name, false)
	if err != nil {
		release()
		return err
	}

	channels := format.Channels
	if channels < 1 {
		channels = 1
	}
	params := pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: frameSize,
	}

	mono := make([]float32, frameSize)
	callback := func(out []float32) {
		n := len(out) / channels
		if cap(mono) < n {
			mono = make([]float32, n)
		}
		m := mono[:n]
		render(m)
		audio.Upmix(out, m, channels)
	}

	stream, err := pa.OpenStream(params, callback)
	if err != nil {
		release()
		return fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}
	o.stream = stream
	slog.Info("portaudio: playback started", "device", dev.Name, "format", format.String())
	return nil
}

// Stop implements [audio.OutputDevice].
func (o *OutputDevice) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stream == nil {
		return nil
	}
	stream := o.stream
	o.stream = nil
	defer release()
	if err := stream.Stop(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("portaudio: stop output: %w", err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close output: %w", err)
	}
	return nil
}
