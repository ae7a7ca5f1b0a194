// Package audio defines the audio types, device abstractions and sample
// conversions used by the koojai voice engine.
//
// The two device abstractions are:
//
//   - [CaptureDevice] opens a blocking [CaptureStream] that yields one buffer of
//     microphone samples per Read call.
//   - [OutputDevice] starts a playback stream that pulls samples from a
//     [RenderFunc] at device cadence.
//
// Implementations are provided by adapter packages (e.g., audio/portaudio) and by
// audio/mock for tests. The interfaces are intentionally narrow so the session
// controller stays decoupled from the host audio API.
//
// This package lives under pkg/ because external code is expected to implement
// [CaptureDevice] and [OutputDevice].
package audio

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned by [CaptureStream.Read] after Close has been called.
var ErrStreamClosed = errors.New("audio: stream closed")

// CaptureStream is an open microphone stream.
//
// Implementations must allow Close to be called concurrently with a blocked Read;
// the pending Read then returns [ErrStreamClosed].
type CaptureStream interface {
	// Read blocks until len(buf) mono samples have been captured and copies them
	// into buf. It returns the number of samples written.
	Read(buf []float32) (int, error)

	// Close releases the device. It is safe to call Close more than once;
	// subsequent calls are no-ops and return nil.
	Close() error
}

// CaptureDevice acquires microphone access.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Open acquires the device at the given format with a hardware buffer of
	// frameSize samples. Returns an error if the device is missing, busy or
	// permission was denied. ctx bounds the acquisition only.
	Open(ctx context.Context, format Format, frameSize int) (CaptureStream, error)
}

// RenderFunc fills out with the next len(out) mono samples to be played.
// It is called from the device's real-time thread and must not block.
type RenderFunc func(out []float32)

// OutputDevice is a speaker that pulls samples through a [RenderFunc].
type OutputDevice interface {
	// Start begins playback at format, calling render for every device buffer of
	// frameSize samples until Stop is called.
	Start(format Format, frameSize int, render RenderFunc) error

	// Stop halts playback. It is safe to call Stop more than once.
	Stop() error
}
