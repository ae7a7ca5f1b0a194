// Package session runs one duplex voice conversation at a time.
//
// A [Controller] owns the capture clock, the remote channel and the playback
// scheduler's active set for the lifetime of a session and tears all of them
// down together. Two goroutines carry the audio:
//
//   - uplink: captured frame → loudness → smoother → visualizer sink, and
//     frame → PCM16 → remote channel.
//   - downlink: remote events → decoder → playback scheduler (audio),
//     transcript assembler → transcript sink (text), scheduler drain
//     (interruption) and automatic stop (remote close).
//
// Start and Stop serialise on the controller. Sinks are called from the
// pipeline goroutines and must not block.
package session

import (
	"context"
	"errors"

	"github.com/MrWong99/koojai/internal/transcript"
	"github.com/MrWong99/koojai/pkg/types"
)

// ErrSessionStartFailed wraps every Start failure. The cause is
// [capture.ErrCaptureUnavailable] or [s2s.ErrConnect].
var ErrSessionStartFailed = errors.New("session: start failed")

// State is the lifecycle state of a [Controller].
type State int

const (
	// StateIdle means no session is running.
	StateIdle State = iota

	// StateConnecting means the capture device is being acquired and the
	// remote channel opened.
	StateConnecting

	// StateLive means audio flows in both directions.
	StateLive

	// StateInterrupting is a transient sub-state of Live while queued
	// assistant audio is drained.
	StateInterrupting

	// StateStopping means the session is being torn down.
	StateStopping
)

// String returns the lower-case state name used in logs and the HTTP API.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateInterrupting:
		return "interrupting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// VisualizerSink receives the smoothed loudness at frame cadence.
type VisualizerSink interface {
	// Volume reports the smoothed level in [0, 1] for speaker. active is false
	// once the session has ended.
	Volume(level float64, speaker types.Speaker, active bool)
}

// TranscriptSink receives the whole ordered turn list after every change.
type TranscriptSink interface {
	Transcript(turns []transcript.Turn)
}

// Finalizer consumes the transcript of a finished session. It runs in the
// background after Stop returns; the controller only logs its error.
type Finalizer interface {
	Finalize(ctx context.Context, userID, log string) error
}

// VisualizerFunc adapts a plain function to [VisualizerSink].
type VisualizerFunc func(level float64, speaker types.Speaker, active bool)

// Volume implements [VisualizerSink].
func (f VisualizerFunc) Volume(level float64, speaker types.Speaker, active bool) {
	f(level, speaker, active)
}

// TranscriptFunc adapts a plain function to [TranscriptSink].
type TranscriptFunc func(turns []transcript.Turn)

// Transcript implements [TranscriptSink].
func (f TranscriptFunc) Transcript(turns []transcript.Turn) { f(turns) }
