// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. Examples
// include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is [Channel]: an opaque bidirectional frame channel.
// Encoded microphone frames go in through [Channel.Send]; everything the remote
// side produces (audio, transcription deltas for both speakers, interruption
// notices and the final close) comes out of a single ordered [Channel.Events]
// stream. The engine never sees the wire protocol.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"mime"
	"strconv"

	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/types"
)

var (
	// ErrConnect wraps every failure to establish a channel.
	ErrConnect = errors.New("s2s: connect failed")

	// ErrSend wraps every failure to deliver a frame on an open channel.
	ErrSend = errors.New("s2s: send failed")

	// ErrClosed is returned by [Channel.Send] after the channel has closed.
	ErrClosed = errors.New("s2s: channel closed")
)

// EventType classifies an [Event].
type EventType int

const (
	// EventAudio carries a chunk of synthesised speech.
	EventAudio EventType = iota

	// EventTranscript carries a transcription delta for one speaker.
	EventTranscript

	// EventInterrupted signals that the remote side detected the user talking
	// over the assistant; queued assistant audio must be discarded.
	EventInterrupted

	// EventTurnComplete marks the end of an assistant turn.
	EventTurnComplete

	// EventClosed is the last event emitted when the remote side ends the
	// channel or the connection fails. It is not emitted after a local Close.
	EventClosed
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventAudio:
		return "AUDIO"
	case EventTranscript:
		return "TRANSCRIPT"
	case EventInterrupted:
		return "INTERRUPTED"
	case EventTurnComplete:
		return "TURN_COMPLETE"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is one item on a channel's event stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type EventType

	// Audio is little-endian int16 PCM (EventAudio).
	Audio []byte

	// Format is the declared format of Audio (EventAudio).
	Format audio.Format

	// Text is a transcription delta (EventTranscript).
	Text string

	// Speaker attributes Text (EventTranscript).
	Speaker types.Speaker

	// Err is the reason for an abnormal close (EventClosed). Nil for a clean
	// remote close. On EventAudio it is an *audio.DecodeError for a chunk
	// whose payload could not be decoded; Audio is nil then.
	Err error
}

// SessionConfig is the initial configuration for a new channel.
type SessionConfig struct {
	// Voice selects the synthetic voice.
	Voice types.VoiceProfile

	// Instructions is the system-level prompt, including any prior-session
	// context.
	Instructions string

	// InputSampleRate is the rate of frames passed to Send. Zero means 16000.
	InputSampleRate int
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the preferred rate for frames passed to Send.
	InputSampleRate int

	// OutputSampleRate is the rate of EventAudio payloads.
	OutputSampleRate int

	// MaxSessionDuration is the provider-imposed session limit in milliseconds.
	// Zero means no documented limit.
	MaxSessionDurationMs int

	// Voices lists the voices the provider offers.
	Voices []types.VoiceProfile
}

// Channel is an open bidirectional frame channel. It is an interface so that
// test code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the channel is no longer needed.
type Channel interface {
	// Send delivers one encoded microphone frame. Returns an error wrapping
	// [ErrSend] on a transport failure or [ErrClosed] after close. Send must
	// not be called concurrently with itself; callers send in capture order.
	Send(ctx context.Context, frame audio.EncodedFrame) error

	// Events returns the ordered stream of remote events. The channel is closed
	// after the channel terminates, either following an [EventClosed] or a local
	// Close. Consumers must drain it promptly.
	Events() <-chan Event

	// Close terminates the channel and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Open establishes a new channel. The returned Channel is ready to accept
	// audio immediately. Any failure (including ctx cancellation) is reported
	// as an error wrapping [ErrConnect].
	Open(ctx context.Context, cfg SessionConfig) (Channel, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// PCMRate extracts the rate parameter from a content type such as
// "audio/pcm;rate=24000". It returns fallback when the type has no usable rate.
func PCMRate(mimeType string, fallback int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}
