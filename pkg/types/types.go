// Package types defines the shared types used across koojai packages.
//
// Only values that cross package boundaries live here: who is speaking and
// which voice the remote model uses.
package types

// Speaker identifies which side of the conversation produced audio or text.
type Speaker int

const (
	// SpeakerUser is the local person talking into the microphone.
	SpeakerUser Speaker = iota

	// SpeakerAssistant is the remote speech model.
	SpeakerAssistant
)

// String returns the role name used in transcripts and UI events.
func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerAssistant:
		return "assistant"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so speakers serialise as their
// role name in JSON events.
func (s Speaker) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// VoiceProfile selects the synthetic voice of the remote speech model.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g., "Kore", "alloy").
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider is the name of the provider that owns this voice.
	Provider string
}
