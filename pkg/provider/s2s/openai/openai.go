// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is transmitted as base64-encoded PCM16 at 24 kHz in both directions;
// frames captured at another rate are resampled before they are appended to
// the input buffer. Server-side voice activity detection doubles as the
// interruption signal.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/provider/s2s"
	"github.com/MrWong99/koojai/pkg/types"
)

// Compile-time assertions that Provider and channel satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Channel = (*channel)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// sampleRate is the only PCM16 rate the Realtime API accepts and produces.
	sampleRate = 24000

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithTranscriptionModel sets the model used to transcribe user speech.
func WithTranscriptionModel(model string) Option {
	return func(p *Provider) { p.transcriptionModel = model }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: "whisper-1",
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      sampleRate,
		OutputSampleRate:     sampleRate,
		MaxSessionDurationMs: 30 * 60 * 1000,
		Voices: []types.VoiceProfile{
			{ID: "alloy", Name: "Alloy", Provider: "openai"},
			{ID: "ash", Name: "Ash", Provider: "openai"},
			{ID: "ballad", Name: "Ballad", Provider: "openai"},
			{ID: "coral", Name: "Coral", Provider: "openai"},
			{ID: "echo", Name: "Echo", Provider: "openai"},
			{ID: "sage", Name: "Sage", Provider: "openai"},
			{ID: "shimmer", Name: "Shimmer", Provider: "openai"},
			{ID: "verse", Name: "Verse", Provider: "openai"},
		},
	}
}

// Open establishes a new OpenAI Realtime channel. The returned Channel is ready
// to accept audio immediately after the session.update message is sent.
func (p *Provider) Open(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(-1)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:   conn,
		events: make(chan s2s.Event, eventBuffer),
		ctx:    chCtx,
		cancel: chCancel,
	}

	if err := ch.sendSessionUpdate(ctx, cfg, p.transcriptionModel); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w: %w", s2s.ErrConnect, err)
	}

	go ch.receiveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection       `json:"turn_detection,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn   *websocket.Conn
	events chan s2s.Event

	mu     sync.Mutex
	closed bool

	// userDeltas records whether the server streams user transcription as
	// deltas, in which case the completed event would duplicate the text.
	userDeltas bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, audio formats, transcription and turn detection.
func (c *channel) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig, transcriptionModel string) error {
	params := sessionParams{
		Voice:             cfg.Voice.ID,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if transcriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: transcriptionModel}
	}
	return c.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (c *channel) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = nil
			}
			c.emit(s2s.Event{Type: s2s.EventClosed, Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		if !c.handleServerEvent(&evt) {
			return
		}
	}
}

// handleServerEvent translates one server event. It returns false once the
// channel has been closed locally.
func (c *channel) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		format := audio.Format{SampleRate: sampleRate, Channels: 1}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			return c.emit(s2s.Event{
				Type:   s2s.EventAudio,
				Format: format,
				Err:    &audio.DecodeError{Bytes: len(evt.Delta), Format: format, Reason: "invalid base64"},
			})
		}
		if len(pcm) == 0 {
			return true
		}
		return c.emit(s2s.Event{Type: s2s.EventAudio, Audio: pcm, Format: format})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return c.emit(s2s.Event{Type: s2s.EventTranscript, Text: evt.Delta, Speaker: types.SpeakerAssistant})

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return true
		}
		c.userDeltas = true
		return c.emit(s2s.Event{Type: s2s.EventTranscript, Text: evt.Delta, Speaker: types.SpeakerUser})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" || c.userDeltas {
			return true
		}
		return c.emit(s2s.Event{Type: s2s.EventTranscript, Text: evt.Transcript, Speaker: types.SpeakerUser})

	case "input_audio_buffer.speech_started":
		return c.emit(s2s.Event{Type: s2s.EventInterrupted})

	case "response.done":
		return c.emit(s2s.Event{Type: s2s.EventTurnComplete})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("openai: server error", "message", msg)
	}
	return true
}

func (c *channel) emit(ev s2s.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// ── Channel methods ────────────────────────────────────────────────────────────

// Send appends one PCM16 frame to the input audio buffer, resampling it to
// 24 kHz first when captured at another rate.
func (c *channel) Send(ctx context.Context, frame audio.EncodedFrame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("openai: %w", s2s.ErrClosed)
	}
	c.mu.Unlock()

	pcm := frame.Data
	if frame.SampleRate != 0 && frame.SampleRate != sampleRate {
		samples, err := audio.DecodePCM16(pcm, 1)
		if err != nil {
			return fmt.Errorf("openai: send frame %d: %w: %w", frame.Seq, s2s.ErrSend, err)
		}
		pcm = audio.EncodePCM16(audio.Resample(samples, frame.SampleRate, sampleRate))
	}

	msg := appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("openai: send frame %d: %w: %w", frame.Seq, s2s.ErrSend, err)
	}
	return nil
}

// Events returns the channel on which remote events arrive.
func (c *channel) Events() <-chan s2s.Event { return c.events }

// Close terminates the channel and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
