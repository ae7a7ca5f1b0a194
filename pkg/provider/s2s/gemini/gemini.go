// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio is transmitted as base64-encoded PCM chunks in both directions; input
// and output transcription are requested at setup so both speakers' text
// arrives as deltas alongside the audio.
package gemini

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
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/provider/s2s"
	"github.com/MrWong99/koojai/pkg/types"
)

// Compile-time assertions that Provider and channel satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.Channel = (*channel)(nil)

const (
	defaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultVoice   = "Kore"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:      inputSampleRate,
		OutputSampleRate:     outputSampleRate,
		MaxSessionDurationMs: 15 * 60 * 1000,
		Voices: []types.VoiceProfile{
			{ID: "Aoede", Name: "Aoede", Provider: "gemini"},
			{ID: "Charon", Name: "Charon", Provider: "gemini"},
			{ID: "Fenrir", Name: "Fenrir", Provider: "gemini"},
			{ID: "Kore", Name: "Kore", Provider: "gemini"},
			{ID: "Puck", Name: "Puck", Provider: "gemini"},
		},
	}
}

// Open establishes a new Gemini Live channel. It sends the setup message and
// waits for the server's setupComplete acknowledgement before returning.
func (p *Provider) Open(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w: %w", s2s.ErrConnect, err)
	}
	conn.SetReadLimit(-1)

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:    conn,
		events:  make(chan s2s.Event, eventBuffer),
		done:    make(chan struct{}),
		ctx:     chCtx,
		cancel:  chCancel,
		inRate:  cfg.InputSampleRate,
		outRate: outputSampleRate,
	}
	if ch.inRate == 0 {
		ch.inRate = inputSampleRate
	}

	if err := ch.sendSetup(ctx, p.model, cfg); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", s2s.ErrConnect, err)
	}
	if err := ch.awaitSetupComplete(ctx); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w: %w", s2s.ErrConnect, err)
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	return fmt.Sprintf("gemini: server error %d: %s", e.Code, msg)
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn    *websocket.Conn
	events  chan s2s.Event
	inRate  int
	outRate int

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (c *channel) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	voice := cfg.Voice.ID
	if voice == "" {
		voice = defaultVoice
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	return c.writeJSON(ctx, msg)
}

// awaitSetupComplete reads until the server acknowledges the setup.
func (c *channel) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns events: it closes the channel when it exits.
func (c *channel) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// If the channel was closed locally, exit without a close event.
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				err = nil
			}
			c.emit(s2s.Event{Type: s2s.EventClosed, Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.Error != nil {
			slog.Warn("gemini: server error", "code", msg.Error.Code, "message", msg.Error.Message)
		}
		if msg.GoAway != nil {
			slog.Info("gemini: server announced disconnect")
		}
		if msg.ServerContent != nil && !c.handleServerContent(msg.ServerContent) {
			return
		}
	}
}

// handleServerContent translates one serverContent message into events. It
// returns false once the channel has been closed locally.
func (c *channel) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		// Text parts carry model reasoning; only transcription is surfaced.
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			format := audio.Format{SampleRate: s2s.PCMRate(p.InlineData.MIMEType, c.outRate), Channels: 1}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			ev := s2s.Event{Type: s2s.EventAudio, Audio: pcm, Format: format}
			switch {
			case err != nil:
				ev.Audio = nil
				ev.Err = &audio.DecodeError{Bytes: len(p.InlineData.Data), Format: format, Reason: "invalid base64"}
			case len(pcm) == 0:
				continue
			}
			if !c.emit(ev) {
				return false
			}
		}
	}

	if sc.Interrupted && !c.emit(s2s.Event{Type: s2s.EventInterrupted}) {
		return false
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		ev := s2s.Event{Type: s2s.EventTranscript, Text: sc.OutputTranscription.Text, Speaker: types.SpeakerAssistant}
		if !c.emit(ev) {
			return false
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		ev := s2s.Event{Type: s2s.EventTranscript, Text: sc.InputTranscription.Text, Speaker: types.SpeakerUser}
		if !c.emit(ev) {
			return false
		}
	}

	if sc.TurnComplete && !c.emit(s2s.Event{Type: s2s.EventTurnComplete}) {
		return false
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Channel methods ────────────────────────────────────────────────────────────

// Send delivers one encoded PCM frame to the model.
func (c *channel) Send(ctx context.Context, frame audio.EncodedFrame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("gemini: %w", s2s.ErrClosed)
	}
	c.mu.Unlock()

	mimeType := frame.MIMEType
	if mimeType == "" {
		rate := frame.SampleRate
		if rate == 0 {
			rate = c.inRate
		}
		mimeType = audio.PCMMimeType(rate)
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: mimeType, Data: base64.StdEncoding.EncodeToString(frame.Data)},
			},
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("gemini: send frame %d: %w: %w", frame.Seq, s2s.ErrSend, err)
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

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
