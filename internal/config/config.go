// Package config provides the configuration schema and loader for the koojai
// voice companion.
package config

import "time"

// LogLevel controls log verbosity for the koojai server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ProviderName selects the remote speech endpoint.
type ProviderName string

const (
	// ProviderGeminiLive is the Gemini Live API.
	ProviderGeminiLive ProviderName = "gemini-live"

	// ProviderOpenAIRealtime is the OpenAI Realtime API.
	ProviderOpenAIRealtime ProviderName = "openai-realtime"
)

// IsValid reports whether p is a supported speech provider.
func (p ProviderName) IsValid() bool {
	return p == ProviderGeminiLive || p == ProviderOpenAIRealtime
}

// Config is the root configuration structure for koojai.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Provider   ProviderConfig   `yaml:"provider"`
	Audio      AudioConfig      `yaml:"audio"`
	Transcript TranscriptConfig `yaml:"transcript"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Memory     MemoryConfig     `yaml:"memory"`
	Session    SessionConfig    `yaml:"session"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists the browser origins allowed to open the /ws event
	// stream. Empty allows same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// ProviderConfig configures the remote speech endpoint.
type ProviderConfig struct {
	// Name selects the endpoint implementation.
	Name ProviderName `yaml:"name" validate:"required"`

	// APIKey authenticates against the endpoint.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the websocket endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Model selects the realtime model. Empty uses the provider default.
	Model string `yaml:"model"`

	// Voice is the provider-specific voice ID. Default: "Kore" for Gemini,
	// "coral" for OpenAI.
	Voice string `yaml:"voice"`
}

// AudioConfig tunes capture and playback.
type AudioConfig struct {
	// InputSampleRate is the capture rate in Hz. Default: 16000.
	InputSampleRate int `yaml:"input_sample_rate" validate:"gte=8000,lte=48000"`

	// OutputSampleRate is the playback rate in Hz. Default: 24000.
	OutputSampleRate int `yaml:"output_sample_rate" validate:"gte=8000,lte=48000"`

	// FrameSize is the number of samples per captured frame. Default: 4096.
	FrameSize int `yaml:"frame_size" validate:"gte=128,lte=16384"`

	// CaptureBuffer is the number of frames buffered between the device and
	// the uplink. Default: 8.
	CaptureBuffer int `yaml:"capture_buffer" validate:"gte=1,lte=256"`

	// VolumeGain boosts capture RMS for display. Default: 10.
	VolumeGain float64 `yaml:"volume_gain" validate:"gt=0,lte=100"`

	// InputDevice and OutputDevice select devices by name substring. Empty
	// selects the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`
}

// TranscriptConfig controls transcript assembly.
type TranscriptConfig struct {
	// AssistantScript is a Unicode script name (e.g., "Thai"). When set,
	// assistant deltas are cut to start at the first rune of that script.
	AssistantScript string `yaml:"assistant_script"`

	// StripReasoning removes **bold** reasoning headers from assistant text.
	// Default: true.
	StripReasoning *bool `yaml:"strip_reasoning"`

	// UserLabel and AssistantLabel name the speakers in the analysed log.
	UserLabel      string `yaml:"user_label"`
	AssistantLabel string `yaml:"assistant_label"`
}

// AnalysisConfig selects the LLM that turns a finished session into a
// report. An empty Provider disables analysis.
type AnalysisConfig struct {
	// Provider is "openai" or one of the any-llm-go backends.
	Provider string `yaml:"provider" validate:"omitempty,oneof=openai anthropic gemini ollama deepseek mistral groq llamacpp llamafile"`

	// Model is the model name within the provider.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Instructions overrides the built-in analysis prompt.
	Instructions string `yaml:"instructions"`

	// MaxTokens caps the report length. Default: 1024.
	MaxTokens int `yaml:"max_tokens" validate:"gte=0,lte=32768"`

	// Timeout bounds one analysis. Default: 2m.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
}

// MemoryConfig selects where analysis reports are kept.
type MemoryConfig struct {
	// Path is a JSON-lines file that persists reports across restarts.
	// Empty keeps reports in memory only.
	Path string `yaml:"path"`
}

// SessionConfig configures the conversation persona.
type SessionConfig struct {
	// UserID is the default user when a start request names none.
	UserID string `yaml:"user_id"`

	// Instructions is the persona prompt. {{MEMORY_CONTEXT}} is replaced by
	// the user's prior-session memory.
	Instructions string `yaml:"instructions"`

	// InstructionsFile loads Instructions from a file. Mutually exclusive
	// with Instructions.
	InstructionsFile string `yaml:"instructions_file"`

	// MemoryFallback replaces {{MEMORY_CONTEXT}} when there is no memory.
	MemoryFallback string `yaml:"memory_fallback"`
}

// StripReasoningEnabled reports the effective strip_reasoning setting.
func (t TranscriptConfig) StripReasoningEnabled() bool {
	return t.StripReasoning == nil || *t.StripReasoning
}
