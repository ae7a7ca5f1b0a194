package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultCaptureBuffer    = 8
	DefaultVolumeGain       = 10.0
	DefaultShutdownTimeout  = 10 * time.Second
	DefaultAnalysisTimeout  = 2 * time.Minute
	DefaultAnalysisTokens   = 1024
)

// DefaultVoices maps each speech provider to the voice used when none is
// configured.
var DefaultVoices = map[ProviderName]string{
	ProviderGeminiLive:     "Kore",
	ProviderOpenAIRealtime: "coral",
}

// validate is the shared validator instance. Field names in errors are the
// YAML keys.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. Relative session.instructions_file and memory.path values are
// resolved against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if file := cfg.Session.InstructionsFile; file != "" && !filepath.IsAbs(file) {
		cfg.Session.InstructionsFile = filepath.Join(filepath.Dir(path), file)
	}
	if file := cfg.Memory.Path; file != "" && !filepath.IsAbs(file) {
		cfg.Memory.Path = filepath.Join(filepath.Dir(path), file)
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if file := cfg.Session.InstructionsFile; file != "" && cfg.Session.Instructions == "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("config: read session.instructions_file: %w", err)
		}
		cfg.Session.Instructions = string(data)
	} else if file != "" {
		return errors.New("session.instructions and session.instructions_file are mutually exclusive")
	}
	ApplyDefaults(cfg)
	return Validate(cfg)
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Provider.Voice == "" {
		cfg.Provider.Voice = DefaultVoices[cfg.Provider.Name]
	}

	a := &cfg.Audio
	if a.InputSampleRate == 0 {
		a.InputSampleRate = DefaultInputSampleRate
	}
	if a.OutputSampleRate == 0 {
		a.OutputSampleRate = DefaultOutputSampleRate
	}
	if a.FrameSize == 0 {
		a.FrameSize = DefaultFrameSize
	}
	if a.CaptureBuffer == 0 {
		a.CaptureBuffer = DefaultCaptureBuffer
	}
	if a.VolumeGain == 0 {
		a.VolumeGain = DefaultVolumeGain
	}

	if cfg.Analysis.MaxTokens == 0 {
		cfg.Analysis.MaxTokens = DefaultAnalysisTokens
	}
	if cfg.Analysis.Timeout == 0 {
		cfg.Analysis.Timeout = DefaultAnalysisTimeout
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: validate: %w", err)
		}
		for _, e := range verrs {
			errs = append(errs, fmt.Errorf("%s %s", fieldPath(e), formatValidationMessage(e)))
		}
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Provider.Name != "" && !cfg.Provider.Name.IsValid() {
		errs = append(errs, fmt.Errorf("provider.name %q is invalid; valid values: %s, %s", cfg.Provider.Name, ProviderGeminiLive, ProviderOpenAIRealtime))
	}
	if cfg.Provider.APIKey == "" && cfg.Provider.BaseURL == "" {
		errs = append(errs, errors.New("provider.api_key is required unless provider.base_url points at a local endpoint"))
	}

	if s := cfg.Transcript.AssistantScript; s != "" {
		if _, ok := unicode.Scripts[s]; !ok {
			errs = append(errs, fmt.Errorf("transcript.assistant_script %q is not a Unicode script name", s))
		}
	}

	if cfg.Analysis.Provider != "" && cfg.Analysis.Model == "" {
		errs = append(errs, fmt.Errorf("analysis.model is required when analysis.provider is %q", cfg.Analysis.Provider))
	}
	if cfg.Analysis.Provider == "" && cfg.Analysis.Model != "" {
		slog.Warn("analysis.model is set but analysis.provider is empty; sessions will not be analysed")
	}

	return errors.Join(errs...)
}

// fieldPath renders the YAML path of a failed field, e.g. "audio.frame_size".
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return ns
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}
