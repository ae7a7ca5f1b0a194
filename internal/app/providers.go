package app

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/koojai/internal/config"
	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/audio/portaudio"
	"github.com/MrWong99/koojai/pkg/provider/llm"
	"github.com/MrWong99/koojai/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/koojai/pkg/provider/llm/openai"
	"github.com/MrWong99/koojai/pkg/provider/s2s"
	geminilive "github.com/MrWong99/koojai/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/koojai/pkg/provider/s2s/openai"
)

// Providers holds the external collaborators of the engine. LLM and Output
// may be nil: without an LLM sessions are not analysed, without an Output the
// assistant is silent (useful on headless hosts and in tests).
type Providers struct {
	S2S     s2s.Provider
	LLM     llm.Provider
	Capture audio.CaptureDevice
	Output  audio.OutputDevice
}

// BuildProviders instantiates the providers named in cfg. Audio devices are
// the PortAudio adapters; nothing touches the native library until a session
// starts.
func BuildProviders(cfg *config.Config) (*Providers, error) {
	speech, err := NewSpeechProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}
	model, err := NewAnalysisLLM(cfg.Analysis)
	if err != nil {
		return nil, err
	}
	return &Providers{
		S2S:     speech,
		LLM:     model,
		Capture: &portaudio.CaptureDevice{Name: cfg.Audio.InputDevice},
		Output:  &portaudio.OutputDevice{Name: cfg.Audio.OutputDevice},
	}, nil
}

// NewSpeechProvider returns the realtime speech endpoint selected by pc.Name.
func NewSpeechProvider(pc config.ProviderConfig) (s2s.Provider, error) {
	switch pc.Name {
	case config.ProviderGeminiLive:
		var opts []geminilive.Option
		if pc.Model != "" {
			opts = append(opts, geminilive.WithModel(pc.Model))
		}
		if pc.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(pc.BaseURL))
		}
		return geminilive.New(pc.APIKey, opts...), nil
	case config.ProviderOpenAIRealtime:
		var opts []oais2s.Option
		if pc.Model != "" {
			opts = append(opts, oais2s.WithModel(pc.Model))
		}
		if pc.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(pc.BaseURL))
		}
		return oais2s.New(pc.APIKey, opts...), nil
	default:
		return nil, fmt.Errorf("app: unknown speech provider %q", pc.Name)
	}
}

// NewAnalysisLLM returns the model used for end-of-session analysis, or nil
// when ac.Provider is empty. "openai" uses the official SDK; every other name
// goes through any-llm-go.
func NewAnalysisLLM(ac config.AnalysisConfig) (llm.Provider, error) {
	switch ac.Provider {
	case "":
		return nil, nil
	case "openai":
		var opts []oaillm.Option
		if ac.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(ac.BaseURL))
		}
		if ac.Timeout > 0 {
			opts = append(opts, oaillm.WithTimeout(ac.Timeout))
		}
		p, err := oaillm.New(ac.APIKey, ac.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: analysis llm: %w", err)
		}
		return p, nil
	default:
		var opts []anyllmlib.Option
		if ac.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(ac.APIKey))
		}
		if ac.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(ac.BaseURL))
		}
		p, err := anyllm.New(ac.Provider, ac.Model, opts...)
		if err != nil {
			return nil, fmt.Errorf("app: analysis llm: %w", err)
		}
		return p, nil
	}
}
