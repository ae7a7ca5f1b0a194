package app_test

import (
	"testing"

	"github.com/MrWong99/koojai/internal/app"
	"github.com/MrWong99/koojai/internal/config"
	geminilive "github.com/MrWong99/koojai/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/koojai/pkg/provider/s2s/openai"
)

func TestNewSpeechProvider(t *testing.T) {
	t.Parallel()

	p, err := app.NewSpeechProvider(config.ProviderConfig{Name: config.ProviderGeminiLive, APIKey: "k"})
	if err != nil {
		t.Fatalf("gemini: %v", err)
	}
	if _, ok := p.(*geminilive.Provider); !ok {
		t.Errorf("gemini-live built %T", p)
	}

	p, err = app.NewSpeechProvider(config.ProviderConfig{Name: config.ProviderOpenAIRealtime, APIKey: "k", Model: "gpt-realtime"})
	if err != nil {
		t.Fatalf("openai: %v", err)
	}
	if _, ok := p.(*oais2s.Provider); !ok {
		t.Errorf("openai-realtime built %T", p)
	}

	if _, err := app.NewSpeechProvider(config.ProviderConfig{Name: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNewAnalysisLLM(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     config.AnalysisConfig
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: config.AnalysisConfig{}, wantNil: true},
		{name: "openai", cfg: config.AnalysisConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "sk-test"}},
		{name: "openai without key", cfg: config.AnalysisConfig{Provider: "openai", Model: "gpt-4o-mini"}, wantErr: true},
		{name: "anthropic via any-llm", cfg: config.AnalysisConfig{Provider: "anthropic", Model: "claude-3-5-haiku-latest", APIKey: "sk-ant-test"}},
		{name: "unsupported", cfg: config.AnalysisConfig{Provider: "fakecloud", Model: "m", APIKey: "k"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := app.NewAnalysisLLM(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAnalysisLLM: %v", err)
			}
			if (p == nil) != tt.wantNil {
				t.Errorf("provider = %v, wantNil %v", p, tt.wantNil)
			}
		})
	}
}
