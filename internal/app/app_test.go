package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/koojai/internal/app"
	"github.com/MrWong99/koojai/internal/config"
	"github.com/MrWong99/koojai/internal/observe"
	"github.com/MrWong99/koojai/pkg/audio"
	audiomock "github.com/MrWong99/koojai/pkg/audio/mock"
	"github.com/MrWong99/koojai/pkg/memory"
	"github.com/MrWong99/koojai/pkg/provider/llm"
	llmmock "github.com/MrWong99/koojai/pkg/provider/llm/mock"
	"github.com/MrWong99/koojai/pkg/provider/s2s"
	s2smock "github.com/MrWong99/koojai/pkg/provider/s2s/mock"
	"github.com/MrWong99/koojai/pkg/types"
)

const report = `{
  "severity_level": "LOW",
  "problem_category": ["school"],
  "summary": "Worried about a maths exam.",
  "recommendation": "Ask how it went.",
  "memory_for_next_session": "Had a maths exam coming up.",
  "healing_quote": "One step at a time."
}`

// testConfig returns a defaulted config for a Gemini endpoint.
func testConfig() *config.Config {
	cfg := &config.Config{
		Server: config.ServerConfig{
			ListenAddr:      "127.0.0.1:0",
			ShutdownTimeout: 2 * time.Second,
		},
		Provider: config.ProviderConfig{
			Name:   config.ProviderGeminiLive,
			APIKey: "test-key",
		},
		Audio:   config.AudioConfig{FrameSize: 256},
		Session: config.SessionConfig{UserID: "student-1"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

type harness struct {
	app    *app.App
	srv    *httptest.Server
	speech *s2smock.Provider
	mic    *audiomock.CaptureDevice
	out    *audiomock.OutputDevice
	model  *llmmock.Provider
	store  *memory.MemStore
}

func newHarness(t *testing.T, mutate func(*app.Providers)) *harness {
	t.Helper()
	h := &harness{
		speech: &s2smock.Provider{},
		mic:    &audiomock.CaptureDevice{},
		out:    &audiomock.OutputDevice{},
		model:  &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: report}},
		store:  memory.NewMemStore(),
	}
	providers := &app.Providers{S2S: h.speech, LLM: h.model, Capture: h.mic, Output: h.out}
	if mutate != nil {
		mutate(providers)
	}

	var err error
	h.app, err = app.New(context.Background(), testConfig(), providers,
		app.WithMemoryStore(h.store),
		app.WithMetrics(mustMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.srv = httptest.NewServer(h.app.Handler())
	t.Cleanup(func() {
		h.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.app.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	out := map[string]any{}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
			t.Fatalf("decode %s: %v", buf.String(), err)
		}
	}
	return resp.StatusCode, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ── Construction ─────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Fatal("expected error without speech provider and capture device")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Fatal("expected error for nil providers")
	}
}

func TestNew_RejectsUnknownAssistantScript(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Transcript.AssistantScript = "Klingon"
	_, err := app.New(context.Background(), cfg, &app.Providers{S2S: &s2smock.Provider{}, Capture: &audiomock.CaptureDevice{}})
	if err == nil {
		t.Fatal("expected error for unknown script")
	}
}

// ── HTTP API ─────────────────────────────────────────────────────────────────

func TestHTTP_SessionLifecycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodGet, "/session", "")
	if status != http.StatusOK {
		t.Fatalf("GET /session = %d", status)
	}
	if sess := body["session"].(map[string]any); sess["state"] != "idle" {
		t.Errorf("initial state = %v, want idle", sess["state"])
	}

	status, body = h.do(t, http.MethodPost, "/session/start", `{"user_id":"student-7"}`)
	if status != http.StatusOK {
		t.Fatalf("POST /session/start = %d %v", status, body)
	}
	if body["state"] != "live" || body["user_id"] != "student-7" || body["id"] == "" {
		t.Errorf("start response = %v", body)
	}
	if got := h.speech.OpenCount(); got != 1 {
		t.Errorf("Open calls = %d, want 1", got)
	}

	status, body = h.do(t, http.MethodPost, "/session/stop", "")
	if status != http.StatusOK || body["state"] != "idle" {
		t.Errorf("POST /session/stop = %d %v", status, body)
	}
	if ch := h.speech.Last(); ch.Closes() != 1 {
		t.Errorf("channel closed %d times, want 1", ch.Closes())
	}
}

func TestHTTP_StartWithoutBodyUsesDefaultUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	status, body := h.do(t, http.MethodPost, "/session/start", "")
	if status != http.StatusOK {
		t.Fatalf("POST /session/start = %d %v", status, body)
	}
	if body["user_id"] != "student-1" {
		t.Errorf("user_id = %v, want student-1", body["user_id"])
	}
}

func TestHTTP_StartErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*app.Providers)
		body   string
		want   int
	}{
		{
			name: "invalid json",
			body: `{"user_id":`,
			want: http.StatusBadRequest,
		},
		{
			name: "microphone unavailable",
			mutate: func(p *app.Providers) {
				p.Capture = &audiomock.CaptureDevice{OpenError: errors.New("permission denied")}
			},
			want: http.StatusServiceUnavailable,
		},
		{
			name: "remote unreachable",
			mutate: func(p *app.Providers) {
				p.S2S = &s2smock.Provider{OpenErr: errors.New("dial tcp: connection refused")}
			},
			want: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.mutate)
			status, body := h.do(t, http.MethodPost, "/session/start", tt.body)
			if status != tt.want {
				t.Errorf("status = %d, want %d (%v)", status, tt.want, body)
			}
			if body["error"] == "" || body["error"] == nil {
				t.Errorf("missing error message: %v", body)
			}
			if got := h.app.Controller().State().String(); got != "idle" {
				t.Errorf("state after failed start = %s, want idle", got)
			}
		})
	}
}

func TestHTTP_TranscriptVisibleDuringSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if status, body := h.do(t, http.MethodPost, "/session/start", ""); status != http.StatusOK {
		t.Fatalf("start = %d %v", status, body)
	}
	ch := h.speech.Last()
	ch.Emit(s2s.Event{Type: s2s.EventTranscript, Text: "Hello", Speaker: types.SpeakerUser})
	ch.Emit(s2s.Event{Type: s2s.EventTranscript, Text: "Hi there", Speaker: types.SpeakerAssistant})

	waitFor(t, "two turns", func() bool { return len(h.app.Controller().Transcript()) == 2 })

	_, body := h.do(t, http.MethodGet, "/session", "")
	turns, _ := body["transcript"].([]any)
	if len(turns) != 2 {
		t.Fatalf("transcript = %v", body["transcript"])
	}
	first := turns[0].(map[string]any)
	if first["speaker"] != "user" || first["text"] != "Hello" {
		t.Errorf("first turn = %v", first)
	}
}

func TestHTTP_FinishedSessionIsAnalysedAndRemembered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	if status, body := h.do(t, http.MethodPost, "/session/start", `{"user_id":"student-9"}`); status != http.StatusOK {
		t.Fatalf("start = %d %v", status, body)
	}
	ch := h.speech.Last()
	ch.Emit(s2s.Event{Type: s2s.EventTranscript, Text: "I have an exam tomorrow", Speaker: types.SpeakerUser})
	waitFor(t, "user turn", func() bool { return len(h.app.Controller().Transcript()) == 1 })

	if status, _ := h.do(t, http.MethodPost, "/session/stop", ""); status != http.StatusOK {
		t.Fatalf("stop = %d", status)
	}

	waitFor(t, "stored report", func() bool {
		reports, _ := h.store.Reports(context.Background(), "student-9", 0)
		return len(reports) == 1
	})
	if calls := h.model.Calls(); !strings.Contains(calls[0].Req.Prompt, "I have an exam tomorrow") {
		t.Errorf("analysis prompt does not contain the log: %q", calls[0].Req.Prompt)
	}

	resp, err := http.Get(h.srv.URL + "/reports/student-9?limit=5")
	if err != nil {
		t.Fatalf("GET /reports: %v", err)
	}
	defer resp.Body.Close()
	var reports []memory.Report
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		t.Fatalf("decode reports: %v", err)
	}
	if len(reports) != 1 || reports[0].Severity != memory.SeverityLow {
		t.Errorf("reports = %+v", reports)
	}

	// The next session starts with the remembered context.
	if status, body := h.do(t, http.MethodPost, "/session/start", `{"user_id":"student-9"}`); status != http.StatusOK {
		t.Fatalf("second start = %d %v", status, body)
	}
	if got := h.speech.OpenCalls[1].Cfg.Instructions; !strings.Contains(got, "Had a maths exam coming up.") {
		t.Errorf("instructions do not carry memory:\n%s", got)
	}
}

func TestHTTP_ReportsBadLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if status, _ := h.do(t, http.MethodGet, "/reports/student-1?limit=abc", ""); status != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", status)
	}
}

func TestHTTP_HealthChecks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(h.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

// ── Serve / Shutdown ─────────────────────────────────────────────────────────

func TestServe_StartsSpeakerAndStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Serve(ctx, ln) }()

	waitFor(t, "speaker started", func() bool { return h.out.Pull(64) != nil })
	if got := h.out.Format.SampleRate; got != config.DefaultOutputSampleRate {
		t.Errorf("output rate = %d, want %d", got, config.DefaultOutputSampleRate)
	}

	resp, err := http.Get("http://" + ln.Addr().String() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if err := h.app.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.out.CallCountStop != 1 {
		t.Errorf("output stopped %d times, want 1", h.out.CallCountStop)
	}
}

func TestServe_BreathesWhileIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.app.Serve(ctx, ln) }()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("no breath event: %v", err)
		}
		if ev["type"] != "breath" {
			continue
		}
		pulse, _ := ev["pulse"].(float64)
		if pulse < 0.95 || pulse > 1.05 {
			t.Errorf("pulse = %v, want within 1±0.05", pulse)
		}
		return
	}
}

func TestServe_IdleDecaysVolumeLeftBySession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(p *app.Providers) {
		p.Capture = &audiomock.CaptureDevice{NewStream: func() audio.CaptureStream { return audiomock.NewCaptureStream(0.05) }}
	})
	level := func() float64 { return h.app.Controller().Smoother().Level(types.SpeakerUser) }

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.app.Serve(ctx, ln) }()

	if status, _ := h.do(t, http.MethodPost, "/session/start", ""); status != http.StatusOK {
		t.Fatalf("start = %d", status)
	}
	waitFor(t, "user volume", func() bool { return level() > 0.2 })
	if status, _ := h.do(t, http.MethodPost, "/session/stop", ""); status != http.StatusOK {
		t.Fatalf("stop = %d", status)
	}

	atStop := level()
	waitFor(t, "idle decay", func() bool { return level() < atStop*0.9 })
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if status, _ := h.do(t, http.MethodPost, "/session/start", ""); status != http.StatusOK {
		t.Fatalf("start = %d", status)
	}
	for range 2 {
		if err := h.app.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
	if got := h.app.Controller().State().String(); got != "idle" {
		t.Errorf("state after shutdown = %s", got)
	}
}

func TestNew_PersistsReportsToConfiguredFile(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Memory.Path = filepath.Join(t.TempDir(), "reports.jsonl")

	prior, err := memory.OpenFileStore(cfg.Memory.Path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := prior.SaveReport(context.Background(), "student-1", memory.Report{MemoryForNextSession: "Loves football."}); err != nil {
		t.Fatal(err)
	}

	speech := &s2smock.Provider{}
	a, err := app.New(context.Background(), cfg, &app.Providers{S2S: speech, Capture: &audiomock.CaptureDevice{}},
		app.WithMetrics(mustMetrics(t)),
		app.WithGatherer(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if _, err := a.Controller().Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := speech.OpenCalls[0].Cfg.Instructions; !strings.Contains(got, "Loves football.") {
		t.Errorf("instructions do not carry stored memory:\n%s", got)
	}
}

func mustMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}
