// Package app wires the koojai subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the playback path, the
// session controller, the UI hub and the HTTP surface; Run serves until the
// context is cancelled; Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and test doubles via
// functional options (WithMemoryStore, WithMetrics, ...). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/koojai/internal/analysis"
	"github.com/MrWong99/koojai/internal/config"
	"github.com/MrWong99/koojai/internal/health"
	"github.com/MrWong99/koojai/internal/observe"
	"github.com/MrWong99/koojai/internal/session"
	"github.com/MrWong99/koojai/internal/transcript"
	"github.com/MrWong99/koojai/internal/ui"
	"github.com/MrWong99/koojai/internal/visual"
	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/audio/playback"
	"github.com/MrWong99/koojai/pkg/memory"
	"github.com/MrWong99/koojai/pkg/types"
)

const (
	// outputFrameSize is the number of samples the speaker pulls per callback.
	outputFrameSize = 1024

	// breathTick is the idle animation frame interval.
	breathTick = 50 * time.Millisecond

	// breathAmplitude scales the idle pulse to ±5%.
	breathAmplitude = 0.05

	// restLevel is the indicator level below which idle decay is no longer
	// broadcast.
	restLevel = 0.001
)

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store     memory.Store
	metrics   *observe.Metrics
	gatherer  prometheus.Gatherer
	timeline  *playback.Timeline
	scheduler *playback.Scheduler
	hub       *ui.Hub
	breather  visual.Breather
	health    *health.Handler
	ctl       *session.Controller
	handler   http.Handler

	outputUp atomic.Bool

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a report store instead of the one named by
// memory.path.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects metric instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served on /metrics. Default:
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from [BuildProviders] in production and from mocks in tests.
//
// New does not touch any audio device. The speaker is started by Run and the
// microphone is opened per session.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.S2S == nil || providers.Capture == nil {
		return nil, errors.New("app: speech provider and capture device are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Ambient ───────────────────────────────────────────────────────
	if a.store == nil {
		if err := a.initMemory(); err != nil {
			return nil, fmt.Errorf("app: init memory: %w", err)
		}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	// ── 2. Playback ──────────────────────────────────────────────────────
	a.timeline = playback.NewTimeline(cfg.Audio.OutputSampleRate)
	a.scheduler = playback.NewScheduler(a.timeline, playback.WithOnUnderrun(func(gap time.Duration) {
		slog.Debug("playback: queue ran dry", "gap", gap)
	}))
	a.closers = append(a.closers, a.scheduler.Close)

	// ── 3. UI hub ────────────────────────────────────────────────────────
	a.hub = ui.NewHub(
		ui.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		ui.WithSnapshot(a.snapshot),
	)

	// ── 4. Session controller ────────────────────────────────────────────
	if err := a.initSession(ctx); err != nil {
		_ = a.scheduler.Close()
		return nil, fmt.Errorf("app: init session: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(health.Checker{
		Name: "memory",
		Check: func(ctx context.Context) error {
			_, err := a.store.Reports(ctx, a.cfg.Session.UserID, 1)
			if errors.Is(err, memory.ErrEmptyUserID) {
				return nil
			}
			return err
		},
	})
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the report store named by memory.path, or an in-memory
// store when none is configured.
func (a *App) initMemory() error {
	if a.cfg.Memory.Path == "" {
		slog.Info("memory.path not set, reports are kept in memory only")
		a.store = memory.NewMemStore()
		return nil
	}
	fs, err := memory.OpenFileStore(a.cfg.Memory.Path)
	if err != nil {
		return err
	}
	a.store = fs
	return nil
}

// initSession builds the transcript cleaner, the finalizer and the controller.
func (a *App) initSession(ctx context.Context) error {
	cleaner, err := transcript.NewCleaner(a.cfg.Transcript.AssistantScript, a.cfg.Transcript.StripReasoningEnabled())
	if err != nil {
		return err
	}

	var finalizer session.Finalizer
	if a.providers.LLM != nil {
		analyzer := analysis.New(a.providers.LLM,
			analysis.WithInstructions(a.cfg.Analysis.Instructions),
			analysis.WithMaxTokens(a.cfg.Analysis.MaxTokens),
		)
		finalizer = analysis.NewRecorder(analyzer, a.store, analysis.WithOnReport(a.hub.Report))
	} else {
		slog.InfoContext(ctx, "analysis disabled, sessions will not be graded")
	}

	ctl, err := session.New(session.Config{
		Capture:   a.providers.Capture,
		Provider:  a.providers.S2S,
		Scheduler: a.scheduler,
		Voice: types.VoiceProfile{
			ID:       a.cfg.Provider.Voice,
			Provider: string(a.cfg.Provider.Name),
		},
		Instructions:     a.cfg.Session.Instructions,
		MemoryFallback:   a.cfg.Session.MemoryFallback,
		UserID:           a.cfg.Session.UserID,
		Memory:           a.store,
		Finalizer:        finalizer,
		FinalizeTimeout:  a.cfg.Analysis.Timeout,
		Visualizer:       a.hub,
		Transcripts:      a.hub,
		OnStateChange:    a.announceState,
		Cleaner:          cleaner,
		UserLabel:        a.cfg.Transcript.UserLabel,
		AssistantLabel:   a.cfg.Transcript.AssistantLabel,
		SampleRate:       a.cfg.Audio.InputSampleRate,
		FrameSize:        a.cfg.Audio.FrameSize,
		CaptureBuffer:    a.cfg.Audio.CaptureBuffer,
		OutputSampleRate: a.cfg.Audio.OutputSampleRate,
		VolumeGain:       a.cfg.Audio.VolumeGain,
		Metrics:          a.metrics,
	})
	if err != nil {
		return err
	}
	a.ctl = ctl
	return nil
}

// startOutput opens the speaker and registers its readiness check. A missing
// speaker is logged, not fatal: sessions still run and transcripts still flow.
func (a *App) startOutput() {
	out := a.providers.Output
	if out == nil {
		slog.Warn("no output device configured, assistant audio will not be played")
		return
	}
	a.health.Add(health.Checker{
		Name: "audio_output",
		Check: func(context.Context) error {
			if !a.outputUp.Load() {
				return errors.New("output device not started")
			}
			return nil
		},
	})
	format := audio.Format{SampleRate: a.cfg.Audio.OutputSampleRate, Channels: 1}
	if err := out.Start(format, outputFrameSize, a.timeline.Render); err != nil {
		slog.Error("failed to start output device", "err", err)
		return
	}
	a.outputUp.Store(true)
	a.closers = append(a.closers, func() error {
		a.outputUp.Store(false)
		return out.Stop()
	})
}

// breathe drives the idle indicator until ctx is done: the volume levels left
// by the last session decay toward rest and the breathing pulse advances.
// Nothing is broadcast while a session runs or nobody is watching.
func (a *App) breathe(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			user, assistant, idle := a.ctl.DecayIdle()
			if !idle || a.hub.Clients() == 0 {
				continue
			}
			if user > restLevel {
				a.hub.Volume(user, types.SpeakerUser, false)
			}
			if assistant > restLevel {
				a.hub.Volume(assistant, types.SpeakerAssistant, false)
			}
			a.breather.Tick()
			a.hub.Breath(a.breather.Pulse(breathAmplitude))
		}
	}
}

// announceState forwards controller transitions to connected UIs.
func (a *App) announceState(info session.Info) {
	a.hub.State(info.State.String(), info.ID)
}

// snapshot is what a freshly connected UI receives: the current state and,
// if any, the transcript so far.
func (a *App) snapshot() []ui.Event {
	info := a.ctl.Info()
	events := []ui.Event{{Type: ui.EventState, State: info.State.String(), SessionID: info.ID}}
	if turns := a.ctl.Transcript(); len(turns) > 0 {
		events = append(events, ui.Event{Type: ui.EventTranscript, Turns: turns})
	}
	return events
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API, /ws and the health checks.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctl }

// Hub returns the UI event hub.
func (a *App) Hub() *ui.Hub { return a.hub }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the speaker and serves HTTP on cfg.Server.ListenAddr until ctx
// is cancelled. It returns nil after a clean shutdown of the server.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.startOutput()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.breathe(gctx, breathTick)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// The hub holds hijacked connections the server does not track.
		a.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the running session, waits for pending analyses (bounded by
// ctx) and releases every subsystem. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		done := make(chan error, 1)
		go func() { done <- a.ctl.Close() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("app: close session: %w", err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("app: close session: %w", ctx.Err()))
		}

		a.hub.Close()
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
