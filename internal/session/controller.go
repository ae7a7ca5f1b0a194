package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/koojai/internal/observe"
	"github.com/MrWong99/koojai/internal/resilience"
	"github.com/MrWong99/koojai/internal/transcript"
	"github.com/MrWong99/koojai/internal/visual"
	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/audio/capture"
	"github.com/MrWong99/koojai/pkg/audio/playback"
	"github.com/MrWong99/koojai/pkg/memory"
	"github.com/MrWong99/koojai/pkg/provider/s2s"
	"github.com/MrWong99/koojai/pkg/types"
)

const (
	// AssistantLevel is the loudness reported for every inbound audio frame.
	AssistantLevel = 0.5

	// DefaultUserID is used when neither Start nor [Config] names a user.
	DefaultUserID = "default"

	defaultOutputSampleRate = 24000
	defaultFinalizeTimeout  = 2 * time.Minute
)

// Config holds the dependencies and tuning of a [Controller]. Capture,
// Provider and Scheduler are required; everything else is optional.
type Config struct {
	// Capture is the microphone. A fresh stream is opened per session.
	Capture audio.CaptureDevice

	// Provider opens the remote channel.
	Provider s2s.Provider

	// Scheduler plays assistant audio. It outlives sessions; the controller
	// only drains it.
	Scheduler *playback.Scheduler

	// Voice selects the assistant voice.
	Voice types.VoiceProfile

	// Instructions is the persona. [MemoryPlaceholder] is replaced with the
	// user's prior-session memory. Defaults to [DefaultInstructions].
	Instructions string

	// MemoryFallback replaces the placeholder when there is no memory.
	// Defaults to [DefaultMemoryFallback].
	MemoryFallback string

	// UserID is the default user for Start calls that name none.
	UserID string

	// Memory supplies prior-session context.
	Memory memory.Store

	// Finalizer receives the transcript after each session.
	Finalizer Finalizer

	// FinalizeTimeout bounds one Finalize call. Default: 2m.
	FinalizeTimeout time.Duration

	// Visualizer and Transcripts are the UI sinks.
	Visualizer  VisualizerSink
	Transcripts TranscriptSink

	// OnStateChange is called after every lifecycle transition. It must not
	// block.
	OnStateChange func(Info)

	// Cleaner filters assistant transcript deltas.
	Cleaner *transcript.Cleaner

	// UserLabel and AssistantLabel name the speakers in the finalised log.
	UserLabel      string
	AssistantLabel string

	// SampleRate, FrameSize and CaptureBuffer configure the capture clock.
	// Zero values use the capture package defaults.
	SampleRate    int
	FrameSize     int
	CaptureBuffer int

	// OutputSampleRate is the rate decoded frames are converted to.
	// Default: 24000.
	OutputSampleRate int

	// VolumeGain boosts capture RMS before display. Default:
	// [audio.DefaultDisplayGain].
	VolumeGain float64

	// Breaker tunes the send circuit breaker.
	Breaker resilience.CircuitBreakerConfig

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Info describes the current or most recent session.
type Info struct {
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// Controller runs at most one session at a time. All exported methods are
// safe for concurrent use.
type Controller struct {
	cfg      Config
	metrics  *observe.Metrics
	smoother *visual.Smoother
	breaker  *resilience.CircuitBreaker

	// ctl serialises Start and Stop. It is held across the connect, so Stop
	// aborts a pending connect through abort before taking it.
	ctl sync.Mutex

	mu    sync.Mutex
	state State
	cur   *run
	last  *run
	abort context.CancelFunc

	// bg tracks finalizers and remote-close teardowns.
	bg sync.WaitGroup
}

// run is the state of one session. Everything in it is torn down together.
type run struct {
	id        string
	userID    string
	startedAt time.Time

	clock     *capture.Clock
	ch        s2s.Channel
	decoder   *audio.Decoder
	assembler *transcript.Assembler

	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendWarn sync.Once
}

// New validates cfg and returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Capture == nil {
		errs = append(errs, errors.New("session: capture device is required"))
	}
	if cfg.Provider == nil {
		errs = append(errs, errors.New("session: provider is required"))
	}
	if cfg.Scheduler == nil {
		errs = append(errs, errors.New("session: playback scheduler is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Instructions == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.MemoryFallback == "" {
		cfg.MemoryFallback = DefaultMemoryFallback
	}
	if cfg.UserID == "" {
		cfg.UserID = DefaultUserID
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = defaultFinalizeTimeout
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = defaultOutputSampleRate
	}
	if cfg.VolumeGain <= 0 {
		cfg.VolumeGain = audio.DefaultDisplayGain
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "s2s-send"
	}
	if cfg.Breaker.OnStateChange == nil {
		name := cfg.Breaker.Name
		cfg.Breaker.OnStateChange = func(from, to resilience.State) {
			slog.Warn("session: send breaker changed state", "breaker", name, "from", from, "to", to)
		}
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}

	return &Controller{
		cfg:      cfg,
		metrics:  m,
		smoother: visual.NewSmoother(),
		breaker:  resilience.NewCircuitBreaker(cfg.Breaker),
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns the current session, or the most recent one when idle.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{State: c.state}
	r := c.cur
	if r == nil {
		r = c.last
	}
	if r != nil {
		info.ID, info.UserID, info.StartedAt = r.id, r.userID, r.startedAt
	}
	return info
}

// Transcript returns the turns of the current session, or of the most recent
// one when idle.
func (c *Controller) Transcript() []transcript.Turn {
	c.mu.Lock()
	r := c.cur
	if r == nil {
		r = c.last
	}
	c.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.assembler.Turns()
}

// Smoother exposes the per-speaker levels for display-rate readers.
func (c *Controller) Smoother() *visual.Smoother { return c.smoother }

// DecayIdle moves both indicator levels one decay step toward rest, but only
// while no session is running. It returns the new levels and whether a step
// was taken. Call it once per display tick.
func (c *Controller) DecayIdle() (user, assistant float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return 0, 0, false
	}
	c.smoother.Decay()
	return c.smoother.Level(types.SpeakerUser), c.smoother.Level(types.SpeakerAssistant), true
}

// Start begins a session for userID (empty uses the configured default). A
// running session is stopped first. On failure the controller is back in
// Idle and the error wraps [ErrSessionStartFailed].
func (c *Controller) Start(ctx context.Context, userID string) (Info, error) {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	if c.State() != StateIdle {
		if err := c.stopLocked(ctx, "restart"); err != nil {
			slog.Warn("session: stop before restart", "err", err)
		}
	}
	if userID == "" {
		userID = c.cfg.UserID
	}

	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.start", attribute.String("user_id", userID))

	connectCtx, abort := context.WithCancel(ctx)
	defer abort()
	c.mu.Lock()
	c.state = StateConnecting
	c.abort = abort
	c.mu.Unlock()
	c.notifyState()

	// Every session's indicator starts from rest.
	c.smoother.Reset()
	r, err := c.connect(connectCtx, userID)

	c.mu.Lock()
	c.abort = nil
	if err != nil {
		c.state = StateIdle
	} else {
		c.state = StateLive
		c.cur = r
	}
	c.mu.Unlock()
	c.notifyState()

	c.metrics.RecordSessionStart(ctx, err, time.Since(start))
	if err != nil {
		observe.EndSpan(span, err)
		observe.Logger(ctx).Warn("session: start failed", "user_id", userID, "err", err)
		return Info{State: StateIdle}, err
	}

	c.metrics.ActiveSessions.Add(ctx, 1)
	span.SetAttributes(attribute.String("session.id", r.id))
	observe.EndSpan(span, nil)
	observe.Logger(observe.WithSession(ctx, r.id)).Info("session started",
		"user_id", userID,
		"voice", c.cfg.Voice.ID,
		"took", time.Since(start),
	)
	return Info{ID: r.id, UserID: userID, State: StateLive, StartedAt: r.startedAt}, nil
}

// connect acquires the microphone, opens the remote channel and launches the
// pipeline goroutines. Nothing is left running on error.
func (c *Controller) connect(ctx context.Context, userID string) (*run, error) {
	instructions := BuildInstructions(c.cfg.Instructions, c.priorContext(ctx, userID), c.cfg.MemoryFallback)

	opts := []capture.Option{
		capture.WithOnFrame(func() { c.metrics.FramesCaptured.Add(context.Background(), 1) }),
		capture.WithOnDrop(func() { c.metrics.RecordDrop(context.Background(), observe.DropCaptureOverflow) }),
	}
	if c.cfg.SampleRate > 0 {
		opts = append(opts, capture.WithSampleRate(c.cfg.SampleRate))
	}
	if c.cfg.FrameSize > 0 {
		opts = append(opts, capture.WithFrameSize(c.cfg.FrameSize))
	}
	if c.cfg.CaptureBuffer > 0 {
		opts = append(opts, capture.WithBuffer(c.cfg.CaptureBuffer))
	}
	clock := capture.New(c.cfg.Capture, opts...)

	frames, err := clock.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionStartFailed, err)
	}

	ch, err := c.cfg.Provider.Open(ctx, s2s.SessionConfig{
		Voice:           c.cfg.Voice,
		Instructions:    instructions,
		InputSampleRate: clock.Format().SampleRate,
	})
	if err == nil && ctx.Err() != nil {
		_ = ch.Close()
		err = fmt.Errorf("%w: %w", s2s.ErrConnect, ctx.Err())
	}
	if err != nil {
		if serr := clock.Stop(); serr != nil {
			slog.Warn("session: release capture after failed connect", "err", serr)
		}
		if !errors.Is(err, s2s.ErrConnect) {
			err = fmt.Errorf("%w: %w", s2s.ErrConnect, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionStartFailed, err)
	}

	asmOpts := []transcript.Option{transcript.WithCleaner(c.cfg.Cleaner)}
	if c.cfg.UserLabel != "" || c.cfg.AssistantLabel != "" {
		asmOpts = append(asmOpts, transcript.WithLabels(labelOr(c.cfg.UserLabel, "User"), labelOr(c.cfg.AssistantLabel, "AI")))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:        uuid.NewString(),
		userID:    userID,
		startedAt: time.Now().UTC(),
		clock:     clock,
		ch:        ch,
		decoder:   &audio.Decoder{Target: audio.Format{SampleRate: c.cfg.OutputSampleRate, Channels: 1}},
		assembler: transcript.NewAssembler(asmOpts...),
		cancel:    cancel,
	}
	c.breaker.Reset()

	r.wg.Add(2)
	go c.uplink(runCtx, r, frames)
	go c.downlink(runCtx, r)
	return r, nil
}

func (c *Controller) priorContext(ctx context.Context, userID string) string {
	if c.cfg.Memory == nil {
		return ""
	}
	mem, err := c.cfg.Memory.PriorContext(ctx, userID)
	if err != nil {
		slog.Warn("session: load prior context, continuing without", "user_id", userID, "err", err)
		return ""
	}
	return mem
}

// Stop ends the running session. It is a no-op when idle and aborts a
// pending connect. The transcript is handed to the [Finalizer] in the
// background.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.abort != nil {
		c.abort()
	}
	c.mu.Unlock()

	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.stopLocked(ctx, "requested")
}

// Close stops the running session and waits for pending finalizers.
func (c *Controller) Close() error {
	err := c.Stop(context.Background())
	c.bg.Wait()
	return err
}

// stopLocked tears down the current session. The caller holds ctl.
func (c *Controller) stopLocked(ctx context.Context, reason string) error {
	c.mu.Lock()
	r := c.cur
	if r == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()
	c.notifyState()

	ctx = observe.WithSession(context.WithoutCancel(ctx), r.id)
	ctx, span := observe.StartSpan(ctx, "session.stop", attribute.String("reason", reason))

	r.cancel()
	var errs []error
	if err := r.clock.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := r.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session: close channel: %w", err))
	}
	r.wg.Wait()
	if err := c.cfg.Scheduler.Reset(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session: reset playback: %w", err))
	}

	c.mu.Lock()
	c.cur = nil
	c.last = r
	c.state = StateIdle
	c.mu.Unlock()
	c.notifyState()

	c.metrics.ActiveSessions.Add(ctx, -1)
	if c.cfg.Visualizer != nil {
		c.cfg.Visualizer.Volume(c.smoother.Level(types.SpeakerUser), types.SpeakerUser, false)
		c.cfg.Visualizer.Volume(c.smoother.Level(types.SpeakerAssistant), types.SpeakerAssistant, false)
	}

	observe.Logger(ctx).Info("session stopped",
		"reason", reason,
		"turns", r.assembler.Len(),
		"duration", time.Since(r.startedAt),
	)
	c.finalize(r)

	err := errors.Join(errs...)
	observe.EndSpan(span, err)
	return err
}

// finalize hands the transcript of r to the Finalizer without blocking.
func (c *Controller) finalize(r *run) {
	if c.cfg.Finalizer == nil || r.assembler.Len() == 0 {
		return
	}
	log := r.assembler.Log()
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinalizeTimeout)
		defer cancel()
		start := time.Now()
		err := c.cfg.Finalizer.Finalize(ctx, r.userID, log)
		c.metrics.RecordAnalysis(ctx, err, time.Since(start))
		if err != nil {
			slog.Warn("session: finalize failed", "session_id", r.id, "user_id", r.userID, "err", err)
		}
	}()
}

// endRemote stops r after the remote side closed it, unless another session
// has replaced it meanwhile.
func (c *Controller) endRemote(r *run, cause error) {
	defer c.bg.Done()
	c.ctl.Lock()
	defer c.ctl.Unlock()
	c.mu.Lock()
	same := c.cur == r
	c.mu.Unlock()
	if !same {
		return
	}
	reason := "remote closed"
	if cause != nil {
		reason = "remote failed"
	}
	if err := c.stopLocked(context.Background(), reason); err != nil {
		slog.Warn("session: teardown after remote close", "session_id", r.id, "err", err)
	}
}

// ── Pipelines ────────────────────────────────────────────────────────────────

// uplink measures, smooths, encodes and sends captured frames in order.
func (c *Controller) uplink(ctx context.Context, r *run, frames <-chan audio.Frame) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			c.sendFrame(ctx, r, f)
		}
	}
}

func (c *Controller) sendFrame(ctx context.Context, r *run, f audio.Frame) {
	level := audio.DisplayLevel(audio.RMS(f.Samples), c.cfg.VolumeGain)
	smoothed := c.smoother.Update(visual.Sample{Level: level, Source: types.SpeakerUser})
	if c.cfg.Visualizer != nil {
		c.cfg.Visualizer.Volume(smoothed, types.SpeakerUser, true)
	}

	if err := c.breaker.Allow(); err != nil {
		c.metrics.RecordDrop(ctx, observe.DropCircuitOpen)
		return
	}
	err := r.ch.Send(ctx, audio.Encode(f))
	if ctx.Err() != nil {
		return
	}
	c.breaker.Record(err)
	if err != nil {
		c.metrics.SendErrors.Add(ctx, 1)
		c.metrics.RecordDrop(ctx, observe.DropSendError)
		r.sendWarn.Do(func() {
			slog.Warn("session: send failed, dropping frame", "session_id", r.id, "seq", f.Seq, "err", err)
		})
		return
	}
	c.metrics.FramesSent.Add(ctx, 1)
}

// downlink consumes remote events until the channel ends or ctx is cancelled.
func (c *Controller) downlink(ctx context.Context, r *run) {
	defer r.wg.Done()
	events := r.ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == s2s.EventClosed {
				c.remoteClosed(ctx, r, ev.Err)
				return
			}
			c.handleEvent(ctx, r, ev)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, r *run, ev s2s.Event) {
	switch ev.Type {
	case s2s.EventAudio:
		c.playAudio(ctx, r, ev)
	case s2s.EventTranscript:
		if r.assembler.Add(ev.Text, ev.Speaker) && c.cfg.Transcripts != nil {
			c.cfg.Transcripts.Transcript(r.assembler.Turns())
		}
	case s2s.EventInterrupted:
		c.interrupt(ctx, r)
	case s2s.EventTurnComplete:
		slog.Debug("session: assistant turn complete", "session_id", r.id)
	}
}

func (c *Controller) playAudio(ctx context.Context, r *run, ev s2s.Event) {
	if ev.Err != nil {
		slog.Warn("session: drop undecodable audio", "session_id", r.id, "err", ev.Err)
		c.metrics.DecodeErrors.Add(ctx, 1)
		c.metrics.RecordDrop(ctx, observe.DropDecodeError)
		return
	}
	frame, err := r.decoder.Decode(ev.Audio, ev.Format)
	if err != nil {
		c.metrics.DecodeErrors.Add(ctx, 1)
		c.metrics.RecordDrop(ctx, observe.DropDecodeError)
		return
	}
	c.metrics.FramesReceived.Add(ctx, 1)

	entry, err := c.cfg.Scheduler.Submit(ctx, frame)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("session: schedule frame", "session_id", r.id, "seq", frame.Seq, "err", err)
		}
		return
	}
	c.metrics.PlaybackAhead.Record(ctx, (entry.Start - c.cfg.Scheduler.Now()).Seconds())

	level := c.smoother.Update(visual.Sample{Level: AssistantLevel, Source: types.SpeakerAssistant})
	if c.cfg.Visualizer != nil {
		c.cfg.Visualizer.Volume(level, types.SpeakerAssistant, true)
	}
}

func (c *Controller) interrupt(ctx context.Context, r *run) {
	c.setStateIf(StateLive, StateInterrupting)
	n, err := c.cfg.Scheduler.Interrupt(ctx)
	c.setStateIf(StateInterrupting, StateLive)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("session: interrupt playback", "session_id", r.id, "err", err)
		}
		return
	}
	c.metrics.Interruptions.Add(ctx, 1)
	slog.Debug("session: interrupted", "session_id", r.id, "cancelled", n)
}

func (c *Controller) remoteClosed(ctx context.Context, r *run, cause error) {
	if ctx.Err() != nil {
		return
	}
	if cause != nil {
		slog.Warn("session: remote channel failed", "session_id", r.id, "err", cause)
	} else {
		slog.Info("session: remote channel closed", "session_id", r.id)
	}
	c.bg.Add(1)
	go c.endRemote(r, cause)
}

func (c *Controller) setStateIf(from, to State) {
	c.mu.Lock()
	changed := c.state == from
	if changed {
		c.state = to
	}
	c.mu.Unlock()
	if changed {
		c.notifyState()
	}
}

func (c *Controller) notifyState() {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.Info())
	}
}

func labelOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
