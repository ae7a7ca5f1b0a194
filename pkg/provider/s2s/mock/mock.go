// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Open calls and hand out controlled channels. Use
// Channel to inspect the frames the engine sent and to inject remote events.
//
// Example:
//
//	ch := mock.NewChannel(16)
//	p := &mock.Provider{Channel: ch}
//	c, _ := p.Open(ctx, cfg)
//	ch.Emit(s2s.Event{Type: s2s.EventInterrupted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/provider/s2s"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Open.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Channel is returned by Open. If nil, Open returns a fresh Channel built
	// by NewChannel(64).
	Channel *Channel

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// Opened holds every channel handed out by Open.
	Opened []*Channel
}

// Open records the call and returns Channel, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg s2s.SessionConfig) (s2s.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	ch := p.Channel
	if ch == nil {
		ch = NewChannel(64)
	}
	p.Opened = append(p.Opened, ch)
	return ch, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// OpenCount returns the number of Open calls. Thread-safe.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.OpenCalls)
}

// Last returns the most recently opened channel, or nil.
func (p *Provider) Last() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Opened) == 0 {
		return nil
	}
	return p.Opened[len(p.Opened)-1]
}

var _ s2s.Provider = (*Provider)(nil)

// Channel is a mock implementation of s2s.Channel. Remote events are injected
// with Emit; Finish closes the event stream as a remote hang-up would.
type Channel struct {
	mu sync.Mutex

	events   chan s2s.Event
	done     chan struct{}
	finished bool

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// Sent records a copy of every frame passed to Send.
	Sent []audio.EncodedFrame

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewChannel returns a Channel whose event stream buffers up to buffer events.
func NewChannel(buffer int) *Channel {
	return &Channel{
		events: make(chan s2s.Event, buffer),
		done:   make(chan struct{}),
	}
}

// Send records the frame and returns SendErr, or s2s.ErrClosed after Close.
func (c *Channel) Send(_ context.Context, frame audio.EncodedFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CloseCallCount > 0 {
		return s2s.ErrClosed
	}
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	c.Sent = append(c.Sent, cp)
	return c.SendErr
}

// Events returns the injected event stream.
func (c *Channel) Events() <-chan s2s.Event { return c.events }

// Close records the call and returns CloseErr. The event stream stays open;
// consumers stop reading on their own context.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CloseCallCount == 0 {
		close(c.done)
	}
	c.CloseCallCount++
	return c.CloseErr
}

// Emit delivers ev on the event stream. It returns false if the channel was
// closed locally or finished before the event could be delivered.
func (c *Channel) Emit(ev s2s.Event) bool {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Finish emits an s2s.EventClosed carrying err and closes the event stream.
// Must not be called concurrently with Emit.
func (c *Channel) Finish(err error) {
	c.Emit(s2s.Event{Type: s2s.EventClosed, Err: err})
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.finished = true
		close(c.events)
	}
}

// SentCount returns the number of recorded frames. Thread-safe.
func (c *Channel) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

// SentFrames returns a copy of the recorded frames. Thread-safe.
func (c *Channel) SentFrames() []audio.EncodedFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.EncodedFrame(nil), c.Sent...)
}

// Closes returns CloseCallCount. Thread-safe.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

var _ s2s.Channel = (*Channel)(nil)
