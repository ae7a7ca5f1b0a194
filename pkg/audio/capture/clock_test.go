package capture_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/koojai/pkg/audio"
	"github.com/MrWong99/koojai/pkg/audio/capture"
	"github.com/MrWong99/koojai/pkg/audio/mock"
)

func TestClock_ProducesFixedSizeFrames(t *testing.T) {
	t.Parallel()

	stream := mock.NewCaptureStream(0.25)
	dev := &mock.CaptureDevice{OpenResult: stream}
	clk := capture.New(dev, capture.WithFrameSize(256))

	frames, err := clk.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer clk.Stop()

	var last uint64
	for i := range 3 {
		select {
		case f := <-frames:
			if len(f.Samples) != 256 {
				t.Fatalf("frame %d: got %d samples, want 256", i, len(f.Samples))
			}
			if f.SampleRate != capture.DefaultSampleRate {
				t.Errorf("frame %d: SampleRate = %d, want %d", i, f.SampleRate, capture.DefaultSampleRate)
			}
			if f.Seq <= last {
				t.Errorf("frame %d: Seq %d not increasing (last %d)", i, f.Seq, last)
			}
			last = f.Seq
			if f.Samples[0] != 0.25 {
				t.Errorf("frame %d: sample = %v, want 0.25", i, f.Samples[0])
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	if len(dev.OpenCalls) != 1 {
		t.Fatalf("Open calls = %d, want 1", len(dev.OpenCalls))
	}
	call := dev.OpenCalls[0]
	if call.FrameSize != 256 || call.Format.SampleRate != 16000 || call.Format.Channels != 1 {
		t.Errorf("unexpected Open call: %+v", call)
	}
}

func TestClock_OpenFailure(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{OpenError: errors.New("permission denied")}
	clk := capture.New(dev)

	_, err := clk.Start(context.Background())
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Fatalf("expected ErrCaptureUnavailable, got %v", err)
	}
	if clk.Running() {
		t.Error("clock should not be running after failed start")
	}
}

func TestClock_StopClosesChannelAndStream(t *testing.T) {
	t.Parallel()

	stream := mock.NewCaptureStream(0)
	clk := capture.New(&mock.CaptureDevice{OpenResult: stream}, capture.WithFrameSize(64))

	frames, err := clk.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := clk.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stream.Closed() {
		t.Error("stream not closed after Stop")
	}

	// Drain whatever was buffered before Stop; the channel must then be closed.
	waitClosed(t, frames)

	// Idempotent.
	if err := clk.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if stream.CallCountClose != 1 {
		t.Errorf("Close calls = %d, want 1", stream.CallCountClose)
	}
}

func waitClosed(t *testing.T, frames <-chan audio.Frame) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("frame channel not closed after Stop")
		}
	}
}

func TestClock_StartTwice(t *testing.T) {
	t.Parallel()

	clk := capture.New(&mock.CaptureDevice{}, capture.WithFrameSize(64))
	if _, err := clk.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer clk.Stop()
	if _, err := clk.Start(context.Background()); !errors.Is(err, capture.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestClock_DropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	var drops atomic.Int64
	stream := &mock.CaptureStream{Level: 0.1}
	clk := capture.New(&mock.CaptureDevice{OpenResult: stream},
		capture.WithFrameSize(16),
		capture.WithBuffer(2),
		capture.WithOnDrop(func() { drops.Add(1) }),
	)

	frames, err := clk.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the producer overrun the two-slot buffer.
	deadline := time.Now().Add(2 * time.Second)
	for drops.Load() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if drops.Load() < 5 {
		t.Fatalf("expected drops while consumer is stalled, got %d", drops.Load())
	}
	if err := clk.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Whatever remains must be the newest frames, still in capture order.
	var seqs []uint64
	for f := range frames {
		seqs = append(seqs, f.Seq)
	}
	if len(seqs) == 0 || len(seqs) > 2 {
		t.Fatalf("got %d buffered frames, want 1..2", len(seqs))
	}
	if seqs[0] <= 2 {
		t.Errorf("oldest frames were not evicted: first remaining seq %d", seqs[0])
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Errorf("frames out of order: %v", seqs)
		}
	}
}

var _ audio.CaptureDevice = (*mock.CaptureDevice)(nil)
