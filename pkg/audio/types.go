package audio

import (
	"fmt"
	"time"
)

// Frame is a single block of mono audio flowing through the pipeline.
// Frames are the atomic unit of audio transport: produced by the capture clock
// or by the decoder and consumed by the meter, the encoder and the playback
// scheduler. A Frame is immutable once produced; it is passed by value and
// its Samples slice is never written after construction.
type Frame struct {
	// Samples holds mono samples in the range [-1, 1].
	Samples []float32

	// SampleRate in Hz (e.g., 16000 for capture, 24000 for playback).
	SampleRate int

	// Seq is assigned by the producer and increases monotonically per stream.
	Seq uint64
}

// Duration reports how long the frame plays at its sample rate.
// A frame with a non-positive rate has zero duration.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// EncodedFrame is the wire form of a captured frame: signed 16-bit
// little-endian PCM tagged with its rate.
type EncodedFrame struct {
	// Data holds little-endian int16 samples.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// MIMEType is the content type announced to the remote endpoint,
	// e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Seq is copied from the source frame.
	Seq uint64
}

// PCMMimeType returns the content type for raw 16-bit PCM at rate.
func PCMMimeType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
