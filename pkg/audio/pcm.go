package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// DecodeError reports an inbound audio buffer that could not be decoded.
// The playback path drops the offending frame and continues.
type DecodeError struct {
	// Bytes is the length of the rejected buffer.
	Bytes int

	// Format is the declared format of the buffer.
	Format Format

	// Reason describes what was wrong with the buffer.
	Reason string
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode %d bytes of %s: %s", e.Bytes, e.Format, e.Reason)
}

// EncodePCM16 converts float samples in [-1, 1] to signed 16-bit little-endian
// PCM. Samples outside the range are clamped. Positive values scale by 32767
// and negative values by 32768 so both extremes map onto the full int16 range.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

// Encode wraps frame as an [EncodedFrame] ready to be sent upstream.
func Encode(frame Frame) EncodedFrame {
	return EncodedFrame{
		Data:       EncodePCM16(frame.Samples),
		SampleRate: frame.SampleRate,
		MIMEType:   PCMMimeType(frame.SampleRate),
		Seq:        frame.Seq,
	}
}

// DecodePCM16 converts interleaved signed 16-bit little-endian PCM with the
// given channel count to mono float samples in [-1, 1]. Multi-channel input is
// averaged down to mono.
func DecodePCM16(pcm []byte, channels int) ([]float32, error) {
	if channels < 1 {
		return nil, &DecodeError{Bytes: len(pcm), Format: Format{Channels: channels}, Reason: "invalid channel count"}
	}
	stride := 2 * channels
	if len(pcm)%stride != 0 {
		return nil, &DecodeError{Bytes: len(pcm), Format: Format{Channels: channels}, Reason: "truncated sample"}
	}
	frames := len(pcm) / stride
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			off := i*stride + ch*2
			sum += int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		out[i] = sum / float32(channels)
	}
	return out, nil
}

// Decoder turns inbound PCM buffers into mono frames at a fixed output rate.
// It logs a warning on the first format mismatch and on the first corrupt
// buffer. Create one per stream; not designed for shared use across goroutines.
type Decoder struct {
	// Target is the output format; only its SampleRate is used since decoded
	// frames are always mono.
	Target Format

	seq            uint64
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Decode converts pcm declared as src into a [Frame] at the target rate.
// Conversion order: channel mixdown first, then resample (avoids resampling
// interleaved channels). A malformed buffer yields a [*DecodeError].
func (d *Decoder) Decode(pcm []byte, src Format) (Frame, error) {
	if src.SampleRate <= 0 {
		return Frame{}, d.corrupt(&DecodeError{Bytes: len(pcm), Format: src, Reason: "invalid sample rate"})
	}
	if len(pcm) == 0 {
		return Frame{}, d.corrupt(&DecodeError{Bytes: 0, Format: src, Reason: "empty buffer"})
	}
	channels := src.Channels
	if channels == 0 {
		channels = 1
	}
	samples, err := DecodePCM16(pcm, channels)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			de.Format.SampleRate = src.SampleRate
			return Frame{}, d.corrupt(de)
		}
		return Frame{}, err
	}

	if src.SampleRate != d.Target.SampleRate || channels != 1 {
		d.warnedMismatch.Do(func() {
			slog.Warn("audio decoder: format mismatch, converting",
				"from", formatString(src.SampleRate, channels),
				"to", formatString(d.Target.SampleRate, 1),
			)
		})
	}
	samples = Resample(samples, src.SampleRate, d.Target.SampleRate)

	d.seq++
	return Frame{Samples: samples, SampleRate: d.Target.SampleRate, Seq: d.seq}, nil
}

func (d *Decoder) corrupt(err *DecodeError) error {
	d.warnedCorrupt.Do(func() {
		slog.Warn("audio decoder: corrupt buffer, dropping frame",
			"bytes", err.Bytes,
			"format", err.Format.String(),
			"reason", err.Reason,
		)
	})
	return err
}

func floatToInt16(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	case s >= 0:
		return int16(math.Round(float64(s) * 32767))
	default:
		return int16(math.Round(float64(s) * 32768))
	}
}

func int16ToFloat(v int16) float32 {
	if v >= 0 {
		return float32(v) / 32767
	}
	return float32(v) / 32768
}
