package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/koojai/pkg/audio"
)

// maxQuantError is the largest round-trip error introduced by 16-bit quantisation.
const maxQuantError = 1.0 / 32767

func assertRoundTrip(t *testing.T, in []float32) {
	t.Helper()
	pcm := audio.EncodePCM16(in)
	if len(pcm) != len(in)*2 {
		t.Fatalf("encoded length: got %d, want %d", len(pcm), len(in)*2)
	}
	out, err := audio.DecodePCM16(pcm, 1)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("decoded length: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > maxQuantError {
			t.Fatalf("sample %d: got %v, want %v (diff %g)", i, out[i], in[i], d)
		}
	}
}

func TestPCM16_RoundTrip(t *testing.T) {
	t.Parallel()

	t.Run("zeros", func(t *testing.T) {
		assertRoundTrip(t, make([]float32, 4096))
	})

	t.Run("full scale", func(t *testing.T) {
		assertRoundTrip(t, []float32{1, -1, 1, -1, 0.5, -0.5})
	})

	t.Run("random", func(t *testing.T) {
		r := rand.New(rand.NewPCG(1, 2))
		in := make([]float32, 4096)
		for i := range in {
			in[i] = r.Float32()*2 - 1
		}
		assertRoundTrip(t, in)
	})
}

func TestEncodePCM16_Extremes(t *testing.T) {
	pcm := audio.EncodePCM16([]float32{1, -1, 2, -2, 0})
	want := []int16{32767, -32768, 32767, -32768, 0}
	for i, w := range want {
		got := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if got != w {
			t.Errorf("sample %d: got %d, want %d", i, got, w)
		}
	}
}

func TestEncode_Frame(t *testing.T) {
	f := audio.Frame{Samples: make([]float32, 4096), SampleRate: 16000, Seq: 7}
	enc := audio.Encode(f)
	if enc.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want %q", enc.MIMEType, "audio/pcm;rate=16000")
	}
	if enc.SampleRate != 16000 || enc.Seq != 7 {
		t.Errorf("got rate=%d seq=%d, want 16000/7", enc.SampleRate, enc.Seq)
	}
	if len(enc.Data) != 8192 {
		t.Errorf("data length: got %d, want 8192", len(enc.Data))
	}
}

func TestDecodePCM16_Stereo(t *testing.T) {
	pcm := make([]byte, 8)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(int16(16384)))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(int16(0)))
	neg := int16(-16384)
	binary.LittleEndian.PutUint16(pcm[4:], uint16(neg))
	binary.LittleEndian.PutUint16(pcm[6:], uint16(neg))
	out, err := audio.DecodePCM16(pcm, 2)
	if err != nil {
		t.Fatalf("DecodePCM16: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d samples, want 2", len(out))
	}
	if math.Abs(float64(out[0])-0.25) > 1e-3 {
		t.Errorf("sample 0: got %v, want ~0.25", out[0])
	}
	if math.Abs(float64(out[1])+0.5) > 1e-3 {
		t.Errorf("sample 1: got %v, want ~-0.5", out[1])
	}
}

func TestDecoder_Errors(t *testing.T) {
	tests := []struct {
		name string
		pcm  []byte
		src  audio.Format
	}{
		{"odd byte count", []byte{1, 2, 3}, audio.Format{SampleRate: 24000, Channels: 1}},
		{"truncated stereo", []byte{1, 2, 3, 4, 5, 6}, audio.Format{SampleRate: 24000, Channels: 2}},
		{"empty", nil, audio.Format{SampleRate: 24000, Channels: 1}},
		{"zero rate", []byte{0, 0}, audio.Format{SampleRate: 0, Channels: 1}},
		{"negative channels", []byte{0, 0}, audio.Format{SampleRate: 24000, Channels: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &audio.Decoder{Target: audio.Format{SampleRate: 24000, Channels: 1}}
			_, err := d.Decode(tt.pcm, tt.src)
			var de *audio.DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DecodeError, got %v", err)
			}
			if de.Bytes != len(tt.pcm) {
				t.Errorf("DecodeError.Bytes = %d, want %d", de.Bytes, len(tt.pcm))
			}
		})
	}
}

func TestDecoder_ResamplesAndNumbers(t *testing.T) {
	d := &audio.Decoder{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	pcm := audio.EncodePCM16(make([]float32, 1600)) // 100ms at 16 kHz

	f1, err := d.Decode(pcm, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f1.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", f1.SampleRate)
	}
	if len(f1.Samples) != 2400 {
		t.Errorf("got %d samples, want 2400", len(f1.Samples))
	}
	if f1.Duration() != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", f1.Duration())
	}

	f2, err := d.Decode(pcm, audio.Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if f2.Seq != f1.Seq+1 {
		t.Errorf("Seq: got %d, want %d", f2.Seq, f1.Seq+1)
	}
}

func TestFrame_DurationZeroRate(t *testing.T) {
	if d := (audio.Frame{Samples: make([]float32, 10)}).Duration(); d != 0 {
		t.Errorf("Duration = %v, want 0", d)
	}
}
