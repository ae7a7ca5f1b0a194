package audio

import "math"

// DefaultDisplayGain is the boost applied to raw RMS before it reaches the
// visual indicator. Speech RMS rarely exceeds 0.1, so a gain of 10 maps normal
// talking onto most of the [0, 1] display range.
const DefaultDisplayGain = 10.0

// RMS returns the root-mean-square of samples. An empty slice yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DisplayLevel boosts rms by gain and caps the result at 1.
func DisplayLevel(rms, gain float64) float64 {
	v := rms * gain
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
