package audio

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, or either rate is invalid, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Downmix averages interleaved multi-channel float samples into mono.
// A trailing partial frame is ignored. Mono input is returned unchanged.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Upmix writes each mono sample of src as channels interleaved copies into
// dst, the layout most output devices expect, and returns the number of dst
// samples written. Frames that do not fit in dst are dropped.
func Upmix(dst, src []float32, channels int) int {
	if channels <= 1 {
		return copy(dst, src)
	}
	n := min(len(src), len(dst)/channels)
	for i, s := range src[:n] {
		for ch := range channels {
			dst[i*channels+ch] = s
		}
	}
	return n * channels
}
