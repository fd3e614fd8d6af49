package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeIn scales the first n frames of an interleaved buffer along a
// smoothstep curve from silence to unity gain. Frames past n are untouched.
func FadeIn(buf []int16, channels, n int) {
	if channels <= 0 || n <= 0 {
		return
	}
	frames := len(buf) / channels
	if n > frames {
		n = frames
	}
	for f := 0; f < n; f++ {
		gain := Smoothstep(float64(f) / float64(n))
		for c := 0; c < channels; c++ {
			i := f*channels + c
			buf[i] = clip16(float64(buf[i]) * gain)
		}
	}
}

func clip16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
