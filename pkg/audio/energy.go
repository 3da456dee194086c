package audio

import "math"

// RMS returns the root-mean-square energy of mono float32 samples.
// The result is in the same [0, 1] scale as the samples; 0 for empty input.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
