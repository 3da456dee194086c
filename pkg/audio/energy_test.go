package audio

import (
	"math"
	"testing"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []float32
		want    float64
	}{
		{"empty", nil, 0},
		{"silence", make([]float32, 100), 0},
		{"full scale square", []float32{1, -1, 1, -1}, 1},
		{"half scale", []float32{0.5, -0.5}, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := RMS(tt.samples)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("RMS = %v, want %v", got, tt.want)
			}
		})
	}
}
