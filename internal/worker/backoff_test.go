package worker

import (
	"testing"
	"time"
)

func TestComputeDelay_Doubling(t *testing.T) {
	base := 5 * time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{0, 5 * time.Second}, // clamped to first attempt
	}

	for _, tt := range tests {
		if got := computeDelay(tt.attempt, base, 0); got != tt.want {
			t.Errorf("computeDelay(%d, 5s, 0) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestComputeDelay_JitterBounds(t *testing.T) {
	base := 10 * time.Second
	jitter := 0.25
	lo := time.Duration(float64(base) * (1 - jitter))
	hi := time.Duration(float64(base) * (1 + jitter))

	for i := 0; i < 100; i++ {
		got := computeDelay(1, base, jitter)
		if got < lo || got > hi {
			t.Fatalf("computeDelay with jitter = %v, want within [%v, %v]", got, lo, hi)
		}
	}
}
