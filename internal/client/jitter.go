package client

import (
	"math"
	"time"

	"github.com/race/netrace/config"
)

// Inter-arrival gaps outside this range are treated as outliers: bursts
// from the socket buffer or a stall, not network jitter.
const (
	minArrivalGap = time.Millisecond
	maxArrivalGap = 500 * time.Millisecond
)

// JitterEstimator turns snapshot arrival times into an interpolation delay:
// the mean inter-arrival gap plus two standard deviations over a sliding
// window, clamped to the configured bounds.
type JitterEstimator struct {
	gaps    []float64 // seconds, oldest first
	last    time.Time
	hasLast bool
}

// NewJitterEstimator creates an estimator with no samples.
func NewJitterEstimator() *JitterEstimator {
	return &JitterEstimator{gaps: make([]float64, 0, config.InterpWindow)}
}

// Observe records a snapshot arrival.
func (j *JitterEstimator) Observe(arrival time.Time) {
	if j.hasLast {
		gap := arrival.Sub(j.last)
		if gap >= minArrivalGap && gap <= maxArrivalGap {
			if len(j.gaps) == config.InterpWindow {
				j.gaps = append(j.gaps[:0], j.gaps[1:]...)
			}
			j.gaps = append(j.gaps, gap.Seconds())
		}
	}
	j.last = arrival
	j.hasLast = true
}

// Samples returns how many gaps are in the window.
func (j *JitterEstimator) Samples() int { return len(j.gaps) }

// Delay returns the current interpolation delay. Until enough samples are
// in, it is the default.
func (j *JitterEstimator) Delay() time.Duration {
	if len(j.gaps) < config.InterpMinSamples {
		return config.InterpDelayDefault
	}

	var sum float64
	for _, g := range j.gaps {
		sum += g
	}
	mean := sum / float64(len(j.gaps))
	var variance float64
	for _, g := range j.gaps {
		variance += (g - mean) * (g - mean)
	}
	stddev := math.Sqrt(variance / float64(len(j.gaps)))

	d := time.Duration((mean + 2*stddev) * float64(time.Second))
	if d < config.InterpDelayMin {
		return config.InterpDelayMin
	}
	if d > config.InterpDelayMax {
		return config.InterpDelayMax
	}
	return d
}

// Reset forgets every sample, used when a new race starts.
func (j *JitterEstimator) Reset() {
	j.gaps = j.gaps[:0]
	j.hasLast = false
}
