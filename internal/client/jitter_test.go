package client

import (
	"testing"
	"time"

	"github.com/race/netrace/config"
)

func feed(j *JitterEstimator, start time.Time, gaps ...time.Duration) time.Time {
	t := start
	j.Observe(t)
	for _, g := range gaps {
		t = t.Add(g)
		j.Observe(t)
	}
	return t
}

func repeat(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func TestJitterDefaultUntilEnoughSamples(t *testing.T) {
	j := NewJitterEstimator()
	feed(j, time.Unix(0, 0), repeat(33*time.Millisecond, config.InterpMinSamples-1)...)
	if got := j.Delay(); got != config.InterpDelayDefault {
		t.Fatalf("delay %v with %d samples, want default", got, j.Samples())
	}
}

func TestJitterSteadyStreamClampsToMinimum(t *testing.T) {
	j := NewJitterEstimator()
	feed(j, time.Unix(0, 0), repeat(33*time.Millisecond, 20)...)
	if got := j.Delay(); got != config.InterpDelayMin {
		t.Fatalf("steady delay %v, want %v", got, config.InterpDelayMin)
	}
}

func TestJitterClampsToMaximum(t *testing.T) {
	j := NewJitterEstimator()
	var gaps []time.Duration
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			gaps = append(gaps, 10*time.Millisecond)
		} else {
			gaps = append(gaps, 450*time.Millisecond)
		}
	}
	feed(j, time.Unix(0, 0), gaps...)
	if got := j.Delay(); got != config.InterpDelayMax {
		t.Fatalf("delay %v, want %v", got, config.InterpDelayMax)
	}
}

func TestJitterDelayGrowsWithJitter(t *testing.T) {
	prev := time.Duration(0)
	for _, spread := range []time.Duration{0, 10, 20, 40, 60} {
		spread *= time.Millisecond
		j := NewJitterEstimator()
		var gaps []time.Duration
		for i := 0; i < config.InterpWindow; i++ {
			if i%2 == 0 {
				gaps = append(gaps, 40*time.Millisecond-spread/2)
			} else {
				gaps = append(gaps, 40*time.Millisecond+spread/2)
			}
		}
		feed(j, time.Unix(0, 0), gaps...)
		d := j.Delay()
		if d < prev {
			t.Fatalf("spread %v: delay %v dropped below %v", spread, d, prev)
		}
		if d < config.InterpDelayMin || d > config.InterpDelayMax {
			t.Fatalf("spread %v: delay %v out of bounds", spread, d)
		}
		prev = d
	}
	if prev == config.InterpDelayMin {
		t.Fatal("delay never rose above the minimum")
	}
}

func TestJitterIgnoresOutliersAndResets(t *testing.T) {
	j := NewJitterEstimator()
	end := feed(j, time.Unix(0, 0), 0, time.Second, 33*time.Millisecond)
	if j.Samples() != 1 {
		t.Fatalf("%d samples, want 1 (burst and stall ignored)", j.Samples())
	}

	// The window is bounded.
	feed(j, end, repeat(33*time.Millisecond, config.InterpWindow+10)...)
	if j.Samples() != config.InterpWindow {
		t.Fatalf("%d samples, want %d", j.Samples(), config.InterpWindow)
	}

	j.Reset()
	if j.Samples() != 0 || j.Delay() != config.InterpDelayDefault {
		t.Fatal("reset kept history")
	}
}
