package game

import (
	"math"

	"github.com/race/netrace/internal/network"
)

// Policy decides inputs for bot vehicles. It is called once per bot per
// tick, before physics, and must be deterministic.
type Policy interface {
	Decide(v *Vehicle, w *World) Input
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(v *Vehicle, w *World) Input

func (f PolicyFunc) Decide(v *Vehicle, w *World) Input { return f(v, w) }

// WaypointPolicy steers toward the waypoint Lookahead steps past the
// nearest one and fires power-ups as soon as it has them.
type WaypointPolicy struct {
	Lookahead int
}

func (p WaypointPolicy) Decide(v *Vehicle, w *World) Input {
	wps := w.track.Waypoints()
	if len(wps) == 0 || v.Finished {
		return Input{}
	}

	nearest, best := 0, math.Inf(1)
	for i, wp := range wps {
		if d := math.Hypot(wp.X-v.X, wp.Y-v.Y); d < best {
			nearest, best = i, d
		}
	}
	target := wps[(nearest+p.Lookahead)%len(wps)]

	diff := AngleDelta(v.Angle, HeadingTo(v.X, v.Y, target.X, target.Y))
	in := Input{
		Turn:       math.Max(-1, math.Min(1, diff/45)),
		Accel:      1,
		UsePowerUp: v.HeldPowerUp != network.PowerUpNone,
	}
	if math.Abs(diff) > 60 {
		in.Accel = 0.4
	}
	return in
}
