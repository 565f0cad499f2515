package client

import (
	"math"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/game"
	"github.com/race/netrace/internal/network"
)

// historyLength bounds the unacknowledged inputs kept for replay, about two
// seconds at the tick rate.
const historyLength = 128

type historyEntry struct {
	seq   uint16
	input game.Input
	state game.Vehicle // after input was applied
}

// Predictor runs the local vehicle ahead of the server with the same physics
// the server uses, remembering every input until the server acknowledges it.
type Predictor struct {
	physics *game.Physics
	vehicle game.Vehicle
	active  bool
	history []historyEntry
}

// NewPredictor creates a predictor for track.
func NewPredictor(track game.Track) *Predictor {
	return &Predictor{
		physics: game.NewPhysics(track),
		history: make([]historyEntry, 0, historyLength),
	}
}

// Reset adopts v as the current state and forgets all history.
func (p *Predictor) Reset(v game.Vehicle) {
	p.vehicle = v
	p.active = true
	p.history = p.history[:0]
}

// Clear stops prediction until the next Reset.
func (p *Predictor) Clear() {
	p.active = false
	p.history = p.history[:0]
}

func (p *Predictor) Active() bool          { return p.active }
func (p *Predictor) Vehicle() game.Vehicle { return p.vehicle }
func (p *Predictor) Pending() int          { return len(p.history) }

// Step applies one input. others are the remote vehicles as last seen; the
// local car is pushed off them but never moves them.
func (p *Predictor) Step(seq uint16, in game.Input, others []game.Vehicle, dt float64) {
	if !p.active {
		return
	}
	p.simulate(in, others, dt)
	if len(p.history) == historyLength {
		p.history = append(p.history[:0], p.history[1:]...)
	}
	p.history = append(p.history, historyEntry{seq: seq, input: in, state: p.vehicle})
}

func (p *Predictor) simulate(in game.Input, others []game.Vehicle, dt float64) {
	v := &p.vehicle
	if v.Finished {
		in = game.Input{}
	}
	v.TickEffects(dt)
	if p.physics.Step(v, in, dt) && v.Has(game.EffectShield) {
		v.Effects[game.EffectShield] = 0
	}
	for i := range others {
		game.PushAway(v, &others[i])
	}
}

// At returns the predicted state right after input seq, if still remembered.
func (p *Predictor) At(seq uint16) (game.Vehicle, bool) {
	for _, h := range p.history {
		if h.seq == seq {
			return h.state, true
		}
	}
	return game.Vehicle{}, false
}

// Rebase takes state as the truth after input acked, drops everything up to
// it and replays the newer inputs on top. Returns how many were replayed.
func (p *Predictor) Rebase(acked uint16, state game.Vehicle, others []game.Vehicle, dt float64) int {
	pending := make([]historyEntry, 0, len(p.history))
	for _, h := range p.history {
		if network.SeqNewer(h.seq, acked) {
			pending = append(pending, h)
		}
	}

	p.vehicle = state
	p.active = true
	p.history = p.history[:0]
	for _, h := range pending {
		p.simulate(h.input, others, dt)
		p.history = append(p.history, historyEntry{seq: h.seq, input: h.input, state: p.vehicle})
	}
	return len(pending)
}

// Correction says how a reconcile treated the local state.
type Correction uint8

const (
	CorrectionSettle Correction = iota // within tolerance, server state adopted
	CorrectionBlend                    // moved part of the way to the server
	CorrectionSnap                     // too far off, server state adopted
)

func (c Correction) String() string {
	switch c {
	case CorrectionSettle:
		return "settle"
	case CorrectionBlend:
		return "blend"
	case CorrectionSnap:
		return "snap"
	default:
		return "unknown"
	}
}

// Reconciler decides how far to pull a prediction towards the server.
type Reconciler struct {
	Blend          float64 // fraction of the error removed per correction
	SnapDist       float64 // at or above this error the server state is taken whole
	SettleDist     float64 // at or below this error the server state is taken whole
	WallClearSpeed float64 // above this speed a wall-contact flag is dropped
}

// NewReconciler returns a reconciler with the configured tuning.
func NewReconciler() Reconciler {
	return Reconciler{
		Blend:          config.ReconcileBlend,
		SnapDist:       config.ReconcileSnapDist,
		SettleDist:     config.ReconcileSettleDist,
		WallClearSpeed: config.WallClearSpeed,
	}
}

// Correct compares the prediction for an acknowledged input with the
// server's state for the same input and returns the state to replay from.
// Discrete state (laps, effects, power-ups, finish) always comes from the
// server. Drift timing is not on the wire and stays local.
func (r Reconciler) Correct(predicted, server game.Vehicle) (game.Vehicle, Correction) {
	dist := math.Hypot(server.X-predicted.X, server.Y-predicted.Y)

	out := server
	out.DriftTime = predicted.DriftTime
	c := CorrectionSettle
	switch {
	case dist >= r.SnapDist:
		c = CorrectionSnap
	case dist > r.SettleDist:
		c = CorrectionBlend
		out.X = predicted.X + (server.X-predicted.X)*r.Blend
		out.Y = predicted.Y + (server.Y-predicted.Y)*r.Blend
		out.VX = predicted.VX + (server.VX-predicted.VX)*r.Blend
		out.VY = predicted.VY + (server.VY-predicted.VY)*r.Blend
		out.Angle = predicted.Angle + game.AngleDelta(predicted.Angle, server.Angle)*r.Blend
	}

	if out.WallContact && out.Speed() > r.WallClearSpeed {
		out.WallContact = false
		out.WallNX, out.WallNY = 0, 0
	}
	return out, c
}
