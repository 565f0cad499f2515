package game

import (
	"math"

	"github.com/race/netrace/config"
)

// Physics integrates vehicle motion against a track. The same code runs on
// the server for every vehicle and on the client for the local prediction,
// so it must not read clocks or random sources.
type Physics struct {
	track Track
}

// NewPhysics creates a physics engine bound to a track
func NewPhysics(track Track) *Physics {
	return &Physics{track: track}
}

// Track returns the collision geometry in use
func (ph *Physics) Track() Track {
	return ph.track
}

// Step runs one full vehicle update: forces, then sub-stepped movement.
// Returns true if the vehicle touched a wall.
func (ph *Physics) Step(v *Vehicle, in Input, dt float64) bool {
	ph.UpdateVehicle(v, in, dt)
	return ph.Move(v, dt)
}

// UpdateVehicle applies acceleration, drift, friction, turning and lateral
// grip. Position is left untouched; see Move.
func (ph *Physics) UpdateVehicle(v *Vehicle, in Input, dt float64) {
	maxSpeed := v.Stats.MaxSpeed
	accel := v.Stats.Acceleration
	turnSpeed := v.Stats.TurnSpeed
	friction := config.Friction

	if v.Has(EffectBoost) {
		maxSpeed *= config.BoostSpeedMult
		accel *= config.BoostAccelMult
	}
	if v.Has(EffectMissileSlow) {
		maxSpeed *= config.MissileSlowMult
	}
	if v.Has(EffectOil) {
		friction *= config.OilFrictionMult
		turnSpeed *= config.OilTurnMult
	}
	surface := ph.track.Friction(v.X, v.Y)

	fx, fy := v.Forward()
	fwd := v.VX*fx + v.VY*fy

	// Throttle / brake / handbrake
	if in.Handbrake {
		speed := v.Speed()
		if speed >= config.DriftMinSpeed {
			v.Drifting = true
			v.DriftTime += dt
		} else {
			v.Drifting = false
			v.DriftTime = 0
			ph.slowDown(v, config.BrakeForce*dt)
		}
	} else {
		v.Drifting = false
		v.DriftTime = 0

		if !blockedByWall(v, in.Accel, fx, fy) {
			switch {
			case in.Accel > 0:
				if fwd < 0 {
					v.VX += fx * config.BrakeForce * in.Accel * dt
					v.VY += fy * config.BrakeForce * in.Accel * dt
				} else {
					v.VX += fx * accel * in.Accel * dt
					v.VY += fy * accel * in.Accel * dt
				}
			case in.Accel < 0:
				if fwd > 0 {
					v.VX += fx * config.BrakeForce * in.Accel * dt
					v.VY += fy * config.BrakeForce * in.Accel * dt
				} else {
					v.VX += fx * accel * in.Accel * dt * 0.5
					v.VY += fy * accel * in.Accel * dt * 0.5
				}
			}
		}
	}

	// Speed caps: forward and reverse are limited separately
	speed := v.Speed()
	fwd = v.VX*fx + v.VY*fy
	limit := maxSpeed
	if fwd < 0 {
		limit = config.ReverseMaxSpeed
	}
	if speed > limit {
		scale := limit / speed
		v.VX *= scale
		v.VY *= scale
		speed = limit
	}

	// Rolling friction when coasting
	if in.Accel == 0 && !in.Handbrake {
		ph.slowDown(v, friction*surface*dt)
		speed = v.Speed()
	}

	// Turning authority grows with speed. A car pinned against a wall can
	// still rotate out of it.
	if in.Turn != 0 && (speed >= 1 || v.WallContact) {
		ratio := math.Min(speed/maxSpeed, 1)
		rate := config.TurnSpeedMin + (turnSpeed-config.TurnSpeedMin)*ratio
		if v.Drifting {
			rate *= config.DriftTurnBoost
		}
		if surface < 0.8 {
			rate *= surface
		}
		dir := 1.0
		if fwd < 0 {
			dir = -1
		}
		v.Angle = normalizeAngle(v.Angle + in.Turn*rate*dir*dt)
	}

	// Lateral grip: keep the forward component, bleed the sideways one
	fx, fy = v.Forward()
	fwd = v.VX*fx + v.VY*fy
	latX := v.VX - fx*fwd
	latY := v.VY - fy*fwd
	grip := config.LateralGrip
	if v.Drifting {
		t := math.Min(v.DriftTime/config.DriftRampTime, 1)
		grip = config.DriftGripMin + (config.DriftGripMax-config.DriftGripMin)*t
	}
	v.VX = fx*fwd + latX*grip
	v.VY = fy*fwd + latY*grip
}

// slowDown reduces speed by amount, stopping below StopSpeed.
func (ph *Physics) slowDown(v *Vehicle, amount float64) {
	speed := v.Speed()
	if speed <= config.StopSpeed || speed <= amount {
		v.VX, v.VY = 0, 0
		return
	}
	scale := (speed - amount) / speed
	v.VX *= scale
	v.VY *= scale
}

// blockedByWall reports whether throttle would push the car further into
// the wall it is touching.
func blockedByWall(v *Vehicle, accel, fx, fy float64) bool {
	if !v.WallContact || accel == 0 {
		return false
	}
	dot := fx*v.WallNX + fy*v.WallNY
	if accel > 0 {
		return dot < config.WallBlockDot
	}
	return -dot < config.WallBlockDot
}
