package game

import (
	"math"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
)

// Input is one tick of controls as the simulation consumes it.
type Input struct {
	Accel      float64 // -1 brake/reverse .. 1 throttle
	Turn       float64 // -1 left .. 1 right
	Handbrake  bool
	UsePowerUp bool
}

// InputFromSample converts a decoded wire sample.
func InputFromSample(s network.InputSample) Input {
	return Input{Accel: s.Accel, Turn: s.Turn, Handbrake: s.Handbrake, UsePowerUp: s.UsePowerUp}
}

// Effect indexes the timed status effects on a vehicle.
type Effect int

const (
	EffectBoost Effect = iota
	EffectShield
	EffectOil
	EffectMissileSlow
	effectCount
)

// powerUpForEffect maps an effect to the power-up kind reported on expiry.
var powerUpForEffect = [effectCount]uint8{
	EffectBoost:       network.PowerUpBoost,
	EffectShield:      network.PowerUpShield,
	EffectOil:         network.PowerUpOil,
	EffectMissileSlow: network.PowerUpMissile,
}

// VehicleStats are the per-class handling limits.
type VehicleStats struct {
	Acceleration float64
	MaxSpeed     float64
	TurnSpeed    float64
}

var (
	PlayerStats = VehicleStats{config.CarAcceleration, config.MaxSpeed, config.TurnSpeed}
	BotStats    = VehicleStats{config.BotAcceleration, config.BotTopSpeed, config.BotTurnSpeed}
)

// Vehicle is the full simulation state of one car. Angle is in degrees with
// 0 pointing up the screen (negative Y).
type Vehicle struct {
	ID    uint8
	Bot   bool
	Stats VehicleStats

	X, Y   float64
	VX, VY float64
	Angle  float64

	Laps           int
	NextCheckpoint int
	HeldPowerUp    uint8
	Effects        [effectCount]float64

	Drifting  bool
	DriftTime float64

	WallContact    bool
	WallNX, WallNY float64

	Finished   bool
	FinishTime float64
}

// Forward returns the unit heading vector.
func (v *Vehicle) Forward() (float64, float64) {
	rad := v.Angle * math.Pi / 180
	return math.Sin(rad), -math.Cos(rad)
}

// Speed returns the velocity magnitude.
func (v *Vehicle) Speed() float64 {
	return math.Hypot(v.VX, v.VY)
}

// ForwardSpeed returns the signed velocity along the heading.
func (v *Vehicle) ForwardSpeed() float64 {
	fx, fy := v.Forward()
	return v.VX*fx + v.VY*fy
}

// Has reports whether effect e is active.
func (v *Vehicle) Has(e Effect) bool {
	return v.Effects[e] > 0
}

// TickEffects counts down effect timers and returns the ones that ran out.
func (v *Vehicle) TickEffects(dt float64) []Effect {
	var expired []Effect
	for e := Effect(0); e < effectCount; e++ {
		if v.Effects[e] <= 0 {
			continue
		}
		v.Effects[e] -= dt
		if v.Effects[e] <= 0 {
			v.Effects[e] = 0
			expired = append(expired, e)
		}
	}
	return expired
}

// ToState converts the vehicle to its wire form.
func (v *Vehicle) ToState(lastInputSeq uint16) network.VehicleState {
	var flags uint16
	if v.Finished {
		flags |= network.FlagFinished
	}
	if v.Drifting {
		flags |= network.FlagDrifting
	}
	if v.WallContact {
		flags |= network.FlagWallContact
	}
	if v.Has(EffectShield) {
		flags |= network.FlagShielded
	}
	if v.Has(EffectBoost) {
		flags |= network.FlagBoosted
	}
	if v.Has(EffectOil) {
		flags |= network.FlagOilSlowed
	}
	if v.Has(EffectMissileSlow) {
		flags |= network.FlagMissileSlowed
	}
	if v.Bot {
		flags |= network.FlagBot
	}

	return network.VehicleState{
		ID:             v.ID,
		X:              float32(v.X),
		Y:              float32(v.Y),
		VX:             float32(v.VX),
		VY:             float32(v.VY),
		Angle:          float32(v.Angle),
		Laps:           uint8(v.Laps),
		NextCheckpoint: uint8(v.NextCheckpoint),
		HeldPowerUp:    v.HeldPowerUp,
		Flags:          flags,
		FinishTime:     float32(v.FinishTime),
		LastInputSeq:   lastInputSeq,
		WallNX:         network.QuantizeAxis(v.WallNX),
		WallNY:         network.QuantizeAxis(v.WallNY),
		Boost:          effectTicks(v.Effects[EffectBoost]),
		Shield:         effectTicks(v.Effects[EffectShield]),
		Oil:            effectTicks(v.Effects[EffectOil]),
		MissileSlow:    effectTicks(v.Effects[EffectMissileSlow]),
	}
}

// VehicleFromState rebuilds a vehicle from its wire form. Drift timing is not
// transmitted and restarts from zero.
func VehicleFromState(s network.VehicleState) Vehicle {
	v := Vehicle{
		ID:             s.ID,
		Bot:            s.Flags&network.FlagBot != 0,
		X:              float64(s.X),
		Y:              float64(s.Y),
		VX:             float64(s.VX),
		VY:             float64(s.VY),
		Angle:          float64(s.Angle),
		Laps:           int(s.Laps),
		NextCheckpoint: int(s.NextCheckpoint),
		HeldPowerUp:    s.HeldPowerUp,
		Drifting:       s.Flags&network.FlagDrifting != 0,
		WallContact:    s.Flags&network.FlagWallContact != 0,
		Finished:       s.Flags&network.FlagFinished != 0,
		FinishTime:     float64(s.FinishTime),
	}
	v.Stats = PlayerStats
	if v.Bot {
		v.Stats = BotStats
	}
	if v.WallContact {
		v.WallNX = network.DequantizeAxis(s.WallNX)
		v.WallNY = network.DequantizeAxis(s.WallNY)
	}
	v.Effects[EffectBoost] = float64(s.Boost) / network.EffectTimeScale
	v.Effects[EffectShield] = float64(s.Shield) / network.EffectTimeScale
	v.Effects[EffectOil] = float64(s.Oil) / network.EffectTimeScale
	v.Effects[EffectMissileSlow] = float64(s.MissileSlow) / network.EffectTimeScale
	return v
}

func effectTicks(remaining float64) uint8 {
	if remaining <= 0 {
		return 0
	}
	t := math.Ceil(remaining * network.EffectTimeScale)
	if t > 255 {
		return 255
	}
	return uint8(t)
}

// normalizeAngle wraps degrees into [0, 360).
func normalizeAngle(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	return a
}

// AngleDelta returns the shortest signed difference to - from in degrees.
func AngleDelta(from, to float64) float64 {
	d := math.Mod(to-from, 360)
	if d > 180 {
		d -= 360
	} else if d < -180 {
		d += 360
	}
	return d
}

// HeadingTo returns the angle that points from (x0,y0) to (x1,y1).
func HeadingTo(x0, y0, x1, y1 float64) float64 {
	return normalizeAngle(math.Atan2(x1-x0, -(y1-y0)) * 180 / math.Pi)
}
