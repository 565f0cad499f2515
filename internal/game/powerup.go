package game

import (
	"math"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
)

// Item is a pickup location. Collected items come back after PowerUpRespawn.
type Item struct {
	Index   int
	X, Y    float64
	Active  bool
	Respawn float64
}

// Missile is a projectile in flight
type Missile struct {
	Owner uint8
	X, Y  float64
	Angle float64
	Life  float64
}

// Oil is a slick left on the track
type Oil struct {
	Owner uint8
	X, Y  float64
	Life  float64
}

const powerUpKinds = 4 // boost, shield, missile, oil

// tryPickup gives v a random power-up if it drives over an active item
// while holding nothing.
func (w *World) tryPickup(v *Vehicle) {
	if v.HeldPowerUp != network.PowerUpNone {
		return
	}
	for _, it := range w.items {
		if !it.Active {
			continue
		}
		if math.Hypot(v.X-it.X, v.Y-it.Y) > config.PowerUpRadius+config.CarRadius {
			continue
		}
		it.Active = false
		it.Respawn = config.PowerUpRespawn
		v.HeldPowerUp = uint8(1 + w.rng.Intn(powerUpKinds))
		w.emit(network.Event{
			Kind: network.EventPowerUpCollect, PlayerID: v.ID, PowerUp: v.HeldPowerUp,
			Index: uint8(it.Index), X: float32(it.X), Y: float32(it.Y),
		})
		return
	}
}

// activate fires the held power-up.
func (w *World) activate(v *Vehicle) {
	kind := v.HeldPowerUp
	if kind == network.PowerUpNone {
		return
	}
	v.HeldPowerUp = network.PowerUpNone
	fx, fy := v.Forward()

	switch kind {
	case network.PowerUpBoost:
		v.Effects[EffectBoost] = config.BoostDuration
	case network.PowerUpShield:
		v.Effects[EffectShield] = config.ShieldDuration
	case network.PowerUpMissile:
		w.missiles = append(w.missiles, &Missile{
			Owner: v.ID,
			X:     v.X + fx*30,
			Y:     v.Y + fy*30,
			Angle: v.Angle,
			Life:  config.MissileLifetime,
		})
	case network.PowerUpOil:
		w.oils = append(w.oils, &Oil{
			Owner: v.ID,
			X:     v.X - fx*30,
			Y:     v.Y - fy*30,
			Life:  config.OilLifetime,
		})
	}
	w.emit(network.Event{
		Kind: network.EventPowerUpActivate, PlayerID: v.ID, PowerUp: kind,
		X: float32(v.X), Y: float32(v.Y),
	})
}

// updateHazards moves missiles, ages oil slicks and respawns items.
func (w *World) updateHazards(dt float64) {
	live := w.missiles[:0]
	for _, m := range w.missiles {
		rad := m.Angle * math.Pi / 180
		m.X += math.Sin(rad) * config.MissileSpeed * dt
		m.Y -= math.Cos(rad) * config.MissileSpeed * dt
		m.Life -= dt
		if m.Life <= 0 || w.track.Solid(m.X, m.Y) {
			continue
		}
		if w.missileHit(m) {
			continue
		}
		live = append(live, m)
	}
	w.missiles = live

	slicks := w.oils[:0]
	for _, o := range w.oils {
		o.Life -= dt
		if o.Life <= 0 {
			continue
		}
		for _, v := range w.vehicles {
			if v.ID == o.Owner || v.Finished || v.Has(EffectOil) || v.Has(EffectShield) {
				continue
			}
			if math.Hypot(v.X-o.X, v.Y-o.Y) <= config.OilRadius+config.CarRadius*0.5 {
				v.Effects[EffectOil] = config.OilEffectDuration
			}
		}
		slicks = append(slicks, o)
	}
	w.oils = slicks

	for _, it := range w.items {
		if it.Active {
			continue
		}
		it.Respawn -= dt
		if it.Respawn <= 0 {
			it.Respawn = 0
			it.Active = true
		}
	}
}

// missileHit applies a missile to the first vehicle it touches. A shield
// absorbs the hit and is consumed.
func (w *World) missileHit(m *Missile) bool {
	for _, v := range w.vehicles {
		if v.ID == m.Owner || v.Finished {
			continue
		}
		if math.Hypot(v.X-m.X, v.Y-m.Y) > config.MissileRadius+config.CarRadius {
			continue
		}
		if v.Has(EffectShield) {
			v.Effects[EffectShield] = 0
			w.emit(network.Event{Kind: network.EventShieldBreak, PlayerID: v.ID, Index: m.Owner,
				X: float32(v.X), Y: float32(v.Y)})
			return true
		}
		v.Effects[EffectMissileSlow] = config.MissileSlowDuration
		v.VX *= 0.3
		v.VY *= 0.3
		w.emit(network.Event{Kind: network.EventMissileHit, PlayerID: v.ID, PowerUp: network.PowerUpMissile,
			Index: m.Owner, X: float32(v.X), Y: float32(v.Y)})
		return true
	}
	return false
}
