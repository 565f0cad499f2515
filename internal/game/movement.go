package game

import (
	"math"

	"github.com/race/netrace/config"
)

// Probe directions for the car outline and for normal sampling.
var (
	outlineDirs = unitCircle(8)
	normalDirs  = unitCircle(16)
)

func unitCircle(n int) [][2]float64 {
	dirs := make([][2]float64, n)
	for i := range dirs {
		a := 2 * math.Pi * float64(i) / float64(n)
		dirs[i] = [2]float64{math.Cos(a), math.Sin(a)}
	}
	return dirs
}

// Move advances the vehicle by its velocity, sub-stepping so that no single
// step exceeds SubstepLength. On contact the velocity loses its into-wall
// component, then whatever time is left in the tick is moved once more.
func (ph *Physics) Move(v *Vehicle, dt float64) bool {
	hit, nx, ny, remaining := ph.moveSubsteps(v, dt)
	if !hit {
		v.WallContact = false
		return false
	}
	applyWallResponse(v, nx, ny)

	if remaining > 0 {
		if hit2, nx2, ny2, _ := ph.moveSubsteps(v, remaining); hit2 {
			applyWallResponse(v, nx2, ny2)
		}
	}
	return true
}

// moveSubsteps moves until the first overlapping sub-step and resolves it.
// It returns the contact normal and the time not yet consumed.
func (ph *Physics) moveSubsteps(v *Vehicle, dt float64) (hit bool, nx, ny, remaining float64) {
	dx, dy := v.VX*dt, v.VY*dt
	steps := int(math.Ceil(math.Hypot(dx, dy) / config.SubstepLength))
	if steps < 1 {
		steps = 1
	}
	if steps > config.MaxSubsteps {
		steps = config.MaxSubsteps
	}
	sx, sy := dx/float64(steps), dy/float64(steps)

	for i := 0; i < steps; i++ {
		px, py := v.X, v.Y
		v.X += sx
		v.Y += sy
		if !ph.Overlaps(v.X, v.Y) {
			continue
		}

		nx, ny = ph.surfaceNormal(v)
		if depth, ok := ph.penetration(v.X, v.Y, nx, ny); ok {
			v.X += nx * depth
			v.Y += ny * depth
		} else {
			// Corner or corridor narrower than the car: pushing out would
			// land in another wall.
			v.X, v.Y = px, py
		}
		remaining = dt * float64(steps-i-1) / float64(steps)
		return true, nx, ny, remaining
	}
	return false, 0, 0, 0
}

// Overlaps reports whether a car centered at (x, y) touches solid geometry.
func (ph *Physics) Overlaps(x, y float64) bool {
	if ph.track.Solid(x, y) {
		return true
	}
	for _, d := range outlineDirs {
		if ph.track.Solid(x+d[0]*config.CarRadius, y+d[1]*config.CarRadius) {
			return true
		}
	}
	return false
}

// surfaceNormal samples rings around the car and points away from the
// solid samples. Falls back to the reverse of travel.
func (ph *Physics) surfaceNormal(v *Vehicle) (float64, float64) {
	var sx, sy float64
	for _, scale := range [3]float64{0.5, 0.75, 1.0} {
		r := config.NormalSampleDist * scale
		for _, d := range normalDirs {
			if ph.track.Solid(v.X+d[0]*r, v.Y+d[1]*r) {
				sx += d[0]
				sy += d[1]
			}
		}
	}
	if l := math.Hypot(sx, sy); l > 1e-9 {
		return -sx / l, -sy / l
	}
	if s := v.Speed(); s > 1e-9 {
		return -v.VX / s, -v.VY / s
	}
	fx, fy := v.Forward()
	return -fx, -fy
}

// penetration finds the smallest push along (nx, ny) that clears the car,
// by bisection. ok is false when even MaxPushOut does not clear it.
func (ph *Physics) penetration(x, y, nx, ny float64) (depth float64, ok bool) {
	if ph.Overlaps(x+nx*config.MaxPushOut, y+ny*config.MaxPushOut) {
		return 0, false
	}
	lo, hi := 0.0, config.MaxPushOut
	for i := 0; i < 16; i++ {
		mid := (lo + hi) / 2
		if ph.Overlaps(x+nx*mid, y+ny*mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, true
}

func applyWallResponse(v *Vehicle, nx, ny float64) {
	dot := v.VX*nx + v.VY*ny
	if dot < 0 {
		v.VX = (v.VX - nx*dot) * config.CollisionPenalty
		v.VY = (v.VY - ny*dot) * config.CollisionPenalty
	}
	v.WallContact = true
	v.WallNX, v.WallNY = nx, ny
	v.Drifting = false
	v.DriftTime = 0
}
