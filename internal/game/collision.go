package game

import (
	"math"
	"sort"

	"github.com/race/netrace/config"
)

// CellKey represents a cell in the spatial grid
type CellKey struct {
	X, Y int64
}

// SpatialGrid buckets vehicles by cell so car-vs-car checks only look at
// neighbours. Pairs come out sorted by id so resolution order is stable.
type SpatialGrid struct {
	cellSize float64
	cells    map[CellKey][]*Vehicle
}

// NewSpatialGrid creates a new spatial grid
func NewSpatialGrid(cellSize float64) *SpatialGrid {
	return &SpatialGrid{
		cellSize: cellSize,
		cells:    make(map[CellKey][]*Vehicle),
	}
}

func (g *SpatialGrid) cellKey(x, y float64) CellKey {
	return CellKey{
		X: int64(math.Floor(x / g.cellSize)),
		Y: int64(math.Floor(y / g.cellSize)),
	}
}

// Update rebuilds the grid from vehicles
func (g *SpatialGrid) Update(vehicles []*Vehicle) {
	for k := range g.cells {
		delete(g.cells, k)
	}
	for _, v := range vehicles {
		key := g.cellKey(v.X, v.Y)
		g.cells[key] = append(g.cells[key], v)
	}
}

// PotentialPairs returns vehicle pairs in the same or adjacent cells,
// ordered by (lower id, higher id).
func (g *SpatialGrid) PotentialPairs() [][2]*Vehicle {
	seen := make(map[[2]uint8]bool)
	var pairs [][2]*Vehicle

	for key, bucket := range g.cells {
		for dx := int64(-1); dx <= 1; dx++ {
			for dy := int64(-1); dy <= 1; dy++ {
				other, ok := g.cells[CellKey{key.X + dx, key.Y + dy}]
				if !ok {
					continue
				}
				for _, a := range bucket {
					for _, b := range other {
						if a.ID >= b.ID {
							continue
						}
						id := [2]uint8{a.ID, b.ID}
						if seen[id] {
							continue
						}
						seen[id] = true
						pairs = append(pairs, [2]*Vehicle{a, b})
					}
				}
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i][0].ID != pairs[j][0].ID {
			return pairs[i][0].ID < pairs[j][0].ID
		}
		return pairs[i][1].ID < pairs[j][1].ID
	})
	return pairs
}

// carOverlap returns the unit axis from b to a and the overlap depth of
// two car circles.
func carOverlap(ax, ay, bx, by float64) (nx, ny, overlap float64, ok bool) {
	dx, dy := ax-bx, ay-by
	dist := math.Hypot(dx, dy)
	minDist := 2 * config.CarRadius
	if dist >= minDist {
		return 0, 0, 0, false
	}
	if dist < 1e-9 {
		return 1, 0, minDist, true
	}
	return dx / dist, dy / dist, minDist - dist, true
}

// carImpulse returns the equal-mass impulse magnitude along n for relative
// normal velocity rel, or 0 when the cars are separating.
func carImpulse(rel float64) float64 {
	if rel >= 0 {
		return 0
	}
	return -(1 + config.CarRestitution) * rel / 2
}

// SeparateCars pushes a and b apart by half the overlap each along the
// center axis and reflects the approaching part of their velocities.
func SeparateCars(a, b *Vehicle) bool {
	nx, ny, overlap, ok := carOverlap(a.X, a.Y, b.X, b.Y)
	if !ok {
		return false
	}
	half := overlap / 2
	a.X += nx * half
	a.Y += ny * half
	b.X -= nx * half
	b.Y -= ny * half

	j := carImpulse((a.VX-b.VX)*nx + (a.VY-b.VY)*ny)
	a.VX += nx * j
	a.VY += ny * j
	b.VX -= nx * j
	b.VY -= ny * j
	return true
}

// PushAway is the one-sided form of SeparateCars: only v moves, by the same
// half-overlap distance and the same impulse v would get on the server.
// other is read, never written.
func PushAway(v *Vehicle, other *Vehicle) bool {
	nx, ny, overlap, ok := carOverlap(v.X, v.Y, other.X, other.Y)
	if !ok {
		return false
	}
	half := overlap / 2
	v.X += nx * half
	v.Y += ny * half

	j := carImpulse((v.VX-other.VX)*nx + (v.VY-other.VY)*ny)
	v.VX += nx * j
	v.VY += ny * j
	return true
}
