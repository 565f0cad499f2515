package game

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrUnknownTrack is returned by LoadTrack for names it does not know.
var ErrUnknownTrack = errors.New("unknown track")

// Point is a 2D position in world pixels.
type Point struct {
	X, Y float64
}

// Segment is a line between two points.
type Segment struct {
	A, B Point
}

// Pose is a start position and heading.
type Pose struct {
	X, Y  float64
	Angle float64
}

// Track is everything the simulation needs from a course. Implementations
// must be read-only after construction; rooms share them.
type Track interface {
	Name() string
	// Solid reports whether a point is outside the driveable area.
	Solid(x, y float64) bool
	// Friction is the surface multiplier at a point (1 = asphalt).
	Friction(x, y float64) float64
	Checkpoints() []Point
	FinishLine() Segment
	StartPoses() []Pose
	Waypoints() []Point
	PowerUpSpawns() []Point
}

// LoadTrack picks a built-in track by name. Tile tracks resolve their
// symbols through registry.
func LoadTrack(name string, registry *TileRegistry) (Track, error) {
	switch name {
	case "oval", "":
		return NewLoopTrack("oval", ovalCenterline(1100, 760, 820, 520, 72), 90), nil
	case "ring":
		return NewLoopTrack("ring", ovalCenterline(700, 700, 520, 520, 60), 90), nil
	case "block":
		t, err := NewTileTrack("block", blockRows, 64, registry, blockWaypoints)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTrack, name)
}

// builtinTracks is what LoadTrack knows, in menu order.
var builtinTracks = []string{"oval", "ring", "block"}

// TrackSource hands rooms the tracks an admin may pick.
type TrackSource interface {
	Names() []string
	Track(name string) (Track, error)
}

// Catalog is the built-in TrackSource. Each track is built once and
// shared by every room that picks it.
type Catalog struct {
	mu       sync.Mutex
	registry *TileRegistry
	loaded   map[string]Track
}

// NewCatalog creates a catalog resolving tile symbols through registry.
func NewCatalog(registry *TileRegistry) *Catalog {
	return &Catalog{registry: registry, loaded: make(map[string]Track)}
}

func (c *Catalog) Names() []string {
	return append([]string(nil), builtinTracks...)
}

func (c *Catalog) Track(name string) (Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.loaded[name]; ok {
		return t, nil
	}
	t, err := LoadTrack(name, c.registry)
	if err != nil {
		return nil, err
	}
	c.loaded[t.Name()] = t
	return t, nil
}

// ovalCenterline generates a closed loop with a little wobble on the
// radius so the corners are not uniform. Point 0 sits at the bottom of the
// loop, on the long straight.
func ovalCenterline(cx, cy, rx, ry float64, n int) []Point {
	pts := make([]Point, n)
	for i := range pts {
		theta := math.Pi/2 + 2*math.Pi*float64(i)/float64(n)
		w := 1 + loopWobble(theta)
		pts[i] = Point{cx + rx*w*math.Cos(theta), cy + ry*w*math.Sin(theta)}
	}
	return pts
}

// loopWobble is a base curve plus a sharper cubed term, periodic on 2π.
func loopWobble(theta float64) float64 {
	base := math.Sin(theta*3) * 0.05
	sharp := math.Pow(math.Sin(theta*6), 3) * 0.025
	return base + sharp
}

// LoopTrack is a closed centerline with a constant half width. Anything
// farther than HalfWidth from the centerline is wall.
type LoopTrack struct {
	name        string
	centerline  []Point
	halfWidth   float64
	checkpoints []Point
	finish      Segment
	starts      []Pose
	spawns      []Point
}

// NewLoopTrack builds a loop track. The finish line crosses centerline[0]
// and vehicles travel in increasing index order.
func NewLoopTrack(name string, centerline []Point, halfWidth float64) *LoopTrack {
	t := &LoopTrack{
		name:       name,
		centerline: centerline,
		halfWidth:  halfWidth,
	}
	n := len(centerline)

	// Six checkpoints spread around the loop, none at the finish.
	const cpCount = 6
	for i := 1; i <= cpCount; i++ {
		t.checkpoints = append(t.checkpoints, centerline[i*n/(cpCount+1)])
	}

	// Finish line: perpendicular to the direction of travel at point 0.
	p0, p1 := centerline[0], centerline[1]
	dx, dy := p1.X-p0.X, p1.Y-p0.Y
	l := math.Hypot(dx, dy)
	dx, dy = dx/l, dy/l
	px, py := -dy, dx
	reach := halfWidth + 10
	t.finish = Segment{
		A: Point{p0.X + px*reach, p0.Y + py*reach},
		B: Point{p0.X - px*reach, p0.Y - py*reach},
	}

	// Grid behind the finish line, two abreast.
	heading := HeadingTo(p0.X, p0.Y, p1.X, p1.Y)
	for row := 0; row < 4; row++ {
		back := 40 + float64(row)*50
		for col := 0; col < 2; col++ {
			side := (float64(col) - 0.5) * halfWidth * 0.8
			t.starts = append(t.starts, Pose{
				X:     p0.X - dx*back + px*side,
				Y:     p0.Y - dy*back + py*side,
				Angle: heading,
			})
		}
	}

	for _, f := range [3]float64{0.25, 0.5, 0.75} {
		c := centerline[int(f*float64(n))%n]
		t.spawns = append(t.spawns, c)
	}
	return t
}

func (t *LoopTrack) Name() string { return t.name }

func (t *LoopTrack) Solid(x, y float64) bool {
	return t.distanceToCenter(x, y) > t.halfWidth
}

func (t *LoopTrack) Friction(x, y float64) float64 { return 1 }

func (t *LoopTrack) Checkpoints() []Point   { return t.checkpoints }
func (t *LoopTrack) FinishLine() Segment    { return t.finish }
func (t *LoopTrack) StartPoses() []Pose     { return t.starts }
func (t *LoopTrack) Waypoints() []Point     { return t.centerline }
func (t *LoopTrack) PowerUpSpawns() []Point { return t.spawns }

func (t *LoopTrack) distanceToCenter(x, y float64) float64 {
	best := math.Inf(1)
	n := len(t.centerline)
	for i := 0; i < n; i++ {
		a, b := t.centerline[i], t.centerline[(i+1)%n]
		if d := pointSegmentDistance(x, y, a, b); d < best {
			best = d
		}
	}
	return best
}

func pointSegmentDistance(x, y float64, a, b Point) float64 {
	dx, dy := b.X-a.X, b.Y-a.Y
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return math.Hypot(x-a.X, y-a.Y)
	}
	t := ((x-a.X)*dx + (y-a.Y)*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(x-(a.X+t*dx), y-(a.Y+t*dy))
}

// segmentsIntersect reports whether p0-p1 crosses s.
func segmentsIntersect(p0, p1 Point, s Segment) bool {
	d1 := cross(s.A, s.B, p0)
	d2 := cross(s.A, s.B, p1)
	d3 := cross(p0, p1, s.A)
	d4 := cross(p0, p1, s.B)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func cross(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}
