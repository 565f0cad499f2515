package game

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidTrack is returned when tile rows lack a required marker.
var ErrInvalidTrack = errors.New("invalid track")

// Tile marker symbols understood by NewTileTrack. Markers are driveable.
const (
	TileStart    = 'S'
	TileFinish   = 'F'
	TilePowerUp  = 'P'
	TileWall     = '#'
	TileRoad     = '.'
	TileGrass    = ','
	TileIce      = '~'
	checkpointLo = '1'
	checkpointHi = '9'
)

// TileDef describes how a tile symbol behaves.
type TileDef struct {
	Symbol   byte
	Solid    bool
	Friction float64
}

// TileRegistry maps tile symbols to behaviour. It is filled once at
// construction and read-only afterwards, so tracks may share it.
type TileRegistry struct {
	defs     map[byte]TileDef
	fallback TileDef
}

// NewTileRegistry creates a registry from defs. Unknown symbols are solid.
func NewTileRegistry(defs ...TileDef) *TileRegistry {
	r := &TileRegistry{
		defs:     make(map[byte]TileDef, len(defs)),
		fallback: TileDef{Solid: true, Friction: 1},
	}
	for _, d := range defs {
		r.defs[d.Symbol] = d
	}
	return r
}

// DefaultTileRegistry returns the standard tile set including markers.
func DefaultTileRegistry() *TileRegistry {
	defs := []TileDef{
		{Symbol: TileWall, Solid: true, Friction: 1},
		{Symbol: TileRoad, Friction: 1},
		{Symbol: TileGrass, Friction: 1.8},
		{Symbol: TileIce, Friction: 0.5},
		{Symbol: TileStart, Friction: 1},
		{Symbol: TileFinish, Friction: 1},
		{Symbol: TilePowerUp, Friction: 1},
	}
	for c := byte(checkpointLo); c <= checkpointHi; c++ {
		defs = append(defs, TileDef{Symbol: c, Friction: 1})
	}
	return NewTileRegistry(defs...)
}

// Lookup returns the definition of sym.
func (r *TileRegistry) Lookup(sym byte) TileDef {
	if d, ok := r.defs[sym]; ok {
		return d
	}
	return r.fallback
}

// blockRows is a rectangular circuit around a central block, driven
// clockwise: right along the top, down, left along the bottom, up.
var blockRows = []string{
	"####################",
	"#SSSS....1........P#",
	"#SSSS....1........,#",
	"#FF##############..#",
	"#..##############22#",
	"#44##############..#",
	"#..##############..#",
	"#P.......3.........#",
	"#........3.........#",
	"####################",
}

// blockWaypoints follow the middle of the block circuit, in tile units.
var blockWaypoints = []Point{
	{6, 2}, {10, 2}, {14, 2}, {18, 2},
	{18, 5}, {18, 8},
	{14, 8}, {10, 8}, {6, 8}, {2, 8},
	{2, 5}, {2, 2},
}

// TileTrack is a grid of tiles. Checkpoints, finish, starts and spawns are
// read from marker tiles.
type TileTrack struct {
	name     string
	rows     []string
	tileSize float64
	registry *TileRegistry

	checkpoints []Point
	finish      Segment
	starts      []Pose
	waypoints   []Point
	spawns      []Point
}

// NewTileTrack builds a track from rows of tile symbols. waypoints are in
// tile units; when nil the AI drives checkpoint to checkpoint.
func NewTileTrack(name string, rows []string, tileSize float64, registry *TileRegistry, waypoints []Point) (*TileTrack, error) {
	if registry == nil {
		registry = DefaultTileRegistry()
	}
	t := &TileTrack{name: name, rows: rows, tileSize: tileSize, registry: registry}

	var cpSum [9]Point
	var cpCount [9]int
	var startTiles []Point
	minF := Point{math.Inf(1), math.Inf(1)}
	maxF := Point{math.Inf(-1), math.Inf(-1)}
	finishTiles := 0

	for row, line := range rows {
		for col := 0; col < len(line); col++ {
			c := t.center(col, row)
			switch sym := line[col]; {
			case sym >= checkpointLo && sym <= checkpointHi:
				i := sym - checkpointLo
				cpSum[i].X += c.X
				cpSum[i].Y += c.Y
				cpCount[i]++
			case sym == TileStart:
				startTiles = append(startTiles, c)
			case sym == TilePowerUp:
				t.spawns = append(t.spawns, c)
			case sym == TileFinish:
				finishTiles++
				minF.X, minF.Y = math.Min(minF.X, c.X), math.Min(minF.Y, c.Y)
				maxF.X, maxF.Y = math.Max(maxF.X, c.X), math.Max(maxF.Y, c.Y)
			}
		}
	}

	for i := 0; i < len(cpCount); i++ {
		if cpCount[i] == 0 {
			continue
		}
		n := float64(cpCount[i])
		t.checkpoints = append(t.checkpoints, Point{cpSum[i].X / n, cpSum[i].Y / n})
	}
	if len(t.checkpoints) == 0 {
		return nil, fmt.Errorf("%w: %s has no checkpoints", ErrInvalidTrack, name)
	}
	if finishTiles == 0 {
		return nil, fmt.Errorf("%w: %s has no finish tiles", ErrInvalidTrack, name)
	}
	if len(startTiles) == 0 {
		return nil, fmt.Errorf("%w: %s has no start tiles", ErrInvalidTrack, name)
	}

	half := tileSize / 2
	if maxF.X-minF.X >= maxF.Y-minF.Y {
		y := (minF.Y + maxF.Y) / 2
		t.finish = Segment{Point{minF.X - half, y}, Point{maxF.X + half, y}}
	} else {
		x := (minF.X + maxF.X) / 2
		t.finish = Segment{Point{x, minF.Y - half}, Point{x, maxF.Y + half}}
	}

	first := t.checkpoints[0]
	for _, s := range startTiles {
		t.starts = append(t.starts, Pose{X: s.X, Y: s.Y, Angle: HeadingTo(s.X, s.Y, first.X, first.Y)})
	}

	if waypoints == nil {
		t.waypoints = append(t.waypoints, t.checkpoints...)
		t.waypoints = append(t.waypoints, Point{(minF.X + maxF.X) / 2, (minF.Y + maxF.Y) / 2})
	} else {
		for _, w := range waypoints {
			t.waypoints = append(t.waypoints, Point{w.X * tileSize, w.Y * tileSize})
		}
	}
	return t, nil
}

func (t *TileTrack) center(col, row int) Point {
	return Point{(float64(col) + 0.5) * t.tileSize, (float64(row) + 0.5) * t.tileSize}
}

func (t *TileTrack) tileAt(x, y float64) TileDef {
	col := int(math.Floor(x / t.tileSize))
	row := int(math.Floor(y / t.tileSize))
	if row < 0 || row >= len(t.rows) || col < 0 || col >= len(t.rows[row]) {
		return TileDef{Solid: true, Friction: 1}
	}
	return t.registry.Lookup(t.rows[row][col])
}

func (t *TileTrack) Name() string { return t.name }

func (t *TileTrack) Solid(x, y float64) bool { return t.tileAt(x, y).Solid }

func (t *TileTrack) Friction(x, y float64) float64 { return t.tileAt(x, y).Friction }

func (t *TileTrack) Checkpoints() []Point   { return t.checkpoints }
func (t *TileTrack) FinishLine() Segment    { return t.finish }
func (t *TileTrack) StartPoses() []Pose     { return t.starts }
func (t *TileTrack) Waypoints() []Point     { return t.waypoints }
func (t *TileTrack) PowerUpSpawns() []Point { return t.spawns }
