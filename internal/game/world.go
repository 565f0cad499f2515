package game

import (
	"errors"
	"math"
	"math/rand"
	"sort"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
)

var (
	ErrVehicleExists = errors.New("vehicle already exists")
	ErrWorldFull     = errors.New("world is full")
)

// WorldConfig configures a race.
type WorldConfig struct {
	Laps   int
	Seed   int64
	Policy Policy // drives bot vehicles; nil leaves bots idle
}

// World is the authoritative race state. Step is a pure function of the
// current state, the inputs and dt: vehicles are kept in id order, nothing
// reads the clock and the only randomness comes from the seeded source.
type World struct {
	track   Track
	physics *Physics
	grid    *SpatialGrid
	policy  Policy
	rng     *rand.Rand
	laps    int

	vehicles []*Vehicle // sorted by ID
	items    []*Item
	missiles []*Missile
	oils     []*Oil

	tick        uint32
	raceTime    float64
	firstFinish float64
	finishOrder []uint8
	events      []network.Event
}

// NewWorld creates a race on track with pickups at the track's spawns.
func NewWorld(track Track, cfg WorldConfig) *World {
	if cfg.Laps <= 0 {
		cfg.Laps = config.TotalLaps
	}
	w := &World{
		track:       track,
		physics:     NewPhysics(track),
		grid:        NewSpatialGrid(config.BroadphaseCell),
		policy:      cfg.Policy,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		laps:        cfg.Laps,
		firstFinish: -1,
	}
	for i, p := range track.PowerUpSpawns() {
		w.items = append(w.items, &Item{Index: i, X: p.X, Y: p.Y, Active: true})
	}
	return w
}

// AddVehicle places a vehicle on the next free start pose.
func (w *World) AddVehicle(id uint8, bot bool) (*Vehicle, error) {
	if w.Vehicle(id) != nil {
		return nil, ErrVehicleExists
	}
	if len(w.vehicles) >= config.MaxVehicles {
		return nil, ErrWorldFull
	}

	poses := w.track.StartPoses()
	pose := poses[len(w.vehicles)%len(poses)]
	v := &Vehicle{
		ID:    id,
		Bot:   bot,
		Stats: PlayerStats,
		X:     pose.X,
		Y:     pose.Y,
		Angle: pose.Angle,
	}
	if bot {
		v.Stats = BotStats
	}

	w.vehicles = append(w.vehicles, v)
	sort.Slice(w.vehicles, func(i, j int) bool { return w.vehicles[i].ID < w.vehicles[j].ID })
	return v, nil
}

// RemoveVehicle drops a vehicle from future steps and snapshots.
func (w *World) RemoveVehicle(id uint8) bool {
	for i, v := range w.vehicles {
		if v.ID == id {
			w.vehicles = append(w.vehicles[:i], w.vehicles[i+1:]...)
			return true
		}
	}
	return false
}

// Vehicle returns the vehicle with id, or nil
func (w *World) Vehicle(id uint8) *Vehicle {
	for _, v := range w.vehicles {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// Vehicles returns the vehicles in id order. Callers must not modify the slice.
func (w *World) Vehicles() []*Vehicle { return w.vehicles }

func (w *World) Track() Track         { return w.track }
func (w *World) Physics() *Physics    { return w.physics }
func (w *World) Tick() uint32         { return w.tick }
func (w *World) RaceTime() float64    { return w.raceTime }
func (w *World) Laps() int            { return w.laps }
func (w *World) Missiles() []*Missile { return w.missiles }
func (w *World) Oils() []*Oil         { return w.oils }
func (w *World) Items() []*Item       { return w.items }

// Step advances the race by dt. inputs holds one input per human vehicle;
// missing entries mean no controls. Bot inputs come from the policy.
func (w *World) Step(inputs map[uint8]Input, dt float64) {
	// Bots decide against the state at the start of the tick.
	botInputs := make(map[uint8]Input)
	if w.policy != nil {
		for _, v := range w.vehicles {
			if v.Bot {
				botInputs[v.ID] = w.policy.Decide(v, w)
			}
		}
	}

	for _, v := range w.vehicles {
		in := inputs[v.ID]
		if v.Bot {
			in = botInputs[v.ID]
		}
		if v.Finished {
			in = Input{}
		}

		for _, e := range v.TickEffects(dt) {
			w.emit(network.Event{Kind: network.EventPowerUpExpire, PlayerID: v.ID, PowerUp: powerUpForEffect[e]})
		}

		prev := Point{v.X, v.Y}
		if w.physics.Step(v, in, dt) && v.Has(EffectShield) {
			v.Effects[EffectShield] = 0
			w.emit(network.Event{Kind: network.EventShieldBreak, PlayerID: v.ID, X: float32(v.X), Y: float32(v.Y)})
		}

		w.updateProgress(v, prev)
		w.tryPickup(v)
		if in.UsePowerUp {
			w.activate(v)
		}
	}

	w.updateHazards(dt)

	w.grid.Update(w.vehicles)
	for _, pair := range w.grid.PotentialPairs() {
		SeparateCars(pair[0], pair[1])
	}

	w.tick++
	w.raceTime += dt
}

// updateProgress advances checkpoints and laps. Both only ever increase.
func (w *World) updateProgress(v *Vehicle, prev Point) {
	if v.Finished {
		return
	}
	cps := w.track.Checkpoints()
	if v.NextCheckpoint < len(cps) {
		cp := cps[v.NextCheckpoint]
		if math.Hypot(v.X-cp.X, v.Y-cp.Y) <= config.CheckpointRadius {
			v.NextCheckpoint++
		}
	}
	if v.NextCheckpoint < len(cps) {
		return
	}
	if !segmentsIntersect(prev, Point{v.X, v.Y}, w.track.FinishLine()) {
		return
	}

	v.Laps++
	v.NextCheckpoint = 0
	w.emit(network.Event{Kind: network.EventLap, PlayerID: v.ID, Index: uint8(v.Laps),
		X: float32(v.X), Y: float32(v.Y), Value: float32(w.raceTime)})

	if v.Laps >= w.laps {
		v.Finished = true
		v.FinishTime = w.raceTime
		if w.firstFinish < 0 {
			w.firstFinish = w.raceTime
		}
		w.finishOrder = append(w.finishOrder, v.ID)
		w.emit(network.Event{Kind: network.EventFinish, PlayerID: v.ID, Index: uint8(len(w.finishOrder)),
			X: float32(v.X), Y: float32(v.Y), Value: float32(v.FinishTime)})
	}
}

// RaceOver reports whether every vehicle finished or the grace period after
// the first finisher ran out.
func (w *World) RaceOver() bool {
	if len(w.vehicles) == 0 {
		return false
	}
	if w.firstFinish >= 0 && w.raceTime-w.firstFinish >= config.FinishGrace {
		return true
	}
	for _, v := range w.vehicles {
		if !v.Finished {
			return false
		}
	}
	return true
}

// Results lists finishers in order, then everyone else with Time -1.
func (w *World) Results() []network.ResultEntry {
	var out []network.ResultEntry
	done := make(map[uint8]bool)
	for _, id := range w.finishOrder {
		if v := w.Vehicle(id); v != nil {
			out = append(out, network.ResultEntry{PlayerID: id, Time: float32(v.FinishTime)})
			done[id] = true
		}
	}
	for _, v := range w.vehicles {
		if !done[v.ID] {
			out = append(out, network.ResultEntry{PlayerID: v.ID, Time: -1})
		}
	}
	return out
}

// DrainEvents returns and clears events produced since the last call.
func (w *World) DrainEvents() []network.Event {
	ev := w.events
	w.events = nil
	return ev
}

func (w *World) emit(e network.Event) {
	w.events = append(w.events, e)
}

// Snapshot builds the wire snapshot. ack returns the newest input sequence
// applied for a vehicle id.
func (w *World) Snapshot(ack func(id uint8) uint16) *network.Snapshot {
	s := &network.Snapshot{
		Tick:       w.tick,
		ServerTime: float32(w.raceTime),
		Vehicles:   make([]network.VehicleState, 0, len(w.vehicles)),
	}
	for _, v := range w.vehicles {
		var seq uint16
		if ack != nil && !v.Bot {
			seq = ack(v.ID)
		}
		s.Vehicles = append(s.Vehicles, v.ToState(seq))
	}
	for _, m := range w.missiles {
		s.Missiles = append(s.Missiles, network.MissileState{
			Owner: m.Owner, X: float32(m.X), Y: float32(m.Y), Angle: float32(m.Angle), Lifetime: float32(m.Life),
		})
	}
	for _, o := range w.oils {
		s.Oils = append(s.Oils, network.OilState{
			Owner: o.Owner, X: float32(o.X), Y: float32(o.Y), Lifetime: float32(o.Life),
		})
	}
	for _, it := range w.items {
		s.Items = append(s.Items, network.ItemState{
			Index: uint8(it.Index), Active: it.Active, X: float32(it.X), Y: float32(it.Y),
		})
	}
	return s
}
