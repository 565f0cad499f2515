package client

import (
	"math"
	"testing"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/game"
)

func ovalTrack(t *testing.T) game.Track {
	t.Helper()
	track, err := game.LoadTrack("oval", game.DefaultTileRegistry())
	if err != nil {
		t.Fatalf("LoadTrack: %v", err)
	}
	return track
}

func inputAt(i int) game.Input {
	in := game.Input{Accel: 1}
	if i%40 > 25 {
		in.Turn = 0.5
	}
	return in
}

func TestPredictionMatchesServerWorld(t *testing.T) {
	track := ovalTrack(t)
	world := game.NewWorld(track, game.WorldConfig{Laps: 1, Seed: 7})
	v, err := world.AddVehicle(0, false)
	if err != nil {
		t.Fatalf("AddVehicle: %v", err)
	}

	p := NewPredictor(track)
	p.Reset(*v)
	for i := 1; i <= 180; i++ {
		in := inputAt(i)
		world.Step(map[uint8]game.Input{0: in}, config.FixedDT)
		p.Step(uint16(i), in, nil, config.FixedDT)
	}

	got, want := p.Vehicle(), world.Vehicle(0)
	if got.X != want.X || got.Y != want.Y || got.VX != want.VX || got.VY != want.VY || got.Angle != want.Angle {
		t.Fatalf("prediction diverged: got (%v,%v) want (%v,%v)", got.X, got.Y, want.X, want.Y)
	}
}

func TestRebaseReplaysOnlyNewerInputs(t *testing.T) {
	track := ovalTrack(t)
	start := track.StartPoses()[0]
	p := NewPredictor(track)
	p.Reset(game.Vehicle{Stats: game.PlayerStats, X: start.X, Y: start.Y, Angle: start.Angle})
	for i := 1; i <= 10; i++ {
		p.Step(uint16(i), inputAt(i), nil, config.FixedDT)
	}
	before := p.Vehicle()

	acked, ok := p.At(6)
	if !ok {
		t.Fatal("history for 6 missing")
	}
	if n := p.Rebase(6, acked, nil, config.FixedDT); n != 4 {
		t.Fatalf("replayed %d inputs, want 4", n)
	}
	if p.Pending() != 4 {
		t.Fatalf("%d pending, want 4", p.Pending())
	}
	if _, ok := p.At(6); ok {
		t.Fatal("acknowledged input still in history")
	}
	after := p.Vehicle()
	if after.X != before.X || after.Y != before.Y {
		t.Fatalf("replay from an exact ack moved the car: %v,%v -> %v,%v", before.X, before.Y, after.X, after.Y)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	track := ovalTrack(t)
	p := NewPredictor(track)
	start := track.StartPoses()[0]
	p.Reset(game.Vehicle{Stats: game.PlayerStats, X: start.X, Y: start.Y})
	for i := 1; i <= historyLength+50; i++ {
		p.Step(uint16(i), game.Input{}, nil, config.FixedDT)
	}
	if p.Pending() != historyLength {
		t.Fatalf("%d pending, want %d", p.Pending(), historyLength)
	}
	if _, ok := p.At(1); ok {
		t.Fatal("oldest entry kept")
	}
}

func TestReconcileConvergesWithoutOscillation(t *testing.T) {
	r := NewReconciler()
	server := game.Vehicle{X: 500, Y: 300, VX: 120, Angle: 90}
	local := server
	local.X += 60
	local.VX = 100
	local.Angle = 80

	prevErr := math.Abs(local.X - server.X)
	var kind Correction
	for i := 0; i < 50; i++ {
		local, kind = r.Correct(local, server)
		diff := local.X - server.X
		if diff < 0 {
			t.Fatalf("step %d overshot to %v", i, diff)
		}
		if math.Abs(diff) >= prevErr && diff != 0 {
			t.Fatalf("step %d: error %v did not shrink from %v", i, diff, prevErr)
		}
		prevErr = math.Abs(diff)
		if kind == CorrectionSettle {
			break
		}
		if kind != CorrectionBlend {
			t.Fatalf("step %d: %v", i, kind)
		}
	}
	if kind != CorrectionSettle || local.X != server.X || local.VX != server.VX || local.Angle != server.Angle {
		t.Fatalf("did not settle exactly: %+v (%v)", local, kind)
	}
}

func TestReconcileSnapAndDiscreteState(t *testing.T) {
	r := NewReconciler()
	server := game.Vehicle{X: 100, Y: 100, Laps: 2, HeldPowerUp: 3}
	local := game.Vehicle{X: 100 + config.ReconcileSnapDist + 1, Y: 100, DriftTime: 0.2}

	got, kind := r.Correct(local, server)
	if kind != CorrectionSnap || got.X != server.X {
		t.Fatalf("got %+v (%v), want snap", got, kind)
	}
	if got.Laps != 2 || got.HeldPowerUp != 3 {
		t.Fatal("discrete state not taken from the server")
	}
	if got.DriftTime != 0.2 {
		t.Fatal("local drift timing lost")
	}

	local = game.Vehicle{X: 110, Y: 100}
	got, kind = r.Correct(local, server)
	if kind != CorrectionBlend || !near(got.X, 110-10*config.ReconcileBlend, 1e-9) || got.Laps != 2 {
		t.Fatalf("blend got %+v (%v)", got, kind)
	}
}

func TestReconcileClearsStaleWallContact(t *testing.T) {
	r := NewReconciler()
	server := game.Vehicle{X: 10, VX: 200, WallContact: true, WallNX: -1}
	got, _ := r.Correct(server, server)
	if got.WallContact || got.WallNX != 0 {
		t.Fatal("moving car kept wall contact")
	}

	server.VX = 5
	got, _ = r.Correct(server, server)
	if !got.WallContact {
		t.Fatal("slow car lost wall contact")
	}
}
