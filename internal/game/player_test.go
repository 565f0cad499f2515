package game

import (
	"testing"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
)

func samples(seqs ...uint16) []network.InputSample {
	out := make([]network.InputSample, len(seqs))
	for i, s := range seqs {
		out[i] = network.InputSample{Seq: s, Accel: 1}
	}
	return out
}

func TestQueueInputsDropsDuplicates(t *testing.T) {
	p := NewPlayer(0, "a")

	if got := p.QueueInputs(samples(3, 2, 1)); got != 3 {
		t.Fatalf("accepted %d, want 3", got)
	}
	if got := p.QueueInputs(samples(4, 3, 2)); got != 1 {
		t.Fatalf("accepted %d, want 1", got)
	}
	if got := p.QueueInputs(samples(2)); got != 0 {
		t.Fatalf("stale sample accepted")
	}
	if p.QueuedInputs() != 4 {
		t.Fatalf("queued %d, want 4", p.QueuedInputs())
	}
}

func TestRedundantCopiesRecoverLostPacket(t *testing.T) {
	p := NewPlayer(0, "a")
	p.RecordApplied()

	p.QueueInputs(samples(1))
	p.PopInput()
	// {2, 1} is lost on the wire; {3, 2, 1} still carries 2.
	p.QueueInputs(samples(3, 2, 1))
	p.PopInput()
	p.PopInput()

	log := p.AppliedLog()
	want := []uint16{1, 2, 3}
	if len(log) != len(want) {
		t.Fatalf("applied %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("applied %v, want %v", log, want)
		}
	}
}

// The client runs one tick ahead, so a packet that arrives a tick late is
// still applied once and in order.
func TestLateArrivalAppliesEachInputOnce(t *testing.T) {
	p := NewPlayer(0, "a")
	p.RecordApplied()

	const ticks = 40
	var held []network.InputSample
	for tick := uint16(1); tick <= ticks; tick++ {
		pkt := samples(tick)
		if tick > 1 {
			pkt = append(pkt, samples(tick-1)...)
		}
		if tick > 2 {
			pkt = append(pkt, samples(tick-2)...)
		}
		if tick%7 == 0 {
			held = pkt // delayed by one tick
		} else {
			if held != nil {
				p.QueueInputs(held)
				held = nil
			}
			p.QueueInputs(pkt)
		}
		p.PopInput()
	}
	for p.QueuedInputs() > 0 {
		p.PopInput()
	}

	log := p.AppliedLog()
	if len(log) != ticks {
		t.Fatalf("applied %d inputs, want %d", len(log), ticks)
	}
	for i, seq := range log {
		if seq != uint16(i+1) {
			t.Fatalf("applied[%d] = %d, want %d", i, seq, i+1)
		}
	}
}

func TestPopInputRepeatsLastWithoutPowerUp(t *testing.T) {
	p := NewPlayer(0, "a")
	p.QueueInputs([]network.InputSample{{Seq: 1, Accel: 0.5, Turn: -1, UsePowerUp: true}})

	in, fresh := p.PopInput()
	if !fresh || !in.UsePowerUp || in.Accel != 0.5 {
		t.Fatalf("first pop = %+v fresh=%v", in, fresh)
	}

	in, fresh = p.PopInput()
	if fresh {
		t.Fatal("empty queue reported a fresh input")
	}
	if in.UsePowerUp {
		t.Fatal("power-up trigger repeated")
	}
	if in.Accel != 0.5 || in.Turn != -1 {
		t.Fatalf("repeat = %+v, want last controls", in)
	}
	if p.LastAppliedSeq() != 1 {
		t.Fatalf("last applied %d, want 1", p.LastAppliedSeq())
	}
}

func TestQueueBoundDropsOldest(t *testing.T) {
	p := NewPlayer(0, "a")
	var seqs []uint16
	for s := uint16(1); s <= 20; s++ {
		seqs = append(seqs, s)
	}
	p.QueueInputs(samples(seqs...))

	if p.QueuedInputs() != config.InputQueueLength {
		t.Fatalf("queued %d, want %d", p.QueuedInputs(), config.InputQueueLength)
	}
	p.PopInput()
	if got := p.LastAppliedSeq(); got != 20-config.InputQueueLength+1 {
		t.Fatalf("first applied %d", got)
	}
}

func TestQueueInputsAcrossWrap(t *testing.T) {
	p := NewPlayer(0, "a")
	p.QueueInputs(samples(65534, 65535))
	if got := p.QueueInputs(samples(1, 0, 65535)); got != 2 {
		t.Fatalf("accepted %d across wrap, want 2", got)
	}
}

func TestFloodGuard(t *testing.T) {
	g := NewFloodGuard()
	p := NewPlayer(0, "a")

	for i := 0; i < config.MaxInputPacketsPerTick; i++ {
		if r := g.ValidateInputRate(p); r != ValidationValid {
			t.Fatalf("packet %d = %v, want valid", i, r)
		}
	}
	if r := g.ValidateInputRate(p); r != ValidationIgnoreInput {
		t.Fatalf("over limit = %v, want ignore", r)
	}
	g.EndTick(p)
	if r := g.ValidateInputRate(p); r != ValidationValid {
		t.Fatalf("after tick = %v, want valid", r)
	}

	var last ValidationResult
	for i := 0; i < config.MaxInputPacketsPerTick+config.MaxFloodViolations+2; i++ {
		last = g.ValidateInputRate(p)
	}
	if last != ValidationKick {
		t.Fatalf("sustained flood = %v, want kick", last)
	}
}
