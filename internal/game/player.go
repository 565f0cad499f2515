package game

import (
	"sort"
	"sync"
	"time"

	"github.com/race/netrace/config"
	"github.com/race/netrace/internal/network"
)

// Player is a human seat in a room. The network side writes inputs with
// QueueInputs and the room's tick reads them with PopInput; the mutex only
// guards that hand-off.
type Player struct {
	mu sync.Mutex

	// Identity
	ID       uint8
	Name     string
	JoinedAt time.Time

	// Input
	queue      []network.InputSample // ascending by Seq
	current    Input
	newestSeq  uint16                // newest sequence ever queued
	hasSeq     bool
	appliedSeq uint16                // newest sequence applied by the simulation
	appliedLog []uint16
	logApplied bool

	// Flood guard
	packetsThisTick int
	violations      int
}

// NewPlayer creates a new player
func NewPlayer(id uint8, name string) *Player {
	return &Player{
		ID:       id,
		Name:     name,
		JoinedAt: time.Now(),
		queue:    make([]network.InputSample, 0, config.InputQueueLength),
	}
}

// QueueInputs adds the samples of one input packet. Samples at or behind
// the newest sequence already seen are duplicates or stale and dropped,
// so redundant copies never apply twice. Returns how many were accepted.
func (p *Player) QueueInputs(samples []network.InputSample) int {
	sorted := make([]network.InputSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return network.SeqNewer(sorted[j].Seq, sorted[i].Seq)
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	accepted := 0
	for _, s := range sorted {
		if p.hasSeq && !network.SeqNewer(s.Seq, p.newestSeq) {
			continue
		}
		p.queue = append(p.queue, s)
		p.newestSeq = s.Seq
		p.hasSeq = true
		accepted++
	}
	// Keep latency bounded: the oldest samples go first.
	if over := len(p.queue) - config.InputQueueLength; over > 0 {
		p.queue = append(p.queue[:0], p.queue[over:]...)
	}
	return accepted
}

// PopInput returns the next queued input. With nothing queued it repeats
// the last applied input with the one-shot power-up trigger cleared, and
// fresh is false.
func (p *Player) PopInput() (in Input, fresh bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		repeat := p.current
		repeat.UsePowerUp = false
		return repeat, false
	}

	s := p.queue[0]
	p.queue = p.queue[1:]
	p.current = InputFromSample(s)
	p.appliedSeq = s.Seq
	if p.logApplied {
		p.appliedLog = append(p.appliedLog, s.Seq)
	}
	return p.current, true
}

// LastAppliedSeq returns the newest sequence the simulation consumed.
func (p *Player) LastAppliedSeq() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appliedSeq
}

// QueuedInputs returns the number of samples waiting.
func (p *Player) QueuedInputs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// ResetInput clears queued and current input, keeping sequence history so
// late packets from the previous race stay stale.
func (p *Player) ResetInput() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = p.queue[:0]
	p.current = Input{}
	p.packetsThisTick = 0
	p.violations = 0
}

// RecordApplied turns on the applied-sequence log (tests and replays).
func (p *Player) RecordApplied() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logApplied = true
}

// AppliedLog returns the sequences applied so far, in order.
func (p *Player) AppliedLog() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint16, len(p.appliedLog))
	copy(out, p.appliedLog)
	return out
}
