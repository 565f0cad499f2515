package game

import (
	"github.com/race/netrace/config"
)

// ValidationResult represents the result of input validation
type ValidationResult int

const (
	ValidationValid ValidationResult = iota
	ValidationIgnoreInput
	ValidationKick
)

// FloodGuard limits how many input packets a player may land per tick.
// The server stays authoritative over motion, so this only protects the
// queue from being flooded.
type FloodGuard struct {
	maxPerTick    int
	maxViolations int
}

// NewFloodGuard creates a flood guard with the configured limits
func NewFloodGuard() *FloodGuard {
	return &FloodGuard{
		maxPerTick:    config.MaxInputPacketsPerTick,
		maxViolations: config.MaxFloodViolations,
	}
}

// ValidateInputRate counts one packet for p and reports what to do with it.
func (g *FloodGuard) ValidateInputRate(p *Player) ValidationResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.packetsThisTick++
	if p.packetsThisTick <= g.maxPerTick {
		return ValidationValid
	}
	p.violations++
	if p.violations > g.maxViolations {
		return ValidationKick
	}
	return ValidationIgnoreInput
}

// EndTick resets the per-tick counter. A clean tick slowly forgives
// earlier violations.
func (g *FloodGuard) EndTick(p *Player) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.packetsThisTick <= g.maxPerTick && p.violations > 0 {
		p.violations--
	}
	p.packetsThisTick = 0
}
