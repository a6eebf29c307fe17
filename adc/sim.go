package adc

import (
	"math/rand"
)

// Sim simulates a battery pack on a resistor-divider network for development
// without hardware. Each channel returns its configured level with a little
// uniform noise, the way a real tap jitters.
type Sim struct {
	levels []uint16
	noise  int
	rng    *rand.Rand
}

// NewSim creates a simulator serving the given per-channel raw levels with
// +-noise counts of jitter. A fixed seed keeps runs reproducible.
func NewSim(levels []uint16, noise int, seed int64) *Sim {
	return &Sim{
		levels: levels,
		noise:  noise,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// ReadRaw returns the simulated code for a channel. Unknown channels read 0,
// like a floating input pulled to ground.
func (s *Sim) ReadRaw(channel int) uint16 {
	if channel < 0 || channel >= len(s.levels) {
		return 0
	}
	code := int(s.levels[channel])
	if s.noise > 0 {
		code += s.rng.Intn(2*s.noise+1) - s.noise
	}
	if code < 0 {
		code = 0
	}
	if code > 4095 {
		code = 4095
	}
	return uint16(code)
}
