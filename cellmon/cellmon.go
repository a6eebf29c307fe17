// Package cellmon converts raw ADC samples from a resistor-divider network
// into per-cell voltages for a series-connected battery pack (e.g. a LiPo
// pack measured through its balance connector).
//
// Each ADC channel taps the pack at one cell boundary, so channel N measures
// the absolute voltage of cells 0..N relative to ground. Raw samples are
// accumulated over a gate window to average out noise, compensated against a
// measured reference voltage and scaled by a per-channel fixed-point factor
// that accounts for the divider resistor ratio.
//
// The monitor is single-threaded and non-reentrant: Tick must be driven from
// one control loop, and Calibrate must not overlap with Tick on the same
// Monitor. No internal locking is provided.
package cellmon

import (
	"errors"
	"fmt"
	"math"
)

// Defaults match a 6 channel, 12 bit setup with a 1.2V internal reference.
const (
	DefaultChannels   = 6
	DefaultGateTime   = 250  // ms
	DefaultVCellMin   = 250  // mV, below this a channel is considered unpopulated
	DefaultVRefMv     = 1200 // mV, nominal internal reference
	DefaultScaleShift = 11
	DefaultFullScale  = 4095 // max code for 12 bit resolution
)

var (
	// ErrInconsistentPack is reported when a populated channel follows a
	// channel already judged absent, usually a broken balance lead or a bad
	// connector contact.
	ErrInconsistentPack = errors.New("inconsistent pack, check balance leads")

	// ErrNoSamples is reported when the gate time elapsed before a single
	// sample was accumulated.
	ErrNoSamples = errors.New("no samples accumulated over gate time")

	// ErrZeroReading is reported by Calibrate when the averaged channel
	// reading converts to zero millivolts, which would make the derived
	// scale factor undefined.
	ErrZeroReading = errors.New("channel reading is zero, cannot derive scale")
)

// ADC reads one raw sample for a channel. Implementations must be
// low-latency and non-blocking; transport errors have to be absorbed by the
// implementation (see the adc package).
type ADC interface {
	ReadRaw(channel int) uint16
}

// Clock returns the current time in milliseconds. The counter may wrap at 32
// bits; all gate-time arithmetic is wraparound safe.
type Clock func() uint32

// Params is the caller-owned parameter block. The monitor borrows it for its
// whole lifetime and mutates it in place only during Calibrate; it never
// copies, frees or reallocates it. Persisting it across restarts is the
// caller's job (see the params package).
type Params struct {
	// CellScale holds one fixed-point scale numerator per channel,
	// CellScale[i]>>ScaleShift being the factor from millivolts at the ADC
	// tap to true absolute millivolts. For a divider of R1 over R2:
	//
	//	CellScale[i] = (R1 + R2) << ScaleShift / R2
	CellScale []uint32
}

// Config holds the construction-time constants of a Monitor.
type Config struct {
	ChannelStart int    // ADC channel cell 0 is connected to
	Channels     int    // number of cell channels
	VRefChannel  int    // dedicated reference channel
	GateTime     uint32 // default gate time in ms
	VCellMin     uint32 // minimum valid cell voltage in mV
	VRefNominal  uint32 // nominal reference voltage in mV
	ScaleShift   uint8  // shared scale denominator, as a bit shift
	FullScale    uint32 // max representable ADC code
}

// DefaultConfig returns a Config for the default hardware layout: six cell
// channels starting at 0, with the reference on the channel after them.
func DefaultConfig() Config {
	return Config{
		ChannelStart: 0,
		Channels:     DefaultChannels,
		VRefChannel:  DefaultChannels,
		GateTime:     DefaultGateTime,
		VCellMin:     DefaultVCellMin,
		VRefNominal:  DefaultVRefMv,
		ScaleShift:   DefaultScaleShift,
		FullScale:    DefaultFullScale,
	}
}

// Monitor owns the accumulator bank, the gate timer, the reference voltage
// estimate and the most recently computed cell voltages.
type Monitor struct {
	adc    ADC
	clock  Clock
	params *Params
	cfg    Config

	gateTime  uint32
	lastTick  uint32
	sampleCnt uint32
	samples   uint32 // sample count of the last completed window
	vrefMv    uint32
	accu      []uint32
	vcell     []uint32 // absolute voltages in mV
}

// New creates a Monitor reading from adc using the given caller-owned
// parameter block. No allocation happens after construction.
func New(adc ADC, clock Clock, params *Params, cfg Config) (*Monitor, error) {
	if adc == nil {
		return nil, errors.New("cellmon: nil ADC")
	}
	if clock == nil {
		return nil, errors.New("cellmon: nil clock")
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("cellmon: invalid channel count %d", cfg.Channels)
	}
	if params == nil || len(params.CellScale) < cfg.Channels {
		return nil, fmt.Errorf("cellmon: params must hold at least %d scale factors", cfg.Channels)
	}
	if cfg.FullScale == 0 {
		return nil, errors.New("cellmon: full scale code must not be zero")
	}
	return &Monitor{
		adc:      adc,
		clock:    clock,
		params:   params,
		cfg:      cfg,
		gateTime: cfg.GateTime,
		accu:     make([]uint32, cfg.Channels),
		vcell:    make([]uint32, cfg.Channels),
	}, nil
}

// SetGateTime updates the gate window length in milliseconds. Accumulation
// already in flight is not reset.
func (m *Monitor) SetGateTime(ms uint32) {
	m.gateTime = ms
}

// GateTime returns the configured gate window length in milliseconds.
func (m *Monitor) GateTime() uint32 {
	return m.gateTime
}

// Tick samples every channel once and accumulates the readings. Once the
// gate time has elapsed the accumulated sums are converted into calibrated
// voltages and Tick returns true to signal that new data is available.
//
// Tick is meant to be called on every loop iteration with a non-decreasing
// millisecond timestamp. The timestamp may wrap at 32 bits.
func (m *Monitor) Tick(nowMs uint32) bool {
	m.sampleCnt++

	for i := 0; i < m.cfg.Channels; i++ {
		m.accu[i] += uint32(m.adc.ReadRaw(m.cfg.ChannelStart + i))
	}

	if nowMs-m.lastTick >= m.gateTime {
		m.lastTick = nowMs
		m.update()
		return true
	}
	return false
}

// CellVoltage returns the voltage of a cell in mV. With absolute set the
// voltage at the ADC tap relative to ground is returned, otherwise the
// voltage across the single cell, i.e. relative to the tap below it. Cell 0
// has no tap below it so both readings are the same.
//
// Out of range cells read as 0. A transient reading where a tap measures
// below the tap under it is clamped to 0 rather than underflowing.
func (m *Monitor) CellVoltage(cell int, absolute bool) uint32 {
	switch {
	case cell < 0 || cell >= m.cfg.Channels:
		return 0
	case cell == 0 || absolute:
		return m.vcell[cell]
	case m.vcell[cell] >= m.vcell[cell-1]:
		return m.vcell[cell] - m.vcell[cell-1]
	}
	return 0
}

// NumCells infers how many cells are connected by scanning channels from 0
// upward until one reads below the minimum valid cell voltage. Pack wiring
// is assumed contiguous, so if a later channel reads a valid voltage after
// an earlier one failed, ErrInconsistentPack is returned.
func (m *Monitor) NumCells() (int, error) {
	cells := 0
	done := false

	for i := 0; i < m.cfg.Channels; i++ {
		if m.CellVoltage(i, false) >= m.cfg.VCellMin {
			if done {
				return 0, ErrInconsistentPack
			}
			cells++
		} else {
			done = true
		}
	}
	return cells, nil
}

// MinCellVoltage returns the lowest relative cell voltage in mV among the
// inferred present cells, or 0 if no cells are present or the pack reads
// inconsistent.
func (m *Monitor) MinCellVoltage() uint32 {
	cells, err := m.NumCells()
	if err != nil || cells == 0 {
		return 0
	}

	volt := uint32(math.MaxUint32)
	for i := 0; i < cells; i++ {
		if v := m.CellVoltage(i, false); v < volt {
			volt = v
		}
	}
	return volt
}

// Samples returns the number of samples accumulated for the most recent
// completed gate window, as a data quality signal.
func (m *Monitor) Samples() uint32 {
	return m.samples
}

// VRef returns the most recent reference voltage estimate in mV.
func (m *Monitor) VRef() uint32 {
	return m.vrefMv
}

// Calibrate derives a new scale factor for one cell from a known reference
// voltage in mV, typically measured with a multimeter at the balance
// connector, and writes it into the caller-owned parameter block.
//
// Calibrate blocks for one full gate time while it busy-samples the target
// channel, and must not be called while Tick is being driven. On return the
// accumulators and the gate timer are reset so periodic operation resumes
// clean. The new scale factor is returned.
func (m *Monitor) Calibrate(cell int, knownMv uint32) (uint32, error) {
	if cell < 0 || cell >= m.cfg.Channels {
		return 0, fmt.Errorf("cellmon: no such cell %d", cell)
	}

	m.updateVRef()

	m.accu[cell] = 0
	m.sampleCnt = 0
	m.lastTick = m.clock()

	for m.clock()-m.lastTick <= m.gateTime {
		m.accu[cell] += uint32(m.adc.ReadRaw(m.cfg.ChannelStart + cell))
		m.sampleCnt++
	}

	defer m.reset()

	if m.sampleCnt == 0 {
		return 0, ErrNoSamples
	}

	raw := m.accu[cell] / m.sampleCnt
	mv := raw * m.vrefMv / m.cfg.FullScale
	if mv == 0 {
		return 0, ErrZeroReading
	}

	scale := (knownMv << m.cfg.ScaleShift) / mv
	m.params.CellScale[cell] = scale
	return scale, nil
}

// update closes the gate window: it refreshes the reference voltage
// estimate, averages each channel's accumulator and converts it through the
// ADC transfer function and the channel scale factor. Integer truncation at
// every step is deliberate.
func (m *Monitor) update() {
	if m.sampleCnt == 0 {
		// Gate time elapsed without a sample, keep the previous voltages.
		return
	}

	m.updateVRef()

	for i := 0; i < m.cfg.Channels; i++ {
		raw := m.accu[i] / m.sampleCnt
		mv := raw * m.vrefMv / m.cfg.FullScale
		m.vcell[i] = (mv * m.params.CellScale[i]) >> m.cfg.ScaleShift
		m.accu[i] = 0
	}

	m.samples = m.sampleCnt
	m.sampleCnt = 0
}

// updateVRef re-estimates the reference voltage from the dedicated reference
// channel. A zero raw reading keeps the previous estimate.
func (m *Monitor) updateVRef() {
	raw := uint32(m.adc.ReadRaw(m.cfg.VRefChannel))
	if raw == 0 {
		return
	}
	m.vrefMv = m.cfg.VRefNominal * m.cfg.FullScale / raw
}

// reset zeroes the accumulator bank and restarts the gate timer.
func (m *Monitor) reset() {
	for i := range m.accu {
		m.accu[i] = 0
	}
	m.sampleCnt = 0
	m.lastTick = m.clock()
}
