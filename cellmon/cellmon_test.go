package cellmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeADC returns a fixed raw code per channel.
type fakeADC struct {
	raw []uint16
}

func (f *fakeADC) ReadRaw(channel int) uint16 {
	return f.raw[channel]
}

// fakeClock advances by step milliseconds on every read.
type fakeClock struct {
	now  uint32
	step uint32
}

func (c *fakeClock) Now() uint32 {
	t := c.now
	c.now += c.step
	return t
}

func testConfig(channels int) Config {
	cfg := DefaultConfig()
	cfg.Channels = channels
	cfg.VRefChannel = channels
	return cfg
}

// harness drives a monitor over len(raw)-1 fake ADC channels, the last raw
// entry being the reference channel.
type harness struct {
	m   *Monitor
	adc *fakeADC
	now uint32
}

func newHarness(t *testing.T, raw []uint16, scale []uint32) *harness {
	t.Helper()
	adc := &fakeADC{raw: raw}
	clock := &fakeClock{step: 1}
	m, err := New(adc, clock.Now, &Params{CellScale: scale}, testConfig(len(raw)-1))
	require.NoError(t, err)
	return &harness{m: m, adc: adc}
}

// closeWindow ticks with monotonically increasing timestamps until the gate
// window closes.
func (h *harness) closeWindow(t *testing.T) {
	t.Helper()
	for i := 0; i < 10; i++ {
		h.now += DefaultGateTime / 2
		if h.m.Tick(h.now) {
			return
		}
	}
	t.Fatal("gate window did not close")
}

func TestNewValidation(t *testing.T) {
	adc := &fakeADC{raw: make([]uint16, 7)}
	clock := &fakeClock{}
	params := &Params{CellScale: make([]uint32, 6)}

	_, err := New(nil, clock.Now, params, DefaultConfig())
	assert.Error(t, err)

	_, err = New(adc, nil, params, DefaultConfig())
	assert.Error(t, err)

	_, err = New(adc, clock.Now, nil, DefaultConfig())
	assert.Error(t, err)

	_, err = New(adc, clock.Now, &Params{CellScale: make([]uint32, 3)}, DefaultConfig())
	assert.Error(t, err, "params must cover every channel")

	cfg := DefaultConfig()
	cfg.FullScale = 0
	_, err = New(adc, clock.Now, params, cfg)
	assert.Error(t, err)

	m, err := New(adc, clock.Now, params, DefaultConfig())
	assert.NoError(t, err)
	assert.NotNil(t, m)
}

func TestWindowCloseMath(t *testing.T) {
	// Mid-scale on every channel including the reference, unity scale
	// factors (2048 >> 11 == 1).
	h := newHarness(t, []uint16{2048, 2048, 2048, 2048}, []uint32{2048, 2048, 2048})

	assert.False(t, h.m.Tick(0), "gate time has not elapsed yet")
	assert.True(t, h.m.Tick(DefaultGateTime))

	// Every step truncates: vref = 1200*4095/2048 = 2399,
	// mv = 2048*2399/4095 = 1199, voltage = 1199*2048>>11 = 1199.
	assert.Equal(t, uint32(2399), h.m.VRef())
	assert.Equal(t, uint32(2), h.m.Samples())
	for i := 0; i < 3; i++ {
		assert.Equal(t, uint32(1199), h.m.CellVoltage(i, true))
	}

	// Uniform taps mean no voltage across cells 1 and 2.
	assert.Equal(t, uint32(0), h.m.CellVoltage(1, false))
	assert.Equal(t, uint32(0), h.m.CellVoltage(2, false))
}

func TestCellVoltageRelative(t *testing.T) {
	// Taps at 400mV, 800mV and 1200mV with unity scaling.
	h := newHarness(t, []uint16{1365, 2730, 4095, 4095}, []uint32{2048, 2048, 2048})
	h.closeWindow(t)

	// Cell 0 reads the same absolute and relative.
	assert.Equal(t, h.m.CellVoltage(0, true), h.m.CellVoltage(0, false))

	for i := 1; i < 3; i++ {
		want := h.m.CellVoltage(i, true) - h.m.CellVoltage(i-1, true)
		assert.Equal(t, want, h.m.CellVoltage(i, false))
	}

	// Out of range channels read as zero, not as an error.
	assert.Equal(t, uint32(0), h.m.CellVoltage(3, false))
	assert.Equal(t, uint32(0), h.m.CellVoltage(-1, true))
}

func TestCellVoltageUnderflowClamped(t *testing.T) {
	// Tap 1 transiently reads below tap 0.
	h := newHarness(t, []uint16{2730, 1365, 0, 4095}, []uint32{2048, 2048, 2048})
	h.closeWindow(t)

	assert.Greater(t, h.m.CellVoltage(0, true), h.m.CellVoltage(1, true))
	assert.Equal(t, uint32(0), h.m.CellVoltage(1, false))
}

func TestNumCells(t *testing.T) {
	// Three populated channels out of four.
	h := newHarness(t, []uint16{1365, 2730, 4000, 0, 4095}, []uint32{2048, 2048, 2048, 2048})
	h.closeWindow(t)

	cells, err := h.m.NumCells()
	assert.NoError(t, err)
	assert.Equal(t, 3, cells)

	// Empty pack.
	h.adc.raw = []uint16{0, 0, 0, 0, 4095}
	h.closeWindow(t)
	cells, err = h.m.NumCells()
	assert.NoError(t, err)
	assert.Equal(t, 0, cells)
}

func TestNumCellsInconsistent(t *testing.T) {
	// Channel 1 reads absent while channel 2 still reads a valid voltage,
	// i.e. a broken balance lead.
	h := newHarness(t, []uint16{1365, 1365, 4000, 0, 4095}, []uint32{2048, 2048, 2048, 2048})
	h.closeWindow(t)

	assert.Less(t, h.m.CellVoltage(1, false), uint32(DefaultVCellMin))
	assert.GreaterOrEqual(t, h.m.CellVoltage(2, false), uint32(DefaultVCellMin))

	_, err := h.m.NumCells()
	assert.ErrorIs(t, err, ErrInconsistentPack)
}

func TestMinCellVoltage(t *testing.T) {
	h := newHarness(t, []uint16{1365, 2500, 4000, 0, 4095}, []uint32{2048, 2048, 2048, 2048})
	h.closeWindow(t)

	cells, err := h.m.NumCells()
	require.NoError(t, err)
	require.Equal(t, 3, cells)

	want := h.m.CellVoltage(0, false)
	for i := 1; i < cells; i++ {
		if v := h.m.CellVoltage(i, false); v < want {
			want = v
		}
	}
	assert.Equal(t, want, h.m.MinCellVoltage())

	// No cells present reads as zero.
	h.adc.raw = []uint16{0, 0, 0, 0, 4095}
	h.closeWindow(t)
	assert.Equal(t, uint32(0), h.m.MinCellVoltage())

	// An inconsistent pack also reads as zero.
	h.adc.raw = []uint16{1365, 0, 4000, 0, 4095}
	h.closeWindow(t)
	assert.Equal(t, uint32(0), h.m.MinCellVoltage())
}

func TestGettersIdempotent(t *testing.T) {
	h := newHarness(t, []uint16{1365, 2730, 4000, 0, 4095}, []uint32{2048, 2048, 2048, 2048})
	h.closeWindow(t)

	cells1, err1 := h.m.NumCells()
	cells2, err2 := h.m.NumCells()
	assert.Equal(t, cells1, cells2)
	assert.Equal(t, err1, err2)

	for i := 0; i < 4; i++ {
		assert.Equal(t, h.m.CellVoltage(i, false), h.m.CellVoltage(i, false))
		assert.Equal(t, h.m.CellVoltage(i, true), h.m.CellVoltage(i, true))
	}
	assert.Equal(t, h.m.MinCellVoltage(), h.m.MinCellVoltage())
	assert.Equal(t, h.m.VRef(), h.m.VRef())
	assert.Equal(t, h.m.Samples(), h.m.Samples())
}

func TestTickTimestampWraparound(t *testing.T) {
	h := newHarness(t, []uint16{2048, 2048, 2048, 2048}, []uint32{2048, 2048, 2048})

	// First tick is already a full window away from the zero baseline.
	assert.True(t, h.m.Tick(0xFFFFFF00))

	// The counter wraps between windows; the unsigned difference still
	// measures the elapsed time.
	assert.False(t, h.m.Tick(0xFFFFFFF0))
	assert.True(t, h.m.Tick(0x00000040))
}

func TestSetGateTime(t *testing.T) {
	h := newHarness(t, []uint16{2048, 2048, 2048, 2048}, []uint32{2048, 2048, 2048})
	assert.Equal(t, uint32(DefaultGateTime), h.m.GateTime())

	h.m.SetGateTime(1000)
	assert.Equal(t, uint32(1000), h.m.GateTime())

	assert.False(t, h.m.Tick(250), "old gate time must not apply")
	assert.False(t, h.m.Tick(999))
	assert.True(t, h.m.Tick(1000))
}

func TestVRefZeroRawKeepsEstimate(t *testing.T) {
	h := newHarness(t, []uint16{2048, 2048, 2048, 2048}, []uint32{2048, 2048, 2048})
	h.closeWindow(t)
	vref := h.m.VRef()
	require.NotZero(t, vref)

	// A dead reference reading must not zero the estimate.
	h.adc.raw[3] = 0
	h.closeWindow(t)
	assert.Equal(t, vref, h.m.VRef())
}

func TestCalibrate(t *testing.T) {
	adc := &fakeADC{raw: []uint16{2048, 2048, 2048, 2048}}
	clock := &fakeClock{step: 10}
	params := &Params{CellScale: []uint32{2048, 2048, 2048}}
	m, err := New(adc, clock.Now, params, testConfig(3))
	require.NoError(t, err)

	scale, err := m.Calibrate(1, 1200)
	require.NoError(t, err)

	// vref = 1200*4095/2048 = 2399, mv = 2048*2399/4095 = 1199,
	// scale = 1200<<11 / 1199 = 2049.
	assert.Equal(t, uint32(2049), scale)
	assert.Equal(t, uint32(2049), params.CellScale[1])
	assert.Equal(t, uint32(2048), params.CellScale[0], "other channels untouched")
	assert.Equal(t, uint32(2048), params.CellScale[2])

	// Periodic operation resumes clean after calibration.
	assert.True(t, m.Tick(0xFFFFFFFF))
	assert.NotZero(t, m.CellVoltage(1, true))
}

func TestCalibrateRange(t *testing.T) {
	h := newHarness(t, []uint16{2048, 2048, 2048, 2048}, []uint32{2048, 2048, 2048})

	_, err := h.m.Calibrate(3, 1200)
	assert.Error(t, err)
	_, err = h.m.Calibrate(-1, 1200)
	assert.Error(t, err)
}

func TestCalibrateZeroReading(t *testing.T) {
	// A dead channel averages to zero millivolts, which would make the
	// scale division undefined.
	adc := &fakeADC{raw: []uint16{0, 2048, 2048, 2048}}
	clock := &fakeClock{step: 10}
	params := &Params{CellScale: []uint32{2048, 2048, 2048}}
	m, err := New(adc, clock.Now, params, testConfig(3))
	require.NoError(t, err)

	_, err = m.Calibrate(0, 1200)
	assert.ErrorIs(t, err, ErrZeroReading)
	assert.Equal(t, uint32(2048), params.CellScale[0], "scale must be left alone")
}

func TestCalibrateNoSamples(t *testing.T) {
	// The clock jumps past the gate time before a single sample is taken.
	adc := &fakeADC{raw: []uint16{2048, 2048, 2048, 2048}}
	clock := &fakeClock{step: DefaultGateTime + 1}
	params := &Params{CellScale: []uint32{2048, 2048, 2048}}
	m, err := New(adc, clock.Now, params, testConfig(3))
	require.NoError(t, err)

	before := make([]uint32, 3)
	for i := range before {
		before[i] = m.CellVoltage(i, true)
	}

	_, err = m.Calibrate(0, 1200)
	assert.ErrorIs(t, err, ErrNoSamples)

	// Voltages are untouched by the failed calibration.
	for i := range before {
		assert.Equal(t, before[i], m.CellVoltage(i, true))
	}
}
