// Package params persists the caller-owned calibration parameter block of a
// cell voltage monitor across restarts. The monitor itself never touches
// storage; this is the surrounding application's half of that contract.
package params

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sigurn/crc8"

	"github.com/PackSenseProject/cellmon/cellmon"
)

const fileVersion = 1

var errBadChecksum = errors.New("params checksum mismatch")

var crcTable = crc8.MakeTable(crc8.Params{
	Poly:   0x31, // Polynomial 1 + x^4 + x^5 + x^8
	Init:   0xFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
})

// File is the on-disk form of the parameter block.
type File struct {
	Version    int       `json:"version"`
	Saved      time.Time `json:"saved"`
	ScaleShift uint8     `json:"scale_shift"`
	CellScale  []uint32  `json:"cell_scale"`
	CRC        uint8     `json:"crc"`
}

// Default builds a parameter block for channels identical cells measured
// through an R1 over R2 divider:
//
//	ADC
//	 |
//	 +-- R1 --< cell tap
//	 +-- R2 --| GND
//
// so each scale factor is (R1+R2) << shift / R2.
func Default(channels int, r1, r2 uint32, shift uint8) *cellmon.Params {
	scale := (r1 + r2) << shift / r2
	cellScale := make([]uint32, channels)
	for i := range cellScale {
		cellScale[i] = scale
	}
	return &cellmon.Params{CellScale: cellScale}
}

// Load reads a parameter block from path, checking the file version, the
// checksum, the channel count and that the scale denominator matches the
// monitor's.
func Load(path string, channels int, shift uint8) (*cellmon.Params, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read params file: %v", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params file: %v", err)
	}

	if f.Version != fileVersion {
		return nil, fmt.Errorf("unsupported params file version %d", f.Version)
	}
	if f.CRC != checksum(f.ScaleShift, f.CellScale) {
		return nil, errBadChecksum
	}
	if len(f.CellScale) != channels {
		return nil, fmt.Errorf("params file has %d channels, expected %d", len(f.CellScale), channels)
	}
	if f.ScaleShift != shift {
		return nil, fmt.Errorf("params file uses scale shift %d, expected %d", f.ScaleShift, shift)
	}
	for i, s := range f.CellScale {
		if s == 0 {
			return nil, fmt.Errorf("channel %d has a zero scale factor", i)
		}
	}

	return &cellmon.Params{CellScale: f.CellScale}, nil
}

// Save writes the parameter block to path. Callers persist after every
// successful calibration.
func Save(path string, p *cellmon.Params, shift uint8) error {
	f := File{
		Version:    fileVersion,
		Saved:      time.Now().Truncate(time.Second),
		ScaleShift: shift,
		CellScale:  p.CellScale,
		CRC:        checksum(shift, p.CellScale),
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal params: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write params file: %v", err)
	}
	return nil
}

// checksum covers the scale shift and the scale factors, the fields the
// monitor's math depends on.
func checksum(shift uint8, scales []uint32) uint8 {
	data := make([]byte, 1+4*len(scales))
	data[0] = shift
	for i, s := range scales {
		binary.BigEndian.PutUint32(data[1+4*i:], s)
	}
	return crc8.Checksum(data, crcTable)
}
