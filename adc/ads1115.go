// Package adc provides frontends that satisfy cellmon.ADC.
//
// The monitor's sampling path treats the ADC as infallible, so every
// frontend here absorbs transport errors itself: a failed conversion is
// logged and the last good sample for that channel is served instead.
package adc

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var log = logrus.New()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	log = l
}

const (
	// DefaultADS1115Address is the ADS1115 address with ADDR tied to GND.
	DefaultADS1115Address = 0x48

	ads1115Channels = 4

	regConversion = 0x00
	regConfig     = 0x01

	// Single-shot, FS ±4.096V, 128SPS, comparator disabled. The channel
	// mux bits get OR'd in per read.
	configBase = 0x8383

	// One conversion at 128SPS takes just under 8ms.
	conversionDelay = 9 * time.Millisecond
)

// ADS1115 reads single-ended channels of a TI ADS1115 over I2C.
//
// The 16 bit single-ended result is scaled down to a 12 bit code so it can
// be fed to a monitor configured with the default full-scale of 4095.
type ADS1115 struct {
	dev  *i2c.Dev
	bus  i2c.BusCloser
	last [ads1115Channels]uint16
}

// NewADS1115 opens the I2C bus with the given name ("" for the first
// available one) and returns a reader for the ADS1115 at addr.
func NewADS1115(busName string, addr uint16) (*ADS1115, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialise periph host: %v", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus: %v", err)
	}
	return &ADS1115{
		dev: &i2c.Dev{Addr: addr, Bus: bus},
		bus: bus,
	}, nil
}

// Close releases the I2C bus.
func (a *ADS1115) Close() error {
	return a.bus.Close()
}

// ReadRaw triggers a single-shot conversion on the given channel and returns
// the result as a 12 bit code. Negative codes (the input floating slightly
// below ground) clamp to 0. On a transport error the last good sample for
// the channel is returned.
func (a *ADS1115) ReadRaw(channel int) uint16 {
	if channel < 0 || channel >= ads1115Channels {
		log.Errorf("ads1115: no such channel %d", channel)
		return 0
	}

	config := uint16(configBase) | uint16(0x4|channel)<<12
	if err := a.dev.Tx([]byte{regConfig, byte(config >> 8), byte(config)}, nil); err != nil {
		log.Warnf("ads1115: failed to start conversion on channel %d: %v", channel, err)
		return a.last[channel]
	}

	time.Sleep(conversionDelay)

	buf := make([]byte, 2)
	if err := a.dev.Tx([]byte{regConversion}, buf); err != nil {
		log.Warnf("ads1115: failed to read conversion on channel %d: %v", channel, err)
		return a.last[channel]
	}

	code := int16(buf[0])<<8 | int16(buf[1])
	if code < 0 {
		code = 0
	}
	raw := uint16(code) >> 3 // 15 significant bits down to 12

	a.last[channel] = raw
	return raw
}
