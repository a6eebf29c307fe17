/*
cellmon-cal - derives cell scale factors from a known reference voltage
Copyright (C) 2025, The PackSense Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// cellmon-cal calibrates one channel of the resistor-divider network
// against a voltage measured externally, e.g. with a multimeter at the
// balance connector, and stores the updated parameter block. It must not
// run while cellmon-daemon is driving the same ADC.
package main

import (
	"fmt"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"github.com/PackSenseProject/cellmon/adc"
	"github.com/PackSenseProject/cellmon/cellmon"
	"github.com/PackSenseProject/cellmon/params"
)

var version = "<not set>"

var log = logrus.New()

type Args struct {
	Cell       int    `arg:"positional,required" help:"cell number to calibrate, starting at 0"`
	VoltageMv  uint32 `arg:"positional,required" help:"externally measured tap voltage in mV"`
	Source     string `arg:"--source" help:"ADC frontend: ads1115 or serial" default:"ads1115"`
	I2CBus     string `arg:"--i2c-bus" help:"i2c bus name, empty for the first one"`
	I2CAddress uint16 `arg:"--i2c-address" help:"ADS1115 address" default:"72"`
	SerialPort string `arg:"--serial-port" help:"serial sampler port" default:"/dev/ttyUSB0"`
	Channels   int    `arg:"--channels" help:"number of cell channels" default:"6"`
	GateTime   uint32 `arg:"--gate-time" help:"sampling time in ms" default:"250"`
	ParamsFile string `arg:"-p,--params" help:"parameter block file" default:"/etc/cellmon/params.json"`
	DividerR1  uint32 `arg:"--divider-r1" help:"divider R1 in ohms, for default scales" default:"10000"`
	DividerR2  uint32 `arg:"--divider-r2" help:"divider R2 in ohms, for default scales" default:"10000"`
}

func (Args) Version() string {
	return version
}

func main() {
	if err := runMain(); err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	args := Args{}
	arg.MustParse(&args)
	adc.SetLogger(log)

	var reader cellmon.ADC
	var err error
	switch args.Source {
	case "ads1115":
		reader, err = adc.NewADS1115(args.I2CBus, args.I2CAddress)
	case "serial":
		reader, err = adc.OpenSampler(args.SerialPort, adc.DefaultBaud)
	default:
		return fmt.Errorf("unknown source '%s'", args.Source)
	}
	if err != nil {
		return err
	}

	pack, err := params.Load(args.ParamsFile, args.Channels, cellmon.DefaultScaleShift)
	if err != nil {
		log.Warnf("Could not load params file: %v", err)
		log.Info("Starting from default scale factors.")
		pack = params.Default(args.Channels, args.DividerR1, args.DividerR2, cellmon.DefaultScaleShift)
	}

	cfg := cellmon.DefaultConfig()
	cfg.Channels = args.Channels
	cfg.VRefChannel = args.Channels
	cfg.GateTime = args.GateTime

	start := time.Now()
	clock := func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	}

	monitor, err := cellmon.New(reader, clock, pack, cfg)
	if err != nil {
		return err
	}

	if args.Cell < 0 || args.Cell >= args.Channels {
		return fmt.Errorf("no such cell %d", args.Cell)
	}

	old := pack.CellScale[args.Cell]
	log.Infof("Sampling cell %d for %dms against %d mV...", args.Cell, args.GateTime, args.VoltageMv)

	scale, err := monitor.Calibrate(args.Cell, args.VoltageMv)
	if err != nil {
		return fmt.Errorf("calibration failed: %v", err)
	}

	log.Infof("Scale old: %d", old)
	log.Infof("Scale new: %d (vref %d mV)", scale, monitor.VRef())

	if err := params.Save(args.ParamsFile, pack, cellmon.DefaultScaleShift); err != nil {
		return err
	}
	log.Info("Saved ", args.ParamsFile)
	return nil
}
