/*
cellmon-daemon - monitors per-cell battery pack voltages
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

package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	arg "github.com/alexflint/go-arg"
	"github.com/sirupsen/logrus"

	"github.com/PackSenseProject/cellmon/adc"
	"github.com/PackSenseProject/cellmon/cellmon"
	"github.com/PackSenseProject/cellmon/params"
)

const logInterval = time.Minute

var version = "<not set>"

var log = logrus.New()

var (
	// mu serializes access to the monitor: the tick loop and the D-Bus
	// handlers both drive it, and Calibrate must never overlap a Tick.
	mu      sync.Mutex
	monitor *cellmon.Monitor
)

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"configuration file" default:"/etc/cellmon/cellmon.yaml"`
	LogLevel   string `arg:"--log-level" help:"log level: debug, info, warn or error" default:"info"`
}

func (Args) Version() string {
	return version
}

func procArgs() Args {
	args := Args{}
	arg.MustParse(&args)
	return args
}

type customFormatter struct{}

func (f *customFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("[%s] %s\n", strings.ToUpper(entry.Level.String()), entry.Message)), nil
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
		log.Warn("Unknown log level, defaulting to info")
	}
}

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err.Error())
	}
}

func runMain() error {
	log.SetFormatter(new(customFormatter))
	args := procArgs()
	setLogLevel(args.LogLevel)
	adc.SetLogger(log)

	log.Info("Running version: ", version)

	conf, err := ParseConfig(args.ConfigFile)
	if err != nil {
		return err
	}

	reader, err := openADC(conf)
	if err != nil {
		return err
	}

	pack, err := params.Load(conf.ParamsFile, conf.Channels, cellmon.DefaultScaleShift)
	if err != nil {
		log.Warnf("Could not load params file: %v", err)
		log.Info("Using default scale factors, calibrate to improve accuracy.")
		pack = params.Default(conf.Channels, conf.DividerR1, conf.DividerR2, cellmon.DefaultScaleShift)
	}

	start := time.Now()
	clock := func() uint32 {
		return uint32(time.Since(start).Milliseconds())
	}

	monitor, err = cellmon.New(reader, clock, pack, conf.monitorConfig())
	if err != nil {
		return err
	}

	if err := startService(conf, pack); err != nil {
		return err
	}

	var publisher *mqttPublisher
	if conf.MQTT.Enable {
		publisher, err = newMQTTPublisher(conf.MQTT)
		if err != nil {
			return err
		}
		defer publisher.Close()
	}

	if err := keepLastLines(conf.CSVFile, conf.MaxCSVLines); err != nil {
		return err
	}
	trimCSVTime := time.Now()

	lastLogTime := time.Time{}

	sampleRate := time.Duration(conf.SampleRate) * time.Millisecond
	log.Infof("Monitoring %d channels from %s every %s, gate time %dms.",
		conf.Channels, conf.Source, sampleRate, conf.GateTime)

	for {
		mu.Lock()
		newData := monitor.Tick(clock())
		var r reading
		if newData {
			r = snapshot(conf.Channels)
		}
		mu.Unlock()

		if newData {
			if time.Since(lastLogTime) > logInterval {
				log.Info(r.String())
				lastLogTime = time.Now()
			} else {
				log.Debug(r.String())
			}

			if err := appendCSV(conf.CSVFile, r); err != nil {
				return err
			}
			if time.Since(trimCSVTime) > 24*time.Hour {
				if err := keepLastLines(conf.CSVFile, conf.MaxCSVLines); err != nil {
					return err
				}
				trimCSVTime = time.Now()
			}

			if publisher != nil {
				if err := publisher.Publish(r); err != nil {
					log.Errorf("MQTT publish failed: %v", err)
				}
			}
		}

		time.Sleep(sampleRate)
	}
}

func openADC(conf *Config) (cellmon.ADC, error) {
	switch conf.Source {
	case "ads1115":
		return adc.NewADS1115(conf.I2CBus, conf.I2CAddress)
	case "serial":
		return adc.OpenSampler(conf.SerialPort, conf.Baud)
	case "sim":
		levels := conf.SimLevels
		if len(levels) == 0 {
			levels = defaultSimLevels(conf)
		}
		return adc.NewSim(levels, conf.SimNoise, time.Now().UnixNano()), nil
	}
	return nil, fmt.Errorf("unknown source '%s'", conf.Source)
}

// defaultSimLevels builds a healthy looking pack: evenly spaced taps on the
// cell channels and a mid-scale reference.
func defaultSimLevels(conf *Config) []uint16 {
	n := conf.ChannelStart + conf.Channels
	if conf.VRefChannel >= n {
		n = conf.VRefChannel + 1
	}
	levels := make([]uint16, n)
	for i := 0; i < conf.Channels; i++ {
		levels[conf.ChannelStart+i] = uint16(4095 * (i + 1) / conf.Channels)
	}
	levels[conf.VRefChannel] = 2048
	return levels
}

// reading is one completed gate window's worth of data. snapshot must be
// called with mu held.
type reading struct {
	time    time.Time
	cellsMv []uint32 // relative voltages
	packMv  uint32
	numCell int
	fault   bool
	minMv   uint32
	vrefMv  uint32
	samples uint32
}

func snapshot(channels int) reading {
	r := reading{
		time:    time.Now(),
		cellsMv: make([]uint32, channels),
		packMv:  monitor.CellVoltage(channels-1, true),
		minMv:   monitor.MinCellVoltage(),
		vrefMv:  monitor.VRef(),
		samples: monitor.Samples(),
	}
	for i := 0; i < channels; i++ {
		r.cellsMv[i] = monitor.CellVoltage(i, false)
	}
	cells, err := monitor.NumCells()
	if err != nil {
		r.fault = true
	}
	r.numCell = cells
	return r
}

func (r reading) String() string {
	if r.fault {
		return fmt.Sprintf("Pack fault (check balance leads), cells %v mV", r.cellsMv)
	}
	return fmt.Sprintf("%dS pack, cells %v mV, min %d mV, %d samples",
		r.numCell, r.cellsMv[:r.numCell], r.minMv, r.samples)
}
