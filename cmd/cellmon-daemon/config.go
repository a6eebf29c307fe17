package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/PackSenseProject/cellmon/adc"
	"github.com/PackSenseProject/cellmon/cellmon"
)

// Config is the daemon configuration, read from a YAML file. Missing fields
// keep their defaults.
type Config struct {
	// Source selects the ADC frontend: "ads1115", "serial" or "sim".
	Source     string `yaml:"source"`
	I2CBus     string `yaml:"i2c_bus"`
	I2CAddress uint16 `yaml:"i2c_address"`
	SerialPort string `yaml:"serial_port"`
	Baud       int    `yaml:"baud"`

	ChannelStart int    `yaml:"channel_start"`
	Channels     int    `yaml:"channels"`
	VRefChannel  int    `yaml:"vref_channel"`
	GateTime     uint32 `yaml:"gate_time_ms"`
	SampleRate   int    `yaml:"sample_rate_ms"`
	VCellMin     uint32 `yaml:"vcell_min_mv"`
	VRefNominal  uint32 `yaml:"vref_nominal_mv"`

	// Divider resistor values in ohms, used to compute default scale
	// factors when no params file exists yet.
	DividerR1 uint32 `yaml:"divider_r1"`
	DividerR2 uint32 `yaml:"divider_r2"`

	ParamsFile  string `yaml:"params_file"`
	CSVFile     string `yaml:"csv_file"`
	MaxCSVLines int    `yaml:"max_csv_lines"`

	// Sim frontend settings.
	SimLevels []uint16 `yaml:"sim_levels"`
	SimNoise  int      `yaml:"sim_noise"`

	MQTT MQTTConfig `yaml:"mqtt"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// DefaultConfig fits a 3 cell pack plus the reference onto the ADS1115's
// four inputs. Packs with more cells need the serial sampler frontend and a
// larger channel count.
func DefaultConfig() *Config {
	return &Config{
		Source:       "ads1115",
		I2CBus:       "",
		I2CAddress:   adc.DefaultADS1115Address,
		SerialPort:   "/dev/ttyUSB0",
		Baud:         adc.DefaultBaud,
		ChannelStart: 0,
		Channels:     3,
		VRefChannel:  3,
		GateTime:     cellmon.DefaultGateTime,
		SampleRate:   10,
		VCellMin:     cellmon.DefaultVCellMin,
		VRefNominal:  cellmon.DefaultVRefMv,
		DividerR1:    10000,
		DividerR2:    10000,
		ParamsFile:   "/etc/cellmon/params.json",
		CSVFile:      "/var/log/cellmon.csv",
		MaxCSVLines:  2000,
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			ClientID: "cellmon",
			Topic:    "cellmon/pack",
		},
	}
}

// ParseConfig loads the config file from path over the defaults. A missing
// file is not an error; the defaults apply.
func ParseConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		log.Infof("No config file at %s, using defaults.", path)
		return conf, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	if conf.Channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", conf.Channels)
	}
	if conf.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %dms", conf.SampleRate)
	}
	switch conf.Source {
	case "ads1115", "serial", "sim":
	default:
		return nil, fmt.Errorf("unknown source '%s'", conf.Source)
	}

	return conf, nil
}

// monitorConfig translates the daemon config into the core monitor's.
func (c *Config) monitorConfig() cellmon.Config {
	return cellmon.Config{
		ChannelStart: c.ChannelStart,
		Channels:     c.Channels,
		VRefChannel:  c.VRefChannel,
		GateTime:     c.GateTime,
		VCellMin:     c.VCellMin,
		VRefNominal:  c.VRefNominal,
		ScaleShift:   cellmon.DefaultScaleShift,
		FullScale:    cellmon.DefaultFullScale,
	}
}
