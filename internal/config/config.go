// Package config loads the simulator daemon's YAML configuration,
// following the nested-struct-with-yaml-tags style of the source
// project's internal/config/config.go, extended with the ECU roster,
// vehicle profile path, and test-harness selection this simulator
// needs that the source project's transport-only config did not.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Bus struct {
		Mode      string `yaml:"mode"` // "virtual" (default) or "hardware"
		Interface string `yaml:"interface"` // e.g. "vcan0", for mode "hardware"
	} `yaml:"bus"`

	ECUs []ECUConfig `yaml:"ecus"`

	Profile string `yaml:"profile"`
	Seed    int64  `yaml:"seed"`

	Capture struct {
		Enabled  bool   `yaml:"enabled"`
		Filename string `yaml:"filename"`
	} `yaml:"capture"`

	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Datastore struct {
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		InfluxDB struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
			Org     string `yaml:"org"`
			Bucket  string `yaml:"bucket"`
			Token   string `yaml:"token"`
		} `yaml:"influxdb"`
	} `yaml:"datastore"`

	Harness struct {
		Serial struct {
			Enabled bool   `yaml:"enabled"`
			Port    string `yaml:"port"`
			Baud    int    `yaml:"baud"`
		} `yaml:"serial"`
	} `yaml:"harness"`
}

// ECUConfig describes one simulated ECU's address pair and DTC prefix.
type ECUConfig struct {
	Name       string `yaml:"name"`
	RequestID  uint32 `yaml:"requestId"`
	ResponseID uint32 `yaml:"responseId"`
	DTCPrefix  string `yaml:"dtcPrefix"`
}

// LoadConfig reads the config file and returns a Config struct.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	if len(cfg.ECUs) == 0 {
		return nil, fmt.Errorf("config: %s declares no ecus", filename)
	}
	for _, e := range cfg.ECUs {
		if e.Name == "" {
			return nil, fmt.Errorf("config: ecu entry missing name")
		}
		if e.RequestID == 0 || e.ResponseID == 0 {
			return nil, fmt.Errorf("config: ecu %s missing requestId/responseId", e.Name)
		}
	}
	return &cfg, nil
}
