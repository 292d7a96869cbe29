// Package config loads and persists the two JSON configuration files each
// instrument server carries: the hardware configuration (serial port settings
// and parameter specs) and the server configuration (users, token signing,
// CORS). Both are rewritten atomically on shutdown and on credential change
// so the next startup restores user-visible settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/labctrl/instrument-mgmt/pkg/types"
)

type SerialConfig struct {
	Port     string  `json:"port"`
	Baudrate int     `json:"baudrate"`
	Timeout  float64 `json:"timeout"` // seconds, command round trip
}

type StageConfig struct {
	Position     types.ParameterSpec `json:"position"`
	Velocity     types.ParameterSpec `json:"velocity"`
	Acceleration types.ParameterSpec `json:"acceleration"`
}

type SensorConfig struct {
	Temperature                 types.ParameterSpec `json:"temperature"`
	Humidity                    types.ParameterSpec `json:"humidity"`
	TemperatureSamplingInterval types.ParameterSpec `json:"temperature_sampling_interval"`
	HumiditySamplingInterval    types.ParameterSpec `json:"humidity_sampling_interval"`
}

type ShutterConfig struct {
	Channels int    `json:"channels"`
	Open     []bool `json:"open"`
}

type SpectrometerConfig struct {
	IntegrationTime types.ParameterSpec `json:"integration_time"`
	Points          int                 `json:"points"`
}

// HardwareConfig describes one attached device. Exactly one of the device
// sections is expected to be present, matching the -device flag.
type HardwareConfig struct {
	Serial       SerialConfig        `json:"serial"`
	Stage        *StageConfig        `json:"stage,omitempty"`
	Sensor       *SensorConfig       `json:"sensor,omitempty"`
	Shutter      *ShutterConfig      `json:"shutter,omitempty"`
	Spectrometer *SpectrometerConfig `json:"spectrometer,omitempty"`
}

func (c *HardwareConfig) Validate() error {
	specs := map[string]types.ParameterSpec{}
	if c.Stage != nil {
		specs["position"] = c.Stage.Position
		specs["velocity"] = c.Stage.Velocity
		specs["acceleration"] = c.Stage.Acceleration
	}
	if c.Sensor != nil {
		specs["temperature"] = c.Sensor.Temperature
		specs["humidity"] = c.Sensor.Humidity
		specs["temperature_sampling_interval"] = c.Sensor.TemperatureSamplingInterval
		specs["humidity_sampling_interval"] = c.Sensor.HumiditySamplingInterval
	}
	if c.Spectrometer != nil {
		specs["integration_time"] = c.Spectrometer.IntegrationTime
	}
	for name, spec := range specs {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("parameter %s: %w", name, err)
		}
	}
	return nil
}

type JWTConfig struct {
	Secret        string `json:"secret"`
	Algorithm     string `json:"algorithm"`
	ExpireSeconds int    `json:"expire_seconds"`
}

type AuthConfig struct {
	Users []types.User `json:"users"`
	JWT   JWTConfig    `json:"jwt"`
}

type CORSConfig struct {
	Origins          []string `json:"origins"`
	AllowCredentials bool     `json:"allow_credentials"`
	AllowMethods     []string `json:"allow_methods"`
	AllowHeaders     []string `json:"allow_headers"`
}

type ServerConfig struct {
	Auth AuthConfig `json:"auth"`
	CORS CORSConfig `json:"CORS"`
}

func LoadHardwareConfig(path string) (*HardwareConfig, error) {
	cfg := &HardwareConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("hardware config %s: %w", path, err)
	}
	return cfg, nil
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("could not parse %s: %w", path, err)
	}
	return nil
}

// Dump writes v to path atomically: the new contents land in a temp file in
// the same directory and replace the old file with a rename, so a crash mid
// write never leaves a truncated config behind.
func Dump(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("could not marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("could not create temp config file: %w", err)
	}

	_, err = tmp.Write(append(b, '\n'))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not write temp config file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not replace config file: %w", err)
	}
	return nil
}
