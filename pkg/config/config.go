package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	Sensor SensorConfig `yaml:"sensor"`
	Tuning TuningConfig `yaml:"tuning"`
	Scale  ScaleConfig  `yaml:"scale"`
	Mock   MockConfig   `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// SensorConfig describes one HX71x sensor: the chip model, up to four
// chip pin pairs, and the acquisition settings. Pin names may carry an
// "mcu:" prefix naming the controller the pin belongs to; all pins of one
// sensor must name the same controller.
type SensorConfig struct {
	Type string `yaml:"type"` // "hx711" or "hx717"
	Name string `yaml:"name"`

	DoutPin1 string `yaml:"dout_pin1"`
	SclkPin1 string `yaml:"sclk_pin1"`
	DoutPin2 string `yaml:"dout_pin2"`
	SclkPin2 string `yaml:"sclk_pin2"`
	DoutPin3 string `yaml:"dout_pin3"`
	SclkPin3 string `yaml:"sclk_pin3"`
	DoutPin4 string `yaml:"dout_pin4"`
	SclkPin4 string `yaml:"sclk_pin4"`

	// SampleRate of 0 selects the chip model's default rate. Valid values
	// depend on the model (HX711: 80/10 sps, HX717: 320/80/20/10 sps).
	SampleRate int `yaml:"sample_rate"`
	// Gain of "" selects the model default ("A-128" for both models).
	Gain string `yaml:"gain"`
	// Endstop allocates an auxiliary endstop object id on the device for
	// use by homing logic. The id is carried opaquely by this layer.
	Endstop bool `yaml:"endstop"`
}

// PinPairs returns the configured (dout, sclk) pin pairs in order,
// stopping at the first unset dout pin.
func (s *SensorConfig) PinPairs() [][2]string {
	all := [][2]string{
		{s.DoutPin1, s.SclkPin1},
		{s.DoutPin2, s.SclkPin2},
		{s.DoutPin3, s.SclkPin3},
		{s.DoutPin4, s.SclkPin4},
	}
	var pairs [][2]string
	for _, p := range all {
		if p[0] == "" {
			break
		}
		pairs = append(pairs, p)
	}
	return pairs
}

// TuningConfig contains acquisition timing tunables.
type TuningConfig struct {
	// UpdateInterval is the batch processing period in seconds.
	UpdateInterval float64 `yaml:"update_interval"`
	// Smoothing is the clock regression smoothing duration in seconds.
	// The regression window holds sample_rate * smoothing * 2 entries.
	Smoothing float64 `yaml:"smoothing"`
	// AckTimeout bounds the wait for the stop acknowledgement, in seconds.
	AckTimeout float64 `yaml:"ack_timeout"`
}

// ScaleConfig contains load cell conversion parameters.
type ScaleConfig struct {
	CountsPerGram  float64 `yaml:"counts_per_gram"`
	AverageSamples int     `yaml:"average_samples"` // 0 disables averaging
	TareSamples    int     `yaml:"tare_samples"`
}

// MockConfig contains mock transport configuration.
type MockConfig struct {
	BiasCounts  int32 `yaml:"bias_counts"`  // Baseline counter value
	NoiseCounts int32 `yaml:"noise_counts"` // Peak noise amplitude
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port: "/dev/ttyACM0",
			Baud: 250000,
		},
		Sensor: SensorConfig{
			Type:     "hx717",
			Name:     "load_cell",
			DoutPin1: "mcu:PB6",
			SclkPin1: "mcu:PB7",
		},
		Tuning: TuningConfig{
			UpdateInterval: 0.10,
			Smoothing:      0.10,
			AckTimeout:     2.0,
		},
		Scale: ScaleConfig{
			CountsPerGram:  420.0,
			AverageSamples: 0,
			TareSamples:    32,
		},
		Mock: MockConfig{
			BiasCounts:  12000,
			NoiseCounts: 40,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.Baud == 0 {
		c.Serial.Baud = def.Serial.Baud
	}

	if c.Sensor.Type == "" {
		c.Sensor.Type = def.Sensor.Type
	}
	if c.Sensor.Name == "" {
		c.Sensor.Name = def.Sensor.Name
	}

	if c.Tuning.UpdateInterval == 0 {
		c.Tuning.UpdateInterval = def.Tuning.UpdateInterval
	}
	if c.Tuning.Smoothing == 0 {
		c.Tuning.Smoothing = def.Tuning.Smoothing
	}
	if c.Tuning.AckTimeout == 0 {
		c.Tuning.AckTimeout = def.Tuning.AckTimeout
	}

	if c.Scale.CountsPerGram == 0 {
		c.Scale.CountsPerGram = def.Scale.CountsPerGram
	}
	if c.Scale.TareSamples == 0 {
		c.Scale.TareSamples = def.Scale.TareSamples
	}
}
