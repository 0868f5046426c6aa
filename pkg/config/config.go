// Package config provides configuration loading and management for nanodriftguard.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"nanodriftguard/internal/models"
	"nanodriftguard/pkg/calibration"
	"nanodriftguard/pkg/hardware/sim"
	"nanodriftguard/pkg/pid"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Alignment holds the fixed registration constants
	Alignment models.AlignCalibration `yaml:"alignment"`

	// Camera acquisition parameters
	Camera struct {
		// Averaging is the number of frames averaged per measurement
		Averaging int `yaml:"averaging"`

		// ROI crops offline frames before registration; zero size keeps the full frame
		ROI struct {
			Row  int `yaml:"row"`
			Col  int `yaml:"col"`
			Rows int `yaml:"rows"`
			Cols int `yaml:"cols"`
		} `yaml:"roi"`

		ConnectAttempts int           `yaml:"connectAttempts"`
		RetryBase       time.Duration `yaml:"retryBase"`
	} `yaml:"camera"`

	// Stage motion parameters
	Stage struct {
		ConnectAttempts int           `yaml:"connectAttempts"`
		RetryBase       time.Duration `yaml:"retryBase"`
		SettlePoll      time.Duration `yaml:"settlePoll"`
		SettleTimeout   time.Duration `yaml:"settleTimeout"`
	} `yaml:"stage"`

	// PID gains per axis
	PID struct {
		X pid.Gains `yaml:"x"`
		Y pid.Gains `yaml:"y"`
		Z pid.Gains `yaml:"z"`
	} `yaml:"pid"`

	// ZStack describes the calibration sweep around the current stage z
	ZStack struct {
		Count int     `yaml:"count"`
		Step  float64 `yaml:"step"`
	} `yaml:"zstack"`

	// Calibration output
	Calibration struct {
		// Strategy selects the offset strategy: fitted or measured
		Strategy string `yaml:"strategy"`
		File     string `yaml:"file"`
	} `yaml:"calibration"`

	// Files written by the control loop. Live enables the autosaved
	// preview frames in ImageDir, one every SaveEvery cycles.
	Files struct {
		History   string `yaml:"history"`
		Status    string `yaml:"status"`
		ImageDir  string `yaml:"imageDir"`
		Live      bool   `yaml:"live"`
		SaveEvery int    `yaml:"saveEvery"`
		StdWindow int    `yaml:"stdWindow"`
	} `yaml:"files"`

	// Loop timing
	Loop struct {
		// MaxCycles stops the loop after that many cycles; zero runs until interrupted
		MaxCycles int           `yaml:"maxCycles"`
		Interval  time.Duration `yaml:"interval"`
	} `yaml:"loop"`

	// Telemetry publishes each cycle over MQTT when Broker is set
	Telemetry struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"clientId"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"telemetry"`

	// Sim configures the simulated hardware
	Sim struct {
		Optics   sim.Optics  `yaml:"optics"`
		Drift    sim.Drift   `yaml:"drift"`
		Start    models.Vec3 `yaml:"start"`
		Settle   int         `yaml:"settlePolls"`
		FailMove int         `yaml:"failAfterMoves"`
	} `yaml:"sim"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Alignment = models.AlignCalibration{Usfac: 20, Ample: 10, Angle: 0}

	cfg.Camera.Averaging = 1
	cfg.Camera.ConnectAttempts = 3
	cfg.Camera.RetryBase = 200 * time.Millisecond

	cfg.Stage.ConnectAttempts = 3
	cfg.Stage.RetryBase = 200 * time.Millisecond
	cfg.Stage.SettlePoll = 5 * time.Millisecond
	cfg.Stage.SettleTimeout = 2 * time.Second

	// lateral axes correct most of a step per cycle, z is damped
	cfg.PID.X = pid.Gains{Kp: 0.2, Ki: 0.6, OutputLimit: 1}
	cfg.PID.Y = pid.Gains{Kp: 0.2, Ki: 0.6, OutputLimit: 1}
	cfg.PID.Z = pid.Gains{Kp: 0.1, Ki: 0.4, OutputLimit: 0.5}

	cfg.ZStack.Count = 5
	cfg.ZStack.Step = 0.5

	cfg.Calibration.Strategy = "measured"
	cfg.Calibration.File = "zcal.yaml"

	cfg.Files.History = "history.csv"
	cfg.Files.Status = "status.csv"
	cfg.Files.ImageDir = "frames"
	cfg.Files.SaveEvery = 10
	cfg.Files.StdWindow = 20

	cfg.Loop.Interval = 0

	cfg.Telemetry.Prefix = "nanodriftguard"

	cfg.Sim.Optics = sim.DefaultOptics()
	cfg.Sim.Drift = sim.Drift{Rate: models.Vec3{X: 0.004, Y: -0.003, Z: 0.002}, Amplitude: models.Vec3{X: 0.02}, Period: 50}
	cfg.Sim.Start = models.Vec3{X: 50, Y: 50, Z: 50}
	cfg.Sim.Settle = 2

	return cfg
}

// Validate checks the values the control loop depends on
func (c *Config) Validate() error {
	var errs []error
	if err := c.Alignment.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("alignment: %w", err))
	}
	if c.Camera.Averaging < 1 {
		errs = append(errs, fmt.Errorf("camera.averaging must be >= 1"))
	}
	roi := c.Camera.ROI
	if roi.Row < 0 || roi.Col < 0 || roi.Rows < 0 || roi.Cols < 0 {
		errs = append(errs, fmt.Errorf("camera.roi must be non-negative"))
	}
	if c.Stage.SettlePoll <= 0 || c.Stage.SettleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stage.settlePoll and stage.settleTimeout must be positive"))
	}
	if c.ZStack.Count < models.NumChannels {
		errs = append(errs, fmt.Errorf("zstack.count must be >= %d", models.NumChannels))
	}
	if c.ZStack.Step <= 0 {
		errs = append(errs, fmt.Errorf("zstack.step must be positive"))
	}
	if _, err := calibration.StrategyByName(c.Calibration.Strategy); err != nil {
		errs = append(errs, fmt.Errorf("calibration.strategy: %w", err))
	}
	if c.Files.History == "" || c.Files.Status == "" {
		errs = append(errs, fmt.Errorf("files.history and files.status are required"))
	}
	if c.Loop.MaxCycles < 0 {
		errs = append(errs, fmt.Errorf("loop.maxCycles must be non-negative"))
	}
	return errors.Join(errs...)
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
