// Package config provides configuration loading and management for the
// fixel statistics tools. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Seed initializes the random number generator used for shufflings,
		// making permutation runs reproducible
		Seed int64 `yaml:"seed"`
	} `yaml:"processing"`

	// Connectivity matrix parameters
	Connectivity struct {
		// Threshold is the minimum fraction of streamlines a connection must
		// carry to be retained during normalization
		Threshold float64 `yaml:"threshold"`

		// AngularThreshold is the maximum angle in degrees between a
		// streamline tangent and a fixel direction for an intersection to be
		// attributed to that fixel
		AngularThreshold float64 `yaml:"angularThreshold"`

		// SelfConnectIsolated adds a unit self-connection to fixels whose
		// every connection fell below the threshold, so they smooth and
		// enhance against themselves rather than disappearing
		SelfConnectIsolated bool `yaml:"selfConnectIsolated"`
	} `yaml:"connectivity"`

	// Enhancement parameters
	Enhance struct {
		// ExtentExponent is the exponent applied to the accumulated
		// neighborhood sum
		ExtentExponent float64 `yaml:"extentExponent"`

		// HeightExponent is the exponent applied to each neighbor's statistic
		HeightExponent float64 `yaml:"heightExponent"`

		// ConnectivityExponent is the exponent applied to each connectivity
		// weight before enhancement
		ConnectivityExponent float64 `yaml:"connectivityExponent"`

		// Legacy selects the original, non-normalized form of the
		// enhancement equation
		Legacy bool `yaml:"legacy"`
	} `yaml:"enhance"`

	// Permutation testing parameters
	Permutation struct {
		// NumShuffles is the number of shufflings drawn for the permutation
		// phase
		NumShuffles int `yaml:"numShuffles"`

		// NumShufflesNonstationarity is the number of shufflings drawn when
		// estimating the empirical statistic for non-stationarity correction
		NumShufflesNonstationarity int `yaml:"numShufflesNonstationarity"`

		// SkewNonstationarity adjusts the empirical statistic for skewed
		// null distributions; 1 leaves the mean untouched
		SkewNonstationarity float64 `yaml:"skewNonstationarity"`
	} `yaml:"permutation"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default
	cfg.Processing.Seed = 0

	// Set default connectivity parameters
	cfg.Connectivity.Threshold = 0.01
	cfg.Connectivity.AngularThreshold = 45.0
	cfg.Connectivity.SelfConnectIsolated = false

	// Set default enhancement parameters
	cfg.Enhance.ExtentExponent = 2.0
	cfg.Enhance.HeightExponent = 3.0
	cfg.Enhance.ConnectivityExponent = 0.5
	cfg.Enhance.Legacy = false

	// Set default permutation parameters
	cfg.Permutation.NumShuffles = 5000
	cfg.Permutation.NumShufflesNonstationarity = 5000
	cfg.Permutation.SkewNonstationarity = 1.0

	// Set default output parameters
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
