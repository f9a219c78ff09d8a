package config

import (
	"fmt"
	"time"
)

// MemoryEngine is the `memory-engine` service's configuration.
type MemoryEngine struct {
	Addr       string `yaml:"addr"`
	DataDir    string `yaml:"data_dir"`
	VectorPath string `yaml:"vector_path"`

	DecayStrategy     string        `yaml:"decay_strategy"`
	DecayHalfLifeDays float64       `yaml:"decay_half_life_days"`
	DecayThreshold    float64       `yaml:"decay_threshold"`
	DecayInterval     time.Duration `yaml:"decay_interval"`
}

// DefaultMemoryEngine returns the MemoryEngine config with its documented
// defaults.
func DefaultMemoryEngine() MemoryEngine {
	return MemoryEngine{
		Addr:       ":8081",
		DataDir:    "./data",
		VectorPath: "./data/vector/sonia.hnsw",

		DecayStrategy:     "exponential",
		DecayHalfLifeDays: 30.0,
		DecayThreshold:    0.1,
		DecayInterval:     6 * time.Hour,
	}
}

// Validate rejects configuration that would make the service misbehave
// rather than fail loudly at request time.
func (c MemoryEngine) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.VectorPath == "" {
		return fmt.Errorf("vector_path must not be empty")
	}
	if c.DecayHalfLifeDays <= 0 {
		return fmt.Errorf("decay_half_life_days must be positive")
	}
	if c.DecayThreshold < 0 || c.DecayThreshold > 1 {
		return fmt.Errorf("decay_threshold must be in [0,1]")
	}
	return nil
}
