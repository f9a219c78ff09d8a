package config

import (
	"fmt"
	"time"
)

// Gateway is the `gateway` service's configuration.
type Gateway struct {
	Addr             string        `yaml:"addr"`
	DataDir          string        `yaml:"data_dir"`
	ModelRouterURL   string        `yaml:"model_router_url"`
	ModelTimeout     time.Duration `yaml:"model_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	ConfirmationTTL  time.Duration `yaml:"confirmation_ttl"`
	MaxInFlightTurns int           `yaml:"max_in_flight_turns"`
	RecallLimit      int           `yaml:"recall_limit"`
	RecallCharBudget int           `yaml:"recall_char_budget"`
	SandboxRoot      string        `yaml:"sandbox_root"`
}

// DefaultGateway returns the Gateway config with its documented defaults.
func DefaultGateway() Gateway {
	return Gateway{
		Addr:             ":8080",
		DataDir:          "./data",
		ModelTimeout:     60 * time.Second,
		ToolTimeout:      5 * time.Second,
		ConfirmationTTL:  120 * time.Second,
		MaxInFlightTurns: 16,
		RecallLimit:      8,
		RecallCharBudget: 4000,
		SandboxRoot:      "./data/sandbox",
	}
}

// Validate rejects configuration that would make the service misbehave
// rather than fail loudly at request time.
func (g Gateway) Validate() error {
	if g.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if g.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if g.ToolTimeout > 15*time.Second {
		return fmt.Errorf("tool_timeout must not exceed 15s, got %s", g.ToolTimeout)
	}
	if g.MaxInFlightTurns <= 0 {
		return fmt.Errorf("max_in_flight_turns must be positive")
	}
	return nil
}
