package config

import (
	"fmt"
	"time"
)

// ToolExecutor is the `tool-executor` service's configuration.
type ToolExecutor struct {
	Addr            string        `yaml:"addr"`
	SandboxRoot     string        `yaml:"sandbox_root"`
	PolicyPath      string        `yaml:"policy_path"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ConfirmationTTL time.Duration `yaml:"confirmation_ttl"`
}

// DefaultToolExecutor returns the ToolExecutor config with its documented
// defaults.
func DefaultToolExecutor() ToolExecutor {
	return ToolExecutor{
		Addr:            ":8082",
		SandboxRoot:     "./data/sandbox",
		PolicyPath:      "./config/policy.yaml",
		ToolTimeout:     5 * time.Second,
		ConfirmationTTL: 120 * time.Second,
	}
}

// Validate rejects configuration that would make the service misbehave
// rather than fail loudly at request time.
func (c ToolExecutor) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.SandboxRoot == "" {
		return fmt.Errorf("sandbox_root must not be empty")
	}
	if c.ToolTimeout > 15*time.Second {
		return fmt.Errorf("tool_timeout must not exceed 15s, got %s", c.ToolTimeout)
	}
	return nil
}
