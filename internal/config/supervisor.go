package config

import (
	"fmt"
	"time"
)

// WatchedService is one service the supervisor probes and can restart.
type WatchedService struct {
	Name           string   `yaml:"name"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	HealthEndpoint string   `yaml:"health_endpoint"`
	RestartCmd     []string `yaml:"restart_cmd"`
	RestartCwd     string   `yaml:"restart_cwd"`
	DependsOn      []string `yaml:"depends_on"`
}

// Supervisor is the `supervisor` service's configuration.
type Supervisor struct {
	Addr           string           `yaml:"addr"`
	ProbeInterval  time.Duration    `yaml:"probe_interval"`
	ProbeTimeout   time.Duration    `yaml:"probe_timeout"`
	BackupDir      string           `yaml:"backup_dir"`
	MaxBackups     int              `yaml:"max_backups"`
	BackupInterval time.Duration    `yaml:"backup_interval"`
	BackupSourceDB string           `yaml:"backup_source_db"`
	Services       []WatchedService `yaml:"services"`
}

// DefaultSupervisor returns the Supervisor config with its documented
// defaults: one watched entry per standalone service, wired to the binaries
// built alongside this one.
func DefaultSupervisor() Supervisor {
	return Supervisor{
		Addr:           ":8083",
		ProbeInterval:  10 * time.Second,
		ProbeTimeout:   5 * time.Second,
		BackupDir:      "./data/backups",
		MaxBackups:     7,
		BackupInterval: 1 * time.Hour,
		BackupSourceDB: "./data/gateway.db",
		Services: []WatchedService{
			{Name: "gateway", Host: "127.0.0.1", Port: 8080, HealthEndpoint: "/healthz", RestartCmd: []string{"./bin/gateway"}, RestartCwd: "."},
			{Name: "memory-engine", Host: "127.0.0.1", Port: 8081, HealthEndpoint: "/healthz", RestartCmd: []string{"./bin/memory-engine"}, RestartCwd: ".", DependsOn: []string{"gateway"}},
			{Name: "tool-executor", Host: "127.0.0.1", Port: 8082, HealthEndpoint: "/healthz", RestartCmd: []string{"./bin/tool-executor"}, RestartCwd: ".", DependsOn: []string{"gateway"}},
		},
	}
}

// Validate rejects configuration that would make the service misbehave
// rather than fail loudly at request time.
func (c Supervisor) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe_interval must be positive")
	}
	if c.ProbeTimeout > c.ProbeInterval {
		return fmt.Errorf("probe_timeout must not exceed probe_interval")
	}
	if c.MaxBackups <= 0 {
		return fmt.Errorf("max_backups must be positive")
	}
	return nil
}
