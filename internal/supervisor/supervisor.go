package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/telemetry"
	"github.com/vegasmandawg/sonia-core/runtime/a2a/retry"
)

const (
	maxRestarts     = 3
	restartWindow   = 300 * time.Second
	probeTimeout    = 5 * time.Second
	defaultInterval = 15 * time.Second
)

var defaultRestartBackoff = retry.Config{
	InitialBackoff:    2 * time.Second,
	MaxBackoff:        30 * time.Second,
	BackoffMultiplier: 2.0,
}

// Launcher spawns a service's restart command. The default implementation
// shells out via os/exec; tests substitute a stub so restart policy can be
// exercised without actually spawning processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (pid int, err error)
}

// ExecLauncher launches commands via os/exec, matching the subprocess.Popen
// fire-and-forget restart in the original supervisor: it starts the process
// and returns its pid without waiting for exit.
type ExecLauncher struct{}

// Launch starts cmd.Cmd in cmd.Cwd and returns its pid.
func (ExecLauncher) Launch(ctx context.Context, cmd Command) (int, error) {
	if len(cmd.Cmd) == 0 {
		return 0, fmt.Errorf("no command configured")
	}
	c := exec.Command(cmd.Cmd[0], cmd.Cmd[1:]...)
	c.Dir = cmd.Cwd
	if err := c.Start(); err != nil {
		return 0, err
	}
	return c.Process.Pid, nil
}

// Supervisor actively probes a fixed set of services and maintains their
// health state machine.
type Supervisor struct {
	mu              sync.Mutex
	services        map[string]*Record
	commands        map[string]Command
	dependencyGraph map[string][]string
	maintenanceMode bool
	listeners       []Listener

	httpClient *http.Client
	launcher   Launcher
	logger     telemetry.Logger

	pollInterval   time.Duration
	restartBackoff retry.Config
	startedAt      time.Time
}

// Option configures a Supervisor at construction.
type Option func(*Supervisor)

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithLauncher overrides the default os/exec launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launcher = l }
}

// WithPollInterval overrides the default 15s probe interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithHTTPClient overrides the default probe HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Supervisor) { s.httpClient = c }
}

// WithRestartBackoff overrides the default 2s/4s/8s restart backoff curve.
func WithRestartBackoff(cfg retry.Config) Option {
	return func(s *Supervisor) { s.restartBackoff = cfg }
}

// New constructs a Supervisor over the given service configs, restart
// commands, and dependency graph.
func New(services []ServiceConfig, commands map[string]Command, dependencyGraph map[string][]string, opts ...Option) *Supervisor {
	s := &Supervisor{
		services:        make(map[string]*Record, len(services)),
		commands:        commands,
		dependencyGraph: dependencyGraph,
		httpClient:      &http.Client{Timeout: probeTimeout},
		launcher:        ExecLauncher{},
		logger:          telemetry.NewNoopLogger(),
		pollInterval:    defaultInterval,
		restartBackoff:  defaultRestartBackoff,
		startedAt:       time.Now(),
	}
	for _, cfg := range services {
		ep := cfg.HealthEndpoint
		if ep == "" {
			ep = "/healthz"
		}
		s.services[cfg.Name] = &Record{
			Name: cfg.Name, Host: cfg.Host, Port: cfg.Port, HealthEndpoint: ep, State: StateUnknown,
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddListener registers a callback invoked for every emitted Event.
func (s *Supervisor) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Supervisor) emit(ev Event) {
	ev.Source = "supervisor"
	ev.Timestamp = time.Now()
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// ProbeService probes a single service's health endpoint and advances its
// state machine.
func (s *Supervisor) ProbeService(ctx context.Context, name string) (Record, error) {
	s.mu.Lock()
	record, ok := s.services[name]
	s.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("unknown service %q", name)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, record.URL(), nil)
	if err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	record.LastCheck = time.Now()
	s.mu.Unlock()

	resp, err := s.httpClient.Do(req)
	elapsed := time.Since(start)

	s.mu.Lock()
	record.LatencyMS = float64(elapsed.Microseconds()) / 1000.0
	healthy := false
	if err != nil {
		record.Error = err.Error()
		record.ConsecutiveSuccesses = 0
		record.ConsecutiveFailures++
	} else {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			record.Error = ""
			record.ConsecutiveFailures = 0
			record.ConsecutiveSuccesses++
			record.LastHealthy = time.Now()
			healthy = true
		} else {
			record.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
			record.ConsecutiveSuccesses = 0
			record.ConsecutiveFailures++
		}
	}
	s.mu.Unlock()

	s.transition(name, healthy)

	s.mu.Lock()
	out := *record
	s.mu.Unlock()
	return out, nil
}

// transition applies the healthy/unhealthy state machine and emits a
// transition event when the state actually changes. On a fresh
// transition into unreachable it fires an auto-restart in the background.
func (s *Supervisor) transition(name string, healthy bool) {
	s.mu.Lock()
	record := s.services[name]
	old := record.State

	if healthy {
		switch old {
		case StateUnreachable, StateDegraded, StateUnknown:
			if record.ConsecutiveSuccesses >= recoveryProbes {
				record.State = StateHealthy
			} else {
				record.State = StateRecovering
			}
		case StateRecovering:
			if record.ConsecutiveSuccesses >= recoveryProbes {
				record.State = StateHealthy
			}
		default:
			record.State = StateHealthy
		}
	} else {
		switch {
		case record.ConsecutiveFailures >= 3:
			record.State = StateUnreachable
		case record.ConsecutiveFailures >= 1:
			record.State = StateDegraded
		}
	}
	newState := record.State
	failures := record.ConsecutiveFailures
	errMsg := record.Error
	s.mu.Unlock()

	if newState != old {
		eventType := transitionEventType(newState)
		if eventType != "" {
			s.emit(Event{
				Type: eventType, Service: name,
				Payload: map[string]any{"old_state": old, "new_state": newState, "consecutive_failures": failures, "error": errMsg},
			})
		}
	}

	s.mu.Lock()
	maintenance := s.maintenanceMode
	s.mu.Unlock()

	if newState == StateUnreachable && old != StateUnreachable && !maintenance {
		go func() {
			if _, err := s.RestartService(context.Background(), name); err != nil {
				s.logger.Warn(context.Background(), "auto-restart failed", "service", name, "error", err.Error())
			}
		}()
	}
}

func transitionEventType(s State) string {
	switch s {
	case StateHealthy:
		return "supervision.service.healthy"
	case StateDegraded:
		return "supervision.service.degraded"
	case StateUnreachable:
		return "supervision.service.unreachable"
	case StateRecovering:
		return "supervision.service.recovered"
	default:
		return ""
	}
}

// RestartService restarts a service subject to the restart policy: at most
// maxRestarts spawns per restartWindow, with exponential backoff before
// each spawn. Maintenance mode does not block an explicit restart request,
// only auto-restart triggered by transition.
func (s *Supervisor) RestartService(ctx context.Context, name string) (RestartResult, error) {
	s.mu.Lock()
	record, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return RestartResult{}, fmt.Errorf("unknown service %q", name)
	}
	cmd, hasCmd := s.commands[name]
	if !hasCmd {
		s.mu.Unlock()
		return RestartResult{OK: false, Service: name, Error: "no restart command configured"}, nil
	}

	now := time.Now()
	pruned := make([]time.Time, 0, len(record.restartHistory))
	for _, t := range record.restartHistory {
		if now.Sub(t) < restartWindow {
			pruned = append(pruned, t)
		}
	}
	record.restartHistory = pruned

	if len(record.restartHistory) >= maxRestarts {
		record.State = StateUnreachable
		count := len(record.restartHistory)
		s.mu.Unlock()
		s.emit(Event{Type: "supervision.restart.exhausted", Service: name, Payload: map[string]any{
			"restart_count": count, "window_s": restartWindow.Seconds(),
		}})
		return RestartResult{OK: false, Service: name, Error: "restart policy exhausted", Attempt: count}, nil
	}
	attempt := len(record.restartHistory)
	s.mu.Unlock()

	backoff := retry.Backoff(s.restartBackoff, attempt+1)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return RestartResult{}, ctx.Err()
	}

	pid, err := s.launcher.Launch(ctx, cmd)
	if err != nil {
		s.emit(Event{Type: "supervision.restart.failed", Service: name, Payload: map[string]any{"error": err.Error()}})
		return RestartResult{OK: false, Service: name, Error: err.Error()}, nil
	}

	s.mu.Lock()
	record.restartHistory = append(record.restartHistory, now)
	record.State = StateRecovering
	record.ConsecutiveFailures = 0
	s.mu.Unlock()

	s.emit(Event{Type: "supervision.service.restarted", Service: name, Payload: map[string]any{
		"pid": pid, "attempt": attempt + 1, "backoff_s": backoff.Seconds(),
	}})
	return RestartResult{OK: true, Service: name, PID: pid, Attempt: attempt + 1, BackoffS: backoff.Seconds()}, nil
}

// ProbeAll probes every configured service concurrently.
func (s *Supervisor) ProbeAll(ctx context.Context) map[string]Record {
	s.mu.Lock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	results := make(map[string]Record, len(names))
	var mu sync.Mutex
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			rec, err := s.ProbeService(ctx, name)
			if err != nil {
				return
			}
			mu.Lock()
			results[name] = rec
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// Run polls every service on the configured interval until ctx is
// cancelled. Intended to run as one long-lived goroutine under the
// runtime's supervision.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ProbeAll(ctx)
		}
	}
}

// GetStatus returns the full supervision snapshot for GET /status.
func (s *Supervisor) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	svcs := make(map[string]Snapshot, len(s.services))
	for name, rec := range s.services {
		svcs[name] = rec.snapshot()
	}
	return Status{
		Services:        svcs,
		DependencyGraph: s.dependencyGraph,
		MaintenanceMode: s.maintenanceMode,
		UptimeSeconds:   round1(time.Since(s.startedAt).Seconds()),
	}
}

// GetServiceState returns the current state of one service.
func (s *Supervisor) GetServiceState(name string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.services[name]
	if !ok {
		return "", false
	}
	return rec.State, true
}

// SetMaintenanceMode toggles maintenance mode and returns the previous
// value. While enabled, transition no longer fires auto-restart.
func (s *Supervisor) SetMaintenanceMode(enabled bool) bool {
	s.mu.Lock()
	old := s.maintenanceMode
	s.maintenanceMode = enabled
	s.mu.Unlock()
	s.emit(Event{Type: "supervision.maintenance.toggled", Service: "supervisor", Payload: map[string]any{"old": old, "new": enabled}})
	return old
}

// MaintenanceMode reports whether maintenance mode is currently enabled.
func (s *Supervisor) MaintenanceMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maintenanceMode
}
