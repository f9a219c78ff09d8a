// Command supervisor runs the process supervision plane: health probing,
// auto-restart with backoff, maintenance mode, and scheduled backups of the
// gateway's durable store.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vegasmandawg/sonia-core/internal/apprun"
	"github.com/vegasmandawg/sonia-core/internal/backup"
	"github.com/vegasmandawg/sonia-core/internal/config"
	"github.com/vegasmandawg/sonia-core/internal/httpapi"
	"github.com/vegasmandawg/sonia-core/internal/supervisor"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to supervisor.yaml")
	flag.Parse()

	cfg := config.DefaultSupervisor()
	if err := config.Load(*configPath, "supervisor", &cfg); err != nil {
		log.Fatalf("supervisor: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("supervisor: invalid config: %v", err)
	}

	logger := telemetry.NewNoopLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, commands, dependencyGraph := buildTopology(cfg.Services)
	sup := supervisor.New(services, commands, dependencyGraph,
		supervisor.WithLogger(logger),
		supervisor.WithPollInterval(cfg.ProbeInterval),
	)
	sup.AddListener(func(ev supervisor.Event) {
		logger.Info(context.Background(), "supervision event", "type", ev.Type, "service", ev.Service)
	})

	rt := apprun.New(logger)
	rt.Register("probe-loop", sup.Run)

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		log.Fatalf("supervisor: create backup dir: %v", err)
	}
	if backupMgr, err := openBackupManager(ctx, cfg, logger); err != nil {
		logger.Warn(ctx, "backup scheduling disabled", "error", err.Error())
	} else {
		rt.Register("backup-schedule", backupScheduleWorker(backupMgr, cfg.BackupInterval, logger))
	}

	rt.Start(ctx)
	defer rt.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpapi.HealthHandler("supervisor"))

	api := &supervisorAPI{sup: sup}
	mux.HandleFunc("GET /status", httpapi.Instrument("status", logger, nil, api.status))
	mux.HandleFunc("POST /maintenance", httpapi.Instrument("maintenance", logger, nil, api.maintenance))
	mux.HandleFunc("POST /services/{name}/restart", httpapi.Instrument("services.restart", logger, nil, api.restart))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("supervisor: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("supervisor: serve error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("supervisor: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildTopology turns the configured watch list into the three shapes
// supervisor.New expects.
func buildTopology(watched []config.WatchedService) ([]supervisor.ServiceConfig, map[string]supervisor.Command, map[string][]string) {
	services := make([]supervisor.ServiceConfig, 0, len(watched))
	commands := make(map[string]supervisor.Command, len(watched))
	graph := make(map[string][]string, len(watched))
	for _, w := range watched {
		services = append(services, supervisor.ServiceConfig{
			Name: w.Name, Host: w.Host, Port: w.Port, HealthEndpoint: w.HealthEndpoint,
		})
		if len(w.RestartCmd) > 0 {
			commands[w.Name] = supervisor.Command{Cwd: w.RestartCwd, Cmd: w.RestartCmd}
		}
		graph[w.Name] = w.DependsOn
	}
	return services, commands, graph
}

// openBackupManager opens a dedicated read connection to the gateway's
// store so backups never contend with the gateway's own connection pool.
func openBackupManager(ctx context.Context, cfg config.Supervisor, logger telemetry.Logger) (*backup.Manager, error) {
	if cfg.BackupSourceDB == "" {
		return nil, nil
	}
	if _, err := os.Stat(cfg.BackupSourceDB); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.BackupSourceDB)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return backup.New(db, cfg.BackupSourceDB, cfg.BackupDir, backup.WithMaxBackups(cfg.MaxBackups), backup.WithLogger(logger))
}

// backupScheduleWorker runs a periodic backup-then-retention cycle. A nil
// manager (no source database configured) degrades to a no-op loop.
func backupScheduleWorker(mgr *backup.Manager, interval time.Duration, logger telemetry.Logger) apprun.Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return func(ctx context.Context) {
		if mgr == nil {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := mgr.CreateBackup(ctx, "scheduled"); err != nil {
					logger.Error(ctx, "scheduled backup failed", "error", err)
					continue
				}
				if _, err := mgr.EnforceRetention(ctx); err != nil {
					logger.Error(ctx, "backup retention failed", "error", err)
				}
			}
		}
	}
}
