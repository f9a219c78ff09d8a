// Command tool-executor runs the standalone tool execution plane: schema
// validation, sandbox containment, policy dispatch, and the
// execute/approve/list HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/apprun"
	"github.com/vegasmandawg/sonia-core/internal/config"
	"github.com/vegasmandawg/sonia-core/internal/confirmation"
	"github.com/vegasmandawg/sonia-core/internal/executor"
	"github.com/vegasmandawg/sonia-core/internal/httpapi"
	"github.com/vegasmandawg/sonia-core/internal/policy"
	"github.com/vegasmandawg/sonia-core/internal/store"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to tool-executor.yaml")
	flag.Parse()

	cfg := config.DefaultToolExecutor()
	if err := config.Load(*configPath, "tool_executor", &cfg); err != nil {
		log.Fatalf("tool-executor: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("tool-executor: invalid config: %v", err)
	}

	logger := telemetry.NewNoopLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.SandboxRoot, 0o755); err != nil {
		log.Fatalf("tool-executor: create sandbox root: %v", err)
	}
	dataDir := filepath.Dir(cfg.SandboxRoot)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("tool-executor: create data dir: %v", err)
	}

	db, err := store.Open(ctx, filepath.Join(dataDir, "tool-executor.db"), logger)
	if err != nil {
		log.Fatalf("tool-executor: open store: %v", err)
	}
	defer db.Close()

	confirmations := confirmation.New(db)
	if err := confirmations.Restore(ctx); err != nil {
		log.Fatalf("tool-executor: restore confirmations: %v", err)
	}

	rules := policy.DefaultSafetyRules()
	if cfg.PolicyPath != "" {
		if raw, err := os.ReadFile(cfg.PolicyPath); err == nil {
			loaded, defaultVerdict, err := policy.LoadRulesYAML(raw)
			if err != nil {
				log.Fatalf("tool-executor: load policy rules: %v", err)
			}
			rules = loaded
			_ = defaultVerdict
		} else if !os.IsNotExist(err) {
			log.Fatalf("tool-executor: read policy file: %v", err)
		}
	}
	policyEngine, err := policy.New(rules, policy.WithLogger(logger))
	if err != nil {
		log.Fatalf("tool-executor: build policy engine: %v", err)
	}

	sandbox, err := executor.NewSandbox(cfg.SandboxRoot)
	if err != nil {
		log.Fatalf("tool-executor: build sandbox: %v", err)
	}

	exec := executor.New(policyEngine,
		executor.WithLogger(logger),
		executor.WithSandbox(sandbox),
		executor.WithApprovalMinter(confirmations),
	)
	registerTools(exec, sandbox, cfg)

	rt := apprun.New(logger)
	rt.Register("confirmation-sweep", func(ctx context.Context) {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if _, err := confirmations.ExpirePending(ctx, now); err != nil {
					logger.Error(ctx, "confirmation sweep failed", "error", err)
				}
			}
		}
	})
	rt.Start(ctx)
	defer rt.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpapi.HealthHandler("tool-executor"))

	api := &toolAPI{exec: exec, confirmations: confirmations, toolTimeout: cfg.ToolTimeout}
	mux.HandleFunc("POST /execute", httpapi.Instrument("execute", logger, nil, api.execute))
	mux.HandleFunc("POST /actions/{id}/approve", httpapi.Instrument("actions.approve", logger, nil, api.approve))
	mux.HandleFunc("GET /tools", httpapi.Instrument("tools.list", logger, nil, api.listTools))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("tool-executor: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("tool-executor: serve error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("tool-executor: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
