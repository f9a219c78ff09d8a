// Command gateway runs the SONIA gateway: turn pipeline, session and
// confirmation lifecycle, and the UI websocket stream.
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
	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/policy"
	"github.com/vegasmandawg/sonia-core/internal/retrieval"
	"github.com/vegasmandawg/sonia-core/internal/session"
	"github.com/vegasmandawg/sonia-core/internal/store"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
	"github.com/vegasmandawg/sonia-core/internal/turn"
)

func main() {
	configPath := flag.String("config", "", "path to gateway.yaml")
	flag.Parse()

	cfg := config.DefaultGateway()
	if err := config.Load(*configPath, "gateway", &cfg); err != nil {
		log.Fatalf("gateway: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("gateway: invalid config: %v", err)
	}

	logger := telemetry.NewNoopLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("gateway: create data dir: %v", err)
	}

	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, "gateway.db"), logger)
	if err != nil {
		log.Fatalf("gateway: open store: %v", err)
	}
	defer db.Close()

	counts, err := db.RestoreAll(ctx)
	if err != nil {
		log.Fatalf("gateway: restore durable state: %v", err)
	}
	log.Printf("gateway: restored %d sessions, %d pending confirmations, %d dead letters, %d pending outbox entries",
		counts.Sessions, counts.PendingConfirmations, counts.DeadLetters, counts.PendingOutbox)

	sessions := session.New(db)
	if err := sessions.Restore(ctx); err != nil {
		log.Fatalf("gateway: restore sessions: %v", err)
	}

	confirmations := confirmation.New(db)
	if err := confirmations.Restore(ctx); err != nil {
		log.Fatalf("gateway: restore confirmations: %v", err)
	}

	ledger, err := memory.New(db.Conn, logger)
	if err != nil {
		log.Fatalf("gateway: open memory ledger: %v", err)
	}

	recall := retrieval.New(ledger, logger, filepath.Join(cfg.DataDir, "vector", "sonia.hnsw"), nil)
	if err := recall.Initialize(ctx); err != nil {
		log.Fatalf("gateway: initialize retrieval: %v", err)
	}
	ledger.AddIndexer(recall)

	policyEngine, err := policy.New(nil, policy.WithLogger(logger))
	if err != nil {
		log.Fatalf("gateway: build policy engine: %v", err)
	}

	sandbox, err := executor.NewSandbox(cfg.SandboxRoot)
	if err != nil {
		log.Fatalf("gateway: build sandbox: %v", err)
	}
	exec := executor.New(policyEngine,
		executor.WithLogger(logger),
		executor.WithSandbox(sandbox),
		executor.WithApprovalMinter(confirmations),
	)

	router := newModelRouter(cfg.ModelRouterURL, cfg.ModelTimeout)

	hub := newStreamHub(logger)
	pipeline := turn.New(sessions, recall, router, exec, confirmations, db,
		turn.WithLogger(logger),
		turn.WithStreamSink(hub),
		turn.WithMaxInFlight(cfg.MaxInFlightTurns),
		turn.WithRecallBudget(cfg.RecallLimit, cfg.RecallCharBudget),
	)

	rt := apprun.New(logger)
	rt.Register("outbox-drain", turn.NewOutboxDrain(db, ledger, logger).Run)
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
	rt.Register("idempotency-prune", func(ctx context.Context) {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := db.PruneExpiredIdempotencyKeys(ctx); err != nil {
					logger.Error(ctx, "idempotency prune failed", "error", err)
				}
			}
		}
	})
	rt.Register("vector-backfill", recall.InitializeVector)
	rt.Start(ctx)
	defer rt.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpapi.HealthHandler("gateway"))
	mux.HandleFunc("POST /v1/turn", httpapi.Instrument("v1.turn", logger, nil, handleTurn(sessions, pipeline)))
	mux.HandleFunc("GET /v1/ui/stream", httpapi.Instrument("v1.ui.stream", logger, nil, hub.handleWS(sessions, pipeline)))
	mux.HandleFunc("POST /v1/actions/{id}/approve", httpapi.Instrument("v1.actions.approve", logger, nil, handleApprove(confirmations, pipeline)))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("gateway: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("gateway: serve error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("gateway: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
