// Command memory-engine runs the typed memory ledger and hybrid retrieval
// service: the legacy store/search surface and the typed v3 memory API.
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
	"github.com/vegasmandawg/sonia-core/internal/httpapi"
	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/retrieval"
	"github.com/vegasmandawg/sonia-core/internal/store"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to memory-engine.yaml")
	flag.Parse()

	cfg := config.DefaultMemoryEngine()
	if err := config.Load(*configPath, "memory_engine", &cfg); err != nil {
		log.Fatalf("memory-engine: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("memory-engine: invalid config: %v", err)
	}

	logger := telemetry.NewNoopLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("memory-engine: create data dir: %v", err)
	}

	db, err := store.Open(ctx, filepath.Join(cfg.DataDir, "memory.db"), logger)
	if err != nil {
		log.Fatalf("memory-engine: open store: %v", err)
	}
	defer db.Close()

	ledger, err := memory.New(db.Conn, logger)
	if err != nil {
		log.Fatalf("memory-engine: open ledger: %v", err)
	}

	vectorPath := cfg.VectorPath
	if vectorPath == "" {
		vectorPath = filepath.Join(cfg.DataDir, "vector", "sonia.hnsw")
	}
	recall := retrieval.New(ledger, logger, vectorPath, nil)
	if err := recall.Initialize(ctx); err != nil {
		log.Fatalf("memory-engine: initialize retrieval: %v", err)
	}
	ledger.AddIndexer(recall)
	go recall.InitializeVector(ctx)

	decayer := memory.NewDecayer(memory.DecayStrategy(cfg.DecayStrategy), cfg.DecayHalfLifeDays, cfg.DecayThreshold)
	rt := apprun.New(logger)
	rt.Register("decay-sweep", decaySweepWorker(ledger, decayer, cfg.DecayInterval, logger))
	rt.Start(ctx)
	defer rt.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpapi.HealthHandler("memory-engine"))

	api := &memoryAPI{ledger: ledger, recall: recall, logger: logger, decayer: decayer}
	mux.HandleFunc("POST /store", httpapi.Instrument("store", logger, nil, api.legacyStore))
	mux.HandleFunc("POST /search", httpapi.Instrument("search", logger, nil, api.legacySearch))
	mux.HandleFunc("GET /recall/{id}", httpapi.Instrument("recall.get", logger, nil, api.legacyRecallGet))
	mux.HandleFunc("PUT /recall/{id}", httpapi.Instrument("recall.put", logger, nil, api.legacyRecallPut))
	mux.HandleFunc("GET /query/stats", httpapi.Instrument("query.stats", logger, nil, api.queryStats))

	mux.HandleFunc("POST /v3/memory/store", httpapi.Instrument("v3.store", logger, nil, api.v3Store))
	mux.HandleFunc("POST /v3/memory/version", httpapi.Instrument("v3.version", logger, nil, api.v3Version))
	mux.HandleFunc("POST /v3/memory/query", httpapi.Instrument("v3.query", logger, nil, api.v3Query))
	mux.HandleFunc("POST /v3/memory/redact", httpapi.Instrument("v3.redact", logger, nil, api.v3Redact))
	mux.HandleFunc("GET /v3/memory/{id}/versions", httpapi.Instrument("v3.versions", logger, nil, api.v3Versions))
	mux.HandleFunc("GET /v3/memory/{id}/redaction-audit", httpapi.Instrument("v3.redaction_audit", logger, nil, api.v3RedactionAudit))
	mux.HandleFunc("GET /v3/memory/conflicts", httpapi.Instrument("v3.conflicts", logger, nil, api.v3Conflicts))
	mux.HandleFunc("POST /v3/memory/conflicts/{id}/resolve", httpapi.Instrument("v3.conflicts.resolve", logger, nil, api.v3ResolveConflict))
	mux.HandleFunc("POST /v1/search", httpapi.Instrument("v1.search", logger, nil, api.hybridSearch))
	mux.HandleFunc("POST /v3/memory/decay", httpapi.Instrument("v3.decay", logger, nil, api.v3Decay))

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("memory-engine: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("memory-engine: serve error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Print("memory-engine: shutting down")
	recall.SaveOnShutdown(context.Background())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// decaySweepWorker periodically runs a decay pass over the ledger, archiving
// records whose freshness score has fallen below the configured threshold.
func decaySweepWorker(ledger *memory.Ledger, decayer *memory.Decayer, interval time.Duration, logger telemetry.Logger) apprun.Worker {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := ledger.RunDecayPass(ctx, decayer, time.Now())
				if err != nil {
					logger.Error(ctx, "decay sweep failed", "error", err)
					continue
				}
				logger.Info(ctx, "decay sweep complete", "retained", len(result.Retained), "forgotten", len(result.Forgotten))
			}
		}
	}
}
