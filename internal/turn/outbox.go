package turn

import (
	"context"
	"time"

	"github.com/vegasmandawg/sonia-core/internal/memory"
	"github.com/vegasmandawg/sonia-core/internal/store"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

const (
	defaultDrainBatchSize = 25
	defaultDrainInterval  = 500 * time.Millisecond
)

// OutboxDrain drains pipeline-persisted turn entries into the memory ledger
// with at-least-once delivery: an entry stays pending, and its attempt
// counter increments, until a ledger write succeeds.
type OutboxDrain struct {
	db     *store.DB
	ledger *memory.Ledger
	logger telemetry.Logger

	batchSize int
	interval  time.Duration
}

// NewOutboxDrain constructs a drain worker over db/ledger.
func NewOutboxDrain(db *store.DB, ledger *memory.Ledger, logger telemetry.Logger) *OutboxDrain {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &OutboxDrain{db: db, ledger: ledger, logger: logger, batchSize: defaultDrainBatchSize, interval: defaultDrainInterval}
}

// Run drains pending outbox entries on a fixed interval until ctx is
// cancelled. Intended to run as one long-lived goroutine under the runtime's
// supervision.
func (d *OutboxDrain) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				d.logger.Warn(ctx, "outbox drain pass failed", "error", err.Error())
			}
		}
	}
}

// DrainOnce processes up to one batch of pending entries and returns after
// the batch completes, regardless of individual entry outcomes.
func (d *OutboxDrain) DrainOnce(ctx context.Context) error {
	entries, err := d.db.GetPendingOutbox(ctx, d.batchSize)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := d.deliver(ctx, e); err != nil {
			d.logger.Warn(ctx, "outbox entry delivery failed, will retry", "outbox_id", e.OutboxID, "entry_type", e.EntryType, "attempts", e.Attempts, "error", err.Error())
			if incErr := d.db.IncrementAttempt(ctx, e.OutboxID); incErr != nil {
				d.logger.Error(ctx, "failed to record outbox attempt", "outbox_id", e.OutboxID, "error", incErr.Error())
			}
			continue
		}
		if err := d.db.MarkDelivered(ctx, e.OutboxID); err != nil {
			d.logger.Error(ctx, "failed to mark outbox entry delivered", "outbox_id", e.OutboxID, "error", err.Error())
		}
	}
	return nil
}

func (d *OutboxDrain) deliver(ctx context.Context, e store.OutboxEntry) error {
	switch e.EntryType {
	case "turn_completed":
		_, err := d.ledger.Store(ctx, memory.SubtypeSessionContext, e.Payload, map[string]any{
			"source": "turn_pipeline", "outbox_id": e.OutboxID,
		}, nil, nil)
		return err
	default:
		// Unknown entry types are delivered as a no-op rather than retried
		// forever; a future entry type that the ledger can't absorb would
		// otherwise wedge the drain loop.
		d.logger.Warn(ctx, "dropping outbox entry of unknown type", "outbox_id", e.OutboxID, "entry_type", e.EntryType)
		return nil
	}
}
