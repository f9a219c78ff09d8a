package apprun

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartRunsWorkersUntilStop(t *testing.T) {
	var ticks int64
	r := New(nil)
	r.Register("ticker", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
				atomic.AddInt64(&ticks, 1)
			}
		}
	})

	r.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	r.Stop()

	require.Greater(t, atomic.LoadInt64(&ticks), int64(0))
}

func TestStopIsIdempotentWithNoWorkers(t *testing.T) {
	r := New(nil)
	r.Start(context.Background())
	r.Stop()
	r.Stop()
}

func TestContextCancellationStopsWorkersWithoutExplicitStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r := New(nil)
	r.Register("waiter", func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	r.Start(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe context cancellation")
	}
	r.Stop()
}
