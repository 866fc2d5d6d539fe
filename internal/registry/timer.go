package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/phraseclaim/internal/metrics"
)

// Timer periodically sweeps lapsed confirmation windows back to the admin.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new expiry timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the tick interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithBatch caps how many lapsed items are reverted per tick.
func (t *Timer) WithBatch(n int) *Timer {
	if n > 0 {
		t.batch = n
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in registry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// sweep runs one pass and returns the outcomes, mainly for tests.
func (t *Timer) sweep(ctx context.Context) []SweepOutcome {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	lapsed, err := t.store.ListLapsed(ctx, t.service.now(), t.service.policy.DefaultPeriod, t.batch)
	if err != nil {
		t.logger.Warn("failed to list lapsed items", "error", err)
		return nil
	}
	metrics.LapsedItems.Set(float64(len(lapsed)))
	if len(lapsed) == 0 {
		return nil
	}

	keys := make([]common.Hash, len(lapsed))
	for i, item := range lapsed {
		keys[i] = item.Key
	}
	outcomes := t.service.Reconcile(ctx, keys)
	for _, o := range outcomes {
		if o.Result == SweepFailed {
			t.logger.Warn("failed to revert lapsed item", "key", o.Key.Hex(), "error", o.Reason)
		}
	}
	return outcomes
}
