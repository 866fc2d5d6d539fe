package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTimer_SweepRevertsOnlyLapsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{})
	f.create(t, key("lapsed"), common.Hash{}, secs(10), secs(10))
	f.create(t, key("open"), common.Hash{}, secs(10), secs(100))
	f.create(t, key("idle"), common.Hash{}, secs(10), secs(10))
	f.arm(t, key("lapsed"))
	f.arm(t, key("open"))

	_, err := f.svc.TransferImmediate(ctx, testAdmin, key("lapsed"), alice)
	require.NoError(t, err)

	timer := NewTimer(f.svc, f.store, quietLogger())
	f.clock.At(secs(21))

	outcomes := timer.sweep(ctx)
	require.Len(t, outcomes, 1)
	assert.Equal(t, key("lapsed"), outcomes[0].Key)
	assert.Equal(t, SweepReverted, outcomes[0].Result)

	item, err := f.svc.Get(ctx, key("lapsed"))
	require.NoError(t, err)
	assert.Equal(t, testAdmin, item.Owner)
	assert.Equal(t, StatusCreated, item.Status)
	assert.Nil(t, item.Window)

	item, err = f.svc.Get(ctx, key("open"))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmationAwaiting, item.Status)

	// Nothing left to do on the next pass.
	assert.Empty(t, timer.sweep(ctx))
}

func TestTimer_SweepBatch(t *testing.T) {
	f := newFixture(t, Policy{})
	for _, name := range []string{"a", "b", "c"} {
		f.create(t, key(name), common.Hash{}, secs(1), secs(1))
		f.arm(t, key(name))
	}
	f.clock.At(secs(5))

	timer := NewTimer(f.svc, f.store, quietLogger()).WithBatch(2)
	assert.Len(t, timer.sweep(context.Background()), 2)
	assert.Len(t, timer.sweep(context.Background()), 1)
}

func TestTimer_OpenWindowsDoNotStarveLapsed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Policy{})
	for _, name := range []string{"open-1", "open-2"} {
		f.create(t, key(name), common.Hash{}, 0, 0)
		f.arm(t, key(name))
	}
	f.clock.At(secs(1))
	f.create(t, key("lapsing"), common.Hash{}, secs(1), secs(1))
	f.arm(t, key("lapsing"))
	f.clock.At(secs(100))

	timer := NewTimer(f.svc, f.store, quietLogger()).WithBatch(2)
	outcomes := timer.sweep(ctx)
	require.Len(t, outcomes, 1)
	assert.Equal(t, key("lapsing"), outcomes[0].Key)
	assert.Equal(t, SweepReverted, outcomes[0].Result)

	item, err := f.svc.Get(ctx, key("lapsing"))
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, item.Status)

	for _, name := range []string{"open-1", "open-2"} {
		item, err := f.svc.Get(ctx, key(name))
		require.NoError(t, err)
		assert.Equal(t, StatusConfirmationAwaiting, item.Status)
	}
}

type failingListStore struct {
	*MemoryStore
}

func (failingListStore) ListLapsed(context.Context, time.Time, time.Duration, int) ([]*Item, error) {
	return nil, errors.New("db down")
}

func TestTimer_ListFailure(t *testing.T) {
	f := newFixture(t, Policy{})
	timer := NewTimer(f.svc, failingListStore{f.store}, quietLogger())
	assert.Nil(t, timer.sweep(context.Background()))
}

func TestTimer_TicksAndStops(t *testing.T) {
	f := newFixture(t, Policy{})
	f.create(t, key("a"), common.Hash{}, secs(1), secs(1))
	f.arm(t, key("a"))
	f.clock.At(secs(5))

	timer := NewTimer(f.svc, f.store, quietLogger()).WithInterval(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool {
		item, err := f.svc.Get(context.Background(), key("a"))
		return err == nil && item.Status == StatusCreated
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop within 2 seconds")
	}
	assert.False(t, timer.Running())
}

func TestTimer_ContextCancellation(t *testing.T) {
	f := newFixture(t, Policy{})
	timer := NewTimer(f.svc, f.store, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop on context cancel within 2 seconds")
	}
}
