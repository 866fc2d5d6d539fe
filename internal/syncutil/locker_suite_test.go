package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLockerSuite exercises the contract the registry relies on: one holder
// per item name, waits bounded by the caller's context.
func runLockerSuite(t *testing.T, newLocker func(t *testing.T) Locker) {
	ctx := context.Background()

	t.Run("single writer per item", func(t *testing.T) {
		l := newLocker(t)
		var (
			mu      sync.Mutex
			holders int
			maxSeen int
			wg      sync.WaitGroup
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := l.LockContext(ctx, "registry:item:0x01")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				holders++
				if holders > maxSeen {
					maxSeen = holders
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				unlock()
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, maxSeen)
	})

	t.Run("wait honours deadline", func(t *testing.T) {
		l := newLocker(t)
		unlock, err := l.LockContext(ctx, "registry:admin")
		require.NoError(t, err)
		defer unlock()

		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = l.LockContext(waitCtx, "registry:admin")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("release hands over", func(t *testing.T) {
		l := newLocker(t)
		unlock, err := l.LockContext(ctx, "registry:item:0x02")
		require.NoError(t, err)

		acquired := make(chan struct{})
		go func() {
			u, err := l.LockContext(ctx, "registry:item:0x02")
			if err != nil {
				return
			}
			close(acquired)
			u()
		}()

		select {
		case <-acquired:
			t.Fatal("second holder got the lock before release")
		case <-time.After(20 * time.Millisecond):
		}

		unlock()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("second holder never got the lock")
		}
	})
}
