package registry

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite exercises the Store contract. Every implementation must pass it.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	at := baseTime

	newItem := func(k common.Hash) *Item {
		return &Item{
			Key: k, Owner: testAdmin, Status: StatusCreated,
			Delay: secs(10), Period: secs(20), ClaimToken: token(k.Hex()),
			Payload: "payload", CreatedAt: at, UpdatedAt: at,
		}
	}

	t.Run("insert get exists", func(t *testing.T) {
		s := newStore(t)
		item := newItem(key("a"))
		ev := newEvent(EventItemAdded, item.Key, common.Address{}, testAdmin, at, map[string]string{"delay": "10"})
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item, Bind: item.ClaimToken, Events: []Event{ev}}))

		got, err := s.Get(ctx, key("a"))
		require.NoError(t, err)
		assert.Equal(t, testAdmin, got.Owner)
		assert.Equal(t, StatusCreated, got.Status)
		assert.Equal(t, secs(10), got.Delay)
		assert.Equal(t, secs(20), got.Period)
		assert.Equal(t, item.ClaimToken, got.ClaimToken)
		assert.Equal(t, "payload", got.Payload)
		assert.Nil(t, got.Window)
		assert.True(t, got.CreatedAt.Equal(at))

		exists, err := s.Exists(ctx, key("a"))
		require.NoError(t, err)
		assert.True(t, exists)
		exists, err = s.Exists(ctx, key("b"))
		require.NoError(t, err)
		assert.False(t, exists)

		bound, err := s.TokenItem(ctx, item.ClaimToken)
		require.NoError(t, err)
		assert.Equal(t, key("a"), bound)

		_, err = s.Get(ctx, key("b"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.TokenItem(ctx, token("unbound"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("insert conflicts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: newItem(key("a")), Bind: token("x")}))

		err := s.Commit(ctx, &Change{Kind: ChangeInsert, Item: newItem(key("a"))})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		// Token conflict rolls back the insert.
		err = s.Commit(ctx, &Change{Kind: ChangeInsert, Item: newItem(key("b")), Bind: token("x")})
		assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
		exists, err := s.Exists(ctx, key("b"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("update round-trips window", func(t *testing.T) {
		s := newStore(t)
		item := newItem(key("a"))
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item}))

		item.Status = StatusConfirmationAwaiting
		item.Window = &Window{StartedAt: at.Add(5 * time.Second)}
		item.Owner = alice
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeUpdate, Item: item}))

		got, err := s.Get(ctx, key("a"))
		require.NoError(t, err)
		assert.Equal(t, alice, got.Owner)
		require.NotNil(t, got.Window)
		assert.True(t, got.Window.StartedAt.Equal(at.Add(5*time.Second)))

		err = s.Commit(ctx, &Change{Kind: ChangeUpdate, Item: newItem(key("missing"))})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete removes bindings", func(t *testing.T) {
		s := newStore(t)
		item := newItem(key("a"))
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item, Bind: item.ClaimToken}))
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeDelete, Key: key("a")}))

		_, err := s.Get(ctx, key("a"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.TokenItem(ctx, item.ClaimToken)
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.Commit(ctx, &Change{Kind: ChangeDelete, Key: key("a")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list lapsed earliest deadline first", func(t *testing.T) {
		s := newStore(t)
		arm := func(name string, startedAt time.Time, delay, period time.Duration) {
			item := newItem(key(name))
			item.ClaimToken = common.Hash{}
			item.Status = StatusConfirmationAwaiting
			item.Window = &Window{StartedAt: startedAt}
			item.Delay, item.Period = delay, period
			require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item}))
		}
		arm("late", at, secs(10), secs(20))             // deadline +30s
		arm("early", at.Add(secs(5)), secs(1), secs(1)) // deadline +7s
		arm("open", at.Add(-secs(100)), 0, 0)           // no period
		arm("pending", at, secs(10), secs(1000))        // deadline +1010s
		idle := newItem(key("idle"))
		idle.ClaimToken = common.Hash{}
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: idle}))

		items, err := s.ListLapsed(ctx, at.Add(secs(100)), 0, 10)
		require.NoError(t, err)
		require.Len(t, items, 2)
		assert.Equal(t, key("early"), items[0].Key)
		assert.Equal(t, key("late"), items[1].Key)

		items, err = s.ListLapsed(ctx, at.Add(secs(100)), 0, 1)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, key("early"), items[0].Key)

		// The default period gives open-ended windows a deadline.
		items, err = s.ListLapsed(ctx, at.Add(secs(100)), secs(50), 10)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, key("open"), items[0].Key)

		// A window is still valid at its deadline.
		items, err = s.ListLapsed(ctx, at.Add(secs(7)), 0, 10)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("bind requires item", func(t *testing.T) {
		s := newStore(t)
		err := s.Commit(ctx, &Change{Kind: ChangeNone, Key: key("missing"), Bind: token("orphan")})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.TokenItem(ctx, token("orphan"))
		assert.ErrorIs(t, err, ErrNotFound)

		item := newItem(key("a"))
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item}))
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeNone, Key: key("a"), Bind: token("extra")}))
		bound, err := s.TokenItem(ctx, token("extra"))
		require.NoError(t, err)
		assert.Equal(t, key("a"), bound)
	})

	t.Run("admin precondition", func(t *testing.T) {
		s := newStore(t)
		item := newItem(key("a"))
		item.ClaimToken = common.Hash{}

		// No admin installed yet.
		err := s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item, Admin: testAdmin})
		assert.ErrorIs(t, err, ErrUnauthorized)

		require.NoError(t, s.SwapAdmin(ctx, common.Address{}, testAdmin, nil))
		require.NoError(t, s.SwapAdmin(ctx, testAdmin, carol, nil))

		err = s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item, Admin: testAdmin})
		assert.ErrorIs(t, err, ErrUnauthorized)
		exists, err := s.Exists(ctx, key("a"))
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item, Admin: carol}))
	})

	t.Run("events newest first", func(t *testing.T) {
		s := newStore(t)
		item := newItem(key("a"))
		item.ClaimToken = common.Hash{}
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item, Events: []Event{
			newEvent(EventItemAdded, key("a"), common.Address{}, testAdmin, at, nil),
		}}))
		require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeUpdate, Item: item, Events: []Event{
			newEvent(EventOwnershipTransferred, key("a"), testAdmin, alice, at.Add(time.Second), map[string]string{"note": "x"}),
		}}))

		events, err := s.Events(ctx, key("a"), 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, EventOwnershipTransferred, events[0].Name)
		assert.Equal(t, testAdmin, events[0].From)
		assert.Equal(t, alice, events[0].To)
		assert.Equal(t, "x", events[0].Fields["note"])
		assert.Equal(t, EventItemAdded, events[1].Name)
		assert.Equal(t, common.Address{}, events[1].From)

		events, err = s.Events(ctx, key("other"), 10)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("admin swap", func(t *testing.T) {
		s := newStore(t)
		admin, err := s.Admin(ctx)
		require.NoError(t, err)
		assert.Equal(t, common.Address{}, admin)

		require.NoError(t, s.SwapAdmin(ctx, common.Address{}, testAdmin, nil))
		assert.ErrorIs(t, s.SwapAdmin(ctx, common.Address{}, alice, nil), ErrUnauthorized)
		assert.ErrorIs(t, s.SwapAdmin(ctx, bob, alice, nil), ErrUnauthorized)

		ev := newEvent(EventAdminChanged, common.Hash{}, testAdmin, alice, at, nil)
		require.NoError(t, s.SwapAdmin(ctx, testAdmin, alice, &ev))
		admin, err = s.Admin(ctx)
		require.NoError(t, err)
		assert.Equal(t, alice, admin)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQLite(context.Background(), ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	item := &Item{Key: key("a"), Owner: testAdmin, Status: StatusConfirmationAwaiting, Window: &Window{StartedAt: baseTime}}
	require.NoError(t, s.Commit(ctx, &Change{Kind: ChangeInsert, Item: item}))

	got, err := s.Get(ctx, key("a"))
	require.NoError(t, err)
	got.Owner = alice
	got.Window.StartedAt = time.Time{}

	again, err := s.Get(ctx, key("a"))
	require.NoError(t, err)
	assert.Equal(t, testAdmin, again.Owner)
	assert.Equal(t, baseTime, again.Window.StartedAt)
}

func TestServiceOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	clock := newFakeClock()
	svc := NewService(store, Policy{}).WithClock(clock)
	_, err = svc.Authority().Bootstrap(ctx, testAdmin)
	require.NoError(t, err)

	_, err = svc.Create(ctx, testAdmin, CreateRequest{Key: key("K"), ClaimToken: token("T1"), Delay: secs(100), Period: secs(50)})
	require.NoError(t, err)
	_, err = svc.Create(ctx, testAdmin, CreateRequest{Key: key("K2"), ClaimToken: token("T1")})
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)

	_, err = svc.ArmConfirmation(ctx, testAdmin, key("K"), ArmRequest{})
	require.NoError(t, err)

	clock.At(secs(99))
	_, err = svc.Finalize(ctx, testAdmin, key("K"), bob)
	assert.ErrorIs(t, err, ErrTooEarly)

	clock.At(secs(150))
	item, err := svc.FinalizeByToken(ctx, testAdmin, token("T1"), key("K"), bob)
	require.NoError(t, err)
	assert.Equal(t, bob, item.Owner)

	events, err := svc.Events(ctx, key("K"), 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventOwnershipConfirmed, events[0].Name)
}

func TestServiceWindowBoundariesAgreeAcrossStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	attempts := []struct {
		name string
		at   time.Duration
		want error
	}{
		{"before delay", secs(9) + 900*time.Millisecond, ErrTooEarly},
		{"last second of period", secs(15) + 999*time.Millisecond, nil},
		{"after period", secs(16), ErrExpired},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			svc := NewService(newStore(t), Policy{}).WithClock(clock)
			_, err := svc.Authority().Bootstrap(ctx, testAdmin)
			require.NoError(t, err)

			// Sub-second durations cannot be stored faithfully.
			_, err = svc.Create(ctx, testAdmin, CreateRequest{Key: key("frac"), Delay: 1500 * time.Millisecond})
			assert.ErrorIs(t, err, ErrInvalidArgument)

			clock.At(700 * time.Millisecond)
			for _, a := range attempts {
				_, err := svc.Create(ctx, testAdmin, CreateRequest{Key: key(a.name), Delay: secs(10), Period: secs(5)})
				require.NoError(t, err)
				item, err := svc.ArmConfirmation(ctx, testAdmin, key(a.name), ArmRequest{})
				require.NoError(t, err)
				assert.Equal(t, baseTime, item.Window.StartedAt)
			}

			for _, a := range attempts {
				clock.At(a.at)
				_, err := svc.Finalize(ctx, testAdmin, key(a.name), bob)
				if a.want == nil {
					assert.NoError(t, err, a.name)
				} else {
					assert.ErrorIs(t, err, a.want, a.name)
				}
			}
		})
	}
}
