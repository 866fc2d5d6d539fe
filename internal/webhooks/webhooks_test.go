package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/phraseclaim/internal/circuitbreaker"
	"github.com/mbd888/phraseclaim/internal/registry"
	"github.com/mbd888/phraseclaim/internal/retry"
)

const testSecret = "whsec_test"

// noopValidator allows loopback test servers.
func noopValidator(_ string) error { return nil }

func newTestDispatcher() *Dispatcher {
	d := NewDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.urlValidator = noopValidator
	d.retry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond}
	return d
}

func testEvent(name registry.EventName) registry.Event {
	return registry.Event{
		ID:   "evt_1",
		Name: name,
		Key:  registry.KeyFromPhrase("hook"),
		To:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		At:   time.Unix(1_700_000_000, 0),
	}
}

func TestDispatcher_AddValidates(t *testing.T) {
	d := NewDispatcher(slog.Default())

	_, err := d.Add("https://example.com/hook", "")
	assert.ErrorContains(t, err, "secret")

	_, err = d.Add("http://127.0.0.1:9000/hook", testSecret)
	assert.Error(t, err, "loopback endpoints are refused")

	_, err = d.Add("ftp://example.com/hook", testSecret)
	assert.Error(t, err)

	assert.Empty(t, d.Subscriptions())
}

func TestDispatcher_DeliverSigned(t *testing.T) {
	var got struct {
		headers http.Header
		body    []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.headers = r.Header.Clone()
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	sub, err := d.Add(srv.URL, testSecret)
	require.NoError(t, err)

	e := testEvent(registry.EventOwnershipConfirmed)
	require.NoError(t, d.Deliver(context.Background(), sub, e))

	assert.Equal(t, string(registry.EventOwnershipConfirmed), got.headers.Get(HeaderEvent))
	assert.Equal(t, "evt_1", got.headers.Get(HeaderDelivery))

	ts := got.headers.Get(HeaderTimestamp)
	sig := got.headers.Get(HeaderSignature)
	assert.NoError(t, Verify(testSecret, ts, sig, got.body, 5*time.Minute, time.Now()))
	assert.Error(t, Verify("other", ts, sig, got.body, 5*time.Minute, time.Now()))

	var p Payload
	require.NoError(t, json.Unmarshal(got.body, &p))
	assert.Equal(t, e.Key, p.Event.Key)
	assert.NotEmpty(t, p.DeliveryID)

	subs := d.Subscriptions()
	require.Len(t, subs, 1)
	assert.NotNil(t, subs[0].LastSuccess)
	assert.Empty(t, subs[0].LastError)
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	sub, err := d.Add(srv.URL, testSecret)
	require.NoError(t, err)

	require.NoError(t, d.Deliver(context.Background(), sub, testEvent(registry.EventItemAdded)))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	sub, err := d.Add(srv.URL, testSecret)
	require.NoError(t, err)

	err = d.Deliver(context.Background(), sub, testEvent(registry.EventItemAdded))
	assert.ErrorContains(t, err, "400")
	assert.Equal(t, int32(1), calls.Load())
	assert.Contains(t, d.Subscriptions()[0].LastError, "400")
}

func TestDispatcher_BreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher().WithBreaker(circuitbreaker.New(2, time.Hour))
	sub, err := d.Add(srv.URL, testSecret)
	require.NoError(t, err)

	err = d.Deliver(context.Background(), sub, testEvent(registry.EventItemAdded))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load(), "third attempt is rejected by the open circuit")

	err = d.Deliver(context.Background(), sub, testEvent(registry.EventItemAdded))
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, circuitbreaker.StateOpen, d.Subscriptions()[0].Circuit)
}

func TestDispatcher_NotifyFiltersAndRuns(t *testing.T) {
	received := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get(HeaderEvent)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	_, err := d.Add(srv.URL, testSecret, registry.EventItemRevertedToAdmin)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Notify(ctx, testEvent(registry.EventItemAdded))
	d.Notify(ctx, testEvent(registry.EventItemRevertedToAdmin))

	select {
	case name := <-received:
		assert.Equal(t, string(registry.EventItemRevertedToAdmin), name)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribed event was not delivered")
	}
	select {
	case name := <-received:
		t.Fatalf("unsubscribed event %s delivered", name)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestDispatcher_NotifyNeverBlocks(t *testing.T) {
	d := newTestDispatcher()
	d.queue = make(chan job, 1)
	d.subs = append(d.subs, &Subscription{URL: "http://unused", Secret: testSecret})

	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), testEvent(registry.EventItemAdded))
	}
	assert.Len(t, d.queue, 1)
}

func TestVerify_Tolerance(t *testing.T) {
	body := []byte(`{"x":1}`)
	now := time.Unix(1_700_000_000, 0)
	ts := "1700000000"
	sig := "sha256=" + Sign(testSecret, ts, body)

	assert.NoError(t, Verify(testSecret, ts, sig, body, time.Minute, now.Add(30*time.Second)))
	assert.ErrorContains(t, Verify(testSecret, ts, sig, body, time.Minute, now.Add(2*time.Minute)), "tolerance")
	assert.ErrorContains(t, Verify(testSecret, "soon", sig, body, time.Minute, now), "malformed")
	assert.ErrorContains(t, Verify(testSecret, ts, sig, []byte(`{"x":2}`), time.Minute, now), "mismatch")
}
