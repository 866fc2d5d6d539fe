package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/phraseclaim/internal/registry"
)

var (
	admin = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a2")
)

func event(name registry.EventName, key common.Hash, from, to common.Address) registry.Event {
	return registry.Event{ID: "evt_test", Name: name, Key: key, From: from, To: to, At: time.Now()}
}

func runHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h := NewHub(slog.Default(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// addClient registers a connectionless client whose queue the test drains.
func addClient(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	client := &Client{hub: h, send: make(chan []byte, 4), sub: sub}
	h.register <- client
	return client
}

func connected(h *Hub, n int) func() bool {
	return func() bool { return h.Stats().ConnectedClients == n }
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var m Message
		require.NoError(t, conn.ReadJSON(&m))
		if m.Type == typ {
			return m
		}
	}
}

func TestSubscription_Matches(t *testing.T) {
	k1 := registry.KeyFromPhrase("one")
	k2 := registry.KeyFromPhrase("two")
	confirmed := event(registry.EventOwnershipConfirmed, k1, admin, alice)

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches everything", Subscription{}, true},
		{"event name hit", Subscription{Events: []registry.EventName{registry.EventOwnershipConfirmed}}, true},
		{"event name miss", Subscription{Events: []registry.EventName{registry.EventItemAdded}}, false},
		{"key hit", Subscription{Keys: []common.Hash{k1}}, true},
		{"key miss", Subscription{Keys: []common.Hash{k2}}, false},
		{"address matches to", Subscription{Addresses: []common.Address{alice}}, true},
		{"address matches from", Subscription{Addresses: []common.Address{admin}}, true},
		{"address miss", Subscription{Addresses: []common.Address{common.HexToAddress("0xdead")}}, false},
		{"all filters must hold", Subscription{
			Events: []registry.EventName{registry.EventOwnershipConfirmed},
			Keys:   []common.Hash{k2},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(confirmed))
		})
	}
}

func TestSubscriptionFromQuery(t *testing.T) {
	k := registry.KeyFromPhrase("q")

	sub, err := SubscriptionFromQuery(url.Values{
		"key":     {k.Hex()},
		"event":   {string(registry.EventOwnershipConfirmed)},
		"address": {alice.Hex()},
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Hash{k}, sub.Keys)
	assert.Equal(t, []registry.EventName{registry.EventOwnershipConfirmed}, sub.Events)
	assert.Equal(t, []common.Address{alice}, sub.Addresses)

	_, err = SubscriptionFromQuery(url.Values{"key": {"0x1234"}})
	assert.Error(t, err)
	_, err = SubscriptionFromQuery(url.Values{"address": {"alice"}})
	assert.Error(t, err)
	_, err = SubscriptionFromQuery(url.Values{"event": {"Minted"}})
	assert.ErrorContains(t, err, "unknown event")
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := runHub(t)
	client := addClient(t, h, Subscription{})

	require.Eventually(t, connected(h, 1), time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients)

	h.unregister <- client
	require.Eventually(t, connected(h, 0), time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients, "peak survives disconnect")
	assert.Equal(t, int64(1), h.Stats().TotalClients)
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := runHub(t)
	k := registry.KeyFromPhrase("watched")
	client := addClient(t, h, Subscription{Keys: []common.Hash{k}})

	h.Notify(context.Background(), event(registry.EventItemAdded, registry.KeyFromPhrase("other"), common.Address{}, admin))
	h.Notify(context.Background(), event(registry.EventItemAdded, k, common.Address{}, admin))

	select {
	case msg := <-client.send:
		var m Message
		require.NoError(t, json.Unmarshal(msg, &m))
		assert.Equal(t, TypeEvent, m.Type)
		require.NotNil(t, m.Event)
		assert.Equal(t, k, m.Event.Key)
	case <-time.After(time.Second):
		t.Fatal("client should receive the watched key")
	}

	select {
	case <-client.send:
		t.Fatal("unwatched key must be filtered out")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowClientDisconnected(t *testing.T) {
	h := runHub(t)
	addClient(t, h, Subscription{})
	require.Eventually(t, connected(h, 1), time.Second, 5*time.Millisecond)

	// The test client's queue holds 4; nothing drains it.
	for i := 0; i < 6; i++ {
		h.Notify(context.Background(), event(registry.EventItemAdded, common.Hash{}, common.Address{}, admin))
	}
	require.Eventually(t, connected(h, 0), time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().SlowDisconnects)
}

func TestHub_NotifyNeverBlocks(t *testing.T) {
	h := NewHub(slog.Default()) // not running: nothing drains the buffer
	for i := 0; i < cap(h.broadcast)+10; i++ {
		h.Notify(context.Background(), event(registry.EventItemAdded, common.Hash{}, common.Address{}, admin))
	}
	assert.Equal(t, int64(10), h.Stats().DroppedEvents)
}

func TestHub_ContextCancellation(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_RejectsAfterStop(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHub_RejectsBadQuery(t *testing.T) {
	h := runHub(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?key=nothex", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHub_MaxClients(t *testing.T) {
	h := runHub(t, WithMaxClients(1))
	addClient(t, h, Subscription{})
	require.Eventually(t, connected(h, 1), time.Second, 5*time.Millisecond)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCheckOrigin(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://api.example.com/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	strict := checkOrigin(nil)
	assert.True(t, strict(req("")))
	assert.True(t, strict(req("https://api.example.com")))
	assert.False(t, strict(req("https://evil.example")))

	listed := checkOrigin([]string{"https://app.example.com"})
	assert.True(t, listed(req("https://app.example.com")))
	assert.False(t, listed(req("https://evil.example")))

	assert.True(t, checkOrigin([]string{"*"})(req("https://anything.example")))
}

// A service mutation reaches a real WebSocket client filtered by query.
func TestHub_WebSocketStream(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	k := registry.KeyFromPhrase("streamed")
	conn := dial(t, srv, "?key="+k.Hex())
	require.Eventually(t, connected(h, 1), time.Second, 5*time.Millisecond)

	ctx := context.Background()
	svc := registry.NewService(registry.NewMemoryStore(), registry.Policy{}).WithNotifier(h)
	_, err := svc.Authority().Bootstrap(ctx, admin)
	require.NoError(t, err)

	_, err = svc.Create(ctx, admin, registry.CreateRequest{Key: registry.KeyFromPhrase("ignored")})
	require.NoError(t, err)
	_, err = svc.Create(ctx, admin, registry.CreateRequest{Key: k})
	require.NoError(t, err)

	got := readUntil(t, conn, TypeEvent)
	require.NotNil(t, got.Event)
	assert.Equal(t, registry.EventItemAdded, got.Event.Name)
	assert.Equal(t, k, got.Event.Key)
	assert.Equal(t, admin, got.Event.To)
}

func TestHub_SubscribeMessage(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, connected(h, 1), time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"events":["Bogus"]}`)))
	errMsg := readUntil(t, conn, TypeError)
	assert.Contains(t, errMsg.Error, "unknown event")

	require.NoError(t, conn.WriteJSON(Subscription{Events: []registry.EventName{registry.EventItemDeleted}}))
	ack := readUntil(t, conn, TypeSubscribed)
	require.NotNil(t, ack.Subscription)
	assert.Equal(t, []registry.EventName{registry.EventItemDeleted}, ack.Subscription.Events)

	h.Notify(context.Background(), event(registry.EventItemAdded, common.Hash{}, common.Address{}, admin))
	h.Notify(context.Background(), event(registry.EventItemDeleted, common.Hash{}, admin, common.Address{}))

	got := readUntil(t, conn, TypeEvent)
	assert.Equal(t, registry.EventItemDeleted, got.Event.Name)
}
