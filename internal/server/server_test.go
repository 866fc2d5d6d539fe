package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/phraseclaim/internal/auth"
	"github.com/mbd888/phraseclaim/internal/config"
	"github.com/mbd888/phraseclaim/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv      *Server
	adminKey *ecdsa.PrivateKey
	admin    common.Address
}

// testConfig returns a minimal config for testing
func testConfig(admin common.Address) *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "development",
		LogLevel:         "error",
		LogFormat:        "json",
		AdminAddress:     admin.Hex(),
		ConfirmationMode: "admin",
		MaxPayloadBytes:  4096,
		SweepInterval:    time.Hour,
		SweepBatch:       10,
		JWTSecret:        "0123456789abcdef0123456789abcdef",
		JWTTTL:           time.Hour,
		RateLimitRPM:     6000,
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	admin := crypto.PubkeyToAddress(key.PublicKey)

	cfg := testConfig(admin)
	for _, m := range mutate {
		m(cfg)
	}
	s, err := New(cfg,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithStore(registry.NewMemoryStore()),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	return &testEnv{srv: s, adminKey: key, admin: admin}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)

	out := map[string]interface{}{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

// login walks the signed-login flow for the admin wallet.
func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	ts := time.Now().Unix()
	sig, err := crypto.Sign(auth.HashMessage(auth.LoginMessage(e.admin, ts)), e.adminKey)
	require.NoError(t, err)
	sig[64] += 27

	w, body := e.do(t, http.MethodPost, "/v1/auth/token", "", auth.TokenRequest{
		Address:   e.admin.Hex(),
		Timestamp: ts,
		Signature: hexutil.Encode(sig),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return body["token"].(string)
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = env.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	// The timer is not running outside Run, so the aggregate is degraded.
	w, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].([]interface{})
	require.Len(t, checks, 2)
	assert.Equal(t, "store", checks[0].(map[string]interface{})["name"])
	assert.Equal(t, true, checks[0].(map[string]interface{})["healthy"])
	assert.Equal(t, false, checks[1].(map[string]interface{})["healthy"])
}

func TestServer_SecurityAndRequestID(t *testing.T) {
	env := newTestEnv(t)

	w, _ := env.do(t, http.MethodGet, "/v1/info", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w = httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestServer_AdminBootstrapAndInfo(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.ConfirmationMode = "owner" })

	w, body := env.do(t, http.MethodGet, "/v1/admin", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, env.admin, common.HexToAddress(body["admin"].(string)))

	_, body = env.do(t, http.MethodGet, "/v1/info", "", nil)
	assert.Equal(t, "owner", body["confirmationMode"])
	assert.Equal(t, map[string]interface{}{"enabled": false}, body["webhooks"])
}

func TestServer_ProtectedRoutesNeedToken(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/v1/items", "", map[string]string{"phrase": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", body["error"])

	w, _ = env.do(t, http.MethodPost, "/v1/items", "garbage", map[string]string{"phrase": "x"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_LoginCreateAndRead(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	w, body := env.do(t, http.MethodPost, "/v1/items", token, map[string]interface{}{
		"phrase":       "correct horse battery staple",
		"delaySeconds": 60,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	item := body["item"].(map[string]interface{})
	key := item["key"].(string)
	assert.Equal(t, registry.KeyFromPhrase("correct horse battery staple").Hex(), key)
	assert.Equal(t, env.admin, common.HexToAddress(item["owner"].(string)))

	w, body = env.do(t, http.MethodGet, "/v1/items/"+key+"/exists", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["exists"])

	w, body = env.do(t, http.MethodGet, "/v1/items/"+key+"/events", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.GreaterOrEqual(t, body["count"], float64(1))

	w, _ = env.do(t, http.MethodGet, "/v1/items/not-a-key", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/v1/info", "", nil)

	w, _ := env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "phraseclaim_http_requests_total")
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- env.srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		w, _ := env.do(t, http.MethodGet, "/health/ready", "", nil)
		return w.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, env.srv.timer.Running, 2*time.Second, 10*time.Millisecond)

	w, body := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://app:hunter2@db:5432/reg")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "app:")
	assert.Contains(t, masked, "@db:5432/reg")
	assert.Equal(t, "***", maskDSN("://bad"))
}
