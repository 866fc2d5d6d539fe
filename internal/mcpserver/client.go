package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNoToken is returned by write calls when no bearer token is configured.
var ErrNoToken = errors.New("PHRASECLAIM_TOKEN is required for this action")

// Config holds the configuration for connecting to the registry API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer JWT from POST /v1/auth/token; optional for reads
}

// RegistryClient is a pure HTTP client for the registry API.
type RegistryClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewRegistryClient creates a new client for the registry API.
func NewRegistryClient(cfg Config) *RegistryClient {
	return &RegistryClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the registry.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the registry and returns the response body.
func (c *RegistryClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetItem fetches an item by hex key.
func (c *RegistryClient) GetItem(ctx context.Context, key string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(key), nil, nil)
}

// ListEvents fetches the newest events for an item.
func (c *RegistryClient) ListEvents(ctx context.Context, key string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/items/"+url.PathEscape(key)+"/events", q, nil)
}

// GetToken reports whether a claim token has been used.
func (c *RegistryClient) GetToken(ctx context.Context, token string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/tokens/"+url.PathEscape(token), nil, nil)
}

// GetAdmin returns the current admin.
func (c *RegistryClient) GetAdmin(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin", nil, nil)
}

// Transfer hands a confirmed item to newOwner.
func (c *RegistryClient) Transfer(ctx context.Context, key, newOwner string) (json.RawMessage, error) {
	if c.cfg.Token == "" {
		return nil, ErrNoToken
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/items/"+url.PathEscape(key)+"/transfer", nil,
		map[string]string{"newOwner": newOwner})
}

// FinalizeByToken completes an armed confirmation using the item's claim token.
func (c *RegistryClient) FinalizeByToken(ctx context.Context, token, key, newOwner string) (json.RawMessage, error) {
	if c.cfg.Token == "" {
		return nil, ErrNoToken
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/tokens/"+url.PathEscape(token)+"/finalize", nil,
		map[string]string{"key": key, "newOwner": newOwner})
}
