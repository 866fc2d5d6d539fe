// Package webhooks delivers registry events to operator-configured HTTP
// endpoints. Each POST carries an HMAC-SHA256 signature over the timestamp
// and body so receivers can authenticate it and reject replays.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/phraseclaim/internal/circuitbreaker"
	"github.com/mbd888/phraseclaim/internal/idgen"
	"github.com/mbd888/phraseclaim/internal/metrics"
	"github.com/mbd888/phraseclaim/internal/registry"
	"github.com/mbd888/phraseclaim/internal/retry"
	"github.com/mbd888/phraseclaim/internal/security"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Phraseclaim-Event"
	HeaderDelivery  = "X-Phraseclaim-Delivery"
	HeaderTimestamp = "X-Phraseclaim-Timestamp"
	HeaderSignature = "X-Phraseclaim-Signature"
)

// Subscription is one configured endpoint. An empty Events list receives
// every event.
type Subscription struct {
	ID          string               `json:"id"`
	URL         string               `json:"url"`
	Secret      string               `json:"-"`
	Events      []registry.EventName `json:"events"`
	LastSuccess *time.Time           `json:"lastSuccess,omitempty"`
	LastError   string               `json:"lastError,omitempty"`
	Circuit     circuitbreaker.State `json:"circuit"`
}

func (s *Subscription) wants(name registry.EventName) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, n := range s.Events {
		if n == name {
			return true
		}
	}
	return false
}

// Payload is the JSON body posted to endpoints.
type Payload struct {
	DeliveryID string         `json:"deliveryId"`
	Event      registry.Event `json:"event"`
}

// Dispatcher signs and delivers events. Deliveries to one endpoint are
// retried with backoff and short-circuited while its breaker is open.
type Dispatcher struct {
	mu           sync.RWMutex
	subs         []*Subscription
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	retry        retry.Policy
	urlValidator func(string) error
	logger       *slog.Logger

	queue   chan job
	workers int
}

// NewDispatcher creates a dispatcher with a 10s HTTP timeout, 4 attempts per
// delivery and a breaker that opens after 5 consecutive failures.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		client:       &http.Client{Timeout: 10 * time.Second},
		retry:        retry.Policy{Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		urlValidator: security.ValidateEndpointURL,
		logger:       logger,
		queue:        make(chan job, 1024),
		workers:      4,
	}
	return d.WithBreaker(circuitbreaker.New(5, time.Minute))
}

// WithRetry overrides the backoff policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.retry = p
	return d
}

// WithBreaker overrides the circuit breaker. Circuits are keyed by
// subscription ID.
func (d *Dispatcher) WithBreaker(b *circuitbreaker.Breaker) *Dispatcher {
	d.breaker = b.OnTransition(func(id string, from, to circuitbreaker.State) {
		d.logger.Warn("webhook circuit changed", "subscription", id, "from", from.String(), "to", to.String())
	})
	return d
}

// WithHTTPClient overrides the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// Add registers an endpoint after checking it is a public http(s) URL.
func (d *Dispatcher) Add(url, secret string, events ...registry.EventName) (*Subscription, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if err := d.urlValidator(url); err != nil {
		return nil, fmt.Errorf("webhook %s: %w", url, err)
	}
	sub := &Subscription{
		ID:     idgen.WithPrefix("wh_"),
		URL:    url,
		Secret: secret,
		Events: events,
	}
	d.mu.Lock()
	d.subs = append(d.subs, sub)
	d.mu.Unlock()
	return sub, nil
}

// Subscriptions returns a snapshot of the configured endpoints.
func (d *Dispatcher) Subscriptions() []Subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Subscription, len(d.subs))
	for i, s := range d.subs {
		out[i] = *s
		out[i].Circuit = d.breaker.State(s.ID)
	}
	return out
}

// Deliver posts e to sub, retrying transient failures.
func (d *Dispatcher) Deliver(ctx context.Context, sub *Subscription, e registry.Event) error {
	body, err := json.Marshal(Payload{DeliveryID: idgen.WithPrefix("whd_"), Event: e})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	err = d.retry.Do(ctx, func(int) error {
		err := d.breaker.Do(sub.ID, func() error { return d.post(ctx, sub, e, body) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})

	d.record(sub, err)
	return err
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, e registry.Event, body []byte) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(e.Name))
	req.Header.Set(HeaderDelivery, e.ID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "sha256="+Sign(sub.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		// The receiver rejected the payload; resending it will not help.
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
}

func (d *Dispatcher) record(sub *Subscription, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		now := time.Now()
		sub.LastSuccess = &now
		sub.LastError = ""
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		return
	}
	sub.LastError = err.Error()
	if errors.Is(err, circuitbreaker.ErrOpen) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("circuit_open").Inc()
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret.
func Sign(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header produced by Sign, rejecting timestamps
// further than tolerance from now.
func Verify(secret, timestamp, signature string, body []byte, tolerance time.Duration, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("malformed timestamp")
	}
	skew := now.Sub(time.Unix(ts, 0))
	if skew < -tolerance || skew > tolerance {
		return errors.New("timestamp outside tolerance")
	}
	want := "sha256=" + Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.New("signature mismatch")
	}
	return nil
}
