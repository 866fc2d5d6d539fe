package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/phraseclaim/internal/registry"
)

var webhookDropped = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "phraseclaim",
	Subsystem: "webhook",
	Name:      "dropped_total",
	Help:      "Events not queued for delivery because the queue was full.",
})

func init() {
	prometheus.MustRegister(webhookDropped)
}

type job struct {
	sub   *Subscription
	event registry.Event
}

// Notify implements registry.Notifier. Matching deliveries are queued for
// Run's workers; a full queue drops the event rather than stall the caller.
func (d *Dispatcher) Notify(_ context.Context, e registry.Event) {
	d.mu.RLock()
	subs := make([]*Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		if s.wants(e.Name) {
			subs = append(subs, s)
		}
	}
	d.mu.RUnlock()

	for _, s := range subs {
		select {
		case d.queue <- job{sub: s, event: e}:
		default:
			webhookDropped.Inc()
			d.logger.Warn("webhook queue full, dropping event", "event", e.Name, "url", s.URL)
		}
	}
}

// Run delivers queued events until ctx is done. Jobs still queued at that
// point get a short grace period to finish.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case j := <-d.queue:
			d.deliver(ctx, j)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	if err := d.Deliver(ctx, j.sub, j.event); err != nil {
		d.logger.Warn("webhook delivery failed",
			"url", j.sub.URL, "event", j.event.Name, "key", j.event.Key.Hex(), "error", err)
	}
}

var _ registry.Notifier = (*Dispatcher)(nil)
