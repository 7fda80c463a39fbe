package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/ParcelWatch/internal/bus"
	"github.com/BearBump/ParcelWatch/internal/metrics"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Forwarder relays bus envelopes to a Kafka topic, keyed by package ID.
// Delivery is best effort: an envelope that still fails after the retries is
// logged and dropped.
type Forwarder struct {
	sub   *bus.Subscription
	pub   publisher
	topic string

	attempts int
	backoff  time.Duration
}

func NewForwarder(sub *bus.Subscription, pub publisher, topic string) *Forwarder {
	return &Forwarder{sub: sub, pub: pub, topic: topic, attempts: 3, backoff: 150 * time.Millisecond}
}

// Run forwards until ctx is done or the subscription is closed.
func (f *Forwarder) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-f.sub.C:
			if !ok {
				return nil
			}
			f.forward(ctx, env)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, env bus.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		slog.Error("marshal envelope", "event_type", env.EventType, "error", err.Error())
		return
	}
	key := []byte(env.Payload.PackageID())

	for i := 0; i < f.attempts; i++ {
		if err = f.pub.Publish(ctx, f.topic, key, b); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(i+1) * f.backoff):
		}
	}
	metrics.DeliveryFailuresTotal.WithLabelValues("kafka").Inc()
	slog.Error("forward notification",
		"topic", f.topic,
		"event_type", env.EventType,
		"package_id", string(key),
		"error", err.Error(),
	)
}
