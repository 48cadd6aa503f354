package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SetupJetStream creates the ticket stream and the KV buckets. Idempotent;
// every process runs it at startup.
func SetupJetStream(ctx context.Context, js jetstream.JetStream, heartbeatTTL time.Duration) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{TicketsAllSubject()},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		return fmt.Errorf("creating stream %s: %w", StreamName, err)
	}

	buckets := []struct {
		name string
		ttl  time.Duration
	}{
		{BucketSlots, 0},
		{BucketHeartbeats, heartbeatTTL},
		{BucketWatermarks, 0},
	}
	for _, b := range buckets {
		cfg := jetstream.KeyValueConfig{
			Bucket:  b.name,
			Storage: jetstream.FileStorage,
		}
		if b.ttl > 0 {
			cfg.TTL = b.ttl
		}
		if _, err := js.CreateOrUpdateKeyValue(ctx, cfg); err != nil {
			return fmt.Errorf("creating KV bucket %s: %w", b.name, err)
		}
	}
	return nil
}

// EnsureConsumer creates or updates the durable pull consumer workers use
// for a tier queue.
func EnsureConsumer(ctx context.Context, js jetstream.JetStream, queue string) (jetstream.Consumer, error) {
	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName(queue),
		FilterSubject: TicketSubject(queue),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       60 * time.Second,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating consumer for queue %s: %w", queue, err)
	}
	return consumer, nil
}
