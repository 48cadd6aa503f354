package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/realport/feedsync/internal/kv"
)

// Conn is the shared NATS connection with the orchestrator's KV stores
// already opened.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream

	Slots      *kv.Store
	Heartbeats *kv.Store
	Watermarks *kv.Store
}

// Connect dials NATS, provisions the stream and buckets, and opens the KV
// stores.
func Connect(natsURL string, heartbeatTTL time.Duration) (*Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupJetStream(ctx, js, heartbeatTTL); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (*kv.Store, error) {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return kv.NewStore(bucket), nil
	}

	conn := &Conn{nc: nc, js: js}
	if conn.Slots, err = openKV(BucketSlots); err != nil {
		nc.Close()
		return nil, err
	}
	if conn.Heartbeats, err = openKV(BucketHeartbeats); err != nil {
		nc.Close()
		return nil, err
	}
	if conn.Watermarks, err = openKV(BucketWatermarks); err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// Healthy reports whether the NATS connection is up.
func (c *Conn) Healthy(_ context.Context) error {
	if status := c.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close drains and closes the connection.
func (c *Conn) Close() {
	c.nc.Close()
}
