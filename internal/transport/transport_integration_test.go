package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/realport/feedsync/internal/core"
)

func TestTicketQueuePublishDepthPurge(t *testing.T) {
	conn := newIntegrationConn(t)

	ctx := context.Background()
	q := NewTicketQueue(conn.JetStream(), uniqueQueue("it-queue"))

	for _, id := range []int64{101, 102, 101} {
		if err := q.Publish(ctx, core.Ticket{IntegrationID: id}); err != nil {
			t.Fatalf("Publish(%d) error = %v", id, err)
		}
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 3 {
		t.Fatalf("Depth() = %d, want 3", depth)
	}

	pending, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() error = %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Pending() returned %d tickets, want 3", len(pending))
	}

	removed, err := q.Purge(ctx, 101)
	if err != nil {
		t.Fatalf("Purge(101) error = %v", err)
	}
	if removed != 2 {
		t.Fatalf("Purge(101) removed %d, want 2", removed)
	}

	pending, err = q.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending() after purge error = %v", err)
	}
	if len(pending) != 1 || pending[0].IntegrationID != 102 {
		t.Fatalf("Pending() after purge = %v, want only 102", pending)
	}
}

func TestConsumerFetchAckFlow(t *testing.T) {
	conn := newIntegrationConn(t)

	ctx := context.Background()
	queue := uniqueQueue("it-ack")
	q := NewTicketQueue(conn.JetStream(), queue)

	if err := q.Publish(ctx, core.Ticket{IntegrationID: 7}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	consumer, err := NewConsumer(ctx, conn.JetStream(), queue)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	msgs, err := consumer.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Fetch() returned %d tickets, want 1", len(msgs))
	}
	if got := msgs[0].Integration(); got != 7 {
		t.Fatalf("Integration() = %d, want 7", got)
	}
	if err := msgs[0].Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	again, err := consumer.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("Fetch() after ack error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("Fetch() after ack returned %d tickets, want 0", len(again))
	}
}

func TestConsumerNakRedelivers(t *testing.T) {
	conn := newIntegrationConn(t)

	ctx := context.Background()
	queue := uniqueQueue("it-nak")
	q := NewTicketQueue(conn.JetStream(), queue)

	if err := q.Publish(ctx, core.Ticket{IntegrationID: 13}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	consumer, err := NewConsumer(ctx, conn.JetStream(), queue)
	if err != nil {
		t.Fatalf("NewConsumer() error = %v", err)
	}

	msgs, err := consumer.Fetch(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Fetch() = %d tickets, err %v, want 1 ticket", len(msgs), err)
	}
	if err := msgs[0].NakWithDelay(100 * time.Millisecond); err != nil {
		t.Fatalf("NakWithDelay() error = %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	redelivered, err := consumer.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("Fetch() after nak error = %v", err)
	}
	if len(redelivered) != 1 || redelivered[0].Integration() != 13 {
		t.Fatalf("Fetch() after nak = %v, want ticket 13 back", redelivered)
	}
	if err := redelivered[0].Ack(); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
}

func newIntegrationConn(t *testing.T) *Conn {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	conn, err := Connect(natsURL, 10*time.Minute)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func uniqueQueue(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
