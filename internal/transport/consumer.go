package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/realport/feedsync/internal/core"
)

// TicketMsg is a fetched dispatch ticket with its transport acknowledgement
// handle. The worker must settle each message exactly one way.
type TicketMsg struct {
	Ticket core.Ticket
	msg    jetstream.Msg
}

// Integration returns the ticketed integration id.
func (m TicketMsg) Integration() int64 { return m.Ticket.IntegrationID }

// Ack acknowledges the ticket as handled; it will not be redelivered.
func (m TicketMsg) Ack() error { return m.msg.Ack() }

// Term drops the ticket permanently (e.g. undecodable payload).
func (m TicketMsg) Term() error { return m.msg.Term() }

// NakWithDelay returns the ticket to the queue after a delay, e.g. when no
// concurrency slot is available.
func (m TicketMsg) NakWithDelay(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

// Consumer pulls dispatch tickets from a tier queue's durable consumer.
type Consumer struct {
	queue    string
	consumer jetstream.Consumer
}

// NewConsumer creates or binds the durable pull consumer for a tier queue.
func NewConsumer(ctx context.Context, js jetstream.JetStream, queue string) (*Consumer, error) {
	consumer, err := EnsureConsumer(ctx, js, queue)
	if err != nil {
		return nil, err
	}
	return &Consumer{queue: queue, consumer: consumer}, nil
}

// Queue returns the tier queue name.
func (c *Consumer) Queue() string { return c.queue }

// Fetch pulls up to count tickets. A fetch timeout yields an empty batch,
// not an error. Undecodable payloads are terminated and skipped.
func (c *Consumer) Fetch(ctx context.Context, count int) ([]TicketMsg, error) {
	batch, err := c.consumer.Fetch(count, jetstream.FetchMaxWait(time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch from %s: %w", c.queue, err)
	}

	var msgs []TicketMsg
	for msg := range batch.Messages() {
		t, decErr := DecodeTicket(msg.Data())
		if decErr != nil {
			_ = msg.Term()
			continue
		}
		msgs = append(msgs, TicketMsg{Ticket: t, msg: msg})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return msgs, fmt.Errorf("fetch from %s: %w", c.queue, err)
	}
	return msgs, nil
}
