package worker

import (
	"context"

	"github.com/realport/feedsync/internal/transport"
)

// ConsumerSource adapts a transport consumer to the runner's Source.
type ConsumerSource struct {
	consumer *transport.Consumer
}

// NewConsumerSource wraps a transport consumer.
func NewConsumerSource(c *transport.Consumer) *ConsumerSource {
	return &ConsumerSource{consumer: c}
}

// Queue returns the tier queue name.
func (s *ConsumerSource) Queue() string { return s.consumer.Queue() }

// Fetch pulls up to count deliveries.
func (s *ConsumerSource) Fetch(ctx context.Context, count int) ([]Delivery, error) {
	msgs, err := s.consumer.Fetch(ctx, count)
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, len(msgs))
	for i := range msgs {
		out[i] = msgs[i]
	}
	return out, nil
}
