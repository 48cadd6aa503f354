package transport

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type stubBatch struct {
	msgs chan jetstream.Msg
	err  error
}

func newStubBatch(err error) *stubBatch {
	ch := make(chan jetstream.Msg)
	close(ch)
	return &stubBatch{msgs: ch, err: err}
}

func (b *stubBatch) Messages() <-chan jetstream.Msg { return b.msgs }
func (b *stubBatch) Error() error                   { return b.err }

// stubJSConsumer overrides Fetch; the embedded interface panics on anything
// else, which no test path reaches.
type stubJSConsumer struct {
	jetstream.Consumer
	batch jetstream.MessageBatch
	err   error
}

func (s stubJSConsumer) Fetch(int, ...jetstream.FetchOpt) (jetstream.MessageBatch, error) {
	return s.batch, s.err
}

func TestFetch_PropagatesFetchError(t *testing.T) {
	c := &Consumer{queue: "normal", consumer: stubJSConsumer{err: errors.New("connection closed")}}

	msgs, err := c.Fetch(context.Background(), 1)
	if err == nil {
		t.Fatal("Fetch() returned nil error for a failed fetch")
	}
	if !strings.Contains(err.Error(), "connection closed") {
		t.Errorf("Fetch() error = %v, want wrapped fetch failure", err)
	}
	if msgs != nil {
		t.Errorf("Fetch() = %v, want no tickets on error", msgs)
	}
}

func TestFetch_EmptyBatchIsNotAnError(t *testing.T) {
	c := &Consumer{queue: "normal", consumer: stubJSConsumer{batch: newStubBatch(nil)}}

	msgs, err := c.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("Fetch() error = %v, want nil for an empty batch", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Fetch() = %v, want empty", msgs)
	}
}

func TestFetch_TimeoutIsNotAnError(t *testing.T) {
	c := &Consumer{queue: "normal", consumer: stubJSConsumer{batch: newStubBatch(nats.ErrTimeout)}}

	msgs, err := c.Fetch(context.Background(), 1)
	if err != nil {
		t.Fatalf("Fetch() error = %v, want nil for a wait timeout", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Fetch() = %v, want empty", msgs)
	}
}

func TestFetch_BatchErrorPropagates(t *testing.T) {
	c := &Consumer{queue: "normal", consumer: stubJSConsumer{batch: newStubBatch(errors.New("consumer deleted"))}}

	_, err := c.Fetch(context.Background(), 1)
	if err == nil {
		t.Fatal("Fetch() returned nil error for a failed batch")
	}
	if !strings.Contains(err.Error(), "consumer deleted") {
		t.Errorf("Fetch() error = %v, want wrapped batch failure", err)
	}
}
