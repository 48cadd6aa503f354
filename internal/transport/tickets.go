package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/realport/feedsync/internal/core"
)

// EncodeTicket serializes a dispatch ticket for the wire.
func EncodeTicket(t core.Ticket) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTicket deserializes a dispatch ticket.
func DecodeTicket(data []byte) (core.Ticket, error) {
	var t core.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return core.Ticket{}, fmt.Errorf("decode ticket: %w", err)
	}
	if t.IntegrationID == 0 {
		return core.Ticket{}, fmt.Errorf("decode ticket: missing integration_id")
	}
	return t, nil
}

// TicketQueue is one tier's transport queue. Publish appends a ticket;
// Depth, Pending, and Purge inspect or correct the queued-but-unconsumed
// backlog, which is what dispatch dedupe and loop breaking operate on.
type TicketQueue struct {
	js      jetstream.JetStream
	queue   string
	subject string
}

// NewTicketQueue binds a tier queue name to its stream subject.
func NewTicketQueue(js jetstream.JetStream, queue string) *TicketQueue {
	return &TicketQueue{js: js, queue: queue, subject: TicketSubject(queue)}
}

// Queue returns the tier queue name.
func (q *TicketQueue) Queue() string { return q.queue }

// Publish appends a dispatch ticket to the queue.
func (q *TicketQueue) Publish(ctx context.Context, t core.Ticket) error {
	data, err := EncodeTicket(t)
	if err != nil {
		return err
	}
	if _, err := q.js.Publish(ctx, q.subject, data); err != nil {
		return fmt.Errorf("publish ticket for %d to %s: %w", t.IntegrationID, q.subject, err)
	}
	return nil
}

// Depth returns the number of tickets currently sitting on the queue.
func (q *TicketQueue) Depth(ctx context.Context) (int, error) {
	stream, err := q.js.Stream(ctx, StreamName)
	if err != nil {
		return 0, fmt.Errorf("open stream %s: %w", StreamName, err)
	}
	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(q.subject))
	if err != nil {
		return 0, fmt.Errorf("stream info for %s: %w", q.subject, err)
	}
	return int(info.State.Subjects[q.subject]), nil
}

// Pending returns the payloads of every ticket still on the queue, in
// stream order. Used by the dispatcher to dedupe candidates against
// already-queued work.
func (q *TicketQueue) Pending(ctx context.Context) ([]core.Ticket, error) {
	tickets, _, err := q.scan(ctx)
	return tickets, err
}

// Purge removes every queued ticket for the given integration and returns
// how many were removed. Used by loop breaking.
func (q *TicketQueue) Purge(ctx context.Context, integrationID int64) (int, error) {
	tickets, seqs, err := q.scan(ctx)
	if err != nil {
		return 0, err
	}
	stream, err := q.js.Stream(ctx, StreamName)
	if err != nil {
		return 0, fmt.Errorf("open stream %s: %w", StreamName, err)
	}

	removed := 0
	for i, t := range tickets {
		if t.IntegrationID != integrationID {
			continue
		}
		if err := stream.DeleteMsg(ctx, seqs[i]); err != nil {
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete ticket seq %d: %w", seqs[i], err)
		}
		removed++
	}
	return removed, nil
}

// scan walks the stream's retained sequence range and collects the tickets
// on this queue's subject. Tier queues hold at most a handful of tickets, so
// the linear walk is cheap.
func (q *TicketQueue) scan(ctx context.Context) ([]core.Ticket, []uint64, error) {
	stream, err := q.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, nil, fmt.Errorf("open stream %s: %w", StreamName, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("stream info: %w", err)
	}

	var (
		tickets []core.Ticket
		seqs    []uint64
	)
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq; seq++ {
		msg, err := stream.GetMsg(ctx, seq)
		if err != nil {
			// Sequences consumed or deleted mid-scan are expected gaps.
			if errors.Is(err, jetstream.ErrMsgNotFound) {
				continue
			}
			return nil, nil, fmt.Errorf("read stream msg %d: %w", seq, err)
		}
		if msg.Subject != q.subject {
			continue
		}
		t, decErr := DecodeTicket(msg.Data)
		if decErr != nil {
			continue
		}
		tickets = append(tickets, t)
		seqs = append(seqs, msg.Sequence)
	}
	return tickets, seqs, nil
}
