// Package transport maps the dispatch-ticket queues onto NATS JetStream: one
// stream with a work-queue subject per tier, plus the KV buckets backing the
// ephemeral slot, heartbeat, and watermark state.
package transport

import "fmt"

// Subject hierarchy:
//
//	feedsync.tickets.{queue}  -- dispatch tickets per tier queue
const (
	StreamName    = "FEEDSYNC"
	SubjectPrefix = "feedsync"

	// KV bucket names
	BucketSlots      = "feedsync-slots"
	BucketHeartbeats = "feedsync-heartbeats"
	BucketWatermarks = "feedsync-watermarks"
)

// TicketSubject returns the subject tickets for a tier queue are published
// to. Example: feedsync.tickets.priority
func TicketSubject(queue string) string {
	return fmt.Sprintf("%s.tickets.%s", SubjectPrefix, queue)
}

// TicketsAllSubject returns the wildcard subject covering every tier queue.
// Used for the stream subject filter.
func TicketsAllSubject() string {
	return fmt.Sprintf("%s.tickets.>", SubjectPrefix)
}

// ConsumerName returns the durable consumer name workers use for a queue.
func ConsumerName(queue string) string {
	return fmt.Sprintf("feedsync-worker-%s", queue)
}
