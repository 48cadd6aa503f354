package core

import "time"

// QueueEntry is the durable record of an integration's processing lifecycle.
// There is at most one entry per integration.
type QueueEntry struct {
	ID            int64
	IntegrationID int64
	Status        Status
	Priority      Priority
	StartedAt     *time.Time
	EndedAt       *time.Time
	CompletedAt   *time.Time
	ExecutionTime float64
	Attempts      int
	ErrorMessage  string
	ErrorDetails  string
	LastErrorStep string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ticket is a dispatch ticket carried on a transport queue: "process
// integration X". Delivery is at-least-once; consumers must tolerate
// duplicates.
type Ticket struct {
	IntegrationID int64 `json:"integration_id"`
}

// Heartbeat is the ephemeral liveness record a worker refreshes while
// processing an integration.
type Heartbeat struct {
	IntegrationID int64     `json:"integration_id"`
	WorkerID      string    `json:"worker_id"`
	Step          string    `json:"step"`
	LastBeat      time.Time `json:"last_beat"`
}

// Age returns how long ago the heartbeat was last refreshed.
func (h Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(h.LastBeat)
}

// SlotStats is a point-in-time view of the concurrency slot set.
type SlotStats struct {
	Count     int     `json:"count"`
	Members   []int64 `json:"members"`
	Available int     `json:"available"`
}
