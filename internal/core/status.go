package core

import "fmt"

// Status is the durable processing lifecycle of a feed integration.
// Stored as an integer in the feed_queue table.
type Status int

const (
	StatusPending Status = iota + 1
	StatusInProcess
	StatusDone
	StatusStopped
	StatusError
)

var statusLabels = map[Status]string{
	StatusPending:   "pending",
	StatusInProcess: "in_process",
	StatusDone:      "done",
	StatusStopped:   "stopped",
	StatusError:     "error",
}

// Label returns the wire/display name for the status.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

func (s Status) String() string { return s.Label() }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Terminal reports whether s is a terminal state. Terminal entries can only
// leave their state through an explicit reset to pending.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusStopped || s == StatusError
}

// Resettable reports whether an entry in this status may be reset to pending.
func (s Status) Resettable() bool { return s.Terminal() }

// ParseStatus resolves a status label back to its value.
func ParseStatus(label string) (Status, error) {
	for s, l := range statusLabels {
		if l == label {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", label)
}

// AllStatuses returns the ordered set of known statuses.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusInProcess, StatusDone, StatusStopped, StatusError}
}

// Priority is the dispatch tier of an integration. Each tier has its own
// transport queue, concurrency cap, and dispatch schedule.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLevel
	PriorityPlan
)

var priorityMeta = map[Priority]struct {
	label string
	queue string
}{
	PriorityNormal: {label: "normal", queue: "normal"},
	PriorityLevel:  {label: "level", queue: "level"},
	// Plan-tier integrations ride the queue historically named "priority".
	PriorityPlan: {label: "plan", queue: "priority"},
}

// Label returns the display name for the tier.
func (p Priority) Label() string {
	if m, ok := priorityMeta[p]; ok {
		return m.label
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

func (p Priority) String() string { return p.Label() }

// QueueName returns the transport queue the tier dispatches to.
func (p Priority) QueueName() string {
	if m, ok := priorityMeta[p]; ok {
		return m.queue
	}
	return "normal"
}

// Valid reports whether p is a known tier.
func (p Priority) Valid() bool {
	_, ok := priorityMeta[p]
	return ok
}

// ParsePriority resolves a tier label (or its queue name) to the tier value.
func ParsePriority(label string) (Priority, error) {
	for p, m := range priorityMeta {
		if m.label == label || m.queue == label {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", label)
}

// AllPriorities returns the dispatch tiers ordered highest first.
func AllPriorities() []Priority {
	return []Priority{PriorityPlan, PriorityLevel, PriorityNormal}
}
