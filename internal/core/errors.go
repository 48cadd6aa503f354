package core

import "fmt"

// Error codes for the orchestration failure taxonomy.
const (
	ErrCodeTransientStore = "transient_store"
	ErrCodeConsistency    = "consistency"
	ErrCodeStalledWorker  = "stalled_worker"
	ErrCodeLoop           = "loop"
	ErrCodeFatalConfig    = "fatal_config"
	ErrCodeNotFound       = "not_found"
	ErrCodeConflict       = "conflict"
)

// Error is a structured orchestration error. The core never renders human
// prose; callers (API, alerts) decide how to present Code and Details.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewTransientStoreError flags an unreachable cache, database, or transport.
// The failed operation is skipped for the current cycle and retried on the
// next one; no state is corrupted.
func NewTransientStoreError(store string, err error) *Error {
	return &Error{
		Code:      ErrCodeTransientStore,
		Message:   fmt.Sprintf("%s unavailable: %v", store, err),
		Retryable: true,
		Details:   map[string]any{"store": store},
	}
}

// NewConsistencyError flags drift between the slot store and the durable
// store. Corrected by the reconciler.
func NewConsistencyError(msg string, details map[string]any) *Error {
	return &Error{Code: ErrCodeConsistency, Message: msg, Retryable: true, Details: details}
}

// NewStalledWorkerError flags a heartbeat that expired while the durable
// status was still in_process.
func NewStalledWorkerError(integrationID int64) *Error {
	return &Error{
		Code:      ErrCodeStalledWorker,
		Message:   "heartbeat expired while integration was in process",
		Retryable: true,
		Details:   map[string]any{"integration_id": integrationID},
	}
}

// NewLoopError flags an integration that is stalled while a dispatch ticket
// for it still sits unconsumed on a transport queue.
func NewLoopError(integrationID int64, queue string) *Error {
	return &Error{
		Code:    ErrCodeLoop,
		Message: "integration stalled with a ticket still queued",
		Details: map[string]any{"integration_id": integrationID, "queue": queue},
	}
}

// NewFatalConfigError flags a missing required dependency. The current
// scheduler pass aborts without partially mutating any entry.
func NewFatalConfigError(msg string) *Error {
	return &Error{Code: ErrCodeFatalConfig, Message: msg}
}

// NewNotFoundError flags a missing resource.
func NewNotFoundError(resource string, id any) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s %v not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// NewConflictError flags an operation applied in an incompatible state.
func NewConflictError(msg string, details map[string]any) *Error {
	return &Error{Code: ErrCodeConflict, Message: msg, Details: details}
}
