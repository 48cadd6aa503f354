package core

import "testing"

func TestError_Error(t *testing.T) {
	err := &Error{Code: "loop", Message: "integration stalled with a ticket still queued"}
	got := err.Error()
	want := "[loop] integration stalled with a ticket still queued"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewTransientStoreError(t *testing.T) {
	err := NewTransientStoreError("nats", errFake)
	if err.Code != ErrCodeTransientStore {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeTransientStore)
	}
	if !err.Retryable {
		t.Error("expected Retryable = true for transient store errors")
	}
	if err.Details["store"] != "nats" {
		t.Errorf("Details[store] = %v, want %q", err.Details["store"], "nats")
	}
}

func TestNewStalledWorkerError(t *testing.T) {
	err := NewStalledWorkerError(42)
	if err.Code != ErrCodeStalledWorker {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeStalledWorker)
	}
	if err.Details["integration_id"] != int64(42) {
		t.Errorf("Details[integration_id] = %v, want 42", err.Details["integration_id"])
	}
}

func TestNewLoopError(t *testing.T) {
	err := NewLoopError(7, "normal")
	if err.Code != ErrCodeLoop {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeLoop)
	}
	if err.Retryable {
		t.Error("expected Retryable = false for loop errors")
	}
	if err.Details["queue"] != "normal" {
		t.Errorf("Details[queue] = %v, want %q", err.Details["queue"], "normal")
	}
}

func TestNewFatalConfigError(t *testing.T) {
	err := NewFatalConfigError("slot store not configured")
	if err.Code != ErrCodeFatalConfig {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeFatalConfig)
	}
	if err.Retryable {
		t.Error("expected Retryable = false for fatal config errors")
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("integration", int64(9))
	if err.Code != ErrCodeNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrCodeNotFound)
	}
	if err.Details["resource"] != "integration" {
		t.Errorf("Details[resource] = %v, want %q", err.Details["resource"], "integration")
	}
}

type fakeErr struct{}

func (fakeErr) Error() string { return "connection refused" }

var errFake = fakeErr{}
