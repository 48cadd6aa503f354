package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// OutputError wraps a command failure with the tail of its output.
type OutputError struct {
	Err    error
	Output string
}

func (e *OutputError) Error() string { return e.Err.Error() }
func (e *OutputError) Unwrap() error { return e.Err }

// CommandProcessor runs an external synchronization command per integration.
// The integration id is appended as the final argument.
type CommandProcessor struct {
	command string
	args    []string
	timeout time.Duration
}

// NewCommandProcessor builds a processor for the given command line.
func NewCommandProcessor(command string, args []string, timeout time.Duration) *CommandProcessor {
	return &CommandProcessor{command: command, args: args, timeout: timeout}
}

// Process executes the command and reports a single "sync" step.
func (c *CommandProcessor) Process(ctx context.Context, integrationID int64, p Progress) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	p.Step(ctx, "sync")

	args := append(append([]string(nil), c.args...), strconv.FormatInt(integrationID, 10))
	cmd := exec.CommandContext(ctx, c.command, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return &OutputError{
			Err:    fmt.Errorf("sync command: %w", err),
			Output: tail(out.String(), 4096),
		}
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
