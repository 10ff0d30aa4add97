// Package sandbox runs tasks behind a boundary that can be torn down when a
// deadline passes: a re-executed worker process, or a WebAssembly instance.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kl-kernel/kl/pkg/task"
)

// Isolation modes recorded in trace metadata.
const (
	ModeNone      = "none"
	ModeProcess   = "process"
	ModeWASI      = "wasi"
	ModeInProcess = "inprocess"
)

// Canonical failure texts produced by isolators.
var (
	TimeoutText     = task.KindTimeout + ": execution exceeded timeout"
	NoResultText    = task.KindExecution + ": no result returned"
	CanceledText    = task.KindCanceled + ": execution canceled"
	executionPrefix = task.KindExecution + ": "
)

// Result is what an isolator hands back: an output value, or an error text in
// "<Kind>: <message>" form.
type Result struct {
	Output any
	Err    string
}

func failure(format string, args ...any) Result {
	return Result{Err: executionPrefix + fmt.Sprintf(format, args...)}
}

// Interrupted maps a done context to its failure: an expired deadline is a
// timeout, anything else a cancellation.
func Interrupted(ctx context.Context) Result {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Result{Err: TimeoutText}
	}
	return Result{Err: CanceledText}
}

// Isolator runs a task under a hard deadline.
type Isolator interface {
	// Mode names the isolation boundary, e.g. ModeProcess.
	Mode() string
	// Supports reports whether this isolator can run t.
	Supports(t task.Task) bool
	// Run executes t and returns once it finished or was torn down. It never
	// returns later than timeout plus a bounded teardown delay.
	Run(ctx context.Context, t task.Task, args task.Args, timeout time.Duration) Result
}

// Deterministic error codes for sandbox limit violations.
const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// SandboxError is a typed error for sandbox limit violations.
type SandboxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Kind reports the trace error kind for a limit violation.
func (e *SandboxError) Kind() string {
	if e.Code == ErrComputeTimeExhausted {
		return task.KindTimeout
	}
	return task.KindExecution
}

// isMemoryError checks if the error is a memory limit violation.
func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
