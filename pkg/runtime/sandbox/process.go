package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/kl-kernel/kl/pkg/task"
)

// resultGrace bounds how long the parent waits for the result pipe to drain after
// the worker exited.
const resultGrace = time.Second

// ProcessIsolator runs registered tasks in a re-executed copy of the current
// binary. The child finds the task by name in task.Default(), so only tasks
// registered at init time are supported. Arguments and outputs cross the
// boundary as JSON.
type ProcessIsolator struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args are passed to the worker binary.
	Args []string
	// Env is appended to the parent environment.
	Env []string
	// Stderr receives the worker's stderr. Nil discards it.
	Stderr io.Writer
	Logger *slog.Logger
}

// NewProcessIsolator returns an isolator re-executing the current binary.
func NewProcessIsolator() *ProcessIsolator {
	return &ProcessIsolator{}
}

func (p *ProcessIsolator) Mode() string { return ModeProcess }

// Supports reports whether t is the task registered under its name.
func (p *ProcessIsolator) Supports(t task.Task) bool {
	return task.Default().Contains(t)
}

func (p *ProcessIsolator) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default().With("component", "sandbox")
}

// Run starts a worker, hands it the request and waits for the result until the
// timeout. A worker still running at the deadline, or when ctx is canceled, is
// killed.
func (p *ProcessIsolator) Run(ctx context.Context, t task.Task, args task.Args, timeout time.Duration) Result {
	if ctx.Err() != nil {
		return Interrupted(ctx)
	}
	req, err := json.Marshal(workerRequest{Task: t.Name(), Args: args})
	if err != nil {
		return failure("arguments are not serializable: %v", err)
	}

	exe := p.Executable
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return failure("cannot locate worker binary: %v", err)
		}
	}

	r, w, err := os.Pipe()
	if err != nil {
		return failure("cannot create result pipe: %v", err)
	}
	defer func() { _ = r.Close() }()

	cmd := exec.Command(exe, p.Args...)
	cmd.Env = append(append(os.Environ(), p.Env...), WorkerEnv+"=1")
	cmd.Stdin = bytes.NewReader(req)
	cmd.Stderr = p.Stderr
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		_ = w.Close()
		return failure("cannot start worker: %v", err)
	}
	// The child holds its own copy; the pipe reaches EOF once the child exits.
	_ = w.Close()

	log := p.logger().With("task", t.Name(), "pid", cmd.Process.Pid)

	resultCh := make(chan []byte, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(r, MaxResultBytes+1))
		resultCh <- data
	}()
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-waitCh:
		if err != nil {
			log.Debug("worker exited with error", "error", err)
		}
	case <-timer.C:
		log.Warn("worker exceeded timeout, killing", "timeout", timeout)
		kill(cmd, waitCh)
		return Result{Err: TimeoutText}
	case <-ctx.Done():
		log.Info("execution interrupted, killing worker", "cause", ctx.Err())
		kill(cmd, waitCh)
		return Interrupted(ctx)
	}

	var data []byte
	select {
	case data = <-resultCh:
	case <-time.After(resultGrace):
		log.Warn("worker result pipe did not close")
		return Result{Err: NoResultText}
	}
	return decodeResult(data)
}

func kill(cmd *exec.Cmd, waitCh <-chan error) {
	_ = cmd.Process.Kill()
	<-waitCh
}

func decodeResult(data []byte) Result {
	if len(bytes.TrimSpace(data)) == 0 {
		return Result{Err: NoResultText}
	}
	if len(data) > MaxResultBytes {
		return failure("worker result exceeds %d bytes", MaxResultBytes)
	}
	var resp workerResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{Err: NoResultText}
	}
	if !resp.Success {
		if resp.Error == "" {
			return Result{Err: NoResultText}
		}
		return Result{Err: resp.Error}
	}
	return Result{Output: resp.Output}
}
