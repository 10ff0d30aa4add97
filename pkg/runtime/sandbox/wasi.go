package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/kl-kernel/kl/pkg/task"
)

// OutputMaxBytes is the maximum size of stdout+stderr output from a module.
const OutputMaxBytes = 1024 * 1024 // 1MB

// Module is a task implemented as a WASI command module. It receives its
// arguments as JSON on stdin and must write its output as JSON to stdout.
type Module struct {
	name string
	wasm []byte
}

// NewModule wraps a compiled WebAssembly binary as a task.
func NewModule(name string, wasm []byte) *Module {
	return &Module{name: name, wasm: bytes.Clone(wasm)}
}

func (m *Module) Name() string { return m.name }

// Run executes the module in a throwaway runtime bounded only by ctx.
func (m *Module) Run(ctx context.Context, args task.Args) (any, error) {
	w, err := NewWASIIsolator(ctx, WASIConfig{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Close(context.Background()) }()
	return w.execute(ctx, m, args)
}

// WASIConfig configures resource limits.
type WASIConfig struct {
	MemoryLimitBytes int64
}

// WASIIsolator runs Module tasks under wazero. Deny-by-default: no filesystem,
// no network, no environment variables. A module still running at the deadline
// is closed by the runtime, which preempts even a tight loop.
type WASIIsolator struct {
	runtime wazero.Runtime
	limits  WASIConfig
}

// NewWASIIsolator creates the runtime and instantiates WASI host functions.
func NewWASIIsolator(ctx context.Context, cfg WASIConfig) (*WASIIsolator, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitBytes > 0 {
		// wazero measures memory in pages (64KB each)
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &WASIIsolator{runtime: r, limits: cfg}, nil
}

func (w *WASIIsolator) Mode() string { return ModeWASI }

// Supports reports whether t is a *Module.
func (w *WASIIsolator) Supports(t task.Task) bool {
	_, ok := t.(*Module)
	return ok
}

// Run executes a Module with the given deadline.
func (w *WASIIsolator) Run(ctx context.Context, t task.Task, args task.Args, timeout time.Duration) Result {
	m, ok := t.(*Module)
	if !ok {
		return failure("task %s is not a WebAssembly module", t.Name())
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := w.execute(execCtx, m, args)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return Interrupted(ctx)
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return Result{Err: TimeoutText}
		}
		return Result{Err: task.Describe(err)}
	}
	return Result{Output: out}
}

func (w *WASIIsolator) execute(ctx context.Context, m *Module, args task.Args) (any, error) {
	input, err := json.Marshal(args)
	if err != nil {
		return nil, task.Errorf(task.KindExecution, "arguments are not serializable: %v", err)
	}

	var stdout, stderr bytes.Buffer
	// No WithFSConfig, WithSysNanotime or WithRandSource: the guest gets nothing
	// beyond its three standard streams.
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	compiled, err := w.runtime.CompileModule(ctx, m.wasm)
	if err != nil {
		return nil, task.Errorf(task.KindExecution, "compilation failed: %v", err)
	}
	defer func() { _ = compiled.Close(context.Background()) }()

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(context.Background()) }()
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		err = nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, &SandboxError{
				Code:    ErrComputeTimeExhausted,
				Message: "WASI execution exceeded time limit",
			}
		}
		if isMemoryError(err) {
			return nil, &SandboxError{
				Code:    ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("WASI execution exceeded memory limit (%d bytes)", w.limits.MemoryLimitBytes),
			}
		}
		if errors.As(err, &exitErr) {
			return nil, task.Errorf(task.KindExecution, "module exited with code %d", exitErr.ExitCode())
		}
		return nil, task.Errorf(task.KindExecution, "instantiation failed: %v", err)
	}

	if total := stdout.Len() + stderr.Len(); total > OutputMaxBytes {
		return nil, &SandboxError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, OutputMaxBytes),
		}
	}
	if len(bytes.TrimSpace(stdout.Bytes())) == 0 {
		return nil, task.Errorf(task.KindExecution, "no result returned")
	}
	var out any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, task.Errorf(task.KindExecution, "module output is not JSON: %v", err)
	}
	return out, nil
}

// Close shuts down the runtime, freeing all compiled modules.
func (w *WASIIsolator) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}
