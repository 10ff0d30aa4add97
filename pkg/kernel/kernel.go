// Package kernel invokes a task exactly once and records what happened.
//
// The kernel never evaluates policy and never returns task failures as errors:
// a failing, panicking or timed-out task yields a trace with Success=false. Only
// malformed calls (nil task, non-positive timeout, a timed task no isolator can
// terminate) are reported through the error return.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/kl-kernel/kl/pkg/descriptor"
	"github.com/kl-kernel/kl/pkg/envelope"
	"github.com/kl-kernel/kl/pkg/pdp"
	"github.com/kl-kernel/kl/pkg/runtime/sandbox"
	"github.com/kl-kernel/kl/pkg/task"
	"github.com/kl-kernel/kl/pkg/trace"
)

var (
	// ErrInvalidTimeout is returned for a zero or negative timeout.
	ErrInvalidTimeout = errors.New("kernel: timeout must be positive")
	// ErrNotIsolatable is returned for a timed run of a task no isolator
	// supports, unless in-process timeouts are allowed.
	ErrNotIsolatable = errors.New("kernel: task cannot run in an isolated worker")
	// ErrNilTask is returned when Execute is called without a task.
	ErrNilTask = errors.New("kernel: task is nil")
)

// MetadataIsolation is the trace metadata key naming the isolation mode used.
const MetadataIsolation = "isolation"

// Config configures a Kernel.
type Config struct {
	// DefaultVersion is the version of envelopes the kernel builds itself.
	DefaultVersion string
	// AllowInProcessTimeout lets timed runs of tasks no isolator supports run
	// on a goroutine bounded by the deadline. Such a task is abandoned, not
	// stopped, when the deadline passes.
	AllowInProcessTimeout bool
	// Isolators are consulted in order for timed runs. Nil selects the default
	// chain: WASI modules, then registered tasks in a worker process.
	Isolators []sandbox.Isolator
	// MemoryLimitBytes bounds WASI guests in the default chain.
	MemoryLimitBytes int64
	Logger           *slog.Logger
}

// Kernel executes tasks. It holds no per-run state and is safe for concurrent use.
type Kernel struct {
	cfg       Config
	isolators []sandbox.Isolator
	closers   []func(context.Context) error
	logger    *slog.Logger
}

// New builds a kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = envelope.DefaultVersion
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "kernel")
	}
	k := &Kernel{cfg: cfg, logger: logger}

	if cfg.Isolators != nil {
		k.isolators = append(k.isolators, cfg.Isolators...)
		return k, nil
	}
	wasi, err := sandbox.NewWASIIsolator(context.Background(), sandbox.WASIConfig{MemoryLimitBytes: cfg.MemoryLimitBytes})
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	k.closers = append(k.closers, wasi.Close)
	k.isolators = []sandbox.Isolator{wasi, &sandbox.ProcessIsolator{Logger: logger}}
	return k, nil
}

// Close releases isolator resources.
func (k *Kernel) Close(ctx context.Context) error {
	var errs []error
	for _, c := range k.closers {
		if err := c(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DefaultVersion returns the envelope version used for kernel-built envelopes.
func (k *Kernel) DefaultVersion() string { return k.cfg.DefaultVersion }

type runOptions struct {
	envelope   *envelope.Envelope
	timeout    time.Duration
	hasTimeout bool
	parentID   string
	decisions  []pdp.Decision
	metadata   map[string]any
}

// Option customizes one Execute call.
type Option func(*runOptions)

// WithEnvelope uses e instead of building a fresh envelope.
func WithEnvelope(e envelope.Envelope) Option {
	return func(o *runOptions) { o.envelope = &e }
}

// WithTimeout runs the task under a hard deadline.
func WithTimeout(d time.Duration) Option {
	return func(o *runOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// WithParentTraceID links the trace to an enclosing run.
func WithParentTraceID(id string) Option {
	return func(o *runOptions) { o.parentID = id }
}

// WithPolicyDecisions records decisions made before the run.
func WithPolicyDecisions(ds ...pdp.Decision) Option {
	return func(o *runOptions) { o.decisions = append(o.decisions, ds...) }
}

// WithMetadata attaches metadata to the trace.
func WithMetadata(m map[string]any) Option {
	return func(o *runOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(m))
		}
		maps.Copy(o.metadata, m)
	}
}

// Execute runs t once with args and returns its trace.
func (k *Kernel) Execute(ctx context.Context, d descriptor.Descriptor, t task.Task, args task.Args, opts ...Option) (*trace.Trace, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if t == nil {
		return nil, ErrNilTask
	}
	if o.hasTimeout && o.timeout <= 0 {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidTimeout, o.timeout)
	}

	env := envelope.New(d, k.cfg.DefaultVersion)
	if o.envelope != nil {
		env = *o.envelope
	}

	mode := sandbox.ModeNone
	var iso sandbox.Isolator
	if o.hasTimeout {
		iso = k.isolatorFor(t)
		switch {
		case iso != nil:
			mode = iso.Mode()
		case k.cfg.AllowInProcessTimeout:
			mode = sandbox.ModeInProcess
		default:
			return nil, fmt.Errorf("%w: %s", ErrNotIsolatable, t.Name())
		}
	}

	start := time.Now()
	var res sandbox.Result
	switch {
	case !o.hasTimeout:
		res = runDirect(ctx, t, args)
	case iso != nil:
		res = iso.Run(ctx, t, args, o.timeout)
	default:
		res = runBounded(ctx, t, args, o.timeout)
	}
	elapsed := time.Since(start)

	meta := map[string]any{MetadataIsolation: mode}
	maps.Copy(meta, o.metadata)

	tr := trace.New(trace.Params{
		ParentTraceID: o.parentID,
		Descriptor:    d,
		Envelope:      env,
		StartedAt:     envelope.Now(start),
		FinishedAt:    envelope.Now(start.Add(elapsed)),
		Elapsed:       elapsed,
		Decisions:     o.decisions,
		Metadata:      meta,
	}, trace.Outcome{Output: res.Output, Err: res.Err})

	k.logger.Debug("task executed",
		"key", d.Key(),
		"task", t.Name(),
		"trace_id", tr.TraceID,
		"isolation", mode,
		"success", tr.Success,
		"runtime_ms", tr.RuntimeMs,
	)
	return tr, nil
}

func (k *Kernel) isolatorFor(t task.Task) sandbox.Isolator {
	for _, iso := range k.isolators {
		if iso.Supports(t) {
			return iso
		}
	}
	return nil
}

// runDirect calls t synchronously, converting errors and panics into error text.
func runDirect(ctx context.Context, t task.Task, args task.Args) (res sandbox.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = sandbox.Result{Err: task.Describe(task.Panic(r))}
		}
	}()
	out, err := t.Run(ctx, args)
	if err != nil {
		return sandbox.Result{Err: task.Describe(err)}
	}
	return sandbox.Result{Output: out}
}

// runBounded runs t on a goroutine and stops waiting at the deadline. The
// goroutine is abandoned, not stopped; its context is canceled so cooperative
// tasks can return early.
func runBounded(ctx context.Context, t task.Task, args task.Args, timeout time.Duration) sandbox.Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan sandbox.Result, 1)
	go func() { done <- runDirect(runCtx, t, args) }()

	select {
	case res := <-done:
		if res.Err == "" || runCtx.Err() == nil {
			return res
		}
		return deadlineResult(ctx)
	case <-runCtx.Done():
		return deadlineResult(ctx)
	}
}

func deadlineResult(parent context.Context) sandbox.Result {
	if errors.Is(parent.Err(), context.Canceled) {
		return sandbox.Result{Err: sandbox.CanceledText}
	}
	return sandbox.Result{Err: sandbox.TimeoutText}
}
