// Package controlled gates kernel runs behind policy evaluation, per-request
// capability checks and envelope handling.
//
// Structural problems (validation failures, policy violations, bad timeouts) are
// returned as errors and the task is never invoked. Everything that happens once
// the task runs is reported in the trace.
package controlled

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/kl-kernel/kl/pkg/audit"
	"github.com/kl-kernel/kl/pkg/descriptor"
	"github.com/kl-kernel/kl/pkg/envelope"
	"github.com/kl-kernel/kl/pkg/execution"
	"github.com/kl-kernel/kl/pkg/kernel"
	"github.com/kl-kernel/kl/pkg/observability"
	"github.com/kl-kernel/kl/pkg/pdp"
	"github.com/kl-kernel/kl/pkg/task"
	"github.com/kl-kernel/kl/pkg/trace"
)

// Trace metadata written by the layer.
const (
	MetadataOutcome      = "outcome"
	MetadataDecisionHash = "decision_hash"

	OutcomeAllow   = "allow"
	OutcomeTimeout = "timeout"
)

// Capability flags callers may pass in task arguments. They are checked against the
// execution context policy and never reach the task.
const (
	FlagNeedsNetwork    = "needs_network"
	FlagNeedsFilesystem = "needs_filesystem"
	FlagNeedsFS         = "needs_fs"
)

// Executor runs a task and records a trace. *kernel.Kernel implements it.
type Executor interface {
	Execute(ctx context.Context, d descriptor.Descriptor, t task.Task, args task.Args, opts ...kernel.Option) (*trace.Trace, error)
}

// Validator inspects a descriptor before policy evaluation.
type Validator func(d descriptor.Descriptor) error

// StrictValidator requires the identity fields and known constraint values.
func StrictValidator(d descriptor.Descriptor) error {
	if err := d.AssertMinimalValid(); err != nil {
		return err
	}
	return d.Constraints.Validate()
}

// Config configures a Layer.
type Config struct {
	// Evaluator decides whether a descriptor may run. Nil selects pdp.DefaultSafe.
	Evaluator pdp.Evaluator
	// Validator runs first. Nil accepts every descriptor.
	Validator Validator
	// DefaultVersion is the version of envelopes built by the layer.
	DefaultVersion string
	// DefaultTimeout applies when neither the call nor the execution context sets
	// one. Zero means no timeout.
	DefaultTimeout time.Duration
	// EnforceEnvelope rejects calls without a caller supplied envelope.
	EnforceEnvelope bool
	// EnvelopeConstraint is a semver constraint every envelope version must meet.
	EnvelopeConstraint string
	// Signer signs envelopes built or modified by the layer.
	Signer *envelope.Signer

	Audit         audit.Logger
	Observability *observability.Provider
	Logger        *slog.Logger
}

// Layer is safe for concurrent use.
type Layer struct {
	exec      Executor
	cfg       Config
	evaluator pdp.Evaluator
	versions  *envelope.VersionPolicy
	audit     audit.Logger
	obs       *observability.Provider
	logger    *slog.Logger
}

// New builds a layer delegating to exec.
func New(exec Executor, cfg Config) (*Layer, error) {
	if exec == nil {
		return nil, errors.New("controlled: executor is required")
	}
	if cfg.DefaultTimeout < 0 {
		return nil, fmt.Errorf("%w: default timeout %s", kernel.ErrInvalidTimeout, cfg.DefaultTimeout)
	}
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = envelope.DefaultVersion
	}

	l := &Layer{
		exec:      exec,
		cfg:       cfg,
		evaluator: cfg.Evaluator,
		audit:     cfg.Audit,
		obs:       cfg.Observability,
		logger:    cfg.Logger,
	}
	if l.evaluator == nil {
		l.evaluator = pdp.NewDefaultSafe()
	}
	if l.audit == nil {
		l.audit = audit.Nop()
	}
	if l.obs == nil {
		l.obs = observability.Disabled()
	}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "controlled")
	}

	if cfg.EnvelopeConstraint != "" {
		vp, err := envelope.NewVersionPolicy(cfg.EnvelopeConstraint)
		if err != nil {
			return nil, fmt.Errorf("controlled: %w", err)
		}
		candidate := envelope.Envelope{Version: cfg.DefaultVersion}
		if err := vp.Check(candidate); err != nil {
			return nil, fmt.Errorf("controlled: default version: %w", err)
		}
		l.versions = vp
	}
	return l, nil
}

type callOptions struct {
	execCtx    *execution.Context
	envelope   *envelope.Envelope
	timeout    time.Duration
	hasTimeout bool
	metadata   map[string]any
	parentID   string
}

// Option customizes one Execute call.
type Option func(*callOptions)

// WithExecutionContext attaches caller identity and capability policy.
func WithExecutionContext(c execution.Context) Option {
	return func(o *callOptions) { o.execCtx = &c }
}

// WithEnvelope reuses e. The layer never modifies it; merged metadata goes into a copy.
func WithEnvelope(e envelope.Envelope) Option {
	return func(o *callOptions) { o.envelope = &e }
}

// WithTimeout overrides every other timeout source.
func WithTimeout(d time.Duration) Option {
	return func(o *callOptions) {
		o.timeout = d
		o.hasTimeout = true
	}
}

// WithMetadata adds envelope metadata. These keys win over context derived ones.
func WithMetadata(m map[string]any) Option {
	return func(o *callOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(m))
		}
		maps.Copy(o.metadata, m)
	}
}

// WithParentTraceID links the trace to an enclosing run.
func WithParentTraceID(id string) Option {
	return func(o *callOptions) { o.parentID = id }
}

// Execute validates d, evaluates policy and runs t through the executor.
func (l *Layer) Execute(ctx context.Context, d descriptor.Descriptor, t task.Task, args task.Args, opts ...Option) (tr *trace.Trace, err error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.execCtx != nil {
		ctx = audit.WithActor(ctx, o.execCtx.UserID, o.execCtx.RequestID)
	}

	ctx, finish := l.obs.TrackOperation(ctx, "kl.execute",
		observability.ExecutionAttrs(d.Key(), d.Domain, string(d.Effect))...)
	defer func() {
		switch {
		case err != nil:
			finish(err)
		case !tr.Success:
			finish(errors.New(tr.Error))
		default:
			finish(nil)
		}
	}()

	if l.cfg.Validator != nil {
		if err := l.cfg.Validator(d); err != nil {
			return nil, err
		}
	}

	decision := l.evaluator.Evaluate(d)
	if !decision.Allowed {
		return nil, l.block(ctx, d, &PolicyViolationError{
			Message:    "execution blocked by policy",
			PolicyName: decision.PolicyName,
			Reason:     decision.Reason,
		})
	}

	policy := execution.Policy{}
	if o.execCtx != nil {
		policy = o.execCtx.PolicyOrDefault()
	}
	if v := checkFlags(args, policy); v != nil {
		return nil, l.block(ctx, d, v)
	}

	env, err := l.envelopeFor(d, o)
	if err != nil {
		return nil, err
	}

	kopts := []kernel.Option{
		kernel.WithEnvelope(env),
		kernel.WithParentTraceID(o.parentID),
	}
	if timeout, ok := l.resolveTimeout(o, policy); ok {
		kopts = append(kopts, kernel.WithTimeout(timeout))
	}

	tr, err = l.exec.Execute(ctx, d, t, args.Without(FlagNeedsNetwork, FlagNeedsFilesystem, FlagNeedsFS), kopts...)
	if err != nil {
		return nil, err
	}

	hash, err := decision.Hash()
	if err != nil {
		return nil, fmt.Errorf("controlled: %w", err)
	}
	tr = tr.WithDecision(decision.WithMetadata(map[string]any{MetadataDecisionHash: hash})).
		WithMetadata(map[string]any{MetadataOutcome: OutcomeAllow})

	if limit, ok := policy.Timeout(); ok && tr.RuntimeMs > float64(limit)/float64(time.Millisecond) {
		msg := "TimeoutError: execution exceeded policy timeout of " + formatSeconds(limit) + "s"
		if tr.Error != "" {
			msg += "; previous error: " + tr.Error
		}
		tr = tr.WithFailure(msg).WithMetadata(map[string]any{MetadataOutcome: OutcomeTimeout})
	}

	l.logger.InfoContext(ctx, "execution traced",
		"key", d.Key(),
		"trace_id", tr.TraceID,
		"success", tr.Success,
		"outcome", tr.Metadata[MetadataOutcome],
		"runtime_ms", tr.RuntimeMs,
	)
	meta := map[string]any{
		"trace_id":   tr.TraceID,
		"success":    tr.Success,
		"outcome":    tr.Metadata[MetadataOutcome],
		"runtime_ms": tr.RuntimeMs,
	}
	if tr.Error != "" {
		meta["error"] = tr.Error
	}
	if aerr := l.audit.Record(ctx, audit.EventExecute, "execute", d.Key(), meta); aerr != nil {
		l.logger.ErrorContext(ctx, "audit record failed", "error", aerr)
	}
	return tr, nil
}

func (l *Layer) block(ctx context.Context, d descriptor.Descriptor, v *PolicyViolationError) error {
	l.logger.WarnContext(ctx, "execution blocked",
		"key", d.Key(),
		"policy", v.PolicyName,
		"reason", v.Reason,
	)
	meta := map[string]any{"policy_name": v.PolicyName, "reason": v.Reason}
	if err := l.audit.Record(ctx, audit.EventBlock, "execute", d.Key(), meta); err != nil {
		l.logger.ErrorContext(ctx, "audit record failed", "error", err)
	}
	return v
}

// envelopeFor reuses the caller's envelope or builds one, then merges metadata.
func (l *Layer) envelopeFor(d descriptor.Descriptor, o callOptions) (envelope.Envelope, error) {
	merged := contextMetadata(o.execCtx)
	maps.Copy(merged, o.metadata)

	if o.envelope == nil {
		if l.cfg.EnforceEnvelope {
			return envelope.Envelope{}, ErrEnvelopeRequired
		}
		env := envelope.New(d, l.cfg.DefaultVersion, envelope.WithInitialMetadata(merged))
		return l.sign(env)
	}

	env := *o.envelope
	if l.versions != nil {
		if err := l.versions.Check(env); err != nil {
			return envelope.Envelope{}, err
		}
	}
	if len(merged) == 0 && env.Signature != "" {
		return env, nil
	}
	if len(merged) > 0 {
		env = env.WithMetadata(merged)
	}
	return l.sign(env)
}

func (l *Layer) sign(env envelope.Envelope) (envelope.Envelope, error) {
	if l.cfg.Signer == nil {
		return env, nil
	}
	signed, err := l.cfg.Signer.Sign(env)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("controlled: %w", err)
	}
	return signed, nil
}

// resolveTimeout picks the per-call override, then the context policy, then the
// layer default.
func (l *Layer) resolveTimeout(o callOptions, policy execution.Policy) (time.Duration, bool) {
	if o.hasTimeout {
		return o.timeout, true
	}
	if d, ok := policy.Timeout(); ok {
		return d, true
	}
	if l.cfg.DefaultTimeout > 0 {
		return l.cfg.DefaultTimeout, true
	}
	return 0, false
}

func contextMetadata(c *execution.Context) map[string]any {
	m := map[string]any{}
	if c == nil {
		return m
	}
	m["user_id"] = c.UserID
	m["request_id"] = c.RequestID
	m["policy"] = c.PolicyOrDefault().ToMap()
	return m
}

func checkFlags(args task.Args, policy execution.Policy) *PolicyViolationError {
	if truthy(args[FlagNeedsNetwork]) && !policy.AllowNetwork {
		return &PolicyViolationError{
			Message:    "operation requires network access but policy forbids it",
			PolicyName: PolicyNameExecutionContext,
			Reason:     FlagNeedsNetwork + " flag set but allow_network=false",
		}
	}
	for _, flag := range []string{FlagNeedsFilesystem, FlagNeedsFS} {
		if truthy(args[flag]) && !policy.AllowFilesystem {
			return &PolicyViolationError{
				Message:    "operation requires filesystem access but policy forbids it",
				PolicyName: PolicyNameExecutionContext,
				Reason:     flag + " flag set but allow_filesystem=false",
			}
		}
	}
	return nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	case int:
		return x != 0
	case float64:
		return x != 0
	}
	return false
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
