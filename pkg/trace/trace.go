// Package trace records the outcome of one kernel invocation.
package trace

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kl-kernel/kl/pkg/descriptor"
	"github.com/kl-kernel/kl/pkg/envelope"
	"github.com/kl-kernel/kl/pkg/pdp"
)

// Trace is the immutable record of one run. When Error is set Success is false and
// Output is nil.
type Trace struct {
	TraceID         string                `json:"trace_id"`
	ParentTraceID   string                `json:"parent_trace_id,omitempty"`
	Descriptor      descriptor.Descriptor `json:"descriptor"`
	Envelope        envelope.Envelope     `json:"envelope"`
	Success         bool                  `json:"success"`
	Output          any                   `json:"output"`
	Error           string                `json:"error,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	FinishedAt      time.Time             `json:"finished_at"`
	RuntimeMs       float64               `json:"runtime_ms"`
	PolicyDecisions []pdp.Decision        `json:"policy_decisions"`
	Metadata        map[string]any        `json:"metadata"`
}

// Outcome is the result of a task invocation as seen by the kernel.
type Outcome struct {
	Output any
	Err    string
}

// Params groups what the kernel knows when it finishes a run.
type Params struct {
	ParentTraceID string
	Descriptor    descriptor.Descriptor
	Envelope      envelope.Envelope
	StartedAt     time.Time
	FinishedAt    time.Time
	Elapsed       time.Duration
	Decisions     []pdp.Decision
	Metadata      map[string]any
}

// New builds a trace for a finished run. A non-empty o.Err marks the run failed and
// discards o.Output. Decisions and metadata are copied; nil becomes empty.
func New(p Params, o Outcome) *Trace {
	t := &Trace{
		TraceID:         uuid.New().String(),
		ParentTraceID:   p.ParentTraceID,
		Descriptor:      p.Descriptor.Clone(),
		Envelope:        p.Envelope,
		StartedAt:       p.StartedAt,
		FinishedAt:      p.FinishedAt,
		RuntimeMs:       Milliseconds(p.Elapsed),
		PolicyDecisions: cloneDecisions(p.Decisions),
		Metadata:        cloneMeta(p.Metadata),
	}
	if o.Err != "" {
		t.Error = o.Err
	} else {
		t.Success = true
		t.Output = o.Output
	}
	return t
}

// Milliseconds converts d to fractional milliseconds, never negative.
func Milliseconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

func (t *Trace) clone() *Trace {
	out := *t
	out.Descriptor = t.Descriptor.Clone()
	out.PolicyDecisions = cloneDecisions(t.PolicyDecisions)
	out.Metadata = cloneMeta(t.Metadata)
	return &out
}

// WithDecision returns a copy of t with d appended to its decisions.
func (t *Trace) WithDecision(d pdp.Decision) *Trace {
	out := t.clone()
	out.PolicyDecisions = append(out.PolicyDecisions, d)
	return out
}

// WithMetadata returns a copy of t with extra merged into its metadata.
func (t *Trace) WithMetadata(extra map[string]any) *Trace {
	out := t.clone()
	maps.Copy(out.Metadata, extra)
	return out
}

// WithFailure returns a failed copy of t carrying errText.
func (t *Trace) WithFailure(errText string) *Trace {
	out := t.clone()
	out.Success = false
	out.Output = nil
	out.Error = errText
	return out
}

// Describe returns a JSON-compatible representation with stable keys.
func (t *Trace) Describe() map[string]any {
	decisions := make([]map[string]any, len(t.PolicyDecisions))
	for i, d := range t.PolicyDecisions {
		decisions[i] = d.Describe()
	}
	var parent, errText any
	if t.ParentTraceID != "" {
		parent = t.ParentTraceID
	}
	if t.Error != "" {
		errText = t.Error
	}
	return map[string]any{
		"trace_id":         t.TraceID,
		"parent_trace_id":  parent,
		"descriptor":       t.Descriptor.Describe(),
		"envelope":         t.Envelope.Describe(),
		"success":          t.Success,
		"output":           t.Output,
		"error":            errText,
		"started_at":       optionalTime(t.StartedAt),
		"finished_at":      optionalTime(t.FinishedAt),
		"runtime_ms":       t.RuntimeMs,
		"policy_decisions": decisions,
		"metadata":         cloneMeta(t.Metadata),
	}
}

func optionalTime(ts time.Time) any {
	if ts.IsZero() {
		return nil
	}
	return envelope.FormatTimestamp(ts)
}

func cloneDecisions(in []pdp.Decision) []pdp.Decision {
	if in == nil {
		return []pdp.Decision{}
	}
	return slices.Clone(in)
}

func cloneMeta(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return maps.Clone(in)
}
