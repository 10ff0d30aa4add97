// Package audit formats traces for external consumption and records structured
// audit events for every controlled run.
package audit

import (
	"maps"
	"time"

	"github.com/kl-kernel/kl/pkg/envelope"
	"github.com/kl-kernel/kl/pkg/trace"
)

// Report is the external view of one run.
type Report struct {
	RunID       string
	Trace       *trace.Trace
	GeneratedAt time.Time
	Metadata    map[string]any
}

// BuildReport wraps tr. The run id is the trace id; the generation time is the
// trace's start, falling back to its finish.
func BuildReport(tr *trace.Trace, metadata map[string]any) Report {
	generated := tr.StartedAt
	if generated.IsZero() {
		generated = tr.FinishedAt
	}
	meta := maps.Clone(metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	return Report{
		RunID:       tr.TraceID,
		Trace:       tr,
		GeneratedAt: generated,
		Metadata:    meta,
	}
}

// Describe returns {run_id, trace, generated_at, metadata}.
func (r Report) Describe() map[string]any {
	var generated any
	if !r.GeneratedAt.IsZero() {
		generated = envelope.FormatTimestamp(r.GeneratedAt)
	}
	return map[string]any{
		"run_id":       r.RunID,
		"trace":        r.Trace.Describe(),
		"generated_at": generated,
		"metadata":     maps.Clone(r.Metadata),
	}
}
