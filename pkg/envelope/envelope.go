// Package envelope wraps a descriptor with the identifiers, timestamp and metadata
// that make a single run traceable, and optionally signs it.
package envelope

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/kl-kernel/kl/pkg/descriptor"
)

// DefaultVersion is the envelope contract version used when none is given.
const DefaultVersion = "1.0"

// TimestampLayout is RFC 3339 with millisecond precision. Timestamps are always
// rendered in UTC, so the zone is written as "Z".
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrInvalidEnvelope is returned by FromMap for malformed input.
var ErrInvalidEnvelope = errors.New("envelope: invalid serialized form")

// Envelope is an immutable transport wrapper around a descriptor.
type Envelope struct {
	Version    string                `json:"version"`
	EnvelopeID string                `json:"envelope_id"`
	Timestamp  time.Time             `json:"timestamp"`
	Descriptor descriptor.Descriptor `json:"descriptor"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
	Signature  string                `json:"signature,omitempty"`
}

// Option customizes New.
type Option func(*Envelope)

// WithID sets the envelope id instead of generating one.
func WithID(id string) Option {
	return func(e *Envelope) { e.EnvelopeID = id }
}

// WithTimestamp sets the creation time. It is normalized to UTC milliseconds.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) { e.Timestamp = Now(t) }
}

// WithInitialMetadata sets the envelope metadata. The map is copied.
func WithInitialMetadata(m map[string]any) Option {
	return func(e *Envelope) {
		if len(m) > 0 {
			e.Metadata = maps.Clone(m)
		}
	}
}

// WithSignature sets the signature.
func WithSignature(sig string) Option {
	return func(e *Envelope) { e.Signature = sig }
}

// New wraps d. An empty version selects DefaultVersion.
func New(d descriptor.Descriptor, version string, opts ...Option) Envelope {
	if version == "" {
		version = DefaultVersion
	}
	e := Envelope{
		Version:    version,
		EnvelopeID: uuid.New().String(),
		Timestamp:  Now(time.Now()),
		Descriptor: d.Clone(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Now normalizes t to UTC with millisecond precision, dropping the monotonic
// reading.
func Now(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// FormatTimestamp renders t with TimestampLayout. The zero time renders as "".
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(TimestampLayout)
}

// WithMetadata returns a new envelope whose metadata is the receiver's merged with
// extra. Keys in extra win. The receiver is not modified.
func (e Envelope) WithMetadata(extra map[string]any) Envelope {
	out := e
	out.Descriptor = e.Descriptor.Clone()
	out.Metadata = make(map[string]any, len(e.Metadata)+len(extra))
	maps.Copy(out.Metadata, e.Metadata)
	maps.Copy(out.Metadata, extra)
	if len(out.Metadata) == 0 {
		out.Metadata = nil
	}
	return out
}

// WithSignature returns a copy of e carrying sig.
func (e Envelope) WithSignature(sig string) Envelope {
	out := e
	out.Metadata = maps.Clone(e.Metadata)
	out.Signature = sig
	return out
}

// Describe returns a JSON-compatible representation with stable keys.
func (e Envelope) Describe() map[string]any {
	data := e.unsigned()
	var sig any
	if e.Signature != "" {
		sig = e.Signature
	}
	data["signature"] = sig
	return data
}

// unsigned is Describe without the signature key; it is the signing input.
func (e Envelope) unsigned() map[string]any {
	meta := maps.Clone(e.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"version":     e.Version,
		"envelope_id": e.EnvelopeID,
		"timestamp":   FormatTimestamp(e.Timestamp),
		"descriptor":  e.Descriptor.Describe(),
		"metadata":    meta,
	}
}

// FromMap rebuilds an envelope from the output of Describe.
func FromMap(m map[string]any) (Envelope, error) {
	version, _ := m["version"].(string)
	id, _ := m["envelope_id"].(string)
	if version == "" || id == "" {
		return Envelope{}, fmt.Errorf("%w: version and envelope_id are required", ErrInvalidEnvelope)
	}
	rawDesc, ok := m["descriptor"].(map[string]any)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: descriptor must be an object", ErrInvalidEnvelope)
	}
	d, err := descriptor.FromMap(rawDesc)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrInvalidEnvelope, err)
	}
	e := Envelope{Version: version, EnvelopeID: id, Descriptor: d}
	if ts, _ := m["timestamp"].(string); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: timestamp: %w", ErrInvalidEnvelope, err)
		}
		e.Timestamp = Now(t)
	}
	if meta, ok := m["metadata"].(map[string]any); ok && len(meta) > 0 {
		e.Metadata = maps.Clone(meta)
	}
	e.Signature, _ = m["signature"].(string)
	return e, nil
}
