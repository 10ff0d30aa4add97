package descriptor

import (
	"maps"
	"slices"

	"github.com/kl-kernel/kl/pkg/canonicalize"
)

// Effect buckets an operation by side-effect risk.
type Effect string

const (
	EffectPure     Effect = "pure"
	EffectRead     Effect = "read"
	EffectIO       Effect = "io"
	EffectExternal Effect = "external"
	EffectAI       Effect = "ai"
)

// KnownEffects lists the recognized effect classes in declaration order.
var KnownEffects = []Effect{EffectPure, EffectRead, EffectIO, EffectExternal, EffectAI}

// Known reports whether e is one of the recognized effect classes.
func (e Effect) Known() bool {
	return slices.Contains(KnownEffects, e)
}

// DefaultSchemaVersion is used when a descriptor does not name its own version.
const DefaultSchemaVersion = "1.0"

// Descriptor describes what an operation is at a logical level.
//
// Treat a Descriptor as immutable: it is passed by value and every method that
// exposes a collection returns a copy. Use Clone before deriving a variant.
type Descriptor struct {
	Type          string         `json:"type"`
	Domain        string         `json:"domain"`
	Effect        Effect         `json:"effect"`
	SchemaVersion string         `json:"schema_version"`
	Constraints   Constraints    `json:"constraints"`
	Description   string         `json:"description,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Criticality   string         `json:"criticality,omitempty"`
}

// New builds a descriptor with the default schema version.
func New(typ, domain string, effect Effect) Descriptor {
	return Descriptor{
		Type:          typ,
		Domain:        domain,
		Effect:        effect,
		SchemaVersion: DefaultSchemaVersion,
	}
}

// Clone returns a deep copy of d.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Tags = slices.Clone(d.Tags)
	out.Metadata = maps.Clone(d.Metadata)
	out.Constraints = d.Constraints.Clone()
	return out
}

// Version returns the schema version, falling back to DefaultSchemaVersion.
func (d Descriptor) Version() string {
	if d.SchemaVersion == "" {
		return DefaultSchemaVersion
	}
	return d.SchemaVersion
}

// Key returns "type@schemaVersion", used for lookups and logging.
func (d Descriptor) Key() string {
	return d.Type + "@" + d.Version()
}

// AssertMinimalValid fails with a *ValidationError naming the first empty required
// field, checked in the order type, domain, effect.
func (d Descriptor) AssertMinimalValid() error {
	switch {
	case d.Type == "":
		return &ValidationError{Field: "type"}
	case d.Domain == "":
		return &ValidationError{Field: "domain"}
	case d.Effect == "":
		return &ValidationError{Field: "effect"}
	}
	return nil
}

// Describe returns a JSON-compatible representation with stable keys.
func (d Descriptor) Describe() map[string]any {
	tags := slices.Clone(d.Tags)
	if tags == nil {
		tags = []string{}
	}
	meta := maps.Clone(d.Metadata)
	if meta == nil {
		meta = map[string]any{}
	}
	return map[string]any{
		"type":           d.Type,
		"domain":         d.Domain,
		"effect":         string(d.Effect),
		"schema_version": d.Version(),
		"constraints":    d.Constraints.Describe(),
		"description":    d.Description,
		"tags":           tags,
		"metadata":       meta,
		"correlation_id": d.CorrelationID,
		"criticality":    d.Criticality,
	}
}

// Hash returns the "sha256:" digest of the canonical form of Describe.
func (d Descriptor) Hash() (string, error) {
	return canonicalize.Digest(d.Describe())
}
