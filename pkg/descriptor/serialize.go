package descriptor

import (
	"maps"
)

// FromMap rebuilds a descriptor from the output of Describe (or its JSON decoding).
func FromMap(m map[string]any) (Descriptor, error) {
	if err := validateShape(m); err != nil {
		return Descriptor{}, err
	}

	d := Descriptor{
		Type:          stringField(m, "type"),
		Domain:        stringField(m, "domain"),
		Effect:        Effect(stringField(m, "effect")),
		SchemaVersion: stringField(m, "schema_version"),
		Description:   stringField(m, "description"),
		CorrelationID: stringField(m, "correlation_id"),
		Criticality:   stringField(m, "criticality"),
		Tags:          stringSlice(m["tags"]),
	}
	if meta, ok := m["metadata"].(map[string]any); ok && len(meta) > 0 {
		d.Metadata = maps.Clone(meta)
	}
	if c, ok := m["constraints"].(map[string]any); ok {
		d.Constraints = constraintsFromMap(c)
	}
	return d, nil
}

func constraintsFromMap(m map[string]any) Constraints {
	c := Constraints{
		Scope:         stringField(m, "scope"),
		Format:        stringField(m, "format"),
		Temporal:      stringField(m, "temporal"),
		Reversibility: stringField(m, "reversibility"),
	}
	switch extra := m["extra"].(type) {
	case map[string]string:
		if len(extra) > 0 {
			c.Extra = maps.Clone(extra)
		}
	case map[string]any:
		if len(extra) > 0 {
			c.Extra = make(map[string]string, len(extra))
			for k, v := range extra {
				if s, ok := v.(string); ok {
					c.Extra[k] = s
				}
			}
		}
	}
	return c
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil
		}
		out := make([]string, len(t))
		copy(out, t)
		return out
	case []any:
		if len(t) == 0 {
			return nil
		}
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
