// Package transform converts records between remote field names/values and
// the mirror schema, driven by the rules the mapping resolver returns.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/equipsync/equipsync-go/internal/mapping"
)

var (
	ErrUnknownField = errors.New("field is not covered by the endpoint mapping")
	ErrBadFieldType = errors.New("field value does not match the mapped type")
)

// Transformer applies one endpoint's field rules in both directions.
type Transformer struct {
	byRemote map[string]mapping.FieldRule
	byLocal  map[string]mapping.FieldRule
}

// New builds a Transformer from a resolved mapping.
func New(m *mapping.Mapping) *Transformer {
	t := &Transformer{
		byRemote: make(map[string]mapping.FieldRule, len(m.Rules)),
		byLocal:  make(map[string]mapping.FieldRule, len(m.Rules)),
	}
	for _, rule := range m.Rules {
		t.byRemote[rule.RemoteField] = rule
		t.byLocal[rule.LocalField] = rule
	}
	return t
}

// ToMirror converts a remote record into mirror-schema fields. Remote
// fields without a rule are dropped; mapped fields with values that cannot
// be coerced fail the whole record.
func (t *Transformer) ToMirror(remote map[string]any) (map[string]any, error) {
	local := make(map[string]any, len(remote))
	for name, value := range remote {
		rule, ok := t.byRemote[name]
		if !ok {
			continue
		}
		coerced, err := coerce(rule.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		local[rule.LocalField] = coerced
	}
	return local, nil
}

// ToRemote converts mirror-schema fields into the remote system's field
// names. Unknown local fields are an error: an outbound payload must never
// carry fields the remote system was not mapped for.
func (t *Transformer) ToRemote(local map[string]any) (map[string]any, error) {
	remote := make(map[string]any, len(local))
	for name, value := range local {
		rule, ok := t.byLocal[name]
		if !ok {
			return nil, fmt.Errorf("field %q: %w", name, ErrUnknownField)
		}
		coerced, err := coerce(rule.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		remote[rule.RemoteField] = coerced
	}
	return remote, nil
}

// ValidateLocal checks a changed-field map against the mapping without
// producing output. Used before a modification is accepted or enqueued.
func (t *Transformer) ValidateLocal(delta map[string]any) error {
	if len(delta) == 0 {
		return fmt.Errorf("empty delta: %w", ErrBadFieldType)
	}
	for name, value := range delta {
		rule, ok := t.byLocal[name]
		if !ok {
			return fmt.Errorf("field %q: %w", name, ErrUnknownField)
		}
		if _, err := coerce(rule.Kind, value); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

// coerce normalizes a decoded JSON value to the rule's kind. Numbers are
// normalized to float64, timestamps to RFC 3339 strings.
func coerce(kind string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch kind {
	case "string":
		s, ok := value.(string)
		if !ok {
			return nil, ErrBadFieldType
		}
		return s, nil

	case "number":
		switch n := value.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, ErrBadFieldType
			}
			return f, nil
		default:
			return nil, ErrBadFieldType
		}

	case "bool":
		b, ok := value.(bool)
		if !ok {
			return nil, ErrBadFieldType
		}
		return b, nil

	case "timestamp":
		s, ok := value.(string)
		if !ok {
			return nil, ErrBadFieldType
		}
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, ErrBadFieldType
		}
		return ts.UTC().Format(time.RFC3339), nil

	default:
		return nil, fmt.Errorf("unsupported mapping kind %q: %w", kind, ErrBadFieldType)
	}
}
