package types

import (
	"encoding/json"
	"strings"
)

// JSONPredicate filters event payloads before trigger progress is applied.
// When Key is set the predicate is evaluated against that top-level field of
// the payload object; otherwise it is evaluated against the whole payload.
// All set matchers must pass.
type JSONPredicate struct {
	Key string `json:"key,omitempty"`

	// Equals matches the JSON value exactly (normalized comparison).
	Equals json.RawMessage `json:"equals,omitempty"`

	// AtLeast / AtMost match numeric values inclusively.
	AtLeast *float64 `json:"at_least,omitempty"`
	AtMost  *float64 `json:"at_most,omitempty"`

	// Contains matches string values containing the substring, or arrays
	// containing the string element.
	Contains *string `json:"contains,omitempty"`
}

// Matches evaluates the predicate against an event payload. A nil predicate
// matches everything; a malformed payload matches nothing.
func (p *JSONPredicate) Matches(payload json.RawMessage) bool {
	if p == nil {
		return true
	}

	var value any
	if len(payload) == 0 {
		value = nil
	} else if err := json.Unmarshal(payload, &value); err != nil {
		return false
	}

	if p.Key != "" {
		obj, ok := value.(map[string]any)
		if !ok {
			return false
		}
		value, ok = obj[p.Key]
		if !ok {
			return false
		}
	}

	if p.Equals != nil {
		var want any
		if err := json.Unmarshal(p.Equals, &want); err != nil {
			return false
		}
		if !jsonEqual(value, want) {
			return false
		}
	}

	if p.AtLeast != nil || p.AtMost != nil {
		n, ok := value.(float64)
		if !ok {
			return false
		}
		if p.AtLeast != nil && n < *p.AtLeast {
			return false
		}
		if p.AtMost != nil && n > *p.AtMost {
			return false
		}
	}

	if p.Contains != nil {
		switch v := value.(type) {
		case string:
			if !strings.Contains(v, *p.Contains) {
				return false
			}
		case []any:
			found := false
			for _, item := range v {
				if s, ok := item.(string); ok && s == *p.Contains {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// jsonEqual compares two decoded JSON values structurally.
func jsonEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, ok := bv[k]
			if !ok || !jsonEqual(v, bvv) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
