package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func f64(v float64) *float64 { return &v }
func str(s string) *string   { return &s }

func TestJSONPredicate_Matches_NilMatchesEverything(t *testing.T) {
	var p *JSONPredicate
	assert.True(t, p.Matches(nil))
	assert.True(t, p.Matches(json.RawMessage(`{"anything":1}`)))
}

func TestJSONPredicate_Matches_Equals(t *testing.T) {
	p := &JSONPredicate{Key: "name", Equals: json.RawMessage(`"checkout"`)}

	assert.True(t, p.Matches(json.RawMessage(`{"name":"checkout"}`)))
	assert.False(t, p.Matches(json.RawMessage(`{"name":"browse"}`)))
	assert.False(t, p.Matches(json.RawMessage(`{"other":"checkout"}`)), "missing key must not match")
	assert.False(t, p.Matches(json.RawMessage(`"checkout"`)), "non-object payload with key set must not match")
}

func TestJSONPredicate_Matches_EqualsStructural(t *testing.T) {
	p := &JSONPredicate{Equals: json.RawMessage(`{"a":1,"b":[1,2]}`)}
	assert.True(t, p.Matches(json.RawMessage(`{"b":[1,2],"a":1}`)), "key order must not matter")
	assert.False(t, p.Matches(json.RawMessage(`{"a":1,"b":[2,1]}`)), "array order must matter")
}

func TestJSONPredicate_Matches_NumericBounds(t *testing.T) {
	p := &JSONPredicate{Key: "amount", AtLeast: f64(10), AtMost: f64(20)}

	assert.True(t, p.Matches(json.RawMessage(`{"amount":10}`)), "bounds are inclusive")
	assert.True(t, p.Matches(json.RawMessage(`{"amount":20}`)))
	assert.False(t, p.Matches(json.RawMessage(`{"amount":9.99}`)))
	assert.False(t, p.Matches(json.RawMessage(`{"amount":20.01}`)))
	assert.False(t, p.Matches(json.RawMessage(`{"amount":"10"}`)), "non-numeric value must not match")
}

func TestJSONPredicate_Matches_Contains(t *testing.T) {
	substr := &JSONPredicate{Key: "screen", Contains: str("check")}
	assert.True(t, substr.Matches(json.RawMessage(`{"screen":"checkout"}`)))
	assert.False(t, substr.Matches(json.RawMessage(`{"screen":"home"}`)))

	elem := &JSONPredicate{Key: "tags", Contains: str("beta")}
	assert.True(t, elem.Matches(json.RawMessage(`{"tags":["alpha","beta"]}`)))
	assert.False(t, elem.Matches(json.RawMessage(`{"tags":["alpha"]}`)))
}

func TestJSONPredicate_Matches_MalformedPayload(t *testing.T) {
	p := &JSONPredicate{Equals: json.RawMessage(`1`)}
	assert.False(t, p.Matches(json.RawMessage(`{not json`)))
}
