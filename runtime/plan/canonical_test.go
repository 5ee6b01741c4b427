package plan_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandsec/strand/runtime/plan"
)

func TestCanonicalJSON(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want string
	}{
		{"sorted keys", map[string]any{"z": 1, "a": 2, "m": 3}, `{"a":2,"m":3,"z":1}`},
		{"nested sorting", map[string]any{"outer": map[string]any{"b": true, "a": false}}, `{"outer":{"a":false,"b":true}}`},
		{"whole float collapses", map[string]any{"n": 2.0}, `{"n":2}`},
		{"exponent normalizes", json.RawMessage(`{"n":1e2}`), `{"n":100}`},
		{"fraction survives", map[string]any{"n": 2.5}, `{"n":2.5}`},
		{"arrays keep order", []any{3, 1, 2}, `[3,1,2]`},
		{"null", nil, `null`},
		{"string escaping", map[string]any{"s": "a\"b"}, `{"s":"a\"b"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := plan.CanonicalJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestCanonicalJSONEquivalentDocuments(t *testing.T) {
	a := json.RawMessage(`{"b": 1.0, "a": {"y": [1, 2.00], "x": "v"}}`)
	b := json.RawMessage(`{"a":{"x":"v","y":[1e0,2]},"b":1}`)
	ca, err := plan.CanonicalJSON(a)
	require.NoError(t, err)
	cb, err := plan.CanonicalJSON(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalJSONStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Gen.Map cannot express a mapper returning `any` (gopter treats an
	// interface{} return as *GenResult), so widen the ResultType directly.
	anyType := reflect.TypeOf((*any)(nil)).Elem()
	asAny := func(g gopter.Gen) gopter.Gen {
		return g.MapResult(func(r *gopter.GenResult) *gopter.GenResult {
			r.ResultType = anyType
			r.Shrinker = gopter.NoShrinker
			r.Sieve = nil
			return r
		})
	}
	genValue := gen.MapOf(gen.AlphaString(), gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Int64Range(-1<<52, 1<<52)),
		asAny(gen.Float64Range(-1e6, 1e6)),
		asAny(gen.Bool()),
	))

	properties.Property("encoding is idempotent through a round trip", prop.ForAll(
		func(m map[string]any) bool {
			first, err := plan.CanonicalJSON(m)
			if err != nil {
				return false
			}
			var decoded any
			if err := json.Unmarshal(first, &decoded); err != nil {
				return false
			}
			second, err := plan.CanonicalJSON(decoded)
			if err != nil {
				return false
			}
			return string(first) == string(second)
		},
		genValue,
	))

	properties.Property("repeated encodings are identical", prop.ForAll(
		func(m map[string]any) bool {
			a, errA := plan.CanonicalJSON(m)
			b, errB := plan.CanonicalJSON(m)
			return errA == nil && errB == nil && string(a) == string(b)
		},
		genValue,
	))

	properties.TestingRun(t)
}
