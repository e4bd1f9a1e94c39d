package sandbox

import (
	"encoding/json"
	"fmt"
	"math"

	"go.starlark.net/starlark"
)

// toJSON renders a Starlark value as a JSON-compatible Go value. Lists, tuples,
// sets and dicts are cut to MaxCollectionItems entries.
func toJSON(v starlark.Value) any {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(v)
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i
		}
		return v.String()
	case starlark.Float:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return v.String()
		}
		return f
	case starlark.String:
		return string(v)
	case starlark.Bytes:
		return string(v)
	case *starlark.Dict:
		items := v.Items()
		out := make(map[string]any, min(len(items), MaxCollectionItems))
		for i, kv := range items {
			if i == MaxCollectionItems {
				break
			}
			out[dictKey(kv[0])] = toJSON(kv[1])
		}
		return out
	case starlark.Indexable: // list, tuple
		n := v.Len()
		out := make([]any, 0, min(n, MaxCollectionItems))
		for i := 0; i < n && i < MaxCollectionItems; i++ {
			out = append(out, toJSON(v.Index(i)))
		}
		return out
	case *starlark.Set:
		out := make([]any, 0, min(v.Len(), MaxCollectionItems))
		iter := v.Iterate()
		defer iter.Done()
		var x starlark.Value
		for len(out) < MaxCollectionItems && iter.Next(&x) {
			out = append(out, toJSON(x))
		}
		return out
	default:
		return v.String()
	}
}

func dictKey(k starlark.Value) string {
	if s, ok := k.(starlark.String); ok {
		return string(s)
	}
	return fmt.Sprint(k)
}

// Render formats a result for inclusion in a model prompt.
func Render(r *Result) string {
	if r == nil {
		return ""
	}
	var out string
	if r.Success {
		out = "Execution succeeded."
	} else {
		out = fmt.Sprintf("Execution failed (%s): %s", r.Failure.Kind, r.Failure.Message)
	}
	if r.Stdout != "" {
		out += "\nstdout:\n" + r.Stdout
	}
	if !r.Success && r.Stderr != "" && r.Failure.Kind == FailureRuntimeError {
		out += "\nstderr:\n" + r.Stderr
	}
	if r.Value != nil {
		if b, err := json.Marshal(r.Value); err == nil {
			out += "\nresult: " + string(b)
		} else {
			out += fmt.Sprintf("\nresult: %v", r.Value)
		}
	}
	return out
}
