// Package sandbox implements the constrained interpreter the iteration
// driver executes model-authored fragments in. No embeddable scripting
// language exists anywhere in the dependency pack, so this re-architects
// the interpreter as a small call-expression-per-line DSL instead of an
// embedded general-purpose language: one statement per line, each either an
// assignment or a bare call, arguments positional or keyword. This keeps the
// "safe execution, sentinel extraction, persistent namespace" contract
// without pulling in an ungrounded scripting dependency.
package sandbox

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Value is anything the DSL can hold: string, float64, int, bool, nil,
// []Value, map[string]Value, or a Go value returned opaquely by a callable
// (e.g. a *retrieval.SearchResult) — those are passed through untouched and
// rendered via their Stringer/fmt form in the locals snapshot.
type Value = any

// Callable is a Go function exposed in the sandbox namespace. args holds
// resolved positional arguments in call order; kwargs holds resolved keyword
// arguments.
type Callable func(args []Value, kwargs map[string]Value) (Value, error)

// reprValue renders a Value the way a REPLResult's locals_snapshot does:
// primitives print directly, callables render as "<callable>", and any other
// type renders in its fmt %v form.
func reprValue(v Value) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case Callable:
		return "<callable>"
	case []Value:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = reprValue(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]Value:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q: %s", k, reprValue(t[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", t)
	}
}
