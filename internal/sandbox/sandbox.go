package sandbox

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SetupCodeError wraps a bootstrap failure; the sandbox must not be left
// partially constructed when this is returned.
type SetupCodeError struct {
	Stderr string
	Err    error
}

func (e *SetupCodeError) Error() string {
	return fmt.Sprintf("sandbox: setup code failed: %v (stderr: %s)", e.Err, e.Stderr)
}

func (e *SetupCodeError) Unwrap() error { return e.Err }

// REPLResult is the outcome of one execute() call.
type REPLResult struct {
	Stdout         string
	Stderr         string
	LocalsSnapshot map[string]string
	ExecutionTime  time.Duration
	NestedCalls    int
}

// Sandbox is a scoped interpreter instance with a persistent namespace.
// Names are shared across Execute calls on the same Sandbox; they are not
// shared across Sandboxes (one per session/delegation level).
type Sandbox struct {
	vars    map[string]Value
	nested  int
	closed  bool
}

// New constructs a Sandbox and runs setupCode exactly once. A bootstrap
// failure returns *SetupCodeError and no usable Sandbox.
func New(setupCode string) (*Sandbox, error) {
	s := &Sandbox{vars: make(map[string]Value)}
	s.registerBuiltins()
	if strings.TrimSpace(setupCode) != "" {
		result := s.Execute(setupCode)
		if result.Stderr != "" {
			return nil, &SetupCodeError{Stderr: result.Stderr, Err: fmt.Errorf("bootstrap raised an error")}
		}
	}
	return s, nil
}

// Close releases the sandbox. Safe to call multiple times.
func (s *Sandbox) Close() {
	s.closed = true
	s.vars = nil
}

// Bind injects a namespace entry, such as an LM callable or the bus emit
// callback. Overwrites any existing entry with the same name.
func (s *Sandbox) Bind(name string, value Value) {
	s.vars[name] = value
}

// ResolveVar looks up a bound variable's current value by name and renders it
// the way the locals snapshot would, for FINAL_VAR sentinel resolution. It
// reaches into s.vars directly rather than snapshot(), so a private
// (single-underscore) name is still resolvable here even though it is
// filtered out of the locals view.
func (s *Sandbox) ResolveVar(name string) (string, error) {
	v, ok := s.vars[name]
	if !ok {
		return "", fmt.Errorf("sandbox: no such variable %q", name)
	}
	return reprValue(v), nil
}

// BindContext binds a context payload to "context" the first time, then
// "context_1", "context_2", ... on subsequent calls, matching the
// persistent-session contract in the component design.
func (s *Sandbox) BindContext(value Value) {
	if _, exists := s.vars["context"]; !exists {
		s.vars["context"] = value
		return
	}
	n := 1
	for {
		name := fmt.Sprintf("context_%d", n)
		if _, exists := s.vars[name]; !exists {
			s.vars[name] = value
			return
		}
		n++
	}
}

// registerBuiltins installs FINAL/FINAL_VAR as ordinary callables so code
// that invokes them inline still resolves to a value; sentinel detection
// for loop termination happens in the iteration driver against the raw
// response text, not here.
func (s *Sandbox) registerBuiltins() {
	s.vars["FINAL"] = Callable(func(args []Value, _ map[string]Value) (Value, error) {
		if len(args) == 0 {
			return "", nil
		}
		return reprValue(args[0]), nil
	})
	s.vars["FINAL_VAR"] = Callable(func(args []Value, _ map[string]Value) (Value, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("FINAL_VAR requires a variable name")
		}
		name, ok := args[0].(string)
		if !ok {
			return "", fmt.Errorf("FINAL_VAR expects a string name")
		}
		v, ok := s.vars[name]
		if !ok {
			return "", fmt.Errorf("FINAL_VAR: no such variable %q", name)
		}
		return reprValue(v), nil
	})
}

// Execute runs a fragment of DSL code: one statement per non-blank line.
// Uncaught errors populate Stderr and do not propagate to the caller.
func (s *Sandbox) Execute(code string) REPLResult {
	start := time.Now()
	var stdout, stderr strings.Builder
	nestedBefore := s.nested

	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		stmt, err := parseLine(trimmed)
		if err != nil {
			stderr.WriteString(fmt.Sprintf("SyntaxError: %v\n", err))
			break
		}
		val, out, err := s.evalStatement(stmt)
		if out != "" {
			stdout.WriteString(out)
			if !strings.HasSuffix(out, "\n") {
				stdout.WriteString("\n")
			}
		}
		if err != nil {
			stderr.WriteString(fmt.Sprintf("Error: %v\n", err))
			break
		}
		if stmt.target != "" {
			s.vars[stmt.target] = val
		}
	}

	return REPLResult{
		Stdout:         stdout.String(),
		Stderr:         stderr.String(),
		LocalsSnapshot: s.snapshot(),
		ExecutionTime:  time.Since(start),
		NestedCalls:    s.nested - nestedBefore,
	}
}

// evalStatement evaluates one parsed statement, returning its value and any
// text printed via the built-in print() callable.
func (s *Sandbox) evalStatement(stmt statement) (Value, string, error) {
	var printed strings.Builder
	s.vars["print"] = Callable(func(args []Value, _ map[string]Value) (Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = reprValue(a)
		}
		printed.WriteString(strings.Join(parts, " "))
		printed.WriteString("\n")
		return nil, nil
	})
	val, err := s.eval(stmt.expr)
	return val, printed.String(), err
}

func (s *Sandbox) eval(e expr) (Value, error) {
	switch n := e.(type) {
	case litExpr:
		return n.value, nil
	case identExpr:
		v, ok := s.vars[n.name]
		if !ok {
			return nil, fmt.Errorf("NameError: name %q is not defined", n.name)
		}
		return v, nil
	case listExpr:
		out := make([]Value, len(n.elems))
		for i, el := range n.elems {
			v, err := s.eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case attrExpr:
		base, err := s.eval(n.base)
		if err != nil {
			return nil, err
		}
		m, ok := base.(map[string]Value)
		if !ok {
			return nil, fmt.Errorf("AttributeError: cannot access %q on non-object value", n.attr)
		}
		v, ok := m[n.attr]
		if !ok {
			return nil, fmt.Errorf("AttributeError: no attribute %q", n.attr)
		}
		return v, nil
	case callExpr:
		return s.evalCall(n)
	default:
		return nil, fmt.Errorf("internal: unknown expression node %T", e)
	}
}

func (s *Sandbox) evalCall(c callExpr) (Value, error) {
	fnVal, ok := s.vars[c.name]
	if !ok {
		return nil, fmt.Errorf("NameError: name %q is not defined", c.name)
	}
	fn, ok := fnVal.(Callable)
	if !ok {
		return nil, fmt.Errorf("TypeError: %q is not callable", c.name)
	}
	args := make([]Value, len(c.args))
	for i, a := range c.args {
		v, err := s.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	kwargs := make(map[string]Value, len(c.kwargs))
	for k, a := range c.kwargs {
		v, err := s.eval(a)
		if err != nil {
			return nil, err
		}
		kwargs[k] = v
	}
	s.nested++
	return fn(args, kwargs)
}

// snapshot renders the exposed locals view: names with a single leading
// underscore are filtered out, matching the private-plumbing contract, but
// remain reachable in s.vars for other callables.
func (s *Sandbox) snapshot() map[string]string {
	out := make(map[string]string)
	keys := make([]string, 0, len(s.vars))
	for k := range s.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if isPrivate(k) {
			continue
		}
		out[k] = reprValue(s.vars[k])
	}
	return out
}

func isPrivate(name string) bool {
	return strings.HasPrefix(name, "_") && !strings.HasPrefix(name, "__")
}
