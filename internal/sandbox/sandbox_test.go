package sandbox

import "testing"

// TestExecuteAssignmentAndCall verifies a simple assignment from a call
// result persists into the locals snapshot.
func TestExecuteAssignmentAndCall(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("unexpected bootstrap error: %v", err)
	}
	s.Bind("add", Callable(func(args []Value, _ map[string]Value) (Value, error) {
		return args[0].(int) + args[1].(int), nil
	}))

	result := s.Execute("total = add(2, 3)")
	if result.Stderr != "" {
		t.Fatalf("unexpected stderr: %s", result.Stderr)
	}
	if result.LocalsSnapshot["total"] != "5" {
		t.Fatalf("expected total=5 in snapshot, got %q", result.LocalsSnapshot["total"])
	}
}

// TestPersistenceAcrossExecuteCalls verifies a variable bound in one
// Execute call is visible by name in the next.
func TestPersistenceAcrossExecuteCalls(t *testing.T) {
	s, _ := New("")
	s.Execute(`x = "hello"`)
	result := s.Execute("y = x")
	if result.LocalsSnapshot["y"] != "hello" {
		t.Fatalf("expected y=hello, got %q", result.LocalsSnapshot["y"])
	}
}

// TestUnderscorePrefixedNamesFilteredFromSnapshot verifies single-underscore
// names are hidden from the locals view but remain usable internally.
func TestUnderscorePrefixedNamesFilteredFromSnapshot(t *testing.T) {
	s, _ := New("")
	s.Bind("_hidden", "secret")
	s.Bind("getHidden", Callable(func(_ []Value, _ map[string]Value) (Value, error) {
		return s.vars["_hidden"], nil
	}))
	result := s.Execute("v = getHidden()")
	if _, present := result.LocalsSnapshot["_hidden"]; present {
		t.Fatal("expected _hidden to be filtered from the snapshot")
	}
	if result.LocalsSnapshot["v"] != "secret" {
		t.Fatalf("expected getHidden() to still reach _hidden, got %q", result.LocalsSnapshot["v"])
	}
}

// TestUncaughtErrorPopulatesStderrWithoutPanicking verifies a call to an
// undefined name is reported in Stderr rather than propagating out.
func TestUncaughtErrorPopulatesStderrWithoutPanicking(t *testing.T) {
	s, _ := New("")
	result := s.Execute("missing_function(1, 2)")
	if result.Stderr == "" {
		t.Fatal("expected stderr to report the undefined-name error")
	}
}

// TestBootstrapFailureReturnsSetupCodeError verifies a failing setup_code
// string fails New() instead of leaving a partially-built sandbox.
func TestBootstrapFailureReturnsSetupCodeError(t *testing.T) {
	_, err := New("broken_call()")
	if err == nil {
		t.Fatal("expected bootstrap error")
	}
	var setupErr *SetupCodeError
	if ok := as(err, &setupErr); !ok {
		t.Fatalf("expected *SetupCodeError, got %T", err)
	}
}

func as(err error, target **SetupCodeError) bool {
	if se, ok := err.(*SetupCodeError); ok {
		*target = se
		return true
	}
	return false
}

// TestBindContextNumbersSubsequentBindings verifies the context/context_1/
// context_2 naming contract for persistent sessions.
func TestBindContextNumbersSubsequentBindings(t *testing.T) {
	s, _ := New("")
	s.BindContext("first")
	s.BindContext("second")
	s.BindContext("third")
	if s.vars["context"] != "first" || s.vars["context_1"] != "second" || s.vars["context_2"] != "third" {
		t.Fatalf("unexpected context bindings: %v %v %v", s.vars["context"], s.vars["context_1"], s.vars["context_2"])
	}
}

// TestPrintCapturedAsStdout verifies print() output is captured rather than
// written to the process's own stdout.
func TestPrintCapturedAsStdout(t *testing.T) {
	s, _ := New("")
	result := s.Execute(`print("hi")`)
	if result.Stdout != "hi\n" {
		t.Fatalf("expected captured stdout %q, got %q", "hi\n", result.Stdout)
	}
}
