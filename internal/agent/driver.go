// Package agent implements the Iteration Driver: the bounded think-act loop
// that drives one model through repeated rounds of sandbox code execution
// until it emits a FINAL/FINAL_VAR sentinel or the iteration budget runs out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/llm"
	"github.com/nextlevelbuilder/rlmsearch/internal/sandbox"
	"github.com/nextlevelbuilder/rlmsearch/internal/telemetry"
)

// fencedFragment matches a ```repl ... ``` code block, capturing its body.
var fencedFragment = regexp.MustCompile("(?s)```repl\\s*\\n(.*?)```")

// finalSentinel matches FINAL(...) or FINAL_VAR(name) at the start of a line
// outside of any code fence.
var finalSentinel = regexp.MustCompile(`(?m)^\s*FINAL(_VAR)?\(([^)]*)\)`)

// maxConsecutiveErrors is the cascade-skip breaker's threshold: after this
// many consecutive runtime errors within one iteration, remaining fragments
// in that iteration are skipped rather than executed.
const maxConsecutiveErrors = 2

// maxConsecutiveEmptyIterations is the empty-iteration breaker's threshold
// before a nudge is injected into history.
const maxConsecutiveEmptyIterations = 2

// Driver runs one bounded research loop against a model, a sandbox, and a
// bus. One Driver per session (or per delegated sub-question); never shared.
type Driver struct {
	LLM           llm.Client
	Sandbox       *sandbox.Sandbox
	Bus           *bus.Bus
	MaxIterations int
	Model         string

	// RootPrompt, when set, is re-embedded verbatim into every iteration's
	// prompt to anchor long loops against drift.
	RootPrompt string

	// History carries forward prior iterations' transcript for persistent
	// multi-turn sessions; nil for a fresh session.
	History []string

	// Logger, when set, receives one IterationRecord per completed
	// iteration (spec.md:52, step 7) and emits it onto its own bus and JSONL
	// file. When nil, the Driver emits the same record directly onto Bus as
	// a KindIteration event.
	Logger IterationLogger
}

// IterationLogger receives one fully-formed IterationRecord per iteration.
// Satisfied by *streaming.Logger and *streaming.Child.
type IterationLogger interface {
	LogIteration(record map[string]any)
}

// Result is what a completed (or budget-exhausted) driver run produces.
// SearchesRun and SourcesFound are left zero here: the Driver never touches
// a SearchContext directly (tool wiring happens in the sandbox's Callable
// bindings). Callers that need those counts read them from the search's
// Evidence Store after Run returns, as delegateRun does when it builds a
// tools.DelegationResult.
type Result struct {
	Answer       string
	Iterations   int
	SearchesRun  int
	SourcesFound int
	HitSentinel  bool
	FallbackUsed bool
}

// Search and source counts live in the sandbox-bound tool context; the driver
// itself only orchestrates prompting, fragment execution, and sentinel
// detection.

// Run drives the loop to completion: repeated LM calls, sandbox fragment
// execution, sentinel detection, and the cascade-skip / empty-iteration
// circuit breakers. It never panics on model or sandbox misbehavior; runtime
// failures are recorded as stderr on the corresponding fragment and the loop
// continues.
func (d *Driver) Run(ctx context.Context, rootPrompt string) (Result, error) {
	if d.MaxIterations <= 0 {
		d.MaxIterations = 20
	}
	d.RootPrompt = rootPrompt

	ctx, searchSpan := telemetry.Tracer().Start(ctx, "search", trace.WithAttributes(
		attribute.Int("max_iterations", d.MaxIterations),
		attribute.String("model", d.Model),
	))
	defer searchSpan.End()

	var transcript []string
	transcript = append(transcript, d.History...)

	consecutiveEmpty := 0
	var pendingNudge string

	for iteration := 1; iteration <= d.MaxIterations; iteration++ {
		if err := d.Bus.RaiseIfCancelled(); err != nil {
			searchSpan.RecordError(err)
			return Result{Answer: "", Iterations: iteration - 1}, err
		}

		iterCtx, iterSpan := telemetry.Tracer().Start(ctx, "iteration", trace.WithAttributes(
			attribute.Int("iteration", iteration),
		))
		iterStart := time.Now()

		prompt := d.buildIterationPrompt(transcript, iteration, pendingNudge)
		pendingNudge = ""

		resp, err := d.LLM.Completion(iterCtx, prompt)
		if err != nil {
			iterSpan.RecordError(err)
			iterSpan.End()
			searchSpan.RecordError(err)
			return Result{Answer: "", Iterations: iteration}, fmt.Errorf("iteration driver: LM call failed at iteration %d: %w", iteration, err)
		}
		transcript = append(transcript, "ASSISTANT: "+resp)

		var codeBlocks []map[string]any
		if answer, ok := d.detectSentinel(resp); ok {
			d.emitIteration(map[string]any{
				"prompt":         prompt,
				"response":       resp,
				"code_blocks":    codeBlocks,
				"final_answer":   answer,
				"iteration_time": time.Since(iterStart).Seconds(),
			})
			d.Bus.Emit(bus.KindDone, map[string]any{"iteration": iteration})
			iterSpan.End()
			return Result{Answer: answer, Iterations: iteration, HitSentinel: true}, nil
		}

		fragments := extractFragments(resp)
		if len(fragments) == 0 {
			consecutiveEmpty++
			if consecutiveEmpty >= maxConsecutiveEmptyIterations {
				pendingNudge = "You have not executed any code in the last " +
					fmt.Sprintf("%d", consecutiveEmpty) + " iterations. Execute a ```repl fenced code block to make progress."
				consecutiveEmpty = 0
			}
		} else {
			consecutiveEmpty = 0

			consecutiveErrors := 0
			cascading := false
			for i, fragment := range fragments {
				if cascading {
					const skipped = "[Skipped: remaining fragments skipped this iteration, cascading runtime errors]"
					transcript = append(transcript, fmt.Sprintf("RESULT[%d]: %s", i, skipped))
					codeBlocks = append(codeBlocks, map[string]any{"code": fragment, "result": skipped})
					continue
				}
				result := d.Sandbox.Execute(fragment)
				formatted := formatFragmentResult(i, result)
				transcript = append(transcript, formatted)
				codeBlocks = append(codeBlocks, map[string]any{"code": fragment, "result": formatted})

				if result.Stderr == "" {
					consecutiveErrors = 0
					continue
				}
				if strings.HasPrefix(result.Stderr, "SyntaxError:") {
					cascading = true
					continue
				}
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveErrors {
					cascading = true
				}
			}
		}

		d.emitIteration(map[string]any{
			"prompt":         prompt,
			"response":       resp,
			"code_blocks":    codeBlocks,
			"iteration_time": time.Since(iterStart).Seconds(),
		})
		iterSpan.End()
	}

	fallbackCtx, fallbackSpan := telemetry.Tracer().Start(ctx, "fallback_completion")
	d.Bus.Emit(bus.KindIteration, map[string]any{"phase": "fallback_completion"})
	fallback, err := d.fallbackCompletion(fallbackCtx, transcript)
	fallbackSpan.End()
	if err != nil {
		searchSpan.RecordError(err)
		return Result{Answer: "", Iterations: d.MaxIterations}, fmt.Errorf("iteration driver: fallback completion failed: %w", err)
	}
	d.Bus.Emit(bus.KindDone, map[string]any{"fallback": true})
	return Result{Answer: fallback, Iterations: d.MaxIterations, FallbackUsed: true}, nil
}

// emitIteration hands one completed IterationRecord (spec.md:52) to the
// wired streaming.Logger if present; otherwise it emits the record directly
// onto the Bus as a KindIteration event, for callers (mostly tests) that
// construct a Driver without a Logger.
func (d *Driver) emitIteration(record map[string]any) {
	if d.Logger != nil {
		d.Logger.LogIteration(record)
		return
	}
	d.Bus.Emit(bus.KindIteration, record)
}

// buildIterationPrompt renders the prompt for one iteration: the anchored
// root prompt, transcript so far, and any pending breaker nudge.
func (d *Driver) buildIterationPrompt(transcript []string, iteration int, nudge string) string {
	var b strings.Builder
	if d.RootPrompt != "" {
		fmt.Fprintf(&b, "Original question: %s\n\n", d.RootPrompt)
	}
	if len(transcript) > 0 {
		b.WriteString("Transcript so far:\n")
		b.WriteString(strings.Join(transcript, "\n"))
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Iteration %d of %d.\n", iteration, d.MaxIterations)
	if nudge != "" {
		b.WriteString(nudge + "\n")
	}
	b.WriteString("Respond with a ```repl fenced code block to continue research, or FINAL(answer) / FINAL_VAR(variable_name) to conclude.")
	return b.String()
}

// detectSentinel scans the raw response text (outside any fence, at a line
// start) for FINAL(...) or FINAL_VAR(name). Detection is purely textual — it
// never executes inside the sandbox.
func (d *Driver) detectSentinel(resp string) (string, bool) {
	stripped := stripFences(resp)
	m := finalSentinel.FindStringSubmatch(stripped)
	if m == nil {
		return "", false
	}
	if m[1] == "_VAR" {
		name := strings.TrimSpace(m[2])
		val, err := d.Sandbox.ResolveVar(name)
		if err != nil {
			slog.Warn("iteration driver: FINAL_VAR referenced an unknown variable", "name", name, "error", err)
			return "", false
		}
		return val, true
	}
	return strings.TrimSpace(strings.Trim(m[2], `"'`)), true
}

// fallbackCompletion issues one generic completion call when the iteration
// budget runs out with no sentinel, anchored to the root prompt when one was
// set.
func (d *Driver) fallbackCompletion(ctx context.Context, transcript []string) (string, error) {
	var prompt string
	if d.RootPrompt != "" {
		prompt = fmt.Sprintf(
			"You have used all available iterations researching: %q\n\nTranscript:\n%s\n\n"+
				"Provide your best final answer now based on everything gathered so far.",
			d.RootPrompt, strings.Join(transcript, "\n"),
		)
	} else {
		prompt = "You have used all available iterations. Please provide a final answer based on everything gathered so far.\n\n" +
			strings.Join(transcript, "\n")
	}
	return d.LLM.Completion(ctx, prompt)
}

// extractFragments pulls ```repl fenced code blocks out of a response, in
// the order they appear.
func extractFragments(resp string) []string {
	matches := fencedFragment.FindAllStringSubmatch(resp, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// stripFences removes fenced code block bodies before sentinel scanning, so
// a FINAL(...) appearing inside example code in a fence is never mistaken
// for the real sentinel.
func stripFences(resp string) string {
	return fencedFragment.ReplaceAllString(resp, "")
}

func formatFragmentResult(idx int, result sandbox.REPLResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "RESULT[%d] (%s):", idx, result.ExecutionTime.Round(time.Microsecond))
	if result.Stdout != "" {
		fmt.Fprintf(&b, "\nstdout: %s", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&b, "\nstderr: %s", result.Stderr)
	}
	return b.String()
}
