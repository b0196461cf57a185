package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
)

// DelegationRequest is passed to the injected DriverRunFunc.
type DelegationRequest struct {
	SubQuestion   string
	Context       string
	Depth         int
	SubIterations int
	Model         string
	Backend       string
}

// DelegationResult is what a completed child run reports back. ChildEvidence
// is the child's own Evidence Store; RlmQuery folds it into the parent's
// store via evidence.Store.Merge.
type DelegationResult struct {
	Answer        string
	SearchesRun   int
	SourcesFound  int
	ChildEvents   <-chan bus.Event
	ChildEvidence *evidence.Store
}

// DriverRunFunc spawns and runs a child Iteration Driver for one delegated
// sub-question. Injected from the process entrypoint (or agent package) to
// avoid a tools -> agent import cycle, the same pattern the teacher uses for
// its own cross-package agent callback.
type DriverRunFunc func(ctx context.Context, req DelegationRequest) (DelegationResult, error)

// RlmQuery delegates a sub-question to a child research loop. Depth-guarded:
// it refuses to run at or past MaxDelegationDepth, and the sandbox wiring
// layer must not even expose this tool when MaxDelegationDepth is 0.
func RlmQuery(goctx context.Context, ctx *SearchContext, run DriverRunFunc, subQuestion, extraContext string) (map[string]any, error) {
	if ctx.Depth >= ctx.MaxDelegationDepth {
		return map[string]any{"error": fmt.Sprintf("delegation depth limit reached (%d/%d)", ctx.Depth, ctx.MaxDelegationDepth)}, nil
	}

	_, finish := ctx.trackCall("rlm_query", map[string]any{"sub_question": truncateString(subQuestion, 150)})

	subIterations := ctx.SubIterations
	if ctx.Depth+1 == 1 {
		if subIterations < 2 {
			subIterations = 2
		}
	} else if subIterations-1 < 2 {
		subIterations = 2
	} else {
		subIterations = subIterations - 1
	}

	req := DelegationRequest{
		SubQuestion:   subQuestion,
		Context:       extraContext,
		Depth:         ctx.Depth + 1,
		SubIterations: subIterations,
		Model:         ctx.RLMModel,
		Backend:       ctx.RLMBackend,
	}

	result, err := run(goctx, req)
	if err != nil {
		finish(map[string]any{"error": err.Error()}, nil)
		return map[string]any{"error": err.Error()}, nil
	}

	if ctx.Bus != nil && result.ChildEvents != nil {
		go func() {
			for ev := range result.ChildEvents {
				ctx.Bus.Emit(bus.KindSubIteration, map[string]any{"sub_question": subQuestion, "event": ev})
			}
		}()
	}

	merged := 0
	if result.ChildEvidence != nil {
		before := ctx.Evidence.Count()
		ctx.Evidence.Merge(result.ChildEvidence)
		merged = ctx.Evidence.Count() - before
	}

	finish(map[string]any{
		"searches_run":  result.SearchesRun,
		"sources_found": result.SourcesFound,
	}, nil)

	return map[string]any{
		"answer":         result.Answer,
		"sub_question":   subQuestion,
		"searches_run":   result.SearchesRun,
		"sources_merged": merged,
	}, nil
}
