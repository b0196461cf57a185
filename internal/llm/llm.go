// Package llm defines the LM callable contract the sandbox and tool layer
// depend on, plus concrete adapters. Callers never import a provider SDK
// directly — only this interface — so the iteration driver and tool layer
// stay provider-agnostic, the way SPEC_FULL.md §6 requires.
package llm

import (
	"context"
	"fmt"
)

// Client is the LM callable contract: a single-prompt call and a batched
// call. CompletionBatched implementations may parallelize internally or fall
// back to sequential per-prompt calls; per-item errors must be surfaced as
// strings beginning with "Error:" so batched consumers can skip them without
// failing the whole batch.
type Client interface {
	// Completion issues one prompt and returns the model's text response.
	Completion(ctx context.Context, prompt string) (string, error)
	// CompletionBatched issues N independent prompts, returning N responses
	// in the same order. A per-item failure is encoded as "Error: <message>"
	// at that index rather than failing the call.
	CompletionBatched(ctx context.Context, prompts []string) ([]string, error)
}

// errorPrefixed formats a per-item batch failure per the LM callable
// contract in SPEC_FULL.md §6.
func errorPrefixed(err error) string {
	return fmt.Sprintf("Error: %v", err)
}

// sequentialBatch is the shared fallback used by adapters whose underlying
// SDK has no native batch endpoint: issue each prompt in its own goroutine,
// bounded by a small worker count, collecting results in original order.
func sequentialBatch(ctx context.Context, prompts []string, one func(context.Context, string) (string, error)) ([]string, error) {
	out := make([]string, len(prompts))
	type result struct {
		idx  int
		text string
	}
	results := make(chan result, len(prompts))
	sem := make(chan struct{}, 4)

	for i, p := range prompts {
		i, p := i, p
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			text, err := one(ctx, p)
			if err != nil {
				text = errorPrefixed(err)
			}
			results <- result{idx: i, text: text}
		}()
	}
	for range prompts {
		r := <-results
		out[r.idx] = r.text
	}
	return out, nil
}
