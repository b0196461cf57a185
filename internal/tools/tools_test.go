package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
	"github.com/nextlevelbuilder/rlmsearch/internal/quality"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
)

// fakeLLM is a scripted llm.Client for tool-layer tests: Completion returns
// the next queued response (or "PASS looks good" once the queue is empty),
// CompletionBatched returns one queued response per prompt.
type fakeLLM struct {
	responses []string
	next      int
	batched   []string
}

func (f *fakeLLM) Completion(_ context.Context, prompt string) (string, error) {
	if f.next < len(f.responses) {
		r := f.responses[f.next]
		f.next++
		return r, nil
	}
	return "PASS looks good", nil
}

func (f *fakeLLM) CompletionBatched(_ context.Context, prompts []string) ([]string, error) {
	if len(f.batched) >= len(prompts) {
		return f.batched[:len(prompts)], nil
	}
	out := make([]string, len(prompts))
	for i := range out {
		out[i] = "[x] RELEVANT CONFIDENCE:4"
	}
	return out, nil
}

func newTestContext(client *fakeLLM) *SearchContext {
	ev := evidence.New()
	q := quality.New(ev)
	return NewSearchContext(bus.New(), ev, q, client, nil)
}

// TestEvaluateResultsParsesBatchRatings verifies the batch-prompt path
// parses one rating line per hit and writes them into the Evidence Store.
func TestEvaluateResultsParsesBatchRatings(t *testing.T) {
	client := &fakeLLM{responses: []string{"[a] RELEVANT CONFIDENCE:5\n[b] OFF-TOPIC CONFIDENCE:2\n"}}
	ctx := newTestContext(client)
	hits := []evidence.Hit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.1}}

	ratings, suggestion, err := EvaluateResults(context.Background(), ctx, "what is x?", hits, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ratings) != 2 {
		t.Fatalf("expected 2 ratings, got %d", len(ratings))
	}
	if ratings[0].Rating != evidence.RatingRelevant || ratings[0].Confidence != 5 {
		t.Fatalf("unexpected rating[0]: %+v", ratings[0])
	}
	if ratings[1].Rating != evidence.RatingOffTopic {
		t.Fatalf("unexpected rating[1]: %+v", ratings[1])
	}
	if suggestion == "" {
		t.Fatal("expected a non-empty suggestion")
	}
	if r, ok := ctx.Evidence.GetRating("a"); !ok || r.Rating != evidence.RatingRelevant {
		t.Fatalf("expected rating for a to be recorded, got %+v ok=%v", r, ok)
	}
}

// TestEvaluateResultsFallsBackToPerResult verifies a batch response with too
// few parseable ids falls back to the per-candidate batched call.
func TestEvaluateResultsFallsBackToPerResult(t *testing.T) {
	client := &fakeLLM{responses: []string{"no idea what you mean"}}
	ctx := newTestContext(client)
	hits := []evidence.Hit{{ID: "a", Score: 0.9}, {ID: "b", Score: 0.8}}

	ratings, _, err := EvaluateResults(context.Background(), ctx, "q", hits, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ratings) != 2 {
		t.Fatalf("expected 2 fallback ratings, got %d", len(ratings))
	}
	for _, r := range ratings {
		if r.Rating != evidence.RatingRelevant {
			t.Fatalf("expected RELEVANT from fallback fake, got %v", r.Rating)
		}
	}
}

// TestIsPassVerdictStripsEmphasisMarkers verifies the PASS detection ignores
// leading markdown emphasis and is case-insensitive.
func TestIsPassVerdictStripsEmphasisMarkers(t *testing.T) {
	cases := map[string]bool{
		"PASS - looks solid":  true,
		"**PASS** great work":  true,
		"pass, nicely done":    true,
		"FAIL - missing cites": false,
		"":                     false,
	}
	for verdict, want := range cases {
		if got := isPassVerdict(verdict); got != want {
			t.Errorf("isPassVerdict(%q) = %v, want %v", verdict, got, want)
		}
	}
}

// TestCritiqueAnswerRecordsNothingItself verifies CritiqueAnswer reports its
// own pass/fail without touching the Quality Gate (the caller records it).
func TestCritiqueAnswerRecordsNothingItself(t *testing.T) {
	client := &fakeLLM{responses: []string{"FAIL: no citations"}}
	ctx := newTestContext(client)
	_, passed, err := CritiqueAnswer(context.Background(), ctx, "q", "some draft", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if passed {
		t.Fatal("expected FAIL verdict to parse as not passed")
	}
	if ctx.Quality.LastCritique() != nil {
		t.Fatal("expected CritiqueAnswer not to record onto the Quality Gate itself")
	}
}

// TestResearchCapsEvaluationAtMaxCandidates verifies research() never
// evaluates more than maxEvalCandidates new hits in one call.
func TestResearchCapsEvaluationAtMaxCandidates(t *testing.T) {
	if maxEvalCandidates != 15 {
		t.Fatalf("expected maxEvalCandidates == 15, got %d", maxEvalCandidates)
	}
	ctx := newTestServerContext(t, &fakeLLM{}, func(w http.ResponseWriter, r *http.Request) {
		hits := make([]retrieval.Hit, maxEvalCandidates+5)
		for i := range hits {
			hits[i] = retrieval.Hit{ID: fmt.Sprintf("h%d", i), Score: 1 - float64(i)/100}
		}
		json.NewEncoder(w).Encode(retrieval.SearchResult{Results: hits, Total: len(hits)})
	})
	if _, err := Research(context.Background(), ctx, "q", []ResearchSpec{{Query: "q", TopK: maxEvalCandidates + 5}}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rated := 0
	for _, n := range ctx.Evidence.RatingCounts() {
		rated += n
	}
	if rated != maxEvalCandidates {
		t.Fatalf("expected exactly %d hits evaluated, got %d", maxEvalCandidates, rated)
	}
}

// TestReformulateCapsAtThreeQueries verifies reformulate() never returns
// more than 3 alternative queries even if the model lists more.
func TestReformulateCapsAtThreeQueries(t *testing.T) {
	client := &fakeLLM{responses: []string{"alt one\nalt two\nalt three\nalt four\n"}}
	ctx := newTestContext(client)
	queries, err := Reformulate(context.Background(), ctx, "q", "bad query", 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queries) != 3 {
		t.Fatalf("expected 3 queries, got %d: %v", len(queries), queries)
	}
}

// TestCheckProgressReadsEvidenceWithoutMutating verifies check_progress
// returns the expected structured fields from an empty session.
func TestCheckProgressReadsEvidenceWithoutMutating(t *testing.T) {
	ctx := newTestContext(&fakeLLM{})
	result := CheckProgress(ctx)
	if result["phase"] != string(quality.PhaseContinue) {
		t.Fatalf("expected phase=continue on an empty session, got %v", result["phase"])
	}
	if result["searches_run"] != 0 {
		t.Fatalf("expected 0 searches_run, got %v", result["searches_run"])
	}
}

// TestRlmQueryRefusesAtDepthLimit verifies the depth guard returns a
// structured error rather than invoking the run callback.
func TestRlmQueryRefusesAtDepthLimit(t *testing.T) {
	ctx := newTestContext(&fakeLLM{})
	ctx.Depth = 1
	ctx.MaxDelegationDepth = 1
	called := false
	run := func(_ context.Context, _ DelegationRequest) (DelegationResult, error) {
		called = true
		return DelegationResult{}, nil
	}
	result, err := RlmQuery(context.Background(), ctx, run, "sub question", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatal("expected the depth guard to prevent the run callback from firing")
	}
	if _, hasErr := result["error"]; !hasErr {
		t.Fatalf("expected a structured error result, got %v", result)
	}
}
