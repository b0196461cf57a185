package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
	"github.com/nextlevelbuilder/rlmsearch/internal/quality"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
	"github.com/nextlevelbuilder/rlmsearch/internal/sandbox"
)

// newTestServerContext builds a SearchContext backed by a fake upstream
// retrieval server, for wiring tests that need search/browse/search_multi to
// actually round-trip through a retrieval.Client rather than being called
// directly with Go values.
func newTestServerContext(t *testing.T, client *fakeLLM, handler http.HandlerFunc) *SearchContext {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	retr := retrieval.New(srv.URL, "", 5*time.Second)
	ev := evidence.New()
	q := quality.New(ev)
	return NewSearchContext(bus.New(), ev, q, client, retr)
}

func fakeSearchHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			json.NewEncoder(w).Encode(retrieval.SearchResult{
				Results: []retrieval.Hit{{ID: "a", Score: 0.9, Question: "q1", Answer: "a1"}},
				Total:   1,
			})
		case "/browse":
			json.NewEncoder(w).Encode(retrieval.BrowseResult{
				Results: []retrieval.Hit{{ID: "b", Score: 0.5, Question: "q2", Answer: "a2"}},
				Total:   1,
			})
		case "/search/multi":
			json.NewEncoder(w).Encode(retrieval.SearchResult{
				Results:             []retrieval.Hit{{ID: "c", Score: 0.7, Question: "q3", Answer: "a3"}},
				Total:               1,
				CollectionsSearched: []string{"primary"},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}
}

// TestBindAllWiresSearchThroughSandboxCallConvention verifies a sandbox-style
// args/kwargs call into the bound "search" callable reaches the real Search
// tool and returns a sandbox.Value the interpreter can hold in a variable.
func TestBindAllWiresSearchThroughSandboxCallConvention(t *testing.T) {
	ctx := newTestServerContext(t, &fakeLLM{}, fakeSearchHandler(t))
	sb, err := sandbox.New("")
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	BindAll(context.Background(), sb, ctx, nil)

	result := sb.Execute(`r = search("what is x?")`)
	if result.Stderr != "" {
		t.Fatalf("unexpected stderr: %s", result.Stderr)
	}
	if _, err := sb.ResolveVar("r"); err != nil {
		t.Fatalf("expected r to be bound: %v", err)
	}
}

// TestBindAllResearchChainsIntoDraftAnswer verifies research()'s returned
// hit list can be forwarded directly into draft_answer() within the
// sandbox's call convention, since both exchange []evidence.Hit opaquely.
func TestBindAllResearchChainsIntoDraftAnswer(t *testing.T) {
	client := &fakeLLM{responses: []string{
		"[a] RELEVANT CONFIDENCE:5\n",
		"the answer [Source: a]",
		"PASS - good",
	}}
	ctx := newTestServerContext(t, client, fakeSearchHandler(t))
	sb, err := sandbox.New("")
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	BindAll(context.Background(), sb, ctx, nil)

	result := sb.Execute("r = research(\"what is x?\")\nd = draft_answer(\"what is x?\", r.results)")
	if result.Stderr != "" {
		t.Fatalf("unexpected stderr: %s", result.Stderr)
	}
}

// TestBindAllOmitsRlmQueryAtDepthLimit verifies the REPL namespace never
// exposes rlm_query once the session is already at its delegation ceiling.
func TestBindAllOmitsRlmQueryAtDepthLimit(t *testing.T) {
	ctx := newTestServerContext(t, &fakeLLM{}, fakeSearchHandler(t))
	ctx.Depth = 1
	ctx.MaxDelegationDepth = 1
	sb, err := sandbox.New("")
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	BindAll(context.Background(), sb, ctx, func(context.Context, DelegationRequest) (DelegationResult, error) {
		t.Fatal("rlm_query should not be callable at the depth limit")
		return DelegationResult{}, nil
	})

	result := sb.Execute(`x = rlm_query("sub question")`)
	if result.Stderr == "" {
		t.Fatal("expected a NameError calling an unbound rlm_query")
	}
}

// TestBindAllCheckProgressAndKBOverviewTakeNoArguments verifies the
// zero-argument tools bind and execute cleanly.
func TestBindAllCheckProgressAndKBOverviewTakeNoArguments(t *testing.T) {
	ctx := newTestServerContext(t, &fakeLLM{}, fakeSearchHandler(t))
	ctx.KBOverview = map[string]any{"categories": map[string]any{}}
	sb, err := sandbox.New("")
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	BindAll(context.Background(), sb, ctx, nil)

	result := sb.Execute("p = check_progress()\nk = kb_overview()")
	if result.Stderr != "" {
		t.Fatalf("unexpected stderr: %s", result.Stderr)
	}
}
