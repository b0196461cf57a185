package tools

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
	"github.com/nextlevelbuilder/rlmsearch/internal/sandbox"
	"github.com/nextlevelbuilder/rlmsearch/internal/telemetry"
)

// traceTool wraps a tool function in a "tool_call" child span tagged with
// the tool's name, the generalization of the Iteration Driver's
// span-per-iteration tracing (internal/agent/driver.go) down to the Tool
// Layer's own calls.
func traceTool(name string, goctx context.Context, fn func(context.Context, []sandbox.Value, map[string]sandbox.Value) (sandbox.Value, error)) sandbox.Callable {
	return sandbox.Callable(func(args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		spanCtx, span := telemetry.Tracer().Start(goctx, "tool_call", trace.WithAttributes(
			attribute.String("tool", name),
		))
		defer span.End()
		v, err := fn(spanCtx, args, kwargs)
		if err != nil {
			span.RecordError(err)
		}
		return v, err
	})
}

// BindAll installs every Tool Layer function into sb's namespace as
// sandbox.Callable closures bound to ctx, the way build_search_setup_code_v2
// exposes rlm_search.tools.* as wrapper functions closed over a module-level
// SearchContext. goctx is threaded through every call for cancellation.
// rlm_query is only bound when ctx still has delegation budget left — the
// REPL-facing namespace shouldn't even offer a tool RlmQuery's own depth
// guard would immediately refuse.
func BindAll(goctx context.Context, sb *sandbox.Sandbox, ctx *SearchContext, run DriverRunFunc) {
	sb.Bind("search", traceTool("search", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		query := argString(args, kwargs, 0, "query", "")
		filters := argMap(args, kwargs, 1, "filters")
		topK := argInt(args, kwargs, 2, "top_k", 10)
		result, err := Search(goctx, ctx, query, filters, topK)
		return toValue(result), err
	}))

	sb.Bind("browse", traceTool("browse", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		req := retrieval.BrowseRequest{
			Filters:    argMap(args, kwargs, 0, "filters"),
			Offset:     argInt(args, kwargs, 1, "offset", 0),
			Limit:      argInt(args, kwargs, 2, "limit", 20),
			SortBy:     argString(args, kwargs, 3, "sort_by", ""),
			GroupBy:    argString(args, kwargs, 4, "group_by", ""),
			GroupLimit: argInt(args, kwargs, 5, "group_limit", 4),
		}
		result, err := Browse(goctx, ctx, req)
		return toValue(result), err
	}))

	sb.Bind("search_multi", traceTool("search_multi", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		query := argString(args, kwargs, 0, "query", "")
		collections := argStringSlice(args, kwargs, 1, "collections")
		topKPerCollection := argInt(args, kwargs, 2, "top_k_per_collection", 0)
		finalTopK := argInt(args, kwargs, 3, "top_k", 0)
		result, err := SearchMulti(goctx, ctx, query, collections, topKPerCollection, finalTopK)
		return toValue(result), err
	}))

	sb.Bind("glossary_lookup", traceTool("glossary_lookup", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		term := argString(args, kwargs, 0, "term", "")
		result, err := GlossaryLookup(goctx, ctx, term)
		return toValue(result), err
	}))

	sb.Bind("kb_overview", traceTool("kb_overview", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		return toValue(KBOverview(ctx)), nil
	}))

	sb.Bind("evaluate_results", traceTool("evaluate_results", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		question := argString(args, kwargs, 0, "question", "")
		hits := argHits(args, kwargs, 1, "results")
		topN := argInt(args, kwargs, 2, "top_n", 5)
		ratings, suggestion, err := EvaluateResults(goctx, ctx, question, hits, topN)
		if err != nil {
			return nil, err
		}
		return map[string]sandbox.Value{
			"ratings":    ratingsToValue(ratings),
			"suggestion": suggestion,
		}, nil
	}))

	sb.Bind("reformulate", traceTool("reformulate", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		question := argString(args, kwargs, 0, "question", "")
		failedQuery := argString(args, kwargs, 1, "failed_query", "")
		topScore := argFloat(args, kwargs, 2, "top_score", 0)
		queries, err := Reformulate(goctx, ctx, question, failedQuery, topScore)
		if err != nil {
			return nil, err
		}
		out := make([]sandbox.Value, len(queries))
		for i, q := range queries {
			out[i] = q
		}
		return out, nil
	}))

	sb.Bind("critique_answer", traceTool("critique_answer", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		question := argString(args, kwargs, 0, "question", "")
		draft := argString(args, kwargs, 1, "draft", "")
		evidenceLines := argStringSlice(args, kwargs, 2, "evidence")
		verdict, passed, err := CritiqueAnswer(goctx, ctx, question, draft, evidenceLines)
		if err != nil {
			return nil, err
		}
		return map[string]sandbox.Value{"verdict": verdict, "passed": passed}, nil
	}))

	sb.Bind("batched_critique", traceTool("batched_critique", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		question := argString(args, kwargs, 0, "question", "")
		draft := argString(args, kwargs, 1, "draft", "")
		combined, passed, err := BatchedCritique(goctx, ctx, question, draft)
		if err != nil {
			return nil, err
		}
		return map[string]sandbox.Value{"verdict": combined, "passed": passed}, nil
	}))

	sb.Bind("check_progress", traceTool("check_progress", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		return toValue(CheckProgress(ctx)), nil
	}))

	sb.Bind("research", traceTool("research", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		question := argString(args, kwargs, 0, "query", "")
		filters := argMap(args, kwargs, 1, "filters")
		topK := argInt(args, kwargs, 2, "top_k", 10)
		extraQueries := argStringSlice(args, kwargs, 3, "extra_queries")
		spec := ResearchSpec{Query: question, Filters: filters, TopK: topK, ExtraQueries: extraQueries}
		result, err := Research(goctx, ctx, question, []ResearchSpec{spec}, ctx.MultiCollectionMode)
		if err != nil {
			return nil, err
		}
		out := toValue(result).(map[string]sandbox.Value)
		out["progress"] = toValue(CheckProgress(ctx))
		return out, nil
	}))

	sb.Bind("draft_answer", traceTool("draft_answer", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
		question := argString(args, kwargs, 0, "question", "")
		hits := argHits(args, kwargs, 1, "results")
		result, err := DraftAnswer(goctx, ctx, question, hits)
		return toValue(result), err
	}))

	if ctx.Depth < ctx.MaxDelegationDepth && run != nil {
		sb.Bind("rlm_query", traceTool("rlm_query", goctx, func(goctx context.Context, args []sandbox.Value, kwargs map[string]sandbox.Value) (sandbox.Value, error) {
			subQuestion := argString(args, kwargs, 0, "sub_question", "")
			extraContext := argString(args, kwargs, 1, "instructions", "")
			result, err := RlmQuery(goctx, ctx, run, subQuestion, extraContext)
			return toValue(result), err
		}))
	}
}

// arg resolves one parameter either by keyword or by its declared position,
// mirroring Python's positional-or-keyword parameter binding.
func arg(args []sandbox.Value, kwargs map[string]sandbox.Value, pos int, name string) (sandbox.Value, bool) {
	if v, ok := kwargs[name]; ok {
		return v, true
	}
	if pos < len(args) {
		return args[pos], true
	}
	return nil, false
}

func argString(args []sandbox.Value, kwargs map[string]sandbox.Value, pos int, name, def string) string {
	v, ok := arg(args, kwargs, pos, name)
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

func argInt(args []sandbox.Value, kwargs map[string]sandbox.Value, pos int, name string, def int) int {
	v, ok := arg(args, kwargs, pos, name)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case float64:
		return int(t)
	default:
		return def
	}
}

func argFloat(args []sandbox.Value, kwargs map[string]sandbox.Value, pos int, name string, def float64) float64 {
	v, ok := arg(args, kwargs, pos, name)
	if !ok {
		return def
	}
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	default:
		return def
	}
}

func argStringSlice(args []sandbox.Value, kwargs map[string]sandbox.Value, pos int, name string) []string {
	v, ok := arg(args, kwargs, pos, name)
	if !ok {
		return nil
	}
	list, ok := v.([]sandbox.Value)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argMap(args []sandbox.Value, kwargs map[string]sandbox.Value, pos int, name string) map[string]any {
	v, ok := arg(args, kwargs, pos, name)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]sandbox.Value)
	if !ok {
		return nil
	}
	return m
}

// argHits resolves a results parameter, which is always a []evidence.Hit
// passed through opaquely from a prior search/browse/research call — the
// constrained DSL never constructs a hit list from literals, it only ever
// forwards one a tool already produced.
func argHits(args []sandbox.Value, kwargs map[string]sandbox.Value, pos int, name string) []evidence.Hit {
	v, ok := arg(args, kwargs, pos, name)
	if !ok {
		return nil
	}
	if hits, ok := v.([]evidence.Hit); ok {
		return hits
	}
	// research()/browse() return their hit list nested under "results" in a
	// dict Value; unwrap that shape too so draft_answer(question, r.results)
	// and draft_answer(question, r) both work.
	if m, ok := v.(map[string]sandbox.Value); ok {
		if nested, ok := m["results"].([]evidence.Hit); ok {
			return nested
		}
	}
	return nil
}

// toValue wraps a tool's map[string]any return into a sandbox.Value.
// map[string]any and []any are definitionally map[string]sandbox.Value and
// []sandbox.Value (sandbox.Value is a type alias for any), so this is a
// plain passthrough — it exists to keep call sites declarative about the
// conversion point rather than to perform real work.
func toValue(v any) sandbox.Value {
	return v
}

func ratingsToValue(ratings []Rating) []sandbox.Value {
	out := make([]sandbox.Value, len(ratings))
	for i, r := range ratings {
		out[i] = map[string]sandbox.Value{
			"id":         r.ID,
			"rating":     string(r.Rating),
			"confidence": r.Confidence,
		}
	}
	return out
}
