package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
)

func truncatedHits(hits []evidence.Hit, maxHits int) []map[string]any {
	if len(hits) > maxHits {
		hits = hits[:maxHits]
	}
	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		entry := map[string]any{
			"id":       h.ID,
			"score":    h.Score,
			"question": truncateString(h.Question, 100),
			"answer":   truncateString(h.Answer, 200),
		}
		if topic, ok := h.Metadata["primary_topic"]; ok {
			entry["topic"] = topic
		}
		out = append(out, entry)
	}
	return out
}

func truncateString(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func registerHits(ctx *SearchContext, hits []retrieval.Hit) []evidence.Hit {
	out := make([]evidence.Hit, 0, len(hits))
	for _, h := range hits {
		hit := evidence.Hit{ID: h.ID, Score: h.Score, Question: h.Question, Answer: h.Answer, Metadata: h.Metadata}
		ctx.Evidence.RegisterHit(hit)
		out = append(out, hit)
	}
	return out
}

// Search wraps a single-collection query: truncates the query, normalizes
// and registers hits, and appends a search-log entry.
func Search(goctx context.Context, ctx *SearchContext, query string, filters map[string]any, topK int) (map[string]any, error) {
	if err := ctx.checkCancelled(); err != nil {
		return nil, err
	}
	if len(query) > retrieval.MaxQueryLen {
		query = query[:retrieval.MaxQueryLen]
	}
	if topK <= 0 {
		topK = 10
	}
	_, finish := ctx.trackCall("search", map[string]any{"query": query, "top_k": topK})

	result, err := ctx.Retrieval.Search(goctx, query, filters, topK)
	if err != nil {
		finish(nil, err)
		return nil, fmt.Errorf("search: %w", err)
	}
	hits := registerHits(ctx, result.Results)
	ctx.Evidence.LogSearch(evidence.SearchLogEntry{Kind: "search", Query: query, Filters: filters, NumResults: len(hits)})

	finish(map[string]any{
		"num_results": len(hits),
		"total":       result.Total,
		"query":       query,
		"hits":        truncatedHits(hits, 10),
	}, nil)
	return map[string]any{"results": hits, "total": result.Total}, nil
}

// Browse pages through the knowledge base by filter with no query term.
func Browse(goctx context.Context, ctx *SearchContext, req retrieval.BrowseRequest) (map[string]any, error) {
	if err := ctx.checkCancelled(); err != nil {
		return nil, err
	}
	if req.Limit <= 0 {
		req.Limit = 20
	}
	_, finish := ctx.trackCall("browse", map[string]any{"filters": req.Filters, "offset": req.Offset, "limit": req.Limit})

	result, err := ctx.Retrieval.Browse(goctx, req)
	if err != nil {
		finish(nil, err)
		return nil, fmt.Errorf("browse: %w", err)
	}
	hits := registerHits(ctx, result.Results)

	groups := make([]map[string]any, 0, len(result.GroupedResults))
	for _, g := range result.GroupedResults {
		groups = append(groups, map[string]any{
			"label": g.Label,
			"hits":  registerHits(ctx, g.Hits),
		})
	}

	logEntry := evidence.SearchLogEntry{Kind: "browse", Filters: req.Filters, NumResults: len(hits)}
	ctx.Evidence.LogSearch(logEntry)

	finish(map[string]any{
		"num_results": len(hits),
		"total":       result.Total,
		"hits":        truncatedHits(hits, 10),
	}, nil)
	return map[string]any{
		"results":         hits,
		"total":           result.Total,
		"has_more":        result.HasMore,
		"facets":          result.Facets,
		"grouped_results": groups,
	}, nil
}

// SearchMulti fans a query across collections with server-side rerank.
// Strictly better than Search for cross-collection queries, and used in
// place of Search inside research() when the session runs in multi mode.
func SearchMulti(goctx context.Context, ctx *SearchContext, query string, collections []string, topKPerCollection, finalTopK int) (map[string]any, error) {
	if err := ctx.checkCancelled(); err != nil {
		return nil, err
	}
	if len(query) > retrieval.MaxQueryLen {
		query = query[:retrieval.MaxQueryLen]
	}
	if collections == nil {
		collections = []string{"primary", "secondary"}
	}
	if finalTopK <= 0 {
		finalTopK = 10
	}
	if topKPerCollection <= 0 {
		topKPerCollection = 50
	}
	_, finish := ctx.trackCall("search_multi", map[string]any{"query": query, "collections": collections, "final_top_k": finalTopK})

	result, err := ctx.Retrieval.SearchMulti(goctx, query, collections, topKPerCollection, finalTopK, nil)
	if err != nil {
		finish(nil, err)
		return nil, fmt.Errorf("search_multi: %w", err)
	}
	hits := registerHits(ctx, result.Results)
	ctx.Evidence.LogSearch(evidence.SearchLogEntry{Kind: "search_multi", Query: query, NumResults: len(hits)})

	finish(map[string]any{
		"num_results": len(hits),
		"total":       result.Total,
		"query":       query,
		"collections": collections,
		"hits":        truncatedHits(hits, 10),
	}, nil)
	return map[string]any{"results": hits, "total": result.Total, "collections_searched": collections}, nil
}

// GlossaryLookup resolves domain terminology for use in a drafted answer.
// Generalized from the upstream's narrower jurisprudence-lookup endpoint —
// same tool shape, neutral naming and purpose.
func GlossaryLookup(goctx context.Context, ctx *SearchContext, term string) (map[string]any, error) {
	_, finish := ctx.trackCall("glossary_lookup", map[string]any{"term": term})
	entry, err := ctx.Retrieval.GlossaryLookup(goctx, term)
	if err != nil {
		finish(nil, err)
		return nil, fmt.Errorf("glossary_lookup: %w", err)
	}
	finish(map[string]any{"term": entry.Term}, nil)
	return map[string]any{"term": entry.Term, "definition": entry.Definition}, nil
}

// KBOverview surfaces the already-built knowledge-base taxonomy bound to
// this session's SearchContext; building the taxonomy itself is out of
// scope, but exposing it as a sandbox-callable tool is not.
func KBOverview(ctx *SearchContext) map[string]any {
	_, finish := ctx.trackCall("kb_overview", nil)
	finish(map[string]any{"categories": len(ctx.KBOverview)}, nil)
	if ctx.KBOverview == nil {
		return map[string]any{}
	}
	return ctx.KBOverview
}
