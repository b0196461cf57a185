package tools

import (
	"fmt"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
)

// CheckProgress is a pure read over the Evidence Store, Quality Gate, and
// tool call tree. It never performs upstream work; the only state it adds
// is its own check_progress entry in the tool call tree and the
// tool_start/progress/tool_end bus events. The result carries a one-line
// "summary" string next to the structured fields; neither this function nor
// its sandbox binding writes that summary to the sandbox's stdout.
func CheckProgress(ctx *SearchContext) map[string]any {
	_, finish := ctx.trackCall("check_progress", nil)

	counts := ctx.Evidence.RatingCounts()
	relevant := counts[evidence.RatingRelevant]
	partial := counts[evidence.RatingPartial]

	topScore := 0.0
	for _, hit := range ctx.Evidence.LiveDict() {
		if hit.Score > topScore {
			topScore = hit.Score
		}
	}

	searchLog := ctx.Evidence.SearchLog()
	queries := make(map[string]bool)
	categories := make(map[string]bool)
	for _, entry := range searchLog {
		queries[entry.Query] = true
		if cat, ok := entry.Filters["category"]; ok {
			if s, ok := cat.(string); ok {
				categories[s] = true
			}
		}
	}

	result := map[string]any{
		"phase":               string(ctx.Quality.Phase()),
		"confidence":          ctx.Quality.Confidence(),
		"relevant":            relevant,
		"partial":             partial,
		"top_score":           topScore,
		"searches_run":        len(searchLog),
		"unique_sources":      ctx.Evidence.Count(),
		"query_diversity":     len(queries),
		"categories_explored": len(categories),
		"guidance":            ctx.Quality.Guidance(),
	}

	result["summary"] = fmt.Sprintf(
		"[%s] confidence=%d relevant=%d partial=%d searches=%d sources=%d",
		result["phase"], result["confidence"], relevant, partial, len(searchLog), ctx.Evidence.Count(),
	)

	if ctx.Bus != nil {
		ctx.Bus.Emit(bus.KindProgress, result)
	}
	finish(map[string]any{"phase": result["phase"]}, nil)
	return result
}
