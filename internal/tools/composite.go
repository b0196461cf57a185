package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
)

// ResearchSpec is one query to run within a research() call.
type ResearchSpec struct {
	Query        string
	Filters      map[string]any
	TopK         int
	ExtraQueries []string
}

// Research runs one or more query specs, merges and deduplicates the hits,
// evaluates only the unrated-or-previously-off-topic ones (capped at
// maxEvalCandidates), and returns the filtered, evaluated result set plus a
// human-readable summary. Individual search failures are captured rather
// than aborting the whole call; if every search fails, it returns an empty
// result set without raising.
func Research(goctx context.Context, ctx *SearchContext, question string, specs []ResearchSpec, multi bool) (map[string]any, error) {
	merged := make(map[string]evidence.Hit)
	var queriesRun []string
	var errs []string

	runOne := func(query string, filters map[string]any, topK int) {
		queriesRun = append(queriesRun, query)
		var (
			result  map[string]any
			callErr error
		)
		if multi {
			result, callErr = SearchMulti(goctx, ctx, query, nil, 0, topK)
		} else {
			result, callErr = Search(goctx, ctx, query, filters, topK)
		}
		if callErr != nil {
			errs = append(errs, fmt.Sprintf("%q: %v", query, callErr))
			return
		}
		hits, _ := result["results"].([]evidence.Hit)
		for _, h := range hits {
			if existing, ok := merged[h.ID]; !ok || h.Score > existing.Score {
				merged[h.ID] = h
			}
		}
	}

	for _, spec := range specs {
		topK := spec.TopK
		if topK <= 0 {
			topK = 10
		}
		runOne(spec.Query, spec.Filters, topK)
		for _, extra := range spec.ExtraQueries {
			runOne(extra, spec.Filters, topK)
		}
	}

	allHits := make([]evidence.Hit, 0, len(merged))
	for _, h := range merged {
		allHits = append(allHits, h)
	}
	sort.SliceStable(allHits, func(i, j int) bool { return allHits[i].Score > allHits[j].Score })

	var newHits, priorHits []evidence.Hit
	for _, h := range allHits {
		rating, rated := ctx.Evidence.GetRating(h.ID)
		if !rated || rating.Rating == evidence.RatingOffTopic {
			newHits = append(newHits, h)
		} else {
			priorHits = append(priorHits, h)
		}
	}

	evalCount := len(newHits)
	if evalCount > maxEvalCandidates {
		evalCount = maxEvalCandidates
	}
	var newRatings []Rating
	if evalCount > 0 {
		var evalErr error
		newRatings, _, evalErr = EvaluateResults(goctx, ctx, question, newHits[:evalCount], evalCount)
		if evalErr != nil {
			errs = append(errs, fmt.Sprintf("evaluate_results: %v", evalErr))
		}
		// EvaluateResults already wrote each rating through
		// ctx.Evidence.SetRating; no second cache to maintain here.
	}

	relevant, partial, offTopic := 0, 0, 0
	ratingByID := make(map[string]evidence.RatingValue, len(newRatings))
	for _, r := range newRatings {
		ratingByID[r.ID] = r.Rating
	}
	filtered := make([]evidence.Hit, 0, len(allHits))
	for _, h := range newHits[:evalCount] {
		r := ratingByID[h.ID]
		switch r {
		case evidence.RatingOffTopic:
			offTopic++
			continue
		case evidence.RatingPartial:
			partial++
		case evidence.RatingRelevant:
			relevant++
		}
		filtered = append(filtered, h)
	}
	filtered = append(filtered, newHits[evalCount:]...)
	for _, h := range priorHits {
		if r, ok := ctx.Evidence.GetRating(h.ID); ok {
			switch r.Rating {
			case evidence.RatingRelevant:
				relevant++
			case evidence.RatingPartial:
				partial++
			}
		}
		filtered = append(filtered, h)
	}

	var summary string
	switch {
	case len(priorHits) > 0 && len(newHits) > 0:
		summary = fmt.Sprintf("%d relevant, %d partial, %d off-topic (%d new, %d prior)", relevant, partial, offTopic, len(newHits), len(priorHits))
	default:
		summary = fmt.Sprintf("%d relevant, %d partial, %d off-topic", relevant, partial, offTopic)
	}

	return map[string]any{
		"results":      filtered,
		"queries_run":  queriesRun,
		"eval_summary": summary,
		"errors":       errs,
	}, nil
}

// DraftAnswer formats up to 20 evidence hits, synthesizes an answer, runs a
// single critique pass, and if that fails, performs exactly one revision
// followed by one re-critique. It records the draft length and critique
// outcome on the Quality Gate.
func DraftAnswer(goctx context.Context, ctx *SearchContext, question string, hits []evidence.Hit) (map[string]any, error) {
	idx, finish := ctx.trackCall("draft_answer", map[string]any{"question": truncateString(question, 100), "num_hits": len(hits)})
	restore := ctx.childScope(idx)
	defer restore()

	lines := formatEvidenceLines(hits)
	synthesisPrompt := buildSynthesisPrompt(question, lines)
	answer, err := ctx.LLM.Completion(goctx, synthesisPrompt)
	if err != nil {
		finish(nil, err)
		return nil, fmt.Errorf("draft_answer: %w", err)
	}
	ctx.Quality.RecordDraft(len(answer))

	verdict, passed, err := CritiqueAnswer(goctx, ctx, question, answer, lines)
	if err != nil {
		finish(nil, err)
		return nil, fmt.Errorf("draft_answer: %w", err)
	}
	ctx.Quality.RecordCritique(passed, verdict)

	revised := false
	if !passed {
		revisionPrompt := buildRevisionPrompt(question, answer, verdict, lines)
		revisedAnswer, revErr := ctx.LLM.Completion(goctx, revisionPrompt)
		if revErr == nil {
			answer = revisedAnswer
			revised = true
			ctx.Quality.RecordDraft(len(answer))
			verdict, passed, err = CritiqueAnswer(goctx, ctx, question, answer, lines)
			if err == nil {
				ctx.Quality.RecordCritique(passed, verdict)
			}
		}
	}

	result := map[string]any{
		"answer":   answer,
		"critique": verdict,
		"passed":   passed,
		"revised":  revised,
	}
	finish(map[string]any{"passed": passed, "revised": revised, "answer_length": len(answer)}, nil)
	return result, nil
}

func formatEvidenceLines(hits []evidence.Hit) []string {
	if len(hits) > 20 {
		hits = hits[:20]
	}
	lines := make([]string, 0, len(hits))
	for _, h := range hits {
		lines = append(lines, fmt.Sprintf("[Source: %s] Q: %s A: %s", h.ID, truncateString(h.Question, 200), truncateString(h.Answer, 1500)))
	}
	return lines
}

func buildSynthesisPrompt(question string, evidenceLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer this question using only the evidence below. Cite every factual claim with [Source: <id>].\n\n")
	fmt.Fprintf(&b, "Question: %q\n\n", question)
	b.WriteString("Evidence:\n")
	b.WriteString(strings.Join(evidenceLines, "\n\n"))
	b.WriteString("\n\nState your confidence (High/Medium/Low) and scale the answer's length to the question's complexity: " +
		"a factual lookup deserves a short answer, a multi-part question deserves a fuller one.")
	return b.String()
}

func buildRevisionPrompt(question, draft, verdict string, evidenceLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Revise this draft answer to address the reviewer's feedback.\n\nQuestion: %q\n\n", question)
	fmt.Fprintf(&b, "Draft:\n%s\n\nReviewer feedback:\n%s\n\n", draft, verdict)
	b.WriteString("Evidence:\n")
	b.WriteString(strings.Join(evidenceLines, "\n\n"))
	b.WriteString("\n\nProduce the corrected answer, keeping [Source: <id>] citations.")
	return b.String()
}
