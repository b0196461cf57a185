package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
)

// maxEvalCandidates caps how many new hits one research() call sends to
// evaluate_results — distinct from evaluate_results' own top_n argument,
// never set from config.
const maxEvalCandidates = 15

const maxDraftLen = 6000

// Rating is one per-hit LM relevance judgment, before it is folded into the
// Evidence Store.
type Rating struct {
	ID         string
	Rating     evidence.RatingValue
	Confidence int
}

// EvaluateResults rates up to topN hits for relevance. It first attempts a
// single batch prompt (one rating line per hit); if fewer than half the
// expected ids parse out of that response, it falls back to one prompt per
// candidate via the batched LM call.
func EvaluateResults(goctx context.Context, ctx *SearchContext, question string, hits []evidence.Hit, topN int) (ratings []Rating, suggestion string, err error) {
	if topN <= 0 {
		topN = 5
	}
	if len(hits) == 0 {
		return nil, "No results to evaluate. Try a different query or remove filters.", nil
	}
	if len(hits) > topN {
		hits = hits[:topN]
	}
	_, finish := ctx.trackCall("evaluate_results", map[string]any{"question": truncateString(question, 100), "top_n": topN})

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	batchPrompt := buildBatchEvalPrompt(question, hits)
	batchResp, batchErr := ctx.LLM.Completion(goctx, batchPrompt)
	if batchErr == nil {
		parsed := parseBatchRatings(batchResp, ids)
		if len(parsed) >= (len(ids)+1)/2 {
			ratings = fillMissingRatings(parsed, ids)
			suggestion = evalSuggestion(ratings)
			for _, r := range ratings {
				ctx.Evidence.SetRating(r.ID, r.Rating, r.Confidence)
			}
			finish(evalSummary(ratings, suggestion), nil)
			return ratings, suggestion, nil
		}
	}

	// Fall back to one prompt per candidate.
	prompts := make([]string, len(hits))
	for i, h := range hits {
		prompts[i] = buildPerResultEvalPrompt(question, h)
	}
	responses, err := ctx.LLM.CompletionBatched(goctx, prompts)
	if err != nil {
		finish(nil, err)
		return nil, "", fmt.Errorf("evaluate_results: %w", err)
	}
	ratings = make([]Rating, len(ids))
	for i, resp := range responses {
		ratings[i] = parseOneRating(ids[i], resp)
		ctx.Evidence.SetRating(ratings[i].ID, ratings[i].Rating, ratings[i].Confidence)
	}
	suggestion = evalSuggestion(ratings)
	finish(evalSummary(ratings, suggestion), nil)
	return ratings, suggestion, nil
}

func buildBatchEvalPrompt(question string, hits []evidence.Hit) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate these search results for the question:\n%q\n\n", question)
	for _, h := range hits {
		fmt.Fprintf(&b, "Result [%s] score=%.2f\nQ: %s\nA: %s\n\n", h.ID, h.Score, truncateString(h.Question, 300), truncateString(h.Answer, 1000))
	}
	b.WriteString("For each result, respond with one line of the form:\n[id] RELEVANT|PARTIAL|OFF-TOPIC CONFIDENCE:<1-5>\n")
	return b.String()
}

func buildPerResultEvalPrompt(question string, h evidence.Hit) string {
	return fmt.Sprintf(
		"Evaluate this search result for the question:\n%q\n\nResult [%s] score=%.2f\nQ: %s\nA: %s\n\n"+
			"Respond with exactly one line: RELEVANT|PARTIAL|OFF-TOPIC followed by CONFIDENCE:<1-5>\n"+
			"RELEVANT = directly answers the question\nPARTIAL = related but incomplete\nOFF-TOPIC = not about this question",
		question, h.ID, h.Score, truncateString(h.Question, 300), truncateString(h.Answer, 1000),
	)
}

func parseBatchRatings(resp string, ids []string) map[string]Rating {
	out := make(map[string]Rating)
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "[") {
			continue
		}
		end := strings.Index(line, "]")
		if end < 0 {
			continue
		}
		id := line[1:end]
		rest := line[end+1:]
		r := parseRatingLine(rest)
		out[id] = Rating{ID: id, Rating: r.Rating, Confidence: r.Confidence}
	}
	return out
}

func fillMissingRatings(parsed map[string]Rating, ids []string) []Rating {
	out := make([]Rating, len(ids))
	for i, id := range ids {
		if r, ok := parsed[id]; ok {
			out[i] = r
			continue
		}
		out[i] = Rating{ID: id, Rating: evidence.RatingUnknown, Confidence: 0}
	}
	return out
}

func parseOneRating(id, resp string) Rating {
	if strings.HasPrefix(strings.TrimSpace(resp), "Error:") {
		return Rating{ID: id, Rating: evidence.RatingUnknown, Confidence: 0}
	}
	r := parseRatingLine(resp)
	r.ID = id
	return r
}

func parseRatingLine(text string) Rating {
	upper := strings.ToUpper(text)
	var rating evidence.RatingValue
	switch {
	case strings.Contains(upper, "OFF-TOPIC") || strings.Contains(upper, "OFF_TOPIC"):
		rating = evidence.RatingOffTopic
	case strings.Contains(upper, "PARTIAL"):
		rating = evidence.RatingPartial
	case strings.Contains(upper, "RELEVANT"):
		rating = evidence.RatingRelevant
	default:
		rating = evidence.RatingUnknown
	}
	confidence := 3
	if idx := strings.Index(upper, "CONFIDENCE:"); idx >= 0 {
		rest := strings.TrimSpace(upper[idx+len("CONFIDENCE:"):])
		if len(rest) > 0 {
			if n, err := strconv.Atoi(rest[:1]); err == nil {
				confidence = n
			}
		}
	}
	if confidence < 1 {
		confidence = 1
	}
	if confidence > 5 {
		confidence = 5
	}
	return Rating{Rating: rating, Confidence: confidence}
}

func evalSuggestion(ratings []Rating) string {
	relevant, partial := 0, 0
	for _, r := range ratings {
		switch r.Rating {
		case evidence.RatingRelevant:
			relevant++
		case evidence.RatingPartial:
			partial++
		}
	}
	switch {
	case relevant >= 3:
		return "Proceed to synthesis"
	case relevant >= 1 || partial >= 2:
		return "Consider examining partial matches or refining"
	default:
		return "Refine the query"
	}
}

func evalSummary(ratings []Rating, suggestion string) map[string]any {
	relevant, partial, offTopic := 0, 0, 0
	for _, r := range ratings {
		switch r.Rating {
		case evidence.RatingRelevant:
			relevant++
		case evidence.RatingPartial:
			partial++
		case evidence.RatingOffTopic:
			offTopic++
		}
	}
	return map[string]any{
		"num_rated":  len(ratings),
		"relevant":   relevant,
		"partial":    partial,
		"off_topic":  offTopic,
		"suggestion": suggestion,
	}
}

// Reformulate generates up to 3 alternative queries when a search performed
// poorly.
func Reformulate(goctx context.Context, ctx *SearchContext, question, failedQuery string, topScore float64) ([]string, error) {
	_, finish := ctx.trackCall("reformulate", map[string]any{"failed_query": truncateString(failedQuery, 100), "top_score": topScore})
	prompt := fmt.Sprintf(
		"The search query %q returned poor results (best score: %.2f) for the question:\n%q\n\n"+
			"Generate exactly 3 alternative search queries that might find better results.\n"+
			"One query per line, no numbering, no quotes, no explanation.",
		failedQuery, topScore, question,
	)
	resp, err := ctx.LLM.Completion(goctx, prompt)
	if err != nil {
		finish(nil, err)
		return nil, fmt.Errorf("reformulate: %w", err)
	}
	var queries []string
	for _, line := range strings.Split(resp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		queries = append(queries, line)
		if len(queries) == 3 {
			break
		}
	}
	finish(map[string]any{"num_queries": len(queries)}, nil)
	return queries, nil
}

func isPassVerdict(verdict string) bool {
	trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(verdict), "*"))
	return strings.HasPrefix(strings.ToUpper(trimmed), "PASS")
}

// CritiqueAnswer reviews a draft against the passed evidence strings (or,
// if nil, the live Evidence Store) and returns the verdict text plus a
// parsed pass/fail. The caller (draft_answer) is responsible for recording
// the outcome on the Quality Gate.
func CritiqueAnswer(goctx context.Context, ctx *SearchContext, question, draft string, evidenceLines []string) (verdict string, passed bool, err error) {
	_, finish := ctx.trackCall("critique_answer", map[string]any{"question": truncateString(question, 100)})
	if len(draft) > maxDraftLen {
		draft = draft[:maxDraftLen]
	}
	if len(evidenceLines) == 0 && ctx.Evidence != nil {
		live := make([]evidence.Hit, 0, ctx.Evidence.Count())
		for _, h := range ctx.Evidence.LiveDict() {
			live = append(live, h)
		}
		sort.SliceStable(live, func(i, j int) bool { return live[i].Score > live[j].Score })
		evidenceLines = formatEvidenceLines(live)
	}
	var evidenceBlock string
	if len(evidenceLines) > 0 {
		evidenceBlock = "\n\nEvidence available:\n" + strings.Join(evidenceLines, "\n")
	}
	prompt := fmt.Sprintf(
		"Review this draft answer to the question:\n%q\n\nDraft:\n%s%s\n\n"+
			"Check:\n1. Does it answer the actual question asked?\n"+
			"2. Are [Source: <id>] citations present for factual claims?\n"+
			"3. Are there unsupported claims?\n4. Is anything important missing?\n\n"+
			"Respond: PASS or FAIL, then brief feedback (under 150 words).",
		question, draft, evidenceBlock,
	)
	verdict, err = ctx.LLM.Completion(goctx, prompt)
	if err != nil {
		finish(nil, err)
		return "", false, fmt.Errorf("critique_answer: %w", err)
	}
	passed = isPassVerdict(verdict)
	finish(map[string]any{"passed": passed}, nil)
	return verdict, passed, nil
}

// BatchedCritique is a dual-reviewer critique (content + citations) using
// the batched LM call, bound in the sandbox as its own batched_critique
// tool. draft_answer does not call it; it always uses CritiqueAnswer.
func BatchedCritique(goctx context.Context, ctx *SearchContext, question, draft string) (combined string, passed bool, err error) {
	_, finish := ctx.trackCall("batched_critique", map[string]any{"question": truncateString(question, 100)})
	if len(draft) > maxDraftLen {
		draft = draft[:maxDraftLen]
	}
	contentPrompt := fmt.Sprintf("You are a content reviewer. Review this draft answer to the question:\n%q\n\nDraft:\n%s\n\nRespond: PASS or FAIL, then brief feedback.", question, draft)
	citationPrompt := fmt.Sprintf("You are a citation auditor. Review this draft answer to the question:\n%q\n\nDraft:\n%s\n\nRespond: PASS or FAIL, then brief feedback.", question, draft)
	responses, err := ctx.LLM.CompletionBatched(goctx, []string{contentPrompt, citationPrompt})
	if err != nil {
		finish(nil, err)
		return "", false, fmt.Errorf("batched_critique: %w", err)
	}
	contentVerdict, citationVerdict := responses[0], responses[1]
	contentPassed, citationPassed := isPassVerdict(contentVerdict), isPassVerdict(citationVerdict)
	passed = contentPassed && citationPassed
	combined = "CONTENT: " + contentVerdict + "\n\nCITATIONS: " + citationVerdict
	finish(map[string]any{"content_passed": contentPassed, "citation_passed": citationPassed}, nil)
	return combined, passed, nil
}

// InitClassify runs the one-shot bootstrap classification, outside the
// iteration budget. Neither BindAll nor the gateway calls it; a search's
// Classification stays nil unless a caller runs it.
func InitClassify(goctx context.Context, ctx *SearchContext, question string) {
	if ctx.KBOverview == nil {
		ctx.Classification = nil
		return
	}
	_, finish := ctx.trackCall("init_classify", map[string]any{"question": truncateString(question, 100)})

	prompt := buildClassifyPrompt(question, ctx.KBOverview)
	raw, err := ctx.LLM.Completion(goctx, prompt)
	if err != nil {
		ctx.Classification = nil
		finish(map[string]any{"error": err.Error()}, nil)
		return
	}
	parsed := parseClassification(raw)
	validateClusters(parsed, ctx.KBOverview)
	ctx.Classification = parsed
	finish(map[string]any{"category": parsed.Category}, nil)
}

func buildClassifyPrompt(question string, overview map[string]any) string {
	var b strings.Builder
	b.WriteString("Classify this question into one of the categories below and suggest search filters.\n\n")
	fmt.Fprintf(&b, "Question: %q\n\n", question)
	b.WriteString("Categories and their clusters:\n")
	if categories, ok := overview["categories"].(map[string]any); ok {
		for code, raw := range categories {
			cat, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			name, _ := cat["name"].(string)
			fmt.Fprintf(&b, "%s — %s\n", code, name)
		}
	}
	b.WriteString("\nRespond with exactly (no other text):\n")
	b.WriteString("CATEGORY: <code>\nCONFIDENCE: HIGH|MEDIUM|LOW\nCLUSTERS: <comma-separated clusters>\n")
	b.WriteString(`FILTERS: <json dict, e.g. {"parent_code": "X"}>` + "\nSTRATEGY: <one sentence search plan>")
	return b.String()
}

func parseClassification(raw string) *Classification {
	c := &Classification{Raw: raw}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "CATEGORY:"):
			c.Category = strings.TrimSpace(line[len("CATEGORY:"):])
		case strings.HasPrefix(upper, "CONFIDENCE:"):
			c.Confidence = strings.ToUpper(strings.TrimSpace(line[len("CONFIDENCE:"):]))
		case strings.HasPrefix(upper, "CLUSTERS:"):
			c.Clusters = strings.TrimSpace(line[len("CLUSTERS:"):])
		case strings.HasPrefix(upper, "FILTERS:"):
			var filters map[string]any
			if json.Unmarshal([]byte(strings.TrimSpace(line[len("FILTERS:"):])), &filters) == nil {
				c.Filters = filters
			}
		case strings.HasPrefix(upper, "STRATEGY:"):
			c.Strategy = strings.TrimSpace(line[len("STRATEGY:"):])
		}
	}
	return c
}

// validateClusters drops hallucinated cluster names that don't appear in the
// real KB overview, rather than trusting whatever the model lists.
func validateClusters(c *Classification, overview map[string]any) {
	if c.Clusters == "" {
		return
	}
	known := map[string]bool{}
	if categories, ok := overview["categories"].(map[string]any); ok {
		for _, raw := range categories {
			cat, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if clusters, ok := cat["clusters"].([]any); ok {
				for _, cl := range clusters {
					if name, ok := cl.(string); ok {
						known[name] = true
					}
				}
			}
		}
	}
	if len(known) == 0 {
		return
	}
	var kept []string
	for _, cl := range strings.Split(c.Clusters, ",") {
		cl = strings.TrimSpace(cl)
		if known[cl] {
			kept = append(kept, cl)
		}
	}
	c.Clusters = strings.Join(kept, ", ")
}
