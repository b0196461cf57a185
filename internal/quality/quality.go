// Package quality computes the scalar confidence score and phase
// classification that drive the research loop's stop/continue decisions. It
// reads the Evidence Store but owns no evidence itself — only draft and
// critique bookkeeping.
package quality

import "github.com/nextlevelbuilder/rlmsearch/internal/evidence"

// Weights sum to 100; see SPEC_FULL.md §4.C.
const (
	weightRelevance = 35
	weightQuality   = 25
	weightBreadth   = 10
	weightDraft     = 15
	weightCritique  = 15

	// readyThreshold is the named constant SPEC_FULL.md §9 item 3 requires:
	// every phase/guidance comparison against "60" goes through this name.
	readyThreshold = 60

	// stallSearchCount is the search-count floor past which, with too few
	// relevant hits, the phase degrades to "stalled".
	stallSearchCount = 6
)

// Phase is the progress-advisor's classification of search state.
type Phase string

const (
	PhaseStalled  Phase = "stalled"
	PhaseFinalize Phase = "finalize"
	PhaseReady    Phase = "ready"
	PhaseContinue Phase = "continue"
)

// Critique records the outcome of the last critique_answer call.
type Critique struct {
	Passed  bool
	Verdict string
}

// Gate owns draft/critique bookkeeping and computes confidence and phase
// from the Evidence Store's current state. Confidence is a pure function of
// evidence + this bookkeeping — never cached, always recomputed.
type Gate struct {
	evidence *evidence.Store

	hasDraft    bool
	draftLength int
	lastCritiq  *Critique
}

// New returns a Gate reading from the given Evidence Store.
func New(store *evidence.Store) *Gate {
	return &Gate{evidence: store}
}

// RecordDraft marks that a draft of the given length has been produced.
func (g *Gate) RecordDraft(length int) {
	g.hasDraft = true
	g.draftLength = length
}

// HasDraft reports whether a draft has been recorded this session.
func (g *Gate) HasDraft() bool { return g.hasDraft }

// DraftLength returns the length of the last recorded draft.
func (g *Gate) DraftLength() int { return g.draftLength }

// RecordCritique records the verdict of the most recent critique_answer call.
func (g *Gate) RecordCritique(passed bool, verdict string) {
	g.lastCritiq = &Critique{Passed: passed, Verdict: verdict}
}

// LastCritique returns the most recently recorded critique outcome, if any.
func (g *Gate) LastCritique() *Critique { return g.lastCritiq }

// clampRatio returns min(1, a/b), or 0 if b is 0.
func clampRatio(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	r := a / b
	if r > 1 {
		return 1
	}
	return r
}

// Confidence computes the scalar 0-100 score from the five weighted factors
// in SPEC_FULL.md §4.C.
func (g *Gate) Confidence() int {
	counts := g.evidence.RatingCounts()
	relevant := counts[evidence.RatingRelevant]
	partial := counts[evidence.RatingPartial]
	ratedTotal := 0
	for _, n := range counts {
		ratedTotal += n
	}

	relevanceScore := 0
	if ratedTotal > 0 {
		relevanceScore = int(weightRelevance * clampRatio(float64(relevant)+0.3*float64(partial), float64(ratedTotal)))
	}

	topScore := 0.0
	for _, hit := range g.evidence.LiveDict() {
		if hit.Score > topScore {
			topScore = hit.Score
		}
	}
	qualityScore := int(weightQuality * clampRatio(topScore, 0.5))

	nSearches := len(g.evidence.SearchLog())
	breadthScore := nSearches * 3
	if breadthScore > weightBreadth {
		breadthScore = weightBreadth
	}

	draftScore := 0
	if g.hasDraft {
		draftScore = weightDraft
	}

	critiqueScore := 0
	if g.lastCritiq != nil {
		if g.lastCritiq.Passed {
			critiqueScore = weightCritique
		} else {
			critiqueScore = 5
		}
	}

	total := relevanceScore + qualityScore + breadthScore + draftScore + critiqueScore
	if total > 100 {
		total = 100
	}
	return total
}

// Phase classifies current progress per SPEC_FULL.md §4.C's decision table.
func (g *Gate) Phase() Phase {
	nSearches := len(g.evidence.SearchLog())
	relevant := g.evidence.RatingCounts()[evidence.RatingRelevant]

	if nSearches >= stallSearchCount && relevant < 2 {
		return PhaseStalled
	}

	conf := g.Confidence()
	if conf >= readyThreshold {
		if g.hasDraft && g.lastCritiq != nil && g.lastCritiq.Passed {
			return PhaseFinalize
		}
		return PhaseReady
	}

	return PhaseContinue
}

// Guidance returns copy-paste-ready next-step advice for the current phase.
func (g *Gate) Guidance() string {
	switch g.Phase() {
	case PhaseStalled:
		return "Evidence insufficient after multiple searches. Try reformulate() or broaden filters."
	case PhaseReady:
		return "Evidence sufficient. Call draft_answer() to synthesize."
	case PhaseFinalize:
		return "Draft passed critique. Call FINAL_VAR(answer) to deliver."
	default:
		relevant := g.evidence.RatingCounts()[evidence.RatingRelevant]
		if relevant == 0 {
			return "No relevant results yet. Try different query angles or broader filters."
		}
		return "Relevant sources found. Continue searching for more evidence or draft if confident."
	}
}
