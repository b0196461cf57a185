// Package evidence holds the per-session deduplicated hit registry, the
// search audit log, and per-hit relevance ratings. It is the single writer
// for all three; every mutation to the registry goes through Store's methods
// so the Sandbox's "live dict" view and the Quality Gate's confidence
// computation always observe the same state.
package evidence

import "sort"

// Hit is a single search result from the upstream retrieval API, canonical
// shape after normalization.
type Hit struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RatingValue is one of the four relevance tiers an LM assigns to a Hit.
type RatingValue string

const (
	RatingRelevant RatingValue = "RELEVANT"
	RatingPartial  RatingValue = "PARTIAL"
	RatingOffTopic RatingValue = "OFF-TOPIC"
	RatingUnknown  RatingValue = "UNKNOWN"
)

// ratingTier orders ratings for TopRated: lower sorts first.
var ratingTier = map[RatingValue]int{
	RatingRelevant: 0,
	RatingPartial:  1,
	RatingOffTopic: 2,
	RatingUnknown:  3,
}

// Rating records an LM's relevance judgment for one hit.
type Rating struct {
	Rating     RatingValue `json:"rating"`
	Confidence int         `json:"confidence"`
}

// SearchLogEntry records one search/browse/search_multi call for the audit
// trail consulted by check_progress.
type SearchLogEntry struct {
	Kind       string         `json:"kind"`
	Query      string         `json:"query"`
	Filters    map[string]any `json:"filters,omitempty"`
	NumResults int            `json:"num_results"`
}

// Store is the per-session Evidence Store: a deduplicated hit registry,
// search log, and rating table. Not safe for concurrent use from outside the
// owning session's single worker goroutine — see SPEC_FULL.md §5.
type Store struct {
	registry map[string]Hit
	ratings  map[string]Rating
	log      []SearchLogEntry
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		registry: make(map[string]Hit),
		ratings:  make(map[string]Rating),
	}
}

// RegisterHit deduplicates by hit.ID, keeping the higher-score copy. Returns
// the (string-coerced) id.
func (s *Store) RegisterHit(hit Hit) string {
	existing, ok := s.registry[hit.ID]
	if !ok || hit.Score > existing.Score {
		s.registry[hit.ID] = hit
	}
	return hit.ID
}

// Get returns the registered hit for id, if any.
func (s *Store) Get(id string) (Hit, bool) {
	h, ok := s.registry[id]
	return h, ok
}

// Count returns the number of unique registered hits.
func (s *Store) Count() int {
	return len(s.registry)
}

// LogSearch appends a SearchLogEntry.
func (s *Store) LogSearch(entry SearchLogEntry) {
	s.log = append(s.log, entry)
}

// SearchLog returns the full search log (ordered, append-only).
func (s *Store) SearchLog() []SearchLogEntry {
	return s.log
}

// SetRating records (or overwrites) the rating for a hit id.
func (s *Store) SetRating(id string, rating RatingValue, confidence int) {
	s.ratings[id] = Rating{Rating: rating, Confidence: confidence}
}

// GetRating returns the rating for a hit id, if any.
func (s *Store) GetRating(id string) (Rating, bool) {
	r, ok := s.ratings[id]
	return r, ok
}

// RatingCounts tallies ratings by value, for Quality Gate signals.
func (s *Store) RatingCounts() map[RatingValue]int {
	counts := make(map[RatingValue]int, 4)
	for _, r := range s.ratings {
		counts[r.Rating]++
	}
	return counts
}

// GetEvidence returns registry entries for the given ids, preserving order
// and skipping unknown ids.
func (s *Store) GetEvidence(ids []string) []Hit {
	out := make([]Hit, 0, len(ids))
	for _, id := range ids {
		if h, ok := s.registry[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// ratedHit pairs a Hit with its Rating, for TopRated's sort.
type ratedHit struct {
	Hit
	rating Rating
}

// TopRated returns up to n hits sorted by (rating tier ascending, confidence
// descending). Unrated hits never appear.
func (s *Store) TopRated(n int) []Hit {
	rated := make([]ratedHit, 0, len(s.ratings))
	for id, r := range s.ratings {
		hit, ok := s.registry[id]
		if !ok {
			continue
		}
		rated = append(rated, ratedHit{Hit: hit, rating: r})
	}
	sort.SliceStable(rated, func(i, j int) bool {
		ti, tj := ratingTier[rated[i].rating.Rating], ratingTier[rated[j].rating.Rating]
		if ti != tj {
			return ti < tj
		}
		return rated[i].rating.Confidence > rated[j].rating.Confidence
	})
	if n > len(rated) {
		n = len(rated)
	}
	out := make([]Hit, n)
	for i := 0; i < n; i++ {
		out[i] = rated[i].Hit
	}
	return out
}

// Merge imports a child Store's registry and ratings: higher score wins on
// registry conflicts; ratings only fill gaps (never overwrite a parent
// rating). Used by rlm_query to fold a delegated child's findings back in.
func (s *Store) Merge(child *Store) {
	for _, hit := range child.registry {
		s.RegisterHit(hit)
	}
	for id, r := range child.ratings {
		if _, exists := s.ratings[id]; !exists {
			s.ratings[id] = r
		}
	}
}

// Snapshot returns a defensive copy of the registry, safe to hand to callers
// outside the owning worker goroutine.
func (s *Store) Snapshot() map[string]Hit {
	out := make(map[string]Hit, len(s.registry))
	for k, v := range s.registry {
		out[k] = v
	}
	return out
}

// LiveDict returns a direct alias of the internal registry map. This is the
// load-bearing "live dict" contract from SPEC_FULL.md §4.B: the sandbox binds
// this exact map (not a copy) as `source_registry`, so writes from
// RegisterHit become visible to the LM on its next read without
// re-assignment. Callers outside the single-threaded worker MUST copy via
// Snapshot instead.
func (s *Store) LiveDict() map[string]Hit {
	return s.registry
}
