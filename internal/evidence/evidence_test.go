package evidence

import "testing"

// TestRegisterHitDedupKeepsHigherScore verifies that registering the same id
// twice keeps the higher-scoring copy regardless of call order.
func TestRegisterHitDedupKeepsHigherScore(t *testing.T) {
	s := New()
	s.RegisterHit(Hit{ID: "1", Score: 0.4, Answer: "low"})
	s.RegisterHit(Hit{ID: "1", Score: 0.9, Answer: "high"})
	s.RegisterHit(Hit{ID: "1", Score: 0.1, Answer: "lower"})

	got, ok := s.Get("1")
	if !ok {
		t.Fatal("expected hit 1 to be registered")
	}
	if got.Score != 0.9 || got.Answer != "high" {
		t.Fatalf("expected the 0.9-score hit to win, got %+v", got)
	}
	if s.Count() != 1 {
		t.Fatalf("expected 1 unique hit, got %d", s.Count())
	}
}

// TestTopRatedOrdering verifies sort by (rating tier asc, confidence desc)
// and the min(n, rated_count) cap.
func TestTopRatedOrdering(t *testing.T) {
	s := New()
	s.RegisterHit(Hit{ID: "a", Score: 0.5})
	s.RegisterHit(Hit{ID: "b", Score: 0.5})
	s.RegisterHit(Hit{ID: "c", Score: 0.5})
	s.RegisterHit(Hit{ID: "unrated", Score: 0.9})

	s.SetRating("a", RatingPartial, 3)
	s.SetRating("b", RatingRelevant, 5)
	s.SetRating("c", RatingRelevant, 2)

	top := s.TopRated(10)
	if len(top) != 3 {
		t.Fatalf("expected 3 rated hits (unrated excluded), got %d", len(top))
	}
	if top[0].ID != "b" || top[1].ID != "c" || top[2].ID != "a" {
		t.Fatalf("unexpected order: %+v", top)
	}

	capped := s.TopRated(2)
	if len(capped) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(capped))
	}
}

// TestMergeHigherScoreWinsRatingsFillGapsOnly verifies Merge's two rules:
// registry conflicts resolve by score, ratings only fill parent gaps.
func TestMergeHigherScoreWinsRatingsFillGapsOnly(t *testing.T) {
	parent := New()
	parent.RegisterHit(Hit{ID: "shared", Score: 0.3})
	parent.SetRating("shared", RatingPartial, 2)

	child := New()
	child.RegisterHit(Hit{ID: "shared", Score: 0.8})
	child.SetRating("shared", RatingRelevant, 5) // must NOT overwrite parent's
	child.RegisterHit(Hit{ID: "new-1", Score: 0.6})
	child.SetRating("new-1", RatingRelevant, 4)

	parent.Merge(child)

	got, _ := parent.Get("shared")
	if got.Score != 0.8 {
		t.Fatalf("expected merge to keep higher score 0.8, got %v", got.Score)
	}
	rating, _ := parent.GetRating("shared")
	if rating.Rating != RatingPartial {
		t.Fatalf("expected parent rating to survive merge, got %v", rating.Rating)
	}
	if _, ok := parent.GetRating("new-1"); !ok {
		t.Fatal("expected new-1's rating to be imported")
	}
	if parent.Count() != 2 {
		t.Fatalf("expected 2 unique hits after merge, got %d", parent.Count())
	}
}

// TestLiveDictIsAlias verifies that LiveDict returns the actual backing map,
// not a copy — mutations via RegisterHit must be visible through a reference
// obtained before the mutation, matching the sandbox's live-read contract.
func TestLiveDictIsAlias(t *testing.T) {
	s := New()
	live := s.LiveDict()
	s.RegisterHit(Hit{ID: "x", Score: 0.5})
	if _, ok := live["x"]; !ok {
		t.Fatal("expected live dict alias to observe a registration made after it was obtained")
	}
}

// TestSnapshotIsDefensiveCopy verifies Snapshot does not alias the registry.
func TestSnapshotIsDefensiveCopy(t *testing.T) {
	s := New()
	s.RegisterHit(Hit{ID: "x", Score: 0.5})
	snap := s.Snapshot()
	s.RegisterHit(Hit{ID: "y", Score: 0.1})
	if _, ok := snap["y"]; ok {
		t.Fatal("snapshot must not observe registrations made after it was taken")
	}
}
