package bus

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// eventPlan is a sequence of emit/drain operations exercised against a fresh
// Bus by the property below.
type eventPlan struct {
	kinds       []Kind
	drainAfter  []int // never set by genEventPlan; the property drains after every third emit instead
}

var nonTerminalKinds = []Kind{KindMetadata, KindIteration, KindSubIteration, KindToolStart, KindToolEnd, KindProgress}

func genEventPlan() gopter.Gen {
	return gen.SliceOfN(12, gen.OneConstOf(
		nonTerminalKinds[0], nonTerminalKinds[1], nonTerminalKinds[2],
		nonTerminalKinds[3], nonTerminalKinds[4], nonTerminalKinds[5],
	)).Map(func(kinds []Kind) eventPlan {
		return eventPlan{kinds: kinds}
	})
}

// TestEventMonotonicityProperty verifies invariant 1: replay() at any time is
// a superset, in original order, of every previously drained event. The
// done latch is covered separately by TestDoneLatchProperty.
func TestEventMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("replay is a superset of all drained events, in order", prop.ForAll(
		func(plan eventPlan) bool {
			b := New()
			var everDrained []Event

			for i, k := range plan.kinds {
				b.Emit(k, i)
				if i%3 == 2 {
					everDrained = append(everDrained, b.Drain()...)
				}
			}

			replay := b.Replay()
			if len(replay) < len(everDrained) {
				return false
			}
			// everDrained must appear, in order, as a (not necessarily
			// contiguous) subsequence of replay — since nothing is ever
			// removed from the log, it is in fact a strict prefix match
			// against the events at the same relative positions.
			j := 0
			for _, ev := range replay {
				if j < len(everDrained) && ev.Kind == everDrained[j].Kind && ev.Payload == everDrained[j].Payload {
					j++
				}
			}
			return j == len(everDrained)
		},
		genEventPlan(),
	))

	properties.TestingRun(t)
}

// TestDoneLatchProperty verifies that once a terminal kind is emitted,
// IsDone remains true regardless of further emissions.
func TestDoneLatchProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	terminal := []Kind{KindDone, KindError, KindCancelled}

	properties.Property("done latches permanently", prop.ForAll(
		func(term int, tailLen int) bool {
			b := New()
			b.Emit(terminal[term%len(terminal)], nil)
			if !b.IsDone() {
				return false
			}
			for i := 0; i < tailLen%5; i++ {
				b.Emit(KindIteration, i)
				if !b.IsDone() {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
