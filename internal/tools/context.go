// Package tools implements the Tool Layer: the functions the sandbox
// namespace exposes to the model (search, browse, evaluate_results,
// research, draft_answer, check_progress, classification, rlm_query, and
// the generalized glossary_lookup/kb_overview additions).
package tools

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
	"github.com/nextlevelbuilder/rlmsearch/internal/llm"
	"github.com/nextlevelbuilder/rlmsearch/internal/quality"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
)

// Classification is the one-shot bootstrap query classification.
type Classification struct {
	Category   string
	Confidence string // HIGH | MEDIUM | LOW
	Clusters   string
	Filters    map[string]any
	Strategy   string
	Raw        string
}

// ToolCall is one recorded invocation in the per-session tree.
type ToolCall struct {
	Tool          string
	Args          map[string]any
	ResultSummary map[string]any
	DurationMs    int64
	Children      []int
	Error         string
}

// SearchContext is the per-session state every tool function reads and
// writes. One SearchContext per sandbox; never shared across sessions.
type SearchContext struct {
	Retrieval *retrieval.Client
	Bus       *bus.Bus
	Evidence  *evidence.Store
	Quality   *quality.Gate
	LLM       llm.Client

	KBOverview     map[string]any
	Classification *Classification
	ExistingAnswer string

	Depth              int
	MaxDelegationDepth int
	SubIterations      int
	RLMModel           string
	RLMBackend         string

	// MultiCollectionMode routes research()'s internal searches through
	// SearchMulti instead of Search, generalized from the original's
	// pipeline_mode == "w3" switch into a plain per-session toggle.
	MultiCollectionMode bool

	mu               sync.Mutex
	toolCalls        []ToolCall
	currentParentIdx *int
}

// NewSearchContext builds a SearchContext wired to the given departments.
func NewSearchContext(b *bus.Bus, ev *evidence.Store, q *quality.Gate, client llm.Client, retr *retrieval.Client) *SearchContext {
	return &SearchContext{
		Retrieval:          retr,
		Bus:                b,
		Evidence:           ev,
		Quality:            q,
		LLM:                client,
		MaxDelegationDepth: 1,
		SubIterations:      3,
	}
}

// ToolCalls returns a defensive copy of the recorded call tree.
func (c *SearchContext) ToolCalls() []ToolCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolCall, len(c.toolCalls))
	copy(out, c.toolCalls)
	return out
}

// childScope temporarily reparents nested tool calls under parentIdx,
// exception-safe via defer — the Go equivalent of the contextmanager-based
// parent-index scoping in the composite tools.
func (c *SearchContext) childScope(parentIdx int) func() {
	c.mu.Lock()
	saved := c.currentParentIdx
	c.currentParentIdx = &parentIdx
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.currentParentIdx = saved
		c.mu.Unlock()
	}
}

// trackCall wraps a tool body in a start/end-or-error record, emitting
// tool_start and tool_end/tool_error on the bus, and appends to the call
// tree as a child of the currently active outermost tool. Call the returned
// finish function exactly once when the tool body completes; the call is
// recorded as a child of the in-flight call it was started under, and the
// returned idx is this call's index for any further-nested children (see
// childScope).
func (c *SearchContext) trackCall(toolName string, args map[string]any) (idx int, finish func(summary map[string]any, err error)) {
	c.mu.Lock()
	parent := c.currentParentIdx
	idx = len(c.toolCalls)
	c.toolCalls = append(c.toolCalls, ToolCall{Tool: toolName, Args: args})
	if parent != nil && *parent < len(c.toolCalls) {
		c.toolCalls[*parent].Children = append(c.toolCalls[*parent].Children, idx)
	}
	c.mu.Unlock()

	if c.Bus != nil {
		c.Bus.Emit(bus.KindToolStart, map[string]any{"tool": toolName, "args": args, "idx": idx})
	}
	start := time.Now()

	return idx, func(summary map[string]any, err error) {
		dur := time.Since(start).Milliseconds()
		c.mu.Lock()
		c.toolCalls[idx].DurationMs = dur
		c.toolCalls[idx].ResultSummary = summary
		if err != nil {
			c.toolCalls[idx].Error = err.Error()
		}
		c.mu.Unlock()

		if c.Bus == nil {
			return
		}
		if err != nil {
			c.Bus.Emit(bus.KindToolError, map[string]any{"tool": toolName, "idx": idx, "error": err.Error()})
			return
		}
		c.Bus.Emit(bus.KindToolEnd, map[string]any{"tool": toolName, "idx": idx, "summary": summary})
	}
}

// checkCancelled is the iteration-boundary / between-tool-call cancellation
// check tools perform before doing upstream work.
func (c *SearchContext) checkCancelled() error {
	return c.Bus.RaiseIfCancelled()
}
