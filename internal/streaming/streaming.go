// Package streaming bridges the iteration driver's output onto the Event
// Bus and mirrors every event to a JSONL audit file. The bus stays the
// single data-flow channel the SSE gateway drains — this logger emits each
// event onto it once and never delivers events to SSE clients itself.
package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
)

// Logger emits search events onto a Bus and appends each one to a JSONL
// file for the audit trail. One Logger per top-level search; delegated
// sub-questions use a Child instead so their events land under
// KindSubIteration on the same parent bus/file.
type Logger struct {
	Bus      *bus.Bus
	SearchID string
	Query    string

	mu             sync.Mutex
	file           *os.File
	metadataLogged bool
	iterationCount int
}

// New opens (creating if necessary) the JSONL audit file at
// filepath.Join(logDir, fileName) and returns a Logger bound to bus for the
// given search.
func New(logDir, fileName, searchID, query string, b *bus.Bus) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("streaming: create log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, fileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("streaming: open log file: %w", err)
	}
	return &Logger{Bus: b, SearchID: searchID, Query: query, file: f}, nil
}

// LogMetadata emits the search's starting metadata once; subsequent calls
// are no-ops.
func (l *Logger) LogMetadata(metadata map[string]any) {
	l.mu.Lock()
	if l.metadataLogged {
		l.mu.Unlock()
		return
	}
	l.metadataLogged = true
	l.mu.Unlock()

	data := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		data[k] = v
	}
	data["search_id"] = l.SearchID
	data["query"] = l.Query

	l.Bus.Emit(bus.KindMetadata, data)
	l.writeJSONL("metadata", data)
}

// LogIteration emits one completed iteration record and bumps the
// iteration counter.
func (l *Logger) LogIteration(record map[string]any) {
	l.mu.Lock()
	l.iterationCount++
	n := l.iterationCount
	l.mu.Unlock()

	data := make(map[string]any, len(record)+1)
	for k, v := range record {
		data[k] = v
	}
	data["iteration"] = n

	l.Bus.Emit(bus.KindIteration, data)
	l.writeJSONL("iteration", data)
}

// MarkDone emits the terminal done event with the final answer, sources,
// execution time, and token usage.
func (l *Logger) MarkDone(answer string, sources []map[string]any, executionTime time.Duration, usage map[string]any) {
	data := map[string]any{
		"answer":         answer,
		"sources":        sources,
		"execution_time": executionTime.Seconds(),
		"usage":          usage,
	}
	l.Bus.Emit(bus.KindDone, data)
	l.writeJSONL("done", data)
}

// MarkError emits the terminal error event.
func (l *Logger) MarkError(message string) {
	l.Bus.Emit(bus.KindError, map[string]any{"message": message})
	l.writeJSONL("error", map[string]any{"message": message})
}

// MarkCancelled emits the terminal cancelled event.
func (l *Logger) MarkCancelled() {
	l.Bus.Emit(bus.KindCancelled, map[string]any{})
	l.writeJSONL("cancelled", map[string]any{})
}

// RaiseIfCancelled delegates to the underlying bus.
func (l *Logger) RaiseIfCancelled() error {
	return l.Bus.RaiseIfCancelled()
}

// Close releases the underlying JSONL file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (l *Logger) writeJSONL(kind string, data map[string]any) {
	entry := make(map[string]any, len(data)+2)
	entry["type"] = kind
	entry["timestamp"] = time.Now().Format(time.RFC3339Nano)
	for k, v := range data {
		entry[k] = v
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		slog.Error("streaming: failed to encode JSONL entry", "kind", kind, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(encoded, '\n')); err != nil {
		slog.Error("streaming: failed to append JSONL entry", "kind", kind, "error", err)
	}
}

// Child is the delegated-sub-question logger: it emits sub_iteration
// events through the parent's bus and JSONL file so a child driver's
// iterations stream on the same SSE channel as the parent search.
type Child struct {
	parent      *Logger
	SubQuestion string
}

// NewChild builds a Child logger bound to parent for the given sub-question.
func NewChild(parent *Logger, subQuestion string) *Child {
	return &Child{parent: parent, SubQuestion: subQuestion}
}

// LogIteration emits one child iteration record under KindSubIteration,
// tagged with the originating sub-question.
func (c *Child) LogIteration(record map[string]any) {
	data := make(map[string]any, len(record)+1)
	for k, v := range record {
		data[k] = v
	}
	data["sub_question"] = c.SubQuestion

	c.parent.Bus.Emit(bus.KindSubIteration, data)
	c.parent.writeJSONL("sub_iteration", data)
}

// RaiseIfCancelled delegates to the parent's bus.
func (c *Child) RaiseIfCancelled() error {
	return c.parent.Bus.RaiseIfCancelled()
}

type loggerContextKey struct{}

// WithLogger attaches l to ctx so a delegated rlm_query call, several stack
// frames below the handler that owns l, can build a Child logger for its own
// sub-question without threading a *Logger through every tool signature.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// LoggerFromContext retrieves the Logger attached by WithLogger, if any.
func LoggerFromContext(ctx context.Context) (*Logger, bool) {
	l, ok := ctx.Value(loggerContextKey{}).(*Logger)
	return l, ok
}
