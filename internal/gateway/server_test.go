package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/rlmsearch/internal/config"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
)

// fakeLLM answers every Completion call with a sentinel that the Iteration
// Driver resolves on its first turn, so search-creation tests don't have to
// wait through real iteration budgets.
type fakeLLM struct {
	answer string
}

func (f *fakeLLM) Completion(_ context.Context, _ string) (string, error) {
	if f.answer == "" {
		return "FINAL(test answer)", nil
	}
	return f.answer, nil
}

func (f *fakeLLM) CompletionBatched(_ context.Context, prompts []string) ([]string, error) {
	out := make([]string, len(prompts))
	for i := range out {
		out[i] = "[x] RELEVANT CONFIDENCE:4"
	}
	return out, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	retrSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(retrSrv.Close)

	cfg := config.Default()
	cfg.Logs.Dir = t.TempDir()
	cfg.Gateway.WorkerPoolSize = 2
	cfg.Gateway.MaxConcurrentSearches = 2

	retr := retrieval.New(retrSrv.URL, "", 5*time.Second)
	return NewServer(cfg, retr, &fakeLLM{})
}

// TestCreateSearchThenStreamRoundTrip exercises the full dispatcher path: a
// POST /search schedules the driver on the worker pool, and GET
// /search/{id}/stream?replay=1 delivers the resulting "done" event.
func TestCreateSearchThenStreamRoundTrip(t *testing.T) {
	s := newTestServer(t)
	mux := s.BuildMux()

	body := `{"query":"what is the capital of France?"}`
	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("create search: status %d body %s", rec.Code, rec.Body.String())
	}
	var created struct {
		SearchID  string `json:"search_id"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.SearchID == "" || created.SessionID == "" {
		t.Fatalf("expected non-empty ids, got %+v", created)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		entry, ok := s.searches[created.SearchID]
		s.mu.Unlock()
		if !ok {
			t.Fatalf("search entry disappeared before it produced a terminal event")
		}
		if entry.Bus.IsDone() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("search did not finish within the test deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	streamReq := httptest.NewRequest(http.MethodGet, "/search/"+created.SearchID+"/stream?replay=1", nil)
	streamRec := httptest.NewRecorder()
	mux.ServeHTTP(streamRec, streamReq)

	if streamRec.Code != http.StatusOK {
		t.Fatalf("stream: status %d", streamRec.Code)
	}
	if ct := streamRec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected SSE content type, got %q", ct)
	}

	sawDone := false
	scanner := bufio.NewScanner(bytes.NewReader(streamRec.Body.Bytes()))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if strings.Contains(line, `"kind":"done"`) {
			sawDone = true
		}
	}
	if !sawDone {
		t.Fatalf("expected a done event in replayed stream, got body: %s", streamRec.Body.String())
	}
}

// TestCreateSearchRejectsEmptyQuery verifies the dispatcher's 400 guard on
// spec.md §6's POST /search contract.
func TestCreateSearchRejectsEmptyQuery(t *testing.T) {
	s := newTestServer(t)
	mux := s.BuildMux()

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"  "}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// TestCreateSearchPoolFullReturns503 verifies the active-search cap from
// spec.md §4.J/§6 rejects fast once the registry is saturated.
func TestCreateSearchPoolFullReturns503(t *testing.T) {
	s := newTestServer(t)
	s.maxSearches = 1
	mux := s.BuildMux()

	ok := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"first"}`))
	okRec := httptest.NewRecorder()
	mux.ServeHTTP(okRec, ok)
	if okRec.Code != http.StatusOK {
		t.Fatalf("first create: status %d body %s", okRec.Code, okRec.Body.String())
	}

	full := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"second"}`))
	fullRec := httptest.NewRecorder()
	mux.ServeHTTP(fullRec, full)
	if fullRec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once the registry is full, got %d", fullRec.Code)
	}
}

// TestAPIKeyRejectsMismatch verifies withAuth's constant-time x-api-key
// check, mirroring `_check_api_key`.
func TestAPIKeyRejectsMismatch(t *testing.T) {
	s := newTestServer(t)
	s.cfg.Gateway.APIKey = "secret"
	mux := s.BuildMux()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.Header.Set("x-api-key", "secret")
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct key, got %d", rec2.Code)
	}
}

// TestHandleLogsRecentAndGet exercises the audit-log listing and retrieval
// endpoints against a real JSONL file written by streaming.Logger during a
// completed search.
func TestHandleLogsRecentAndGet(t *testing.T) {
	s := newTestServer(t)
	mux := s.BuildMux()

	req := httptest.NewRequest(http.MethodPost, "/search", strings.NewReader(`{"query":"log me"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var created struct {
		SearchID string `json:"search_id"`
	}
	json.Unmarshal(rec.Body.Bytes(), &created)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(s.logDir + "/" + created.SearchID + ".jsonl"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("audit log file was never created")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give the logger a moment to close (MarkDone fires in runSearch's own
	// goroutine, independently of this test's goroutine).
	time.Sleep(20 * time.Millisecond)

	recentReq := httptest.NewRequest(http.MethodGet, "/logs/recent", nil)
	recentRec := httptest.NewRecorder()
	mux.ServeHTTP(recentRec, recentReq)
	if recentRec.Code != http.StatusOK {
		t.Fatalf("logs/recent: status %d", recentRec.Code)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/logs/"+created.SearchID, nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("logs get: status %d body %s", getRec.Code, getRec.Body.String())
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/logs/"+created.SearchID, nil)
	delRec := httptest.NewRecorder()
	mux.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusOK {
		t.Fatalf("logs delete: status %d", delRec.Code)
	}
}
