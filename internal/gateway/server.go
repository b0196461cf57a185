// Package gateway implements the SSE Gateway and Request Dispatcher
// (§4.I, §4.J): the HTTP surface that creates searches, streams their
// events, and manages the sessions and audit logs behind them. Structurally
// grounded on the teacher's internal/gateway/server.go (Server struct,
// BuildMux, Start's graceful-shutdown-on-ctx-done pattern); the WebSocket
// upgrade handler is replaced entirely with an SSE stream handler, and the
// endpoint set is grounded on original_source/rlm_search/api.py and sse.py.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/rlmsearch/internal/agent"
	"github.com/nextlevelbuilder/rlmsearch/internal/bus"
	"github.com/nextlevelbuilder/rlmsearch/internal/config"
	"github.com/nextlevelbuilder/rlmsearch/internal/evidence"
	"github.com/nextlevelbuilder/rlmsearch/internal/llm"
	"github.com/nextlevelbuilder/rlmsearch/internal/quality"
	"github.com/nextlevelbuilder/rlmsearch/internal/retrieval"
	"github.com/nextlevelbuilder/rlmsearch/internal/sandbox"
	"github.com/nextlevelbuilder/rlmsearch/internal/sessions"
	"github.com/nextlevelbuilder/rlmsearch/internal/streaming"
	"github.com/nextlevelbuilder/rlmsearch/internal/tools"
)

// logIDPattern bounds which ids the /logs/{id} GET and DELETE handlers
// accept, exactly spec.md §4.J's `^[a-f0-9-]{1,36}$`.
var logIDPattern = regexp.MustCompile(`^[a-f0-9-]{1,36}$`)

const (
	defaultWorkerPoolSize        = 4
	defaultMaxConcurrentSearches = 8
	ssePollInterval              = 100 * time.Millisecond
	sseKeepAlive                 = 15 * time.Second
	sseHardTimeout               = 10 * time.Minute
	childEventPollInterval       = 20 * time.Millisecond
)

// searchEntry is one in-flight or completed-but-not-yet-drained search, the
// Go analog of api.py's `_searches: dict[str, EventBus]` registry entry.
type searchEntry struct {
	ID        string
	SessionID string
	Query     string
	Bus       *bus.Bus
	Logger    *streaming.Logger
	StartedAt time.Time
}

// Server is the SSE Gateway + Request Dispatcher: it owns the session
// registry, the in-flight search registry, and a bounded worker pool.
type Server struct {
	cfg       *config.Config
	retrieval *retrieval.Client
	llm       llm.Client
	sessions  *sessions.Manager

	mu       sync.Mutex
	searches map[string]*searchEntry
	sem      chan struct{}

	httpServer  *http.Server
	mux         *http.ServeMux
	stopCleanup func()
	maxSearches int
	logDir      string
	limiter     *rate.Limiter
}

// NewServer builds a Server wired to the given config, upstream retrieval
// client, and LM callable. Call Start to begin serving.
func NewServer(cfg *config.Config, retr *retrieval.Client, client llm.Client) *Server {
	snap := cfg.Snapshot()
	poolSize := snap.Gateway.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}
	maxSearches := snap.Gateway.MaxConcurrentSearches
	if maxSearches <= 0 {
		maxSearches = defaultMaxConcurrentSearches
	}
	logDir := snap.Logs.Dir
	if logDir == "" {
		logDir = "./search_logs"
	}

	var limiter *rate.Limiter
	if snap.Gateway.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(snap.Gateway.RequestsPerMinute)/60, snap.Gateway.RequestsPerMinute)
	}

	return &Server{
		cfg:         cfg,
		retrieval:   retr,
		llm:         client,
		sessions:    sessions.NewManager(snap.Sessions.Timeout),
		searches:    make(map[string]*searchEntry),
		sem:         make(chan struct{}, poolSize),
		maxSearches: maxSearches,
		logDir:      logDir,
		limiter:     limiter,
	}
}

// checkAPIKey validates the x-api-key header in constant time against the
// configured key. No-op (always passes) when no key is configured, mirroring
// `_check_api_key`'s `if not SEARCH_API_KEY: return`.
func (s *Server) checkAPIKey(r *http.Request) bool {
	want := s.cfg.Snapshot().Gateway.APIKey
	if want == "" {
		return true
	}
	got := r.Header.Get("x-api-key")
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// BuildMux registers every endpoint from spec.md §4.J / §6 and caches the
// resulting mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.withAuth(s.handleHealth))
	mux.HandleFunc("/search", s.withAuth(s.handleCreateSearch))
	mux.HandleFunc("/search/", s.withAuth(s.dispatchSearchPath))
	mux.HandleFunc("/session/", s.withAuth(s.handleDeleteSession))
	mux.HandleFunc("/logs/recent", s.withAuth(s.handleLogsRecent))
	mux.HandleFunc("/logs/", s.withAuth(s.dispatchLogsPath))

	s.mux = mux
	return mux
}

// withAuth wraps a handler with the constant-time x-api-key check.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.checkAPIKey(r) {
			writeError(w, http.StatusUnauthorized, "invalid or missing x-api-key")
			return
		}
		next(w, r)
	}
}

// dispatchSearchPath routes /search/{id}/cancel and /search/{id}/stream,
// the two sub-resources nested under a search id.
func (s *Server) dispatchSearchPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/search/")
	switch {
	case strings.HasSuffix(rest, "/cancel"):
		s.handleCancelSearch(w, r, strings.TrimSuffix(rest, "/cancel"))
	case strings.HasSuffix(rest, "/stream"):
		s.handleStream(w, r, strings.TrimSuffix(rest, "/stream"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) dispatchLogsPath(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/logs/")
	switch r.Method {
	case http.MethodGet:
		s.handleLogsGet(w, r, id)
	case http.MethodDelete:
		s.handleLogsDelete(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Start begins serving and the 300s stale-search/session cleanup task,
// shutting down gracefully when ctx is cancelled — the teacher's
// ctx.Done-triggers-Shutdown pattern, unchanged.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	snap := s.cfg.Snapshot()
	addr := fmt.Sprintf("%s:%d", snap.Gateway.Host, snap.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	cleanupCtx, stopCleanup := context.WithCancel(context.Background())
	s.stopCleanup = stopCleanup
	go s.runCleanupLoop(cleanupCtx)

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		stopCleanup()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// runCleanupLoop periodically reaps idle sessions and drops search entries
// whose bus finished and was never drained, mirroring api.py's
// `_cleanup_stale` 300s periodic task.
func (s *Server) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(300 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := s.sessions.CleanupExpired()
			if len(removed) > 0 {
				slog.Info("gateway: reaped idle sessions", "count", len(removed))
			}
			s.mu.Lock()
			for id, entry := range s.searches {
				if entry.Bus.IsDone() && time.Since(entry.StartedAt) > sseHardTimeout {
					delete(s.searches, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// createSearchRequest is the POST /search body, unchanged from spec.md §6.
type createSearchRequest struct {
	Query     string         `json:"query"`
	Settings  map[string]any `json:"settings,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// handleCreateSearch creates or reuses a session, bounds active searches to
// the configured maximum, and schedules the driver on the worker pool.
func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	var req createSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if err := validateSettings(req.Settings); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings: %v", err))
		return
	}
	overrides := parseSearchOverrides(req.Settings)

	s.mu.Lock()
	if len(s.searches) >= s.maxSearches {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "search pool full")
		return
	}
	s.mu.Unlock()

	searchID := uuid.NewString()
	b := bus.New()

	var driver *agent.Driver
	var sb *sandbox.Sandbox
	var sessionID string

	if req.SessionID != "" {
		var err error
		driver, sb, err = s.sessions.PrepareFollowUp(req.SessionID, b, searchID)
		if err != nil {
			switch e := err.(type) {
			case *sessions.ErrNotFound:
				writeError(w, http.StatusNotFound, e.Error())
			case *sessions.ErrBusy:
				writeError(w, http.StatusConflict, e.Error())
			default:
				writeError(w, http.StatusInternalServerError, err.Error())
			}
			return
		}
		sessionID = req.SessionID
		driver.Bus = b
	} else {
		var err error
		driver, sb, err = s.newSessionDriver(b, overrides)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		sessionID = s.sessions.CreateSession(driver, sb, b, "")
		if _, _, err := s.sessions.PrepareFollowUp(sessionID, b, searchID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	if overrides.MaxIterations > 0 {
		driver.MaxIterations = overrides.MaxIterations
	}
	if overrides.Model != "" {
		driver.Model = overrides.Model
	}

	logger, err := streaming.New(s.logDir, searchID+".jsonl", searchID, req.Query, b)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to open audit log")
		return
	}

	entry := &searchEntry{
		ID:        searchID,
		SessionID: sessionID,
		Query:     req.Query,
		Bus:       b,
		Logger:    logger,
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.searches[searchID] = entry
	s.mu.Unlock()

	snap := s.cfg.Snapshot()
	logger.LogMetadata(map[string]any{
		"root_model": snap.LLM.Model,
		"backend":    snap.LLM.Backend,
		"session_id": sessionID,
	})

	driver.Logger = logger
	go s.runSearch(entry, driver)

	writeJSON(w, http.StatusOK, map[string]string{"search_id": searchID, "session_id": sessionID})
}

// runSearch waits for a worker-pool slot, runs the driver to completion, and
// records the outcome onto the search's streaming.Logger, clearing the
// session's active-search lock regardless of outcome — the dispatcher's
// analog of a deferred `finally` block.
func (s *Server) runSearch(entry *searchEntry, driver *agent.Driver) {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()
	defer s.sessions.ClearActive(entry.SessionID)
	defer entry.Logger.Close()

	ctx := streaming.WithLogger(context.Background(), entry.Logger)
	started := time.Now()
	result, err := driver.Run(ctx, entry.Query)
	elapsed := time.Since(started)

	if err != nil {
		if _, cancelled := err.(bus.Cancelled); cancelled || entry.Bus.IsCancelled() {
			entry.Logger.MarkCancelled()
			return
		}
		entry.Logger.MarkError(err.Error())
		return
	}

	entry.Logger.MarkDone(result.Answer, nil, elapsed, map[string]any{
		"iterations":    result.Iterations,
		"hit_sentinel":  result.HitSentinel,
		"fallback_used": result.FallbackUsed,
	})
}

// newSessionDriver builds a fresh SearchContext, Sandbox, and Driver for a
// brand-new session, wiring every Tool Layer function and a depth-guarded
// rlm_query delegation callback into the sandbox namespace. overrides carries
// this request's validated "settings" object (see settings_schema.go); zero
// fields leave the config-derived default in place.
func (s *Server) newSessionDriver(b *bus.Bus, overrides searchOverrides) (*agent.Driver, *sandbox.Sandbox, error) {
	snap := s.cfg.Snapshot()
	ev := evidence.New()
	q := quality.New(ev)
	searchCtx := tools.NewSearchContext(b, ev, q, s.llm, s.retrieval)
	searchCtx.MaxDelegationDepth = snap.Search.MaxDelegationDepth
	searchCtx.SubIterations = snap.Search.SubIterations
	searchCtx.RLMModel = snap.LLM.SubModel
	searchCtx.RLMBackend = snap.LLM.Backend
	if overrides.MaxDelegationDepth > 0 {
		searchCtx.MaxDelegationDepth = overrides.MaxDelegationDepth
	}
	if overrides.SubIterations > 0 {
		searchCtx.SubIterations = overrides.SubIterations
	}

	sb, err := sandbox.New("")
	if err != nil {
		return nil, nil, fmt.Errorf("gateway: sandbox bootstrap: %w", err)
	}

	tools.BindAll(context.Background(), sb, searchCtx, s.delegateRun(0))

	driver := &agent.Driver{
		LLM:           s.llm,
		Sandbox:       sb,
		Bus:           b,
		MaxIterations: snap.Search.MaxIterations,
		Model:         snap.LLM.Model,
	}
	return driver, sb, nil
}

// delegateRun returns a tools.DriverRunFunc that spawns a child session at
// parentDepth+1, the process entrypoint's injected callback that lets
// rlm_query recurse without an import cycle between tools and agent.
func (s *Server) delegateRun(parentDepth int) tools.DriverRunFunc {
	return func(ctx context.Context, req tools.DelegationRequest) (tools.DelegationResult, error) {
		childBus := bus.New()
		ev := evidence.New()
		q := quality.New(ev)
		searchCtx := tools.NewSearchContext(childBus, ev, q, s.llm, s.retrieval)
		searchCtx.Depth = req.Depth
		searchCtx.MaxDelegationDepth = s.cfg.Snapshot().Search.MaxDelegationDepth
		searchCtx.SubIterations = req.SubIterations
		searchCtx.RLMModel = req.Model
		searchCtx.RLMBackend = req.Backend

		sb, err := sandbox.New("")
		if err != nil {
			return tools.DelegationResult{}, fmt.Errorf("gateway: child sandbox bootstrap: %w", err)
		}
		defer sb.Close()

		tools.BindAll(ctx, sb, searchCtx, s.delegateRun(req.Depth))

		childDriver := &agent.Driver{
			LLM:           s.llm,
			Sandbox:       sb,
			Bus:           childBus,
			MaxIterations: req.SubIterations,
			Model:         req.Model,
		}
		if parentLogger, ok := streaming.LoggerFromContext(ctx); ok {
			childDriver.Logger = streaming.NewChild(parentLogger, req.SubQuestion)
		}

		// childBus is forwarded continuously while childDriver.Run is in
		// flight, not snapshotted beforehand: Run hasn't emitted anything yet
		// the instant it's called, so a pre-run Replay() would hand back an
		// empty slice and miss every sub_iteration event entirely.
		events := make(chan bus.Event, 64)
		stopForward := make(chan struct{})
		forwardDone := make(chan struct{})
		go func() {
			defer close(forwardDone)
			ticker := time.NewTicker(childEventPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					for _, bev := range childBus.Drain() {
						events <- bev
					}
				case <-stopForward:
					for _, bev := range childBus.Drain() {
						events <- bev
					}
					return
				}
			}
		}()

		prompt := req.SubQuestion
		if req.Context != "" {
			prompt = req.SubQuestion + "\n\nContext: " + req.Context
		}
		result, err := childDriver.Run(ctx, prompt)
		close(stopForward)
		<-forwardDone
		close(events)
		if err != nil {
			return tools.DelegationResult{}, err
		}

		return tools.DelegationResult{
			Answer:        result.Answer,
			SearchesRun:   len(ev.SearchLog()),
			SourcesFound:  ev.Count(),
			ChildEvents:   events,
			ChildEvidence: ev,
		}, nil
	}
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request, searchID string) {
	s.mu.Lock()
	entry, ok := s.searches[searchID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown search id")
		return
	}
	entry.Bus.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/session/")
	state := s.sessions.Get(sessionID)
	if state == nil {
		writeError(w, http.StatusNotFound, "unknown session id")
		return
	}
	if state.IsBusy() {
		writeError(w, http.StatusConflict, "session has an active search")
		return
	}
	s.sessions.Delete(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleHealth probes the downstream retrieval API and reports ok|degraded,
// exactly spec.md §4.J/§6's `{status, cascade_api, cascade_url?}` shape.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Snapshot()
	reachable := s.retrieval.Health(r.Context()) == nil
	status := "ok"
	if !reachable {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"cascade_api": reachable,
		"cascade_url": snap.Retrieval.APIURL,
	})
}

// handleStream serves GET /search/{id}/stream?replay=0|1 per spec.md §4.I:
// replay the bus's log first when requested, then poll drain() at 100ms,
// keep-alive every 15s, hard timeout at 10 minutes, cancel-on-disconnect,
// and close after one post-terminal drain.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, searchID string) {
	s.mu.Lock()
	entry, ok := s.searches[searchID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown search id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	replay := r.URL.Query().Get("replay") == "1"

	send := func(ev bus.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	if replay {
		for _, ev := range entry.Bus.Replay() {
			send(ev)
		}
	}

	deadline := time.Now().Add(sseHardTimeout)
	pollTicker := time.NewTicker(ssePollInterval)
	defer pollTicker.Stop()
	lastSent := time.Now()

	for {
		select {
		case <-r.Context().Done():
			entry.Bus.Cancel()
			s.removeSearch(searchID)
			return

		case <-pollTicker.C:
			if time.Now().After(deadline) {
				send(bus.Event{Kind: bus.KindError, Payload: map[string]any{"message": "Search timed out"}, Timestamp: time.Now()})
				s.removeSearch(searchID)
				return
			}

			pending := entry.Bus.Drain()
			if len(pending) == 0 {
				if time.Since(lastSent) >= sseKeepAlive {
					fmt.Fprint(w, ": keepalive\n\n")
					flusher.Flush()
					lastSent = time.Now()
				}
				continue
			}
			for _, ev := range pending {
				send(ev)
				lastSent = time.Now()
				if ev.Kind.IsTerminal() {
					s.removeSearch(searchID)
					return
				}
			}
		}
	}
}

func (s *Server) removeSearch(searchID string) {
	s.mu.Lock()
	delete(s.searches, searchID)
	s.mu.Unlock()
}

// logMetadataRecord is the shape of a logs/recent list entry, parsed from a
// JSONL audit file's first (always "metadata") line.
type logMetadataRecord struct {
	Filename  string `json:"filename"`
	SearchID  string `json:"search_id"`
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
	RootModel string `json:"root_model"`
}

func (s *Server) handleLogsRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		writeJSON(w, http.StatusOK, []logMetadataRecord{})
		return
	}

	type withTime struct {
		record logMetadataRecord
		mtime  time.Time
	}
	var records []withTime
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		rec, ok := readFirstJSONLLine(filepath.Join(s.logDir, e.Name()))
		if !ok {
			continue
		}
		rec.Filename = e.Name()
		records = append(records, withTime{record: rec, mtime: info.ModTime()})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].mtime.After(records[j].mtime) })
	if len(records) > limit {
		records = records[:limit]
	}

	out := make([]logMetadataRecord, len(records))
	for i, r := range records {
		out[i] = r.record
	}
	writeJSON(w, http.StatusOK, out)
}

func readFirstJSONLLine(path string) (logMetadataRecord, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return logMetadataRecord{}, false
	}
	lines := strings.SplitN(string(data), "\n", 2)
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return logMetadataRecord{}, false
	}
	var rec logMetadataRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		return logMetadataRecord{}, false
	}
	return rec, true
}

func (s *Server) handleLogsGet(w http.ResponseWriter, r *http.Request, id string) {
	if !logIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid search id")
		return
	}
	path := filepath.Join(s.logDir, id+".jsonl")
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "log not found")
		return
	}

	var metadata map[string]any
	var iterations []map[string]any
	done := false
	var errMsg string

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		switch rec["type"] {
		case "metadata":
			metadata = rec
		case "iteration", "sub_iteration":
			iterations = append(iterations, rec)
		case "done":
			done = true
		case "error":
			if msg, ok := rec["message"].(string); ok {
				errMsg = msg
			}
		case "cancelled":
			done = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"metadata":   metadata,
		"iterations": iterations,
		"done":       done,
		"error":      errMsg,
		"filename":   id + ".jsonl",
	})
}

func (s *Server) handleLogsDelete(w http.ResponseWriter, r *http.Request, id string) {
	if !logIDPattern.MatchString(id) {
		writeError(w, http.StatusBadRequest, "invalid search id")
		return
	}
	path := filepath.Join(s.logDir, id+".jsonl")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "log not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
