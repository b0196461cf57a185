// Package config loads the orchestrator's JSON5 configuration file and
// overlays secret/runtime values from the environment, the way the teacher's
// internal/config package does for its own gateway config.
package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the search orchestrator process.
type Config struct {
	Retrieval RetrievalConfig `json:"retrieval"`
	LLM       LLMConfig       `json:"llm"`
	Search    SearchConfig    `json:"search"`
	Sessions  SessionsConfig  `json:"sessions"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logs      LogsConfig      `json:"logs"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// RetrievalConfig points at the downstream retrieval API. APIKey is
// env-only (`CASCADE_API_KEY`), mirroring the teacher's
// `DatabaseConfig.PostgresDSN` `json:"-"` + env-only secret pattern.
type RetrievalConfig struct {
	APIURL  string        `json:"api_url"`
	APIKey  string        `json:"-"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// LLMConfig selects and configures the LM callable backend(s). Model/API
// fields are generalized from `original_source/rlm_search/config.py`'s
// RLM_BACKEND/RLM_MODEL/RLM_SUB_MODEL/RLM_CLASSIFY_MODEL env keys.
type LLMConfig struct {
	Backend       string `json:"backend"` // "anthropic" or "openai"
	Model         string `json:"model"`
	SubModel      string `json:"sub_model,omitempty"`
	ClassifyModel string `json:"classify_model,omitempty"`

	AnthropicAPIKey  string `json:"-"`
	AnthropicBaseURL string `json:"anthropic_base_url,omitempty"`
	OpenAIAPIKey     string `json:"-"`
	OpenAIBaseURL    string `json:"openai_base_url,omitempty"`
}

// SearchConfig bounds the iteration driver and delegation budgets, exactly
// the RLM_MAX_ITERATIONS / RLM_MAX_DEPTH / RLM_SUB_ITERATIONS /
// RLM_MAX_DELEGATION_DEPTH keys from `spec.md` §6.
type SearchConfig struct {
	MaxIterations      int `json:"max_iterations"`
	MaxDepth           int `json:"max_depth"`
	SubIterations      int `json:"sub_iterations"`
	MaxDelegationDepth int `json:"max_delegation_depth"`
}

// SessionsConfig configures the Session Manager's idle reaper.
type SessionsConfig struct {
	Timeout time.Duration `json:"timeout"`
}

// GatewayConfig configures the SSE gateway / request dispatcher. APIKey is
// env-only (`SEARCH_API_KEY`); when empty, `x-api-key` checking is skipped
// entirely, matching `_check_api_key`'s `if not SEARCH_API_KEY: return`.
type GatewayConfig struct {
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	APIKey                string `json:"-"`
	MaxConcurrentSearches int    `json:"max_concurrent_searches,omitempty"`
	WorkerPoolSize        int    `json:"worker_pool_size,omitempty"`

	// RequestsPerMinute caps POST /search admissions per process; zero
	// disables rate limiting entirely.
	RequestsPerMinute int `json:"requests_per_minute,omitempty"`
}

// LogsConfig configures the Streaming Logger's JSONL audit directory.
type LogsConfig struct {
	Dir string `json:"dir"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans,
// kept from the teacher's own TelemetryConfig shape.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex —
// kept from the teacher's hot-reload swap pattern in its own Config.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Retrieval = src.Retrieval
	c.LLM = src.LLM
	c.Search = src.Search
	c.Sessions = src.Sessions
	c.Gateway = src.Gateway
	c.Logs = src.Logs
	c.Telemetry = src.Telemetry
}

// Snapshot returns a defensive copy safe to read without holding c's lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Retrieval: c.Retrieval,
		LLM:       c.LLM,
		Search:    c.Search,
		Sessions:  c.Sessions,
		Gateway:   c.Gateway,
		Logs:      c.Logs,
		Telemetry: c.Telemetry,
	}
}
