package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults, matching
// `original_source/rlm_search/config.py`'s fallback literals.
func Default() *Config {
	return &Config{
		Retrieval: RetrievalConfig{
			APIURL:  "http://localhost:8092",
			Timeout: 30 * time.Second,
		},
		LLM: LLMConfig{
			Backend:       "anthropic",
			Model:         "claude-opus-4-6",
			SubModel:      "claude-sonnet-4-6",
			ClassifyModel: "claude-sonnet-4-6",
		},
		Search: SearchConfig{
			MaxIterations:      15,
			MaxDepth:           1,
			SubIterations:      3,
			MaxDelegationDepth: 1,
		},
		Sessions: SessionsConfig{
			Timeout: 30 * time.Minute,
		},
		Gateway: GatewayConfig{
			Host:                  "0.0.0.0",
			Port:                  8092,
			MaxConcurrentSearches: 8,
			WorkerPoolSize:        4,
			RequestsPerMinute:     120,
		},
		Logs: LogsConfig{
			Dir: "./search_logs",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error — it falls back to Default() plus env overrides,
// mirroring the Python original's env-vars-with-fallback-literal pattern.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays environment variables onto the config, secrets
// and all — env vars always take precedence over file values, exactly the
// env keys named in `spec.md` §6's config table.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envDuration := func(key string, dst *time.Duration, unit time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * unit
			}
		}
	}

	envStr("CASCADE_API_URL", &c.Retrieval.APIURL)
	envStr("CASCADE_API_KEY", &c.Retrieval.APIKey)

	envStr("RLM_BACKEND", &c.LLM.Backend)
	envStr("RLM_MODEL", &c.LLM.Model)
	envStr("RLM_SUB_MODEL", &c.LLM.SubModel)
	envStr("RLM_CLASSIFY_MODEL", &c.LLM.ClassifyModel)
	envStr("ANTHROPIC_API_KEY", &c.LLM.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.LLM.OpenAIAPIKey)

	envInt("RLM_MAX_ITERATIONS", &c.Search.MaxIterations)
	envInt("RLM_MAX_DEPTH", &c.Search.MaxDepth)
	envInt("RLM_SUB_ITERATIONS", &c.Search.SubIterations)
	envInt("RLM_MAX_DELEGATION_DEPTH", &c.Search.MaxDelegationDepth)
	if c.Search.MaxDelegationDepth < 0 {
		c.Search.MaxDelegationDepth = 0
	}

	envDuration("SESSION_TIMEOUT", &c.Sessions.Timeout, time.Second)

	envStr("GATEWAY_HOST", &c.Gateway.Host)
	envInt("SEARCH_BACKEND_PORT", &c.Gateway.Port)
	envStr("SEARCH_API_KEY", &c.Gateway.APIKey)
	envInt("GATEWAY_REQUESTS_PER_MINUTE", &c.Gateway.RequestsPerMinute)

	envStr("RLM_LOG_DIR", &c.Logs.Dir)

	envStr("TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	snap := cfg.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir %s: %w", dir, err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Hash returns a SHA-256 prefix of the config for optimistic concurrency /
// change detection, kept from the teacher's own Config.Hash.
func (c *Config) Hash() string {
	snap := c.Snapshot()
	data, _ := json.Marshal(snap)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// Watch reloads the file at path into cfg (via ReplaceFrom) whenever it
// changes on disk, until stop is called. Non-secret fields only — env
// overrides are reapplied on every reload so file changes never clobber a
// secret sourced from the environment. Errors from a single reload attempt
// are reported via onError and do not stop the watch loop.
func Watch(path string, cfg *Config, onError func(error)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				reloaded, err := Load(path)
				if err != nil {
					if onError != nil {
						onError(err)
					}
					continue
				}
				cfg.ReplaceFrom(reloaded)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
