package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// settingsSchemaJSON bounds the per-request overrides POST /search accepts
// in its "settings" object — an allow-list, so an unrecognized or
// out-of-range override is rejected at the boundary instead of silently
// ignored or crashing a driver deep in a search.
const settingsSchemaJSON = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"max_iterations": {"type": "integer", "minimum": 1, "maximum": 50},
		"sub_iterations": {"type": "integer", "minimum": 1, "maximum": 20},
		"max_delegation_depth": {"type": "integer", "minimum": 0, "maximum": 5},
		"model": {"type": "string", "minLength": 1}
	}
}`

var (
	settingsSchemaOnce sync.Once
	settingsSchema     *jsonschema.Schema
	settingsSchemaErr  error
)

func compiledSettingsSchema() (*jsonschema.Schema, error) {
	settingsSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(settingsSchemaJSON), &doc); err != nil {
			settingsSchemaErr = fmt.Errorf("gateway: unmarshal settings schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("search-settings.json", doc); err != nil {
			settingsSchemaErr = fmt.Errorf("gateway: add settings schema resource: %w", err)
			return
		}
		settingsSchema, settingsSchemaErr = c.Compile("search-settings.json")
	})
	return settingsSchema, settingsSchemaErr
}

// validateSettings rejects a POST /search "settings" object that doesn't
// conform to settingsSchemaJSON. A nil/empty settings map always passes.
func validateSettings(settings map[string]any) error {
	if len(settings) == 0 {
		return nil
	}
	schema, err := compiledSettingsSchema()
	if err != nil {
		return err
	}
	return schema.Validate(settings)
}

// searchOverrides is the typed projection of a validated settings map onto
// the fields a single search is allowed to override.
type searchOverrides struct {
	MaxIterations      int
	SubIterations      int
	MaxDelegationDepth int
	Model              string
}

func parseSearchOverrides(settings map[string]any) searchOverrides {
	var out searchOverrides
	if v, ok := settings["max_iterations"].(float64); ok {
		out.MaxIterations = int(v)
	}
	if v, ok := settings["sub_iterations"].(float64); ok {
		out.SubIterations = int(v)
	}
	if v, ok := settings["max_delegation_depth"].(float64); ok {
		out.MaxDelegationDepth = int(v)
	}
	if v, ok := settings["model"].(string); ok {
		out.Model = v
	}
	return out
}
