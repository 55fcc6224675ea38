package collector

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/abhisek/beacon/internal/telemetry"
)

// payloadSchemas holds the JSON Schemas for event types whose payload
// shape is known. Other event types accept any object.
var payloadSchemas = map[string]map[string]any{
	telemetry.EventPageView: {
		"type":     "object",
		"required": []any{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
	},
	telemetry.EventGameStart: {
		"type":     "object",
		"required": []any{"game_id"},
		"properties": map[string]any{
			"game_id": map[string]any{"type": "string", "minLength": 1},
		},
	},
	telemetry.EventGameComplete: {
		"type":     "object",
		"required": []any{"game_id", "score", "xp"},
		"properties": map[string]any{
			"game_id": map[string]any{"type": "string", "minLength": 1},
			"score":   map[string]any{"type": "number"},
			"xp":      map[string]any{"type": "integer", "minimum": 0},
		},
	},
	telemetry.EventAssetCreated: {
		"type":     "object",
		"required": []any{"kind", "asset_id"},
		"properties": map[string]any{
			"kind":     map[string]any{"type": "string", "minLength": 1},
			"asset_id": map[string]any{"type": "string", "minLength": 1},
		},
	},
	telemetry.EventLogout: {
		"type": "object",
		"properties": map[string]any{
			"duration_seconds": map[string]any{"type": "integer", "minimum": 0},
		},
	},
}

type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	c := jsonschema.NewCompiler()
	set := make(schemaSet, len(payloadSchemas))
	for eventType, def := range payloadSchemas {
		// Round-trip through JSON so numbers take the form the compiler
		// expects.
		raw, err := json.Marshal(def)
		if err != nil {
			return nil, fmt.Errorf("marshal schema %s: %w", eventType, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", eventType, err)
		}
		url := fmt.Sprintf("schema://events/%s.json", eventType)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", eventType, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", eventType, err)
		}
		set[eventType] = compiled
	}
	return set, nil
}

// validate checks payload against the schema for eventType, if any.
func (s schemaSet) validate(eventType string, payload map[string]any) error {
	schema, ok := s[eventType]
	if !ok {
		return nil
	}
	var instance any = map[string]any{}
	if payload != nil {
		instance = payload
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%s payload: %w", eventType, err)
	}
	return nil
}
