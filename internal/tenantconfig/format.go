package tenantconfig

import (
	"encoding/json"
	"fmt"
	"time"

	sigyaml "sigs.k8s.io/yaml"
)

// Export is the format-agnostic payload handed to format adapters.
type Export struct {
	TenantID   string                 `json:"tenantId"`
	ModuleID   string                 `json:"moduleId"`
	Values     map[string]interface{} `json:"values"`
	Version    int                    `json:"version"`
	ExportedAt time.Time              `json:"exportedAt"`
}

// FormatAdapter converts configuration exports to and from a wire format.
// Adapters are registered on the manager keyed by their tag; JSON is the
// baseline.
type FormatAdapter interface {
	Tag() string
	Marshal(export Export) ([]byte, error)
	Unmarshal(data []byte) (Export, error)
}

// JSONAdapter is the baseline format adapter.
type JSONAdapter struct{}

func (JSONAdapter) Tag() string { return "json" }

func (JSONAdapter) Marshal(export Export) ([]byte, error) {
	return json.MarshalIndent(export, "", "  ")
}

func (JSONAdapter) Unmarshal(data []byte) (Export, error) {
	var export Export
	if err := json.Unmarshal(data, &export); err != nil {
		return Export{}, fmt.Errorf("invalid JSON export: %w", err)
	}
	return export, nil
}

// YAMLAdapter round-trips exports through YAML using the JSON struct tags.
type YAMLAdapter struct{}

func (YAMLAdapter) Tag() string { return "yaml" }

func (YAMLAdapter) Marshal(export Export) ([]byte, error) {
	return sigyaml.Marshal(export)
}

func (YAMLAdapter) Unmarshal(data []byte) (Export, error) {
	var export Export
	if err := sigyaml.Unmarshal(data, &export); err != nil {
		return Export{}, fmt.Errorf("invalid YAML export: %w", err)
	}
	return export, nil
}
