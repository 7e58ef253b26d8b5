package tenantconfig

import (
	"sort"

	"modkit/internal/api"
)

// Strategy is how a tenant's configuration pulls from parent scopes.
type Strategy string

const (
	// StrategyCascade overrides parent values field-by-field.
	StrategyCascade Strategy = "cascade"
	// StrategyMerge deep-merges map values.
	StrategyMerge Strategy = "merge"
	// StrategyStrict uses parent values only; child writes are rejected.
	StrategyStrict Strategy = "strict"
	// StrategyIsolated disables inheritance entirely.
	StrategyIsolated Strategy = "isolated"
)

// Scope names a parent configuration source.
type Scope string

const (
	ScopeGlobal        Scope = "global"
	ScopeTenantGroup   Scope = "tenant-group"
	ScopeModuleDefault Scope = "module-default"
	ScopeEnvironment   Scope = "environment"
)

// Condition gates a source: the already-merged values must satisfy the
// predicate for the source to contribute.
type Condition struct {
	Field  string        `json:"field" yaml:"field"`
	Equals interface{}   `json:"equals,omitempty" yaml:"equals,omitempty"`
	In     []interface{} `json:"in,omitempty" yaml:"in,omitempty"`
}

// Source is one prioritized parent scope. Lower priority values merge
// first, so higher priorities win conflicts.
type Source struct {
	Scope      Scope       `json:"scope" yaml:"scope"`
	Priority   int         `json:"priority" yaml:"priority"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// InheritancePolicy is the per-(tenant, module) inheritance declaration.
type InheritancePolicy struct {
	Strategy Strategy `json:"strategy" yaml:"strategy"`
	Sources  []Source `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// ScopeProvider resolves the parent values contributed by a scope for a
// given tenant and module. Unknown scopes return nil.
type ScopeProvider func(scope Scope, tenantID, moduleID string) map[string]interface{}

// ResolveEffective combines parent scopes and the tenant's own values
// according to the strategy. The inputs are never mutated.
func ResolveEffective(policy InheritancePolicy, provider ScopeProvider, tenantID, moduleID string, own map[string]interface{}, schema api.ConfigSchema) map[string]interface{} {
	switch policy.Strategy {
	case StrategyIsolated:
		return copyMap(own)
	case "":
		return copyMap(own)
	}

	sources := make([]Source, len(policy.Sources))
	copy(sources, policy.Sources)
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].Priority < sources[j].Priority })

	merged := map[string]interface{}{}
	for _, source := range sources {
		if provider == nil {
			break
		}
		if !conditionsHold(source.Conditions, merged) {
			continue
		}
		parent := provider(source.Scope, tenantID, moduleID)
		for field, value := range parent {
			if spec, declared := schema[field]; declared && !spec.Inheritable {
				continue
			}
			merged[field] = value
		}
	}

	switch policy.Strategy {
	case StrategyStrict:
		// Parent values only.
		return merged
	case StrategyMerge:
		return deepMerge(merged, own)
	default: // cascade
		for field, value := range own {
			merged[field] = value
		}
		return merged
	}
}

func conditionsHold(conditions []Condition, values map[string]interface{}) bool {
	for _, c := range conditions {
		current, present := values[c.Field]
		if !present {
			return false
		}
		if c.Equals != nil && !equalValues(c.Equals, current) {
			return false
		}
		if len(c.In) > 0 {
			matched := false
			for _, candidate := range c.In {
				if equalValues(candidate, current) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}
	return true
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

// deepMerge merges overlay into base recursively; overlay wins scalar
// conflicts. Neither input is mutated.
func deepMerge(base, overlay map[string]interface{}) map[string]interface{} {
	result := copyMap(base)
	for key, value := range overlay {
		if overlayMap, ok := value.(map[string]interface{}); ok {
			if baseMap, ok := result[key].(map[string]interface{}); ok {
				result[key] = deepMerge(baseMap, overlayMap)
				continue
			}
		}
		result[key] = value
	}
	return result
}
