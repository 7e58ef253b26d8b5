package registry

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"modkit/internal/api"
)

// requiredCapabilities are the behavioral surfaces every module must
// expose, either through a bound ModuleContract or as declared
// capabilities in its manifest.
var requiredCapabilities = []string{
	"initialize",
	"cleanup",
	"getHealthStatus",
	"getConfigurationSchema",
	"validateConfiguration",
}

// validateDefinition checks the registration contract: required fields,
// a parseable semver version, parseable dependency constraints, and the
// five required capabilities.
func validateDefinition(def api.ModuleDefinition, contract api.ModuleContract) error {
	var problems []string

	if def.ID == "" {
		problems = append(problems, "id is required")
	}
	if def.Name == "" {
		problems = append(problems, "name is required")
	}
	if def.Version == "" {
		problems = append(problems, "version is required")
	} else if _, err := semver.NewVersion(def.Version); err != nil {
		problems = append(problems, fmt.Sprintf("version %q is not valid semver: %v", def.Version, err))
	}

	// A bound contract satisfies the capability requirement wholesale;
	// manifest-only modules must declare them.
	if contract == nil {
		declared := make(map[string]bool, len(def.Capabilities))
		for _, cap := range def.Capabilities {
			declared[cap.ID] = true
		}
		for _, required := range requiredCapabilities {
			if !declared[required] {
				problems = append(problems, fmt.Sprintf("required capability %q is not declared", required))
			}
		}
	}

	seen := make(map[string]bool, len(def.Dependencies))
	for _, dep := range def.Dependencies {
		if dep.ModuleID == "" {
			problems = append(problems, "dependency with empty moduleId")
			continue
		}
		if dep.ModuleID == def.ID {
			problems = append(problems, fmt.Sprintf("module %s cannot depend on itself", def.ID))
		}
		if seen[dep.ModuleID] {
			problems = append(problems, fmt.Sprintf("duplicate dependency on %s", dep.ModuleID))
		}
		seen[dep.ModuleID] = true

		switch dep.Kind {
		case api.DependencyRequired, api.DependencyOptional, api.DependencyConflicting:
		default:
			problems = append(problems, fmt.Sprintf("dependency %s has unknown kind %q", dep.ModuleID, dep.Kind))
		}
		if dep.Constraint != "" {
			if _, err := semver.NewConstraint(dep.Constraint); err != nil {
				problems = append(problems, fmt.Sprintf("dependency %s has invalid constraint %q: %v", dep.ModuleID, dep.Constraint, err))
			}
		}
	}

	for _, mig := range def.Migrations {
		if mig.ID == "" {
			problems = append(problems, "migration with empty id")
		}
		if mig.Version == "" {
			problems = append(problems, fmt.Sprintf("migration %s has no version", mig.ID))
		}
	}

	if len(problems) > 0 {
		return api.NewValidationError("module definition is invalid: %v", problems).
			WithContext("problems", problems)
	}
	return nil
}

// SatisfiesConstraint reports whether a registered module's version
// satisfies a declared dependency constraint. An empty constraint matches
// any version.
func SatisfiesConstraint(version, constraint string) (bool, error) {
	if constraint == "" {
		return true, nil
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, err
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(v), nil
}
