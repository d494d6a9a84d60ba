// Package variables implements layered configuration value resolution for
// stack deployments.
package variables

import "regexp"

// =============================================================================
// Tiered Resolution
// =============================================================================

// Resolve merges three configuration tiers into the final variable map for
// one stack, in ascending priority: stack-definition defaults, shared
// product-wide variables, per-stack overrides from the request. A name
// present at a higher tier replaces the lower tier's value; an absent tier
// is a no-op. The inputs are never mutated.
func Resolve(defaults, shared, overrides map[string]string) map[string]string {
	resolved := make(map[string]string, len(defaults)+len(shared)+len(overrides))
	for k, v := range defaults {
		resolved[k] = v
	}
	for k, v := range shared {
		resolved[k] = v
	}
	for k, v := range overrides {
		resolved[k] = v
	}
	return resolved
}

// =============================================================================
// Placeholder Substitution
// =============================================================================

// varPlaceholderRegex matches ${VAR} and ${VAR:-default} patterns.
// Groups:
//   - Group 1: Variable name (required)
//   - Group 2: Default value (optional, after :-)
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Substitute replaces ${VAR} and ${VAR:-default} placeholders with values
// from the variables map.
//
// Behavior:
//   - ${VAR} - replaced with variables["VAR"] if exists, otherwise kept as-is
//   - ${VAR:-default} - replaced with variables["VAR"] if exists, otherwise "default"
//   - Unmatched text is left unchanged
//
// Examples:
//
//	Substitute("${DB_HOST}", map[string]string{"DB_HOST": "localhost"})
//	// Returns: "localhost"
//
//	Substitute("${PORT:-8080}", map[string]string{})
//	// Returns: "8080"
//
//	Substitute("postgres://${HOST}:${PORT}", map[string]string{"HOST": "db", "PORT": "5432"})
//	// Returns: "postgres://db:5432"
func Substitute(value string, variables map[string]string) string {
	if variables == nil {
		variables = make(map[string]string)
	}

	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		submatch := varPlaceholderRegex.FindStringSubmatch(match)
		if len(submatch) >= 2 {
			varName := submatch[1]
			if val, ok := variables[varName]; ok {
				return val
			}
			// Default applies even when empty: ${VAR:-} yields "".
			if len(submatch) >= 3 && len(match) > len(varName)+3 {
				return submatch[2]
			}
		}
		return match
	})
}

// SubstituteAll applies Substitute to every value of a map, returning a new
// map. Used for service environment blocks before plan generation.
func SubstituteAll(values, variables map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = Substitute(v, variables)
	}
	return out
}
