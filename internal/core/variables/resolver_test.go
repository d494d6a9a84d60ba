package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Tiered Resolution Tests
// =============================================================================

// Covers all eight presence combinations of (default, shared, override) for
// one variable name: the final value is override if present, else shared if
// present, else the stack default, else absent.
func TestResolve_AllPresenceCombinations(t *testing.T) {
	tests := []struct {
		name          string
		hasDefault    bool
		hasShared     bool
		hasOverride   bool
		expectPresent bool
		expected      string
	}{
		{"none", false, false, false, false, ""},
		{"default only", true, false, false, true, "default"},
		{"shared only", false, true, false, true, "shared"},
		{"override only", false, false, true, true, "override"},
		{"default and shared", true, true, false, true, "shared"},
		{"default and override", true, false, true, true, "override"},
		{"shared and override", false, true, true, true, "override"},
		{"all three", true, true, true, true, "override"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var defaults, shared, overrides map[string]string
			if tt.hasDefault {
				defaults = map[string]string{"VAR": "default"}
			}
			if tt.hasShared {
				shared = map[string]string{"VAR": "shared"}
			}
			if tt.hasOverride {
				overrides = map[string]string{"VAR": "override"}
			}

			resolved := Resolve(defaults, shared, overrides)

			val, ok := resolved["VAR"]
			assert.Equal(t, tt.expectPresent, ok)
			if tt.expectPresent {
				assert.Equal(t, tt.expected, val)
			}
		})
	}
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	defaults := map[string]string{"A": "1"}
	shared := map[string]string{"A": "2", "B": "2"}

	resolved := Resolve(defaults, shared, nil)
	resolved["A"] = "changed"
	resolved["C"] = "new"

	assert.Equal(t, "1", defaults["A"])
	assert.Equal(t, "2", shared["A"])
	_, ok := shared["C"]
	assert.False(t, ok)
}

func TestResolve_DisjointNames(t *testing.T) {
	resolved := Resolve(
		map[string]string{"A": "a"},
		map[string]string{"B": "b"},
		map[string]string{"C": "c"},
	)

	assert.Equal(t, map[string]string{"A": "a", "B": "b", "C": "c"}, resolved)
}

// =============================================================================
// Substitution Tests
// =============================================================================

func TestSubstitute(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		variables map[string]string
		expected  string
	}{
		{"simple", "${DB_HOST}", map[string]string{"DB_HOST": "localhost"}, "localhost"},
		{"missing kept as-is", "${MISSING}", map[string]string{}, "${MISSING}"},
		{"default used", "${PORT:-8080}", map[string]string{}, "8080"},
		{"default ignored when set", "${PORT:-8080}", map[string]string{"PORT": "9090"}, "9090"},
		{"empty default", "${OPT:-}", map[string]string{}, ""},
		{"multiple placeholders", "postgres://${HOST}:${PORT}", map[string]string{"HOST": "db", "PORT": "5432"}, "postgres://db:5432"},
		{"no placeholder", "plain text", map[string]string{"X": "y"}, "plain text"},
		{"nil variables", "${X:-fallback}", nil, "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Substitute(tt.value, tt.variables))
		})
	}
}

func TestSubstituteAll(t *testing.T) {
	env := map[string]string{
		"DATABASE_URL": "postgres://${DB_HOST}:${DB_PORT:-5432}/app",
		"STATIC":       "value",
	}

	out := SubstituteAll(env, map[string]string{"DB_HOST": "pg"})

	assert.Equal(t, "postgres://pg:5432/app", out["DATABASE_URL"])
	assert.Equal(t, "value", out["STATIC"])
	// Original untouched.
	assert.Equal(t, "postgres://${DB_HOST}:${DB_PORT:-5432}/app", env["DATABASE_URL"])
}
