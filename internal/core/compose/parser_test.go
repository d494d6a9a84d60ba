package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Fixtures
// =============================================================================

const minimalValidManifest = `
services:
  app:
    image: nginx:latest
`

const multiServiceManifest = `
services:
  web:
    image: nginx:latest
    ports:
      - "80:80"
    depends_on:
      - api

  api:
    image: myapp:1.0
    environment:
      DB_HOST: db
    depends_on:
      - db

  db:
    image: postgres:16
    volumes:
      - pgdata:/var/lib/postgresql/data

volumes:
  pgdata:
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_MinimalManifest(t *testing.T) {
	manifest, err := Parse(minimalValidManifest)
	require.NoError(t, err)

	require.Len(t, manifest.Services, 1)
	assert.Equal(t, "app", manifest.Services[0].Name)
	assert.Equal(t, "nginx:latest", manifest.Services[0].Image)
}

func TestParse_MultiService(t *testing.T) {
	manifest, err := Parse(multiServiceManifest)
	require.NoError(t, err)

	require.Len(t, manifest.Services, 3)
	require.Len(t, manifest.Volumes, 1)
	assert.Equal(t, "pgdata", manifest.Volumes[0].Name)

	byName := make(map[string]Service)
	for _, svc := range manifest.Services {
		byName[svc.Name] = svc
	}
	assert.Equal(t, []string{"api"}, byName["web"].DependsOn)
	assert.Equal(t, "db", byName["api"].Environment["DB_HOST"])
	require.Len(t, byName["web"].Ports, 1)
	assert.Equal(t, uint32(80), byName["web"].Ports[0].Target)
	require.Len(t, byName["db"].Volumes, 1)
	assert.Equal(t, VolumeMountTypeVolume, byName["db"].Volumes[0].Type)
}

func TestParse_EmptyInput(t *testing.T) {
	_, err := Parse("  \n ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse("services: [unclosed")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParse_NoServices(t *testing.T) {
	_, err := Parse("volumes:\n  data:\n")
	assert.Error(t, err)
}

func TestParse_BuildRejected(t *testing.T) {
	spec := `
services:
  app:
    build: .
`
	_, err := Parse(spec)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
}

func TestParse_CircularDependency(t *testing.T) {
	spec := `
services:
  a:
    image: img:1
    depends_on: [b]
  b:
    image: img:1
    depends_on: [a]
`
	_, err := Parse(spec)
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestParse_PlaceholdersSurviveParsing(t *testing.T) {
	spec := `
services:
  app:
    image: myapp:latest
    environment:
      DATABASE_URL: postgres://${DB_HOST}:${DB_PORT:-5432}/app
`
	manifest, err := Parse(spec)
	require.NoError(t, err)
	assert.Equal(t, "postgres://${DB_HOST}:${DB_PORT:-5432}/app", manifest.Services[0].Environment["DATABASE_URL"])
}

// =============================================================================
// Variable Extraction Tests
// =============================================================================

func TestExtractVariables(t *testing.T) {
	spec := `
services:
  app:
    image: myapp:${TAG:-latest}
    environment:
      DB_HOST: ${DB_HOST}
      DB_URL: postgres://${DB_HOST}:${DB_PORT}/app
`
	vars := ExtractVariables(spec)
	assert.Equal(t, []string{"TAG", "DB_HOST", "DB_PORT"}, vars)
}

func TestExtractVariables_None(t *testing.T) {
	assert.Empty(t, ExtractVariables(minimalValidManifest))
}

// =============================================================================
// Ordering Tests
// =============================================================================

func TestTopologicalSort(t *testing.T) {
	services := []Service{
		{Name: "web", DependsOn: []string{"api"}},
		{Name: "api", DependsOn: []string{"db"}},
		{Name: "db"},
	}

	sorted := TopologicalSort(services)
	require.Len(t, sorted, 3)
	assert.Equal(t, "db", sorted[0].Name)
	assert.Equal(t, "api", sorted[1].Name)
	assert.Equal(t, "web", sorted[2].Name)
}

func TestTopologicalSort_NoDependencies_KeepsDeclarationOrder(t *testing.T) {
	services := []Service{
		{Name: "c"},
		{Name: "a"},
		{Name: "b"},
	}

	sorted := TopologicalSort(services)
	require.Len(t, sorted, 3)
	assert.Equal(t, "c", sorted[0].Name)
	assert.Equal(t, "a", sorted[1].Name)
	assert.Equal(t, "b", sorted[2].Name)
}

func TestTopologicalSort_Empty(t *testing.T) {
	assert.Empty(t, TopologicalSort(nil))
}
