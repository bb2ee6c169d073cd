package templates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivedev/hive/internal/models"
)

const sampleRegistry = `
workspaces:
  - id: app
    rootPath: /repos/app
    name: Main app
templates:
  - id: node-dev
    name: Node dev server
    setup:
      - npm install
    env:
      NODE_ENV: development
    include:
      - .env
    services:
      - name: web
        command: npm run dev
        port: 3000
        env:
          DEBUG: "1"
    defaults:
      modelId: claude-sonnet-4
      providerId: anthropic
      startMode: plan
`

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadRegistry(t *testing.T) {
	r, err := Load(writeRegistry(t, sampleRegistry))
	require.NoError(t, err)

	w, ok := r.Workspace("app")
	require.True(t, ok)
	assert.Equal(t, "/repos/app", w.RootPath)

	tmpl, ok := r.Template("node-dev")
	require.True(t, ok)
	assert.Equal(t, []string{"npm install"}, tmpl.Setup)
	assert.Equal(t, "development", tmpl.Env["NODE_ENV"])
	require.Len(t, tmpl.Services, 1)
	assert.Equal(t, "npm run dev", tmpl.Services[0].Command)
	require.NotNil(t, tmpl.Services[0].Port)
	assert.Equal(t, 3000, *tmpl.Services[0].Port)
	assert.Equal(t, models.StartModePlan, tmpl.Defaults.StartMode)

	_, ok = r.Template("missing")
	assert.False(t, ok)
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	_, ok := r.Template("anything")
	assert.False(t, ok)
}

func TestLoadRejectsMissingIDs(t *testing.T) {
	_, err := Load(writeRegistry(t, "templates:\n  - name: no id\n"))
	assert.ErrorContains(t, err, "missing an id")

	_, err = Load(writeRegistry(t, "workspaces:\n  - rootPath: /x\n"))
	assert.ErrorContains(t, err, "missing an id")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeRegistry(t, "templates: [unclosed"))
	assert.ErrorContains(t, err, "parse")
}

func TestReloadSwapsSnapshot(t *testing.T) {
	path := writeRegistry(t, sampleRegistry)
	r, err := Load(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - id: other
    name: Other
`), 0644))
	require.NoError(t, r.Reload())

	_, ok := r.Template("node-dev")
	assert.False(t, ok)
	_, ok = r.Template("other")
	assert.True(t, ok)
}

func TestAddInMemory(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	r.AddWorkspace(&models.Workspace{ID: "w1", RootPath: "/repos/x"})
	r.AddTemplate(&models.Template{ID: "t1"})

	_, ok := r.Workspace("w1")
	assert.True(t, ok)
	_, ok = r.Template("t1")
	assert.True(t, ok)
}
