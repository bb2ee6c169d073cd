package templates

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/hivedev/hive/internal/models"
)

// Registry holds the workspaces and templates declared in the YAML registry
// file. Reads are served from memory; Reload swaps the whole snapshot.
type Registry struct {
	mu         sync.RWMutex
	path       string
	templates  map[string]*models.Template
	workspaces map[string]*models.Workspace
}

type registryFile struct {
	Workspaces []models.Workspace `yaml:"workspaces"`
	Templates  []models.Template  `yaml:"templates"`
}

// Load reads the registry file at path. A missing file yields an empty registry.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:       path,
		templates:  make(map[string]*models.Template),
		workspaces: make(map[string]*models.Workspace),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file and replaces the in-memory snapshot.
func (r *Registry) Reload() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read template registry: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse template registry: %w", err)
	}

	templates := make(map[string]*models.Template, len(file.Templates))
	for i := range file.Templates {
		t := file.Templates[i]
		if t.ID == "" {
			return fmt.Errorf("template registry entry %d is missing an id", i)
		}
		templates[t.ID] = &t
	}
	workspaces := make(map[string]*models.Workspace, len(file.Workspaces))
	for i := range file.Workspaces {
		w := file.Workspaces[i]
		if w.ID == "" {
			return fmt.Errorf("workspace registry entry %d is missing an id", i)
		}
		workspaces[w.ID] = &w
	}

	r.mu.Lock()
	r.templates = templates
	r.workspaces = workspaces
	r.mu.Unlock()
	return nil
}

// Template returns the template with the given id.
func (r *Registry) Template(id string) (*models.Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

// Workspace returns the workspace with the given id.
func (r *Registry) Workspace(id string) (*models.Workspace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workspaces[id]
	return w, ok
}

// AddWorkspace registers a workspace in memory. Used by tests and by callers
// that discover workspaces outside the registry file.
func (r *Registry) AddWorkspace(w *models.Workspace) {
	r.mu.Lock()
	r.workspaces[w.ID] = w
	r.mu.Unlock()
}

// AddTemplate registers a template in memory.
func (r *Registry) AddTemplate(t *models.Template) {
	r.mu.Lock()
	r.templates[t.ID] = t
	r.mu.Unlock()
}
