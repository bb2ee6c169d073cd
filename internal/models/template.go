package models

// TemplateService declares one long-running service a template launches per cell.
type TemplateService struct {
	Name    string            `yaml:"name" json:"name"`
	Type    ServiceType       `yaml:"type" json:"type"`
	Command string            `yaml:"command" json:"command"`
	Cwd     string            `yaml:"cwd" json:"cwd,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	Port    *int              `yaml:"port" json:"port,omitempty"`
}

// TemplateDefaults carries the default agent settings for cells of a template.
type TemplateDefaults struct {
	ModelID    string    `yaml:"modelId" json:"modelId,omitempty"`
	ProviderID string    `yaml:"providerId" json:"providerId,omitempty"`
	StartMode  StartMode `yaml:"startMode" json:"startMode,omitempty"`
}

// Template is a configuration record specifying services, setup commands,
// env, include patterns, and default agent settings for new cells.
type Template struct {
	ID       string            `yaml:"id" json:"id"`
	Name     string            `yaml:"name" json:"name"`
	Setup    []string          `yaml:"setup" json:"setup,omitempty"`
	Env      map[string]string `yaml:"env" json:"env,omitempty"`
	Include  []string          `yaml:"include" json:"include,omitempty"`
	Services []TemplateService `yaml:"services" json:"services,omitempty"`
	Defaults TemplateDefaults  `yaml:"defaults" json:"defaults"`
}

// Workspace is the repository a cell's worktree is carved out of.
type Workspace struct {
	ID       string `yaml:"id" json:"id"`
	RootPath string `yaml:"rootPath" json:"rootPath"`
	Name     string `yaml:"name" json:"name,omitempty"`
}
