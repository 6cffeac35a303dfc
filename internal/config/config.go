package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"leanline/internal/tracking"
	"leanline/internal/validation"
)

const ProjectKind = "lean-startup"

// Config models leanline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Stages validation.Catalog `yaml:"stages" json:"stages"`
	Sync   tracking.Policy    `yaml:"sync" json:"sync"`
	RBAC   struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// WebhookConfig is an outbound endpoint. Events filters by event type prefix; empty
// means every event.
type WebhookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Secret  string   `yaml:"secret" json:"secret,omitempty"`
	Events  []string `yaml:"events" json:"events,omitempty"`
	Enabled *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with leanline project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != ProjectKind {
		return fmt.Errorf("config.project.kind must be '%s'", ProjectKind)
	}
	if len(c.Stages) > 0 {
		if err := c.Stages.Validate(); err != nil {
			return fmt.Errorf("config.stages: %w", err)
		}
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Catalog returns the configured stages, or the built-in journey when none are set.
func (c *Config) Catalog() validation.Catalog {
	if c == nil || len(c.Stages) == 0 {
		return validation.DefaultCatalog()
	}
	return c.Stages
}

func (c *Config) SyncPolicy() tracking.Policy {
	if c == nil {
		return tracking.DefaultPolicy()
	}
	return c.Sync
}

// RolePermissions returns the permissions granted by roleID. A config without an rbac
// section uses the built-in owner/editor/viewer roles.
func (c *Config) RolePermissions(roleID string) []string {
	if c == nil {
		return nil
	}
	if len(c.RBAC.Roles) == 0 {
		return Default(c.Project.ID).RBAC.Roles[roleID].Permissions
	}
	return c.RBAC.Roles[roleID].Permissions
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "leanline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = ProjectKind
	cfg.Stages = validation.DefaultCatalog()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sync settings take
// their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Config{Sync: tracking.DefaultPolicy()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders cfg for export.
func ToYAML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const defaultTemplate = `project:
  id: %s
  kind: lean-startup

sync:
  max_retries: 3
  base_delay: 200ms
  multiplier: 2
  max_delay: 5s
  rollback_on_failure: false

rbac:
  roles:
    owner:
      description: "Full control of the project"
      permissions:
        - project.read
        - project.update
        - project.delete
        - tracking.read
        - tracking.write
        - metric.read
        - metric.write
        - pivot.read
        - pivot.write
        - artifact.read
        - artifact.write
        - events.read
        - rbac.manage
    editor:
      description: "Records progress, metrics and pivots"
      permissions:
        - project.read
        - tracking.read
        - tracking.write
        - metric.read
        - metric.write
        - pivot.read
        - pivot.write
        - artifact.read
        - artifact.write
        - events.read
    viewer:
      description: "Read-only access"
      permissions:
        - project.read
        - tracking.read
        - metric.read
        - pivot.read
        - artifact.read
        - events.read
`
