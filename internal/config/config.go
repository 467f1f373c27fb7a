// Package config models config.json: the workflow transition graph,
// universal targets, completion policies, and instance metadata. The core
// treats a loaded Config as read-only input per operation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"lattice/internal/domain"
	"lattice/internal/storage"
)

// Config models the canonical config.json at the root of the marker
// directory.
type Config struct {
	SchemaVersion   int      `json:"schema_version" yaml:"schema_version"`
	InstanceID      string   `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	InstanceName    string   `json:"instance_name,omitempty" yaml:"instance_name,omitempty"`
	DefaultActor    string   `json:"default_actor,omitempty" yaml:"default_actor,omitempty"`
	ProjectCode     string   `json:"project_code,omitempty" yaml:"project_code,omitempty"`
	SubprojectCode  string   `json:"subproject_code,omitempty" yaml:"subproject_code,omitempty"`
	DefaultStatus   string   `json:"default_status" yaml:"default_status"`
	DefaultPriority string   `json:"default_priority" yaml:"default_priority"`
	TaskTypes       []string `json:"task_types" yaml:"task_types"`
	Workflow        Workflow `json:"workflow" yaml:"workflow"`
}

// Workflow is the configured status state machine.
type Workflow struct {
	Statuses           []string                    `json:"statuses" yaml:"statuses"`
	Transitions        map[string][]string         `json:"transitions" yaml:"transitions"`
	WIPLimits          map[string]int              `json:"wip_limits,omitempty" yaml:"wip_limits,omitempty"`
	UniversalTargets   []string                    `json:"universal_targets,omitempty" yaml:"universal_targets,omitempty"`
	CompletionPolicies map[string]CompletionPolicy `json:"completion_policies,omitempty" yaml:"completion_policies,omitempty"`
}

// CompletionPolicy gates entry into a target status.
type CompletionPolicy struct {
	RequireRoles    []string `json:"require_roles,omitempty" yaml:"require_roles,omitempty"`
	RequireAssigned bool     `json:"require_assigned,omitempty" yaml:"require_assigned,omitempty"`
}

// Default returns the canonical default configuration.
func Default() *Config {
	return &Config{
		SchemaVersion:   1,
		DefaultStatus:   "backlog",
		DefaultPriority: "medium",
		TaskTypes:       []string{"task", "epic", "bug", "spike", "chore"},
		Workflow: Workflow{
			Statuses: []string{
				"backlog", "ready", "in_progress", "review", "done", "blocked", "cancelled",
			},
			Transitions: map[string][]string{
				"backlog":     {"ready", "cancelled"},
				"ready":       {"in_progress", "blocked", "cancelled"},
				"in_progress": {"review", "blocked", "cancelled"},
				"review":      {"done", "in_progress", "cancelled"},
				"done":        {},
				"cancelled":   {},
				"blocked":     {"ready", "in_progress", "cancelled"},
			},
			WIPLimits: map[string]int{
				"in_progress": 10,
				"review":      5,
			},
		},
	}
}

// Load reads and validates config.json from the root.
func Load(root storage.Root) (*Config, error) {
	data, err := os.ReadFile(root.ConfigPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.Errf(domain.CodeNotFound, "config.json not found in %s; run 'lattice init'", root.Dir)
		}
		return nil, domain.WrapIO("read config.json", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, domain.Errf(domain.CodeValidation, "config.json is not valid JSON: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config atomically in the canonical JSON format.
func (c *Config) Save(root storage.Root) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return storage.WriteCanonical(root.ConfigPath(), c)
}

// Validate ensures the workflow graph is internally consistent.
func (c *Config) Validate() error {
	if len(c.Workflow.Statuses) == 0 {
		return domain.Errf(domain.CodeValidation, "config.workflow.statuses is required")
	}
	known := map[string]bool{}
	for _, s := range c.Workflow.Statuses {
		if s == "" {
			return domain.Errf(domain.CodeValidation, "config.workflow.statuses contains an empty status")
		}
		known[s] = true
	}
	if c.DefaultStatus == "" || !known[c.DefaultStatus] {
		return domain.Errf(domain.CodeValidation, "config.default_status %q is not a configured status", c.DefaultStatus)
	}
	for from, targets := range c.Workflow.Transitions {
		if !known[from] {
			return domain.Errf(domain.CodeValidation, "transition source %q is not a configured status", from)
		}
		for _, to := range targets {
			if !known[to] {
				return domain.Errf(domain.CodeValidation, "transition %s -> %s targets an unknown status", from, to)
			}
		}
	}
	for _, t := range c.Workflow.UniversalTargets {
		if !known[t] {
			return domain.Errf(domain.CodeValidation, "universal target %q is not a configured status", t)
		}
	}
	for target, policy := range c.Workflow.CompletionPolicies {
		if !known[target] {
			return domain.Errf(domain.CodeValidation, "completion policy targets unknown status %q", target)
		}
		for _, role := range policy.RequireRoles {
			if role == "" {
				return domain.Errf(domain.CodeValidation, "completion policy for %q has an empty required role", target)
			}
		}
	}
	return nil
}

// IsUniversalTarget reports whether status bypasses the transition graph.
func (c *Config) IsUniversalTarget(status string) bool {
	for _, t := range c.Workflow.UniversalTargets {
		if t == status {
			return true
		}
	}
	return false
}

// KnownStatus reports whether status is configured at all.
func (c *Config) KnownStatus(status string) bool {
	for _, s := range c.Workflow.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// FromYAML parses a YAML rendition of the config, for explicit imports.
func FromYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.Errf(domain.CodeValidation, "invalid config YAML: %v", err)
	}
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML renders the config as YAML, for explicit exports.
func (c *Config) ToYAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config yaml: %w", err)
	}
	return out, nil
}
