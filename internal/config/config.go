package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models opsledger.yml: projector settings plus the status-mapping
// rule table. The mapping table is data, not code, so unknown event-type
// families are added here rather than by editing the projector.
type Config struct {
	Projector struct {
		Name      string `yaml:"name"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"projector"`
	VTID struct {
		Prefix      string `yaml:"prefix"`
		MetadataKey string `yaml:"metadata_key"`
	} `yaml:"vtid"`
	Metadata struct {
		LayerKey      string `yaml:"layer_key"`
		ModuleKey     string `yaml:"module_key"`
		TitleKey      string `yaml:"title_key"`
		SummaryKey    string `yaml:"summary_key"`
		LayerFallback string `yaml:"layer_fallback"`
	} `yaml:"metadata"`
	Mapping struct {
		Rules    []MappingRule     `yaml:"rules"`
		Fallback map[string]string `yaml:"fallback"`
	} `yaml:"mapping"`
}

// MappingRule maps a topic keyword to a canonical ledger status. Rules are
// evaluated in order; first match wins.
type MappingRule struct {
	Match  string `yaml:"match"`
	Status string `yaml:"status"`
}

var validStatuses = map[string]bool{
	"pending":   true,
	"active":    true,
	"complete":  true,
	"blocked":   true,
	"cancelled": true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with ol config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Projector.Name == "" {
		return fmt.Errorf("config.projector.name is required")
	}
	if c.Projector.BatchSize <= 0 {
		return fmt.Errorf("config.projector.batch_size must be positive")
	}
	if c.VTID.Prefix == "" {
		return fmt.Errorf("config.vtid.prefix is required")
	}
	if c.VTID.MetadataKey == "" {
		return fmt.Errorf("config.vtid.metadata_key is required")
	}
	if len(c.Mapping.Rules) == 0 {
		return fmt.Errorf("config.mapping.rules is required")
	}
	for i, rule := range c.Mapping.Rules {
		if rule.Match == "" {
			return fmt.Errorf("mapping rule %d has empty match", i)
		}
		if !validStatuses[rule.Status] {
			return fmt.Errorf("mapping rule %s has unknown status %s", rule.Match, rule.Status)
		}
	}
	for key, status := range c.Mapping.Fallback {
		if key == "" {
			return fmt.Errorf("config.mapping.fallback has empty key")
		}
		if !validStatuses[status] {
			return fmt.Errorf("fallback %s has unknown status %s", key, status)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsledger.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectorName string) string {
	return fmt.Sprintf(defaultTemplate, projectorName)
}

// Default returns the default Config struct for a projector. The template
// is a compile-time constant, so a decode failure is a programming bug and
// panics rather than handing callers a zero config.
func Default(projectorName string) *Config {
	cfg, err := FromYAML([]byte(fmt.Sprintf(defaultTemplate, projectorName)))
	if err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	cfg.Projector.Name = projectorName
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
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

const defaultTemplate = `projector:
  name: %s
  batch_size: 200

vtid:
  prefix: VTID
  metadata_key: vtid

metadata:
  layer_key: layer
  module_key: module
  title_key: title
  summary_key: summary
  layer_fallback: track

mapping:
  # Evaluated top to bottom against the event topic; first match wins.
  # Explicit "started" verbs are already active; bare creation is pending.
  rules:
    - match: _started
      status: active
    - match: _created
      status: pending
    - match: _opened
      status: pending
    - match: _resumed
      status: active
    - match: _succeeded
      status: complete
    - match: _merged
      status: complete
    - match: _validated
      status: complete
    - match: _completed
      status: complete
    - match: _deployed
      status: complete
    - match: _failed
      status: blocked
    - match: _cancelled
      status: cancelled
    - match: _closed
      status: cancelled

  # Applied to the event status field when no rule matched the topic.
  # info/warning are deliberately absent: they never move the ledger.
  fallback:
    success: complete
    start: active
    error: blocked
    failure: blocked
`
