package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/appos-io/appos/pkg/types"
)

// Environment variable overrides
const (
	EnvDataDir  = "APPOS_DATA_DIR"
	EnvLogLevel = "APPOS_LOG_LEVEL"
)

// ServerConfig configures the appos server process
type ServerConfig struct {
	DataDir     string `yaml:"dataDir"`
	Workers     int    `yaml:"workers"`
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	JSONLogs    bool   `yaml:"jsonLogs"`
}

// Defaults returns the development defaults
func Defaults() ServerConfig {
	return ServerConfig{
		DataDir:     "./data",
		Workers:     4,
		MetricsAddr: ":9090",
		LogLevel:    "info",
	}
}

// Load reads the server config: defaults, overridden by the YAML file at
// path (if non-empty), overridden by environment variables. Flag handling
// stays with the CLI.
func Load(path string) (ServerConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	return cfg, nil
}

// Manifest kinds accepted by `appos apply`
const (
	KindEventTrigger    = "EventTrigger"
	KindScheduleTrigger = "ScheduleTrigger"
	KindConnectedSystem = "ConnectedSystem"
)

// Manifest is one declarative resource in an apply file
type Manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       ManifestSpec     `yaml:"spec"`
}

// ManifestMetadata names a manifest resource
type ManifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// ManifestSpec is the union of the per-kind spec fields
type ManifestSpec struct {
	// EventTrigger
	Event   string `yaml:"event,omitempty"`
	Process string `yaml:"process,omitempty"`

	// ScheduleTrigger
	Cron     string `yaml:"cron,omitempty"`
	TimeZone string `yaml:"timeZone,omitempty"`

	// ConnectedSystem
	SystemType string            `yaml:"systemType,omitempty"`
	BaseURL    string            `yaml:"baseUrl,omitempty"`
	AuthConfig map[string]string `yaml:"authConfig,omitempty"`
}

// Validate checks the per-kind required fields
func (m *Manifest) Validate() error {
	switch m.Kind {
	case KindEventTrigger:
		if m.Spec.Event == "" || m.Spec.Process == "" {
			return types.NewValidationError(m.Metadata.Name, "EventTrigger requires spec.event and spec.process")
		}
	case KindScheduleTrigger:
		if m.Spec.Cron == "" || m.Spec.Process == "" {
			return types.NewValidationError(m.Metadata.Name, "ScheduleTrigger requires spec.cron and spec.process")
		}
	case KindConnectedSystem:
		if m.Metadata.Name == "" {
			return types.NewValidationError("metadata.name", "ConnectedSystem requires a name")
		}
	default:
		return types.NewValidationError("kind", "unknown manifest kind %q", m.Kind)
	}
	return nil
}

// ParseManifests reads a multi-document YAML apply file
func ParseManifests(data []byte) ([]Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []Manifest
	for {
		var m Manifest
		if err := dec.Decode(&m); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to parse manifest: %w", err)
		}
		if m.Kind == "" {
			continue
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
