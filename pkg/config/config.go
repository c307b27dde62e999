// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads, validates and watches runtime configuration.
// Configuration is YAML, read from a local file or a remote store
// (consul, etcd, zookeeper), with ${VAR} and ${VAR:-default} expansion
// against the process environment.
package config

import (
	"fmt"
	"time"

	"github.com/kadirpekel/loom/pkg/workflow"
)

// Config is the root runtime configuration.
type Config struct {
	Logger        LoggerConfig        `yaml:"logger"`
	Agent         AgentConfig         `yaml:"agent"`
	Model         ModelConfig         `yaml:"model"`
	Session       SessionConfig       `yaml:"session"`
	Tools         ToolsConfig         `yaml:"tools"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Bus           BusConfig           `yaml:"bus"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// LoggerConfig controls the process-wide slog handler.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AgentConfig describes the agent identity published on the agent card.
type AgentConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
}

// ModelConfig selects and tunes the LLM provider.
type ModelConfig struct {
	Provider       string   `yaml:"provider"`
	Name           string   `yaml:"name"`
	APIKey         string   `yaml:"api_key"`
	BaseURL        string   `yaml:"base_url"`
	MaxTokens      int      `yaml:"max_tokens"`
	Temperature    *float64 `yaml:"temperature"`
	TopP           *float64 `yaml:"top_p"`
	EnableThinking bool     `yaml:"enable_thinking"`
	ThinkingBudget int      `yaml:"thinking_budget"`
}

// SessionConfig controls context lifecycle and history handling.
type SessionConfig struct {
	MaxInactivity time.Duration `yaml:"max_inactivity"`
	ReapInterval  time.Duration `yaml:"reap_interval"`

	// TokenWindow trims model-facing history to this many tokens.
	// Zero disables trimming.
	TokenWindow int `yaml:"token_window"`

	History HistoryConfig `yaml:"history"`
	Index   IndexConfig   `yaml:"index"`
}

// HistoryConfig enables SQL-backed history persistence.
type HistoryConfig struct {
	// Driver is sqlite3, mysql or postgres. Empty disables persistence.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// IndexConfig enables the semantic history index.
type IndexConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path persists the index on disk. Empty keeps it in memory only.
	Path     string `yaml:"path"`
	Compress bool   `yaml:"compress"`
}

// ToolsConfig declares external tool sources.
type ToolsConfig struct {
	MCP     []MCPServerConfig     `yaml:"mcp"`
	Plugins []PluginToolsetConfig `yaml:"plugins"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	URL       string            `yaml:"url"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Filter    []string          `yaml:"filter"`
}

// PluginToolsetConfig describes one out-of-process tool provider.
type PluginToolsetConfig struct {
	Name string   `yaml:"name"`
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// WorkflowConfig tunes the workflow runtime.
type WorkflowConfig struct {
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`

	// ManifestDir holds JSON/YAML manifests declaring workflow plugins
	// whose bodies run through an out-of-process tool provider.
	ManifestDir string `yaml:"manifest_dir"`
}

// BusConfig tunes per-task event buses.
type BusConfig struct {
	// Buffer is the per-subscriber channel capacity. Zero uses the
	// built-in default.
	Buffer int `yaml:"buffer"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig enables bearer JWT validation on agent endpoints.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// ObservabilityConfig controls metrics and tracing.
type ObservabilityConfig struct {
	Metrics bool          `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig configures the OTLP trace exporter. With Enabled set
// and no endpoint, spans go to stdout.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// SetDefaults fills zero-valued fields that have sensible defaults.
func (c *Config) SetDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "loom"
	}
	if c.Model.Provider == "" {
		c.Model.Provider = "anthropic"
	}
	if c.Session.MaxInactivity == 0 {
		c.Session.MaxInactivity = 30 * time.Minute
	}
	if c.Session.ReapInterval == 0 {
		c.Session.ReapInterval = time.Minute
	}
	if c.Workflow.DispatchTimeout == 0 {
		c.Workflow.DispatchTimeout = workflow.DefaultDispatchTimeout
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Observability.Tracing.ServiceName == "" {
		c.Observability.Tracing.ServiceName = c.Agent.Name
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic", "gemini":
	default:
		return fmt.Errorf("model.provider must be anthropic or gemini, got %q", c.Model.Provider)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}

	switch c.Session.History.Driver {
	case "", "sqlite3", "mysql", "postgres":
	default:
		return fmt.Errorf("session.history.driver must be sqlite3, mysql or postgres, got %q", c.Session.History.Driver)
	}
	if c.Session.History.Driver != "" && c.Session.History.DSN == "" {
		return fmt.Errorf("session.history.dsn is required when a driver is set")
	}

	seen := map[string]bool{}
	for i, mcp := range c.Tools.MCP {
		if mcp.Name == "" {
			return fmt.Errorf("tools.mcp[%d]: name is required", i)
		}
		if mcp.URL == "" && mcp.Command == "" {
			return fmt.Errorf("tools.mcp[%d] (%s): either url or command is required", i, mcp.Name)
		}
		if seen[mcp.Name] {
			return fmt.Errorf("duplicate tool source name %q", mcp.Name)
		}
		seen[mcp.Name] = true
	}
	for i, p := range c.Tools.Plugins {
		if p.Name == "" {
			return fmt.Errorf("tools.plugins[%d]: name is required", i)
		}
		if p.Path == "" {
			return fmt.Errorf("tools.plugins[%d] (%s): path is required", i, p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate tool source name %q", p.Name)
		}
		seen[p.Name] = true
	}

	if c.Server.Auth.Enabled && c.Server.Auth.JWKSURL == "" {
		return fmt.Errorf("server.auth.jwks_url is required when auth is enabled")
	}

	return nil
}

// Default returns a configuration with all defaults applied, suitable
// for running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}
