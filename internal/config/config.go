// Package config provides configuration management for the Gemini Bridge server.
// It handles loading and parsing YAML configuration files, and provides structured
// access to application settings including server port, authentication directory,
// model mappings, system prompt composition, and API keys.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SDKConfig represents transport-level settings shared by every outbound component.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// APIKeys is a list of keys for authenticating clients to this proxy server.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the server emits SSE heartbeats (": keep-alive\n\n").
	// <= 0 disables keep-alives. Default is 0.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`

	// DisableProxyBuffering when true adds "X-Accel-Buffering: no" to SSE responses.
	DisableProxyBuffering bool `yaml:"disable-proxy-buffering,omitempty" json:"disable-proxy-buffering,omitempty"`
}

// ModelConfig describes one client-visible model and how it maps onto the backend.
type ModelConfig struct {
	// BackendModel is the upstream model id requests are rewritten to.
	// Empty means the client-visible name is passed through unchanged.
	BackendModel string `yaml:"backend-model,omitempty" json:"backend-model,omitempty"`

	// Thinking enables reasoning ("thought") handling for this model: thought
	// parts are forwarded and signatures are resolved on assistant history.
	Thinking bool `yaml:"thinking" json:"thinking"`

	// ThinkingBudget caps reasoning tokens via generationConfig.thinkingConfig.
	// <= 0 leaves the backend default in place.
	ThinkingBudget int `yaml:"thinking-budget,omitempty" json:"thinking-budget,omitempty"`

	ContextWindow int `yaml:"context-window,omitempty" json:"context-window,omitempty"`
	MaxOutput     int `yaml:"max-output,omitempty" json:"max-output,omitempty"`
}

// GenerationDefaults carries default generation parameters applied when the
// client request leaves them unset.
type GenerationDefaults struct {
	Temperature     *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TopP            *float64 `yaml:"top-p,omitempty" json:"top-p,omitempty"`
	TopK            *int     `yaml:"top-k,omitempty" json:"top-k,omitempty"`
	MaxOutputTokens *int     `yaml:"max-output-tokens,omitempty" json:"max-output-tokens,omitempty"`
}

// SystemPromptConfig controls how the three system prompt sources are combined.
type SystemPromptConfig struct {
	// Host is the host-mandated prompt prepended by the operator of the bridge.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Default is the operator-configured default prompt.
	Default string `yaml:"default,omitempty" json:"default,omitempty"`

	// Order lists the sources in emission order. Valid entries: "host",
	// "default", "user". Unknown entries are skipped. Empty means
	// host, default, user.
	Order []string `yaml:"order,omitempty" json:"order,omitempty"`

	// Merge collapses all segments into a single text part joined by blank lines.
	Merge bool `yaml:"merge" json:"merge"`
}

// GeminiConfig holds backend-specific settings.
type GeminiConfig struct {
	// BaseURL is the backend endpoint root, e.g. "https://cloudcode-pa.googleapis.com".
	BaseURL string `yaml:"base-url,omitempty" json:"base-url,omitempty"`

	// Models maps client-visible model names onto backend models and flags.
	Models map[string]ModelConfig `yaml:"models,omitempty" json:"models,omitempty"`

	// SearchModel is the model id every web-search request is forced to.
	SearchModel string `yaml:"search-model,omitempty" json:"search-model,omitempty"`

	// FallbackSignature substitutes the cached session signature when an
	// assistant thinking block arrives without one. Disabled by default.
	FallbackSignature bool `yaml:"fallback-signature" json:"fallback-signature"`

	// Generation carries default generation parameters.
	Generation GenerationDefaults `yaml:"generation,omitempty" json:"generation,omitempty"`

	// SystemPrompt controls system prompt composition.
	SystemPrompt SystemPromptConfig `yaml:"system-prompt,omitempty" json:"system-prompt,omitempty"`

	// RequestTimeoutSeconds bounds non-streaming backend calls. 0 means 300s.
	RequestTimeoutSeconds int `yaml:"request-timeout-seconds,omitempty" json:"request-timeout-seconds,omitempty"`
}

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the listen address. Empty binds all interfaces.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port is the HTTP listen port.
	Port int `yaml:"port" json:"port"`

	// AuthDir is the directory token record files are loaded from.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile routes logs to a rotating file instead of stderr.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// ScannerBufferSize bounds the upstream stream line scanner, in bytes.
	ScannerBufferSize int `yaml:"scanner-buffer-size,omitempty" json:"scanner-buffer-size,omitempty"`

	Gemini GeminiConfig `yaml:"gemini" json:"gemini"`
}

const (
	defaultBackendBaseURL = "https://cloudcode-pa.googleapis.com"
	defaultSearchModel    = "gemini-2.5-flash"
)

// LoadConfig reads and parses the YAML configuration file at the given path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &Config{}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = "auths"
	}
	if strings.TrimSpace(c.Gemini.BaseURL) == "" {
		c.Gemini.BaseURL = defaultBackendBaseURL
	}
	if strings.TrimSpace(c.Gemini.SearchModel) == "" {
		c.Gemini.SearchModel = defaultSearchModel
	}
}

// ModelFor resolves the client-visible model name to its configuration.
// Unknown names get a passthrough entry with thinking disabled.
func (c *Config) ModelFor(name string) ModelConfig {
	if c == nil {
		return ModelConfig{}
	}
	if mc, ok := c.Gemini.Models[name]; ok {
		return mc
	}
	return ModelConfig{}
}

// BackendModelFor returns the upstream model id for a client-visible name.
func (c *Config) BackendModelFor(name string) string {
	mc := c.ModelFor(name)
	if strings.TrimSpace(mc.BackendModel) != "" {
		return mc.BackendModel
	}
	return name
}

// ThinkingEnabledFor reports whether reasoning handling is on for the model.
func (c *Config) ThinkingEnabledFor(name string) bool {
	return c.ModelFor(name).Thinking
}

// PromptOrder returns the effective system prompt source order.
func (s *SystemPromptConfig) PromptOrder() []string {
	if s == nil || len(s.Order) == 0 {
		return []string{"host", "default", "user"}
	}
	return s.Order
}
