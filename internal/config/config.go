// Package config handles taskloop configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config path is given: ./config.yaml,
// ~/.config/taskloop/config.yaml, /etc/taskloop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskloop", "config.yaml"))
	}

	paths = append(paths, "/etc/taskloop/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all taskloop configuration.
type Config struct {
	Listen    ListenConfig            `yaml:"listen"`
	Models    ModelsConfig            `yaml:"models"`
	Anthropic AnthropicConfig         `yaml:"anthropic"`
	Loop      LoopConfig              `yaml:"loop"`
	Workspace WorkspaceConfig         `yaml:"workspace"`
	ShellExec ShellExecConfig         `yaml:"shell_exec"`
	MQTT      MQTTConfig              `yaml:"mqtt"`
	RateLimit RateLimitConfig         `yaml:"rate_limit"`
	Pricing   map[string]PricingEntry `yaml:"pricing"`
	DataDir   string                  `yaml:"data_dir"`
	LogLevel  string                  `yaml:"log_level"`
	LogFormat string                  `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines which model drives the loop and where each
// model is served.
type ModelsConfig struct {
	Default         string        `yaml:"default"`
	ReflectionModel string        `yaml:"reflection_model"` // empty = Default
	OllamaURL       string        `yaml:"ollama_url"`
	Available       []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, anthropic
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LoopConfig holds the execution loop's retry budgets and limits.
type LoopConfig struct {
	MaxConsecutiveRetries int           `yaml:"max_consecutive_retries"`
	MaxTotalRetries       int           `yaml:"max_total_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	MaxOutputBytes        int           `yaml:"max_output_bytes"`
	// MaxContinuations caps continuation requests for one unfinished
	// action. 0 means 16.
	MaxContinuations int `yaml:"max_continuations"`
	// TerminalTool, when set, ends a task as soon as an action of this
	// type succeeds. Tasks may override it.
	TerminalTool string `yaml:"terminal_tool"`
	// Summarize asks the reflection model for a conversation summary
	// when a task finishes instead of using a recent-message excerpt.
	Summarize bool `yaml:"summarize"`
	// Reflection selects the result evaluator: "status" (default)
	// trusts the runtime's status, "llm" asks the reflection model.
	Reflection string `yaml:"reflection"`
}

// WorkspaceConfig defines the directory file actions operate in.
type WorkspaceConfig struct {
	Path string `yaml:"path"`
}

// ShellExecConfig defines terminal_run capabilities.
type ShellExecConfig struct {
	Enabled           bool     `yaml:"enabled"`
	WorkingDir        string   `yaml:"working_dir"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
	AllowedCommands   []string `yaml:"allowed_commands"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
}

// MQTTConfig enables outcome publishing to an MQTT broker.
type MQTTConfig struct {
	Broker    string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BaseTopic string `yaml:"base_topic"`
	ClientID  string `yaml:"client_id"`
	// AcceptTasks subscribes to <base_topic>/tasks/submit and runs the
	// tasks published there.
	AcceptTasks bool `yaml:"accept_tasks"`
	// SubmitLimit caps inbound submissions per minute. 0 means 30.
	SubmitLimit int `yaml:"submit_limit"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// RateLimitConfig throttles task submissions on the API.
type RateLimitConfig struct {
	TasksPerMinute int `yaml:"tasks_per_minute"` // 0 disables the limit
	Burst          int `yaml:"burst"`
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file (${VAR}) are expanded before parsing; missing settings keep
// the values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Models: ModelsConfig{
			Default:   "qwen3:8b",
			OllamaURL: "http://localhost:11434",
		},
		Anthropic: AnthropicConfig{MaxTokens: 4096},
		Loop: LoopConfig{
			MaxConsecutiveRetries: 3,
			MaxTotalRetries:       10,
			RetryDelay:            2 * time.Second,
			MaxOutputBytes:        64 * 1024,
			Reflection:            "status",
		},
		ShellExec: ShellExecConfig{DefaultTimeoutSec: 30},
		MQTT:      MQTTConfig{BaseTopic: "taskloop"},
		RateLimit: RateLimitConfig{Burst: 5},
		DataDir:   "./data",
	}
}

// Validate rejects settings the loop cannot run with.
func (c *Config) Validate() error {
	if c.Loop.MaxConsecutiveRetries < 1 {
		return fmt.Errorf("loop.max_consecutive_retries must be >= 1, got %d", c.Loop.MaxConsecutiveRetries)
	}
	if c.Loop.MaxTotalRetries < 1 {
		return fmt.Errorf("loop.max_total_retries must be >= 1, got %d", c.Loop.MaxTotalRetries)
	}
	if c.Loop.RetryDelay < 0 {
		return fmt.Errorf("loop.retry_delay must not be negative")
	}
	if c.Loop.MaxOutputBytes <= 0 {
		return fmt.Errorf("loop.max_output_bytes must be positive")
	}
	if c.Loop.MaxContinuations < 0 {
		return fmt.Errorf("loop.max_continuations must not be negative")
	}
	switch c.Loop.Reflection {
	case "", "status", "llm":
	default:
		return fmt.Errorf("loop.reflection must be status or llm, got %q", c.Loop.Reflection)
	}
	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "anthropic":
		default:
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}

// ProviderFor returns the provider configured for model, defaulting to
// ollama for models not listed under models.available.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "ollama"
}
