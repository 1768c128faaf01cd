// Package config loads and validates orchestrator configuration from a JSON
// file or from REVUED_-prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/revued-io/revued/pkg/protocol"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Services     map[string]string  `json:"services"` // agent name → base URL
	API          APIConfig          `json:"api"`
	Health       HealthConfig       `json:"health"`
}

// OrchestratorConfig holds workflow-level settings.
type OrchestratorConfig struct {
	DataDir         string `json:"data_dir"`
	Store           string `json:"store"` // "memory" (default) or "sqlite"
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	CallTimeoutSecs int    `json:"call_timeout_secs,omitempty"`
	BackoffMillis   int    `json:"backoff_millis,omitempty"`
	RunDeadlineSecs int    `json:"run_deadline_secs,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// HealthConfig holds the agent health monitor settings.
type HealthConfig struct {
	Schedule string `json:"schedule,omitempty"` // cron expression, default @every 30s
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with REVUED_ prefix.
// Agent addresses come from REVUED_READER_URL, REVUED_CRITIC_URL,
// REVUED_CITE_URL, and REVUED_META_REVIEWER_URL.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Orchestrator: OrchestratorConfig{
			DataDir:         getenv("REVUED_DATA_DIR", "/data"),
			Store:           getenv("REVUED_STORE", "memory"),
			MaxAttempts:     getenvInt("REVUED_MAX_ATTEMPTS", 3),
			CallTimeoutSecs: getenvInt("REVUED_CALL_TIMEOUT_SECS", 30),
			BackoffMillis:   getenvInt("REVUED_BACKOFF_MILLIS", 500),
			RunDeadlineSecs: getenvInt("REVUED_RUN_DEADLINE_SECS", 0),
		},
		Services: make(map[string]string),
		API: APIConfig{
			Host: getenv("REVUED_API_HOST", "0.0.0.0"),
			Port: getenvInt("REVUED_API_PORT", 8080),
			Key:  os.Getenv("REVUED_API_KEY"),
		},
		Health: HealthConfig{
			Schedule: getenv("REVUED_HEALTH_SCHEDULE", "@every 30s"),
		},
	}

	for _, agent := range []protocol.AgentName{protocol.AgentReader, protocol.AgentCritic, protocol.AgentCite, protocol.AgentMetaReviewer} {
		envKey := "REVUED_" + strings.ToUpper(string(agent)) + "_URL"
		if url := os.Getenv(envKey); url != "" {
			cfg.Services[string(agent)] = url
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Orchestrator.Store == "" {
		c.Orchestrator.Store = "memory"
	}
	if c.Orchestrator.MaxAttempts == 0 {
		c.Orchestrator.MaxAttempts = 3
	}
	if c.Orchestrator.CallTimeoutSecs == 0 {
		c.Orchestrator.CallTimeoutSecs = 30
	}
	if c.Orchestrator.BackoffMillis == 0 {
		c.Orchestrator.BackoffMillis = 500
	}
	if c.Health.Schedule == "" {
		c.Health.Schedule = "@every 30s"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
}

// Addresses converts the services map into the typed form the transport and
// health monitor consume.
func (c *Config) Addresses() map[protocol.AgentName]string {
	out := make(map[protocol.AgentName]string, len(c.Services))
	for name, url := range c.Services {
		out[protocol.AgentName(name)] = strings.TrimRight(url, "/")
	}
	return out
}

// Validate checks for required fields, collecting every problem before
// reporting.
func (c *Config) Validate() error {
	var errs []string

	if c.Orchestrator.Store != "memory" && c.Orchestrator.Store != "sqlite" {
		errs = append(errs, fmt.Sprintf("orchestrator.store must be \"memory\" or \"sqlite\", got %q", c.Orchestrator.Store))
	}
	if c.Orchestrator.Store == "sqlite" && c.Orchestrator.DataDir == "" {
		errs = append(errs, "orchestrator.data_dir is required with the sqlite store")
	}
	if c.Orchestrator.MaxAttempts < 1 {
		errs = append(errs, "orchestrator.max_attempts must be at least 1")
	}
	if c.Orchestrator.CallTimeoutSecs < 1 {
		errs = append(errs, "orchestrator.call_timeout_secs must be at least 1")
	}
	if c.Orchestrator.RunDeadlineSecs < 0 {
		errs = append(errs, "orchestrator.run_deadline_secs must not be negative")
	}

	if len(c.Services) == 0 {
		errs = append(errs, "at least one agent service is required")
	}
	for name, url := range c.Services {
		if !protocol.ValidAgent(protocol.AgentName(name)) || name == string(protocol.AgentOrchestrator) {
			errs = append(errs, fmt.Sprintf("services.%s is not a known agent", name))
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			errs = append(errs, fmt.Sprintf("services.%s must be an http(s) URL, got %q", name, url))
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
