// Package config provides configuration for the incident orchestrator.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/xiaot623/sentinel/internal/domain"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort     int `yaml:"http_port"`
	InternalPort int `yaml:"internal_port"`

	// Database
	DatabaseURL      string `yaml:"database_url"`
	CallLogSize      int    `yaml:"call_log_size"`
	EventJournalSize int    `yaml:"event_journal_size"`

	// Orchestration
	ConfidenceThreshold float64         `yaml:"confidence_threshold"`
	SeverityThreshold   domain.Severity `yaml:"severity_threshold"`
	MaxReplans          int             `yaml:"max_replans"`

	// Agents
	AgentTimeout      time.Duration     `yaml:"agent_timeout"`
	CallAgeOut        time.Duration     `yaml:"call_age_out"`
	AgentIdleWindow   time.Duration     `yaml:"agent_idle_window"`
	SimulationDelay   time.Duration     `yaml:"simulation_delay"`
	DeploySuccessRate float64           `yaml:"deploy_success_rate"`
	AgentEndpoints    map[string]string `yaml:"agent_endpoints"`

	// Observers
	ObserverBuffer int           `yaml:"observer_buffer"`
	PingInterval   time.Duration `yaml:"ws_ping_interval"`
	WriteTimeout   time.Duration `yaml:"ws_write_timeout"`
	ReadTimeout    time.Duration `yaml:"ws_read_timeout"`

	// Manual invocation rate limit
	ManualInvokeRPS   float64 `yaml:"manual_invoke_rps"`
	ManualInvokeBurst int     `yaml:"manual_invoke_burst"`

	// Tracing
	TracingEnabled  bool   `yaml:"tracing_enabled"`
	TracingEndpoint string `yaml:"tracing_endpoint"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:            8000,
		InternalPort:        8001,
		DatabaseURL:         "file:sentinel?mode=memory&cache=shared",
		CallLogSize:         500,
		EventJournalSize:    5000,
		ConfidenceThreshold: 0.70,
		SeverityThreshold:   domain.SeverityLow,
		MaxReplans:          1,
		AgentTimeout:        30 * time.Second,
		CallAgeOut:          60 * time.Second,
		AgentIdleWindow:     3 * time.Second,
		SimulationDelay:     800 * time.Millisecond,
		DeploySuccessRate:   0.9,
		ObserverBuffer:      256,
		PingInterval:        30 * time.Second,
		WriteTimeout:        10 * time.Second,
		ReadTimeout:         60 * time.Second,
		ManualInvokeRPS:     5,
		ManualInvokeBurst:   10,
		TracingEndpoint:     "localhost:4317",
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by SENTINEL_CONFIG, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("SENTINEL_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config from %q: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("failed to parse config from %q: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.InternalPort = getEnvInt("INTERNAL_PORT", c.InternalPort)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.CallLogSize = getEnvInt("CALL_LOG_SIZE", c.CallLogSize)
	c.EventJournalSize = getEnvInt("EVENT_JOURNAL_SIZE", c.EventJournalSize)
	c.ConfidenceThreshold = getEnvFloat("CONFIDENCE_THRESHOLD", c.ConfidenceThreshold)
	c.SeverityThreshold = domain.Severity(getEnv("SEVERITY_THRESHOLD", string(c.SeverityThreshold)))
	c.MaxReplans = getEnvInt("MAX_REPLANS", c.MaxReplans)
	c.AgentTimeout = getEnvMillis("AGENT_TIMEOUT_MS", c.AgentTimeout)
	c.CallAgeOut = getEnvMillis("CALL_AGE_OUT_MS", c.CallAgeOut)
	c.AgentIdleWindow = getEnvMillis("AGENT_IDLE_WINDOW_MS", c.AgentIdleWindow)
	c.SimulationDelay = getEnvMillis("SIMULATION_DELAY_MS", c.SimulationDelay)
	c.DeploySuccessRate = getEnvFloat("DEPLOY_SUCCESS_RATE", c.DeploySuccessRate)
	c.ObserverBuffer = getEnvInt("OBSERVER_BUFFER", c.ObserverBuffer)
	c.PingInterval = getEnvMillis("WS_PING_INTERVAL_MS", c.PingInterval)
	c.WriteTimeout = getEnvMillis("WS_WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.ReadTimeout = getEnvMillis("WS_READ_TIMEOUT_MS", c.ReadTimeout)
	c.ManualInvokeRPS = getEnvFloat("MANUAL_INVOKE_RPS", c.ManualInvokeRPS)
	c.ManualInvokeBurst = getEnvInt("MANUAL_INVOKE_BURST", c.ManualInvokeBurst)
	c.TracingEnabled = getEnvBool("TRACING_ENABLED", c.TracingEnabled)
	c.TracingEndpoint = getEnv("TRACING_ENDPOINT", c.TracingEndpoint)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	if raw := os.Getenv("AGENT_ENDPOINTS"); raw != "" {
		endpoints, err := ParseAgentEndpoints(raw)
		if err != nil {
			return err
		}
		c.AgentEndpoints = endpoints
	}
	return nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence threshold must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if _, err := domain.ParseSeverity(string(c.SeverityThreshold)); err != nil {
		return fmt.Errorf("severity threshold: %w", err)
	}
	if c.CallLogSize <= 0 {
		return fmt.Errorf("call log size must be positive, got %d", c.CallLogSize)
	}
	if c.ObserverBuffer <= 0 {
		return fmt.Errorf("observer buffer must be positive, got %d", c.ObserverBuffer)
	}
	if c.MaxReplans < 0 {
		return fmt.Errorf("max replans must not be negative, got %d", c.MaxReplans)
	}
	if c.DeploySuccessRate < 0 || c.DeploySuccessRate > 1 {
		return fmt.Errorf("deploy success rate must be within [0,1], got %v", c.DeploySuccessRate)
	}
	for name, endpoint := range c.AgentEndpoints {
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid endpoint for agent %q: %q", name, endpoint)
		}
	}
	return nil
}

// ParseAgentEndpoints parses "name=url,name=url".
func ParseAgentEndpoints(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, endpoint, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" || strings.TrimSpace(endpoint) == "" {
			return nil, fmt.Errorf("invalid agent endpoint %q, want name=url", pair)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(endpoint)
	}
	return out, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
