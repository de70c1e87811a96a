// Package config provides configuration for the task agent service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int
	// RPCPort enables the JSON-RPC listener when positive.
	RPCPort int

	// Databases
	DatabaseURL   string
	TasksDBDriver string
	TasksDBDSN    string

	// LLM
	LLMProvider    string
	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	LLMTemperature float64
	LLMTimeout     time.Duration

	// Turn limits
	StoreTimeout time.Duration
	MaxActions   int
	ContextTurns int

	// Idempotency and undo
	IdempotencyTTL           time.Duration
	IdempotencyMaxPerSession int
	UndoTTL                  time.Duration
	JanitorInterval          time.Duration

	// Policy
	PolicyFile  string
	DeniedTools []string

	// Telemetry
	OTelEndpoint string
	OTelInsecure bool
	ServiceName  string

	// Logging
	LogLevel  string
	LogFormat string
}

// fileConfig is the YAML overlay. Absent keys keep the defaults.
type fileConfig struct {
	HTTPPort                 *int     `yaml:"http_port"`
	RPCPort                  *int     `yaml:"rpc_port"`
	DatabaseURL              *string  `yaml:"database_url"`
	TasksDBDriver            *string  `yaml:"tasks_db_driver"`
	TasksDBDSN               *string  `yaml:"tasks_db_dsn"`
	LLMProvider              *string  `yaml:"llm_provider"`
	LLMBaseURL               *string  `yaml:"llm_base_url"`
	LLMModel                 *string  `yaml:"llm_model"`
	LLMTemperature           *float64 `yaml:"llm_temperature"`
	LLMTimeoutMs             *int     `yaml:"llm_timeout_ms"`
	StoreTimeoutMs           *int     `yaml:"store_timeout_ms"`
	MaxActions               *int     `yaml:"max_actions"`
	ContextTurns             *int     `yaml:"context_turns"`
	IdempotencyTTLMs         *int     `yaml:"idempotency_ttl_ms"`
	IdempotencyMaxPerSession *int     `yaml:"idempotency_max_per_session"`
	UndoTTLMs                *int     `yaml:"undo_ttl_ms"`
	JanitorIntervalMs        *int     `yaml:"janitor_interval_ms"`
	PolicyFile               *string  `yaml:"policy_file"`
	DeniedTools              []string `yaml:"denied_tools"`
	OTelEndpoint             *string  `yaml:"otel_endpoint"`
	OTelInsecure             *bool    `yaml:"otel_insecure"`
	LogLevel                 *string  `yaml:"log_level"`
	LogFormat                *string  `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort:                 8080,
		DatabaseURL:              "file:taskagent.db?cache=shared&mode=rwc",
		TasksDBDriver:            "sqlite3",
		TasksDBDSN:               "file:tasks.db?cache=shared&mode=rwc",
		LLMProvider:              "ollama",
		LLMModel:                 "gemma3:4b",
		LLMTemperature:           0.1,
		LLMTimeout:               30 * time.Second,
		StoreTimeout:             10 * time.Second,
		MaxActions:               8,
		ContextTurns:             6,
		IdempotencyTTL:           10 * time.Minute,
		IdempotencyMaxPerSession: 256,
		UndoTTL:                  30 * time.Minute,
		JanitorInterval:          time.Minute,
		OTelInsecure:             true,
		ServiceName:              "taskagent",
		LogLevel:                 "info",
		LogFormat:                "json",
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE overlay
// and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("unmarshal config file: %w", err)
	}

	setInt(&c.HTTPPort, f.HTTPPort)
	setInt(&c.RPCPort, f.RPCPort)
	setString(&c.DatabaseURL, f.DatabaseURL)
	setString(&c.TasksDBDriver, f.TasksDBDriver)
	setString(&c.TasksDBDSN, f.TasksDBDSN)
	setString(&c.LLMProvider, f.LLMProvider)
	setString(&c.LLMBaseURL, f.LLMBaseURL)
	setString(&c.LLMModel, f.LLMModel)
	if f.LLMTemperature != nil {
		c.LLMTemperature = *f.LLMTemperature
	}
	setMillis(&c.LLMTimeout, f.LLMTimeoutMs)
	setMillis(&c.StoreTimeout, f.StoreTimeoutMs)
	setInt(&c.MaxActions, f.MaxActions)
	setInt(&c.ContextTurns, f.ContextTurns)
	setMillis(&c.IdempotencyTTL, f.IdempotencyTTLMs)
	setInt(&c.IdempotencyMaxPerSession, f.IdempotencyMaxPerSession)
	setMillis(&c.UndoTTL, f.UndoTTLMs)
	setMillis(&c.JanitorInterval, f.JanitorIntervalMs)
	setString(&c.PolicyFile, f.PolicyFile)
	if f.DeniedTools != nil {
		c.DeniedTools = f.DeniedTools
	}
	setString(&c.OTelEndpoint, f.OTelEndpoint)
	if f.OTelInsecure != nil {
		c.OTelInsecure = *f.OTelInsecure
	}
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.RPCPort = getEnvInt("RPC_PORT", c.RPCPort)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.TasksDBDriver = getEnv("TASKS_DB_DRIVER", c.TasksDBDriver)
	c.TasksDBDSN = getEnv("TASKS_DB_DSN", c.TasksDBDSN)
	c.LLMProvider = getEnv("LLM_PROVIDER", c.LLMProvider)
	c.LLMBaseURL = getEnv("LLM_BASE_URL", c.LLMBaseURL)
	c.LLMAPIKey = getEnv("LLM_API_KEY", c.LLMAPIKey)
	c.LLMModel = getEnv("LLM_MODEL", c.LLMModel)
	c.LLMTemperature = getEnvFloat("LLM_TEMPERATURE", c.LLMTemperature)
	c.LLMTimeout = getEnvMillis("LLM_TIMEOUT_MS", c.LLMTimeout)
	c.StoreTimeout = getEnvMillis("STORE_TIMEOUT_MS", c.StoreTimeout)
	c.MaxActions = getEnvInt("MAX_ACTIONS", c.MaxActions)
	c.ContextTurns = getEnvInt("CONTEXT_TURNS", c.ContextTurns)
	c.IdempotencyTTL = getEnvMillis("IDEMPOTENCY_TTL_MS", c.IdempotencyTTL)
	c.IdempotencyMaxPerSession = getEnvInt("IDEMPOTENCY_MAX_PER_SESSION", c.IdempotencyMaxPerSession)
	c.UndoTTL = getEnvMillis("UNDO_TTL_MS", c.UndoTTL)
	c.JanitorInterval = getEnvMillis("JANITOR_INTERVAL_MS", c.JanitorInterval)
	c.PolicyFile = getEnv("POLICY_FILE", c.PolicyFile)
	if val := os.Getenv("DENIED_TOOLS"); val != "" {
		c.DeniedTools = splitList(val)
	}
	c.OTelEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTelEndpoint)
	c.OTelInsecure = getEnvBool("OTEL_INSECURE", c.OTelInsecure)
	c.ServiceName = getEnv("OTEL_SERVICE_NAME", c.ServiceName)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("invalid RPC_PORT %d", c.RPCPort)
	}
	if c.MaxActions <= 0 {
		return fmt.Errorf("MAX_ACTIONS must be positive")
	}
	if c.TasksDBDriver != "sqlite3" && c.TasksDBDriver != "mysql" {
		return fmt.Errorf("unsupported TASKS_DB_DRIVER %q", c.TasksDBDriver)
	}
	for name, d := range map[string]time.Duration{
		"LLM_TIMEOUT_MS":      c.LLMTimeout,
		"STORE_TIMEOUT_MS":    c.StoreTimeout,
		"IDEMPOTENCY_TTL_MS":  c.IdempotencyTTL,
		"UNDO_TTL_MS":         c.UndoTTL,
		"JANITOR_INTERVAL_MS": c.JanitorInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
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

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setMillis(dst *time.Duration, v *int) {
	if v != nil {
		*dst = time.Duration(*v) * time.Millisecond
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
