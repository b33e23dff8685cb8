package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration. Values come from an optional YAML
// file with environment variables layered on top; the environment wins.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Scripts  ScriptsConfig  `yaml:"scripts"`

	// Production disables script debug logging and dev-only endpoints, and
	// requires an explicit JWT secret.
	Production bool `yaml:"production"`

	// StateDir holds .deployd/, plugin builds and SQLite files.
	StateDir string `yaml:"stateDir"`
	// ResourcesDir holds the per-collection config.json and scripts.
	ResourcesDir string `yaml:"resourcesDir"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

// StorageConfig selects the storage backend by DSN scheme: mongodb:// uses
// the document store, postgres:// the SQL store, sqlite:// (or nothing) a
// SQLite file under the data dir.
type StorageConfig struct {
	DatabaseURL string `yaml:"databaseUrl"`
	DataDir     string `yaml:"dataDir"`
}

// RealtimeConfig configures cross-instance event fan-out. An empty
// RedisURL keeps delivery in-process.
type RealtimeConfig struct {
	RedisURL string `yaml:"redisUrl"`
}

// ScriptsConfig bounds event handler execution.
type ScriptsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// NativeEnabled allows Go scripts compiled as plugins; needs the go
	// toolchain on the host.
	NativeEnabled bool `yaml:"nativeEnabled"`
}

// Load reads the YAML file at path (missing files are fine, empty path
// skips the file entirely) and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// optional
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "2403",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Storage:      StorageConfig{DataDir: "data"},
		Scripts:      ScriptsConfig{Timeout: 10 * time.Second},
		StateDir:     ".",
		ResourcesDir: "resources",
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Storage.DatabaseURL = getEnv("DATABASE_URL", cfg.Storage.DatabaseURL)
	cfg.Realtime.RedisURL = getEnv("REDIS_URL", cfg.Realtime.RedisURL)
	cfg.Production = getEnvBool("PRODUCTION", cfg.Production)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(origins)
	}
	if timeout := getEnvDuration("SCRIPT_TIMEOUT", 0); timeout > 0 {
		cfg.Scripts.Timeout = timeout
	}
}

// Validate checks the configuration. Failures here map to the config exit
// code.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server port %q", c.Server.Port)
	}
	if c.Scripts.Timeout <= 0 {
		return fmt.Errorf("script timeout must be positive")
	}
	if c.ResourcesDir == "" {
		return fmt.Errorf("resources directory is required")
	}
	if url := c.Storage.DatabaseURL; url != "" {
		if !strings.HasPrefix(url, "mongodb://") && !strings.HasPrefix(url, "mongodb+srv://") &&
			!strings.HasPrefix(url, "postgres://") && !strings.HasPrefix(url, "postgresql://") &&
			!strings.HasPrefix(url, "sqlite://") {
			return fmt.Errorf("unrecognized DATABASE_URL scheme in %q", url)
		}
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
