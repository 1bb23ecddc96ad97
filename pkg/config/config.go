package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the configuration for the upload server.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Upload  UploadConfig  `yaml:"upload"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// StorageConfig holds the sandbox root location.
type StorageConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AuthConfig holds the fixed Basic-auth credential pair.
type AuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// UploadConfig holds tuning for the upload protocols.
type UploadConfig struct {
	// MaxBodySize caps single-shot multipart request bodies. Chunked and
	// WebSocket uploads are not subject to it; that is why they exist.
	MaxBodySize int64 `yaml:"max_body_size"`
	// SessionTTL is how long an inactive chunked session survives before
	// the sweeper reclaims it and its scratch directory.
	SessionTTL time.Duration `yaml:"session_ttl"`
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        getEnv("SERVER_HOST", "0.0.0.0"),
			Port:        getEnvInt("SERVER_PORT", 3000),
			ReadTimeout: getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			IdleTimeout: getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Storage: StorageConfig{
			RootDir: getEnv("STORAGE_ROOT", "./files"),
		},
		Auth: AuthConfig{
			Username: getEnv("AUTH_USERNAME", "admin"),
			Password: getEnv("AUTH_PASSWORD", "admin123"),
		},
		Upload: UploadConfig{
			MaxBodySize:   getEnvInt64("UPLOAD_MAX_BODY_SIZE", 500*1024*1024),
			SessionTTL:    getEnvDuration("UPLOAD_SESSION_TTL", 24*time.Hour),
			SweepInterval: getEnvDuration("UPLOAD_SWEEP_INTERVAL", time.Hour),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// Addr returns the host:port the HTTP server binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
