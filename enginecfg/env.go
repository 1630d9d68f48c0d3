// Package enginecfg is the configuration layer: process settings loaded
// from flags/environment, plus a Viper-backed YAML layer for channel and
// pruner configuration documents.
package enginecfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvConfig loads values from environment variables under an optional
// prefix.
type EnvConfig struct {
	prefix string
}

func NewEnvConfig(prefix string) *EnvConfig {
	return &EnvConfig{prefix: prefix}
}

func (ec *EnvConfig) buildKey(key string) string {
	if ec.prefix != "" {
		return ec.prefix + "_" + key
	}
	return key
}

func (ec *EnvConfig) GetString(key, defaultValue string) string {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		return v
	}
	return defaultValue
}

func (ec *EnvConfig) MustGetString(key string) string {
	fullKey := ec.buildKey(key)
	v := os.Getenv(fullKey)
	if v == "" {
		panic(fmt.Sprintf("required environment variable %s not set", fullKey))
	}
	return v
}

func (ec *EnvConfig) GetInt(key string, defaultValue int) int {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetBool(key string, defaultValue bool) bool {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(ec.buildKey(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func (ec *EnvConfig) GetStringSlice(key string, defaultValue []string) []string {
	v := os.Getenv(ec.buildKey(key))
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ProcessConfig is every process-wide setting the engine needs before it
// can deploy its first channel: transport DSNs, the HTTP listener, and
// the base logging posture. Channel and pruner documents live in the
// Viper-backed layer (channels.go), not here.
type ProcessConfig struct {
	HTTPPort int

	PostgresDSN   string
	CouchDBURL    string
	CouchDatabase string

	RedisAddr string

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string // non-empty targets an S3-compatible store (MinIO)
	S3AccessKey string
	S3SecretKey string

	LogLevel  string
	LogFormat string

	BoltPath string // compiled-script cache file
}

// LoadProcessConfig reads every process setting from the environment into
// one struct for this single-service binary.
func LoadProcessConfig(prefix string) ProcessConfig {
	env := NewEnvConfig(prefix)
	return ProcessConfig{
		HTTPPort:      env.GetInt("HTTP_PORT", 8080),
		PostgresDSN:   env.GetString("POSTGRES_DSN", "postgres://localhost:5432/engine"),
		CouchDBURL:    env.GetString("COUCHDB_URL", "http://localhost:5984"),
		CouchDatabase: env.GetString("COUCHDB_DATABASE", "channels"),
		RedisAddr:     env.GetString("REDIS_ADDR", "localhost:6379"),
		S3Bucket:      env.GetString("S3_BUCKET", ""),
		S3Prefix:      env.GetString("S3_PREFIX", "archive"),
		S3Region:      env.GetString("S3_REGION", "us-east-1"),
		S3Endpoint:    env.GetString("S3_ENDPOINT", ""),
		S3AccessKey:   env.GetString("S3_ACCESS_KEY", ""),
		S3SecretKey:   env.GetString("S3_SECRET_KEY", ""),
		LogLevel:      env.GetString("LOG_LEVEL", "info"),
		LogFormat:     env.GetString("LOG_FORMAT", "text"),
		BoltPath:      env.GetString("SCRIPT_CACHE_PATH", "./script-cache.db"),
	}
}
