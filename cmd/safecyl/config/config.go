// Package config provides configuration parsing and management for the
// SafeCyl service.
//
// It handles both command-line flags and environment variables, with flags
// taking precedence over environment variables. The Config struct contains
// all runtime configuration:
//   - Listen addresses (HTTP, gRPC health)
//   - Logging configuration (level, format)
//   - Storage backend and its connection settings
//   - Live snapshot source settings
//   - Rollup bucket location and optional ingestion interval
//   - TLS configuration for the server and for the snapshot client
//
// Supported configuration sources (in order of precedence):
//  1. Command-line flags
//  2. Environment variables
//  3. Default values
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	if err := cfg.Validate(); err != nil {
//	    // report and exit
//	}
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/safecyl/safecyl/pkg/tls"
)

// Config holds all service configuration.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string

	Storage           string
	StoreTimeout      time.Duration
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string
	CassandraHosts    []string
	CassandraKeyspace string
	CassandraNode     int64

	Source         string
	SourceURL      string
	SourcePath     string
	SourceAuth     string
	SourceSelect   string
	SourceRedisKey string
	SourceTimeout  time.Duration
	SourceTLS      tls.Config

	IngestInterval time.Duration
	RollupLocation string
	AllowedOrigins []string

	TLS tls.Config
}

// ParseFlags parses command-line flags and environment variables into a Config.
// Environment variables are used as fallbacks when flags are not provided.
func ParseFlags() *Config {
	cfg := &Config{}

	var cassandraHosts, allowedOrigins string

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":"+getEnv("PORT", "3000")), "HTTP listen address")
	flag.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":9090"), "gRPC health listen address (empty disables)")

	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Storage backend: memory, redis or cassandra")
	flag.DurationVar(&cfg.StoreTimeout, "store-timeout", getEnvDuration("STORE_TIMEOUT", 3*time.Second), "Per-operation storage timeout")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", getEnv("REDIS_PREFIX", "safecyl:readings"), "Redis key prefix for readings")
	flag.StringVar(&cassandraHosts, "cassandra-hosts", getEnv("CASSANDRA_HOSTS", "localhost"), "Comma-separated Cassandra contact points")
	flag.StringVar(&cfg.CassandraKeyspace, "cassandra-keyspace", getEnv("CASSANDRA_KEYSPACE", "safecyl"), "Cassandra keyspace")
	flag.Int64Var(&cfg.CassandraNode, "cassandra-node", int64(getEnvInt("CASSANDRA_NODE", 1)), "Snowflake node id for reading ids (0-1023)")

	flag.StringVar(&cfg.Source, "source", getEnv("SOURCE", "http"), "Live snapshot source: http or redis")
	flag.StringVar(&cfg.SourceURL, "source-url", getEnv("SOURCE_URL", getEnv("FIREBASE_DB_URL", "")), "Live database base URL")
	flag.StringVar(&cfg.SourcePath, "source-path", getEnv("SOURCE_PATH", "sensor"), "Path of the sensor document")
	flag.StringVar(&cfg.SourceAuth, "source-auth", getEnv("SOURCE_AUTH", ""), "Auth token sent to the live database")
	flag.StringVar(&cfg.SourceSelect, "source-select", getEnv("SOURCE_SELECT", ""), "Optional gjson path selecting the sensor object")
	flag.StringVar(&cfg.SourceRedisKey, "source-redis-key", getEnv("SOURCE_REDIS_KEY", "safecyl:sensor"), "Redis hash holding the sensor document")
	flag.DurationVar(&cfg.SourceTimeout, "source-timeout", getEnvDuration("SOURCE_TIMEOUT", 5*time.Second), "Live snapshot read timeout")

	flag.BoolVar(&cfg.SourceTLS.Enabled, "source-tls-enabled", getEnvBool("SOURCE_TLS_ENABLED", false), "Use custom TLS settings for the live database client")
	flag.StringVar(&cfg.SourceTLS.CertFile, "source-tls-cert-file", getEnv("SOURCE_TLS_CERT_FILE", ""), "Client certificate for the live database")
	flag.StringVar(&cfg.SourceTLS.KeyFile, "source-tls-key-file", getEnv("SOURCE_TLS_KEY_FILE", ""), "Client key for the live database")
	flag.StringVar(&cfg.SourceTLS.CAFile, "source-tls-ca-file", getEnv("SOURCE_TLS_CA_FILE", ""), "CA bundle for verifying the live database")

	flag.DurationVar(&cfg.IngestInterval, "ingest-interval", getEnvDuration("INGEST_INTERVAL", 0), "Ingest on a timer at this interval (0 disables)")
	flag.StringVar(&cfg.RollupLocation, "rollup-location", getEnv("ROLLUP_LOCATION", "UTC"), "IANA location for rollup bucket boundaries")
	flag.StringVar(&allowedOrigins, "allowed-origins", getEnv("ALLOWED_ORIGINS", "http://localhost:5173"), "Comma-separated CORS origins")

	flag.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for HTTP server")
	flag.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	flag.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	flag.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA certificate file for client verification")

	flag.Parse()

	cfg.CassandraHosts = splitList(cassandraHosts)
	cfg.AllowedOrigins = splitList(allowedOrigins)

	return cfg
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	switch c.Storage {
	case "memory", "redis":
	case "cassandra":
		if len(c.CassandraHosts) == 0 {
			return fmt.Errorf("cassandra storage requires at least one host")
		}
		if c.CassandraKeyspace == "" {
			return fmt.Errorf("cassandra storage requires a keyspace")
		}
		if c.CassandraNode < 0 || c.CassandraNode > 1023 {
			return fmt.Errorf("cassandra node id must be 0-1023, got %d", c.CassandraNode)
		}
	default:
		return fmt.Errorf("invalid storage %q (must be memory, redis, or cassandra)", c.Storage)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be > 0")
	}

	switch c.Source {
	case "http":
		if c.SourceURL == "" {
			return fmt.Errorf("http source requires --source-url (or SOURCE_URL / FIREBASE_DB_URL)")
		}
	case "redis":
	default:
		return fmt.Errorf("invalid source %q (must be http or redis)", c.Source)
	}

	if c.SourceTimeout <= 0 {
		return fmt.Errorf("source timeout must be > 0")
	}
	if c.IngestInterval < 0 {
		return fmt.Errorf("ingest interval cannot be negative")
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format %q (must be text or json)", c.LogFormat)
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	if c.SourceTLS.Enabled && (c.SourceTLS.CertFile == "") != (c.SourceTLS.KeyFile == "") {
		return fmt.Errorf("source tls: client certificate and key must be set together")
	}

	return nil
}

// Location resolves RollupLocation.
func (c *Config) Location() (*time.Location, error) {
	if c.RollupLocation == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.RollupLocation)
	if err != nil {
		return nil, fmt.Errorf("invalid rollup location %q: %w", c.RollupLocation, err)
	}
	return loc, nil
}

// SourceConfig returns the generic configuration map understood by
// snapshot.New for the configured source.
func (c *Config) SourceConfig() map[string]string {
	timeout := c.SourceTimeout.String()

	switch c.Source {
	case "redis":
		return map[string]string{
			"addr":     c.RedisAddr,
			"password": c.RedisPassword,
			"db":       strconv.Itoa(c.RedisDB),
			"key":      c.SourceRedisKey,
			"timeout":  timeout,
		}
	default:
		return map[string]string{
			"url":     c.SourceURL,
			"path":    c.SourcePath,
			"auth":    c.SourceAuth,
			"select":  c.SourceSelect,
			"timeout": timeout,
		}
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

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
