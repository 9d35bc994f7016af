// Package config loads service configuration from environment variables,
// optionally overlaid by a YAML file named in CONFIG_FILE.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	Directory DirectoryConfig `yaml:"directory"`
	Approval  ApprovalConfig  `yaml:"approval"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the request store.
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"sslmode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
	SQLitePath  string        `yaml:"sqlite_path"`
	AutoMigrate bool          `yaml:"auto_migrate"`
}

// NATSConfig configures lifecycle event publishing.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DirectoryConfig points at the external directory service. When GRPCAddr
// is empty, group memberships come from the configured store.
type DirectoryConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

// ApprovalConfig holds routing engine settings.
type ApprovalConfig struct {
	AdministratorIDs   []string      `yaml:"administrator_ids"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
	RuleCacheTTL       time.Duration `yaml:"rule_cache_ttl"`
	CatalogFile        string        `yaml:"catalog_file"`
}

// TracingConfig toggles the OpenTelemetry stdout exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in that order of precedence (environment wins).
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration usable for local development.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-approval-routing",
			Version:     "dev",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8090,
			GRPCPort:        9090,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:      DriverPostgres,
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "approval_routing",
			SSLMode:     "disable",
			MaxConns:    10,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
			SQLitePath:  "approval_routing.db",
			AutoMigrate: true,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "notifications.approval",
		},
		Approval: ApprovalConfig{
			MaxConflictRetries: 3,
			RuleCacheTTL:       5 * time.Minute,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Service.Name = getEnv("SERVICE_NAME", c.Service.Name)
	c.Service.Version = getEnv("SERVICE_VERSION", c.Service.Version)
	c.Service.Environment = getEnv("ENVIRONMENT", c.Service.Environment)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)

	c.Server.Port = getEnvInt("HTTP_PORT", c.Server.Port)
	c.Server.GRPCPort = getEnvInt("GRPC_PORT", c.Server.GRPCPort)
	c.Server.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.Server.RequestTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnv("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxConns = int32(getEnvInt("DB_MAX_CONNS", int(c.Database.MaxConns)))
	c.Database.MinConns = int32(getEnvInt("DB_MIN_CONNS", int(c.Database.MinConns)))
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)
	c.Database.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.NATS.Enabled = getEnvBool("NATS_ENABLED", c.NATS.Enabled)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.NATS.SubjectPrefix = getEnv("NATS_SUBJECT_PREFIX", c.NATS.SubjectPrefix)

	c.Directory.GRPCAddr = getEnv("DIRECTORY_GRPC_URL", c.Directory.GRPCAddr)

	if ids := os.Getenv("ADMIN_USER_IDS"); ids != "" {
		c.Approval.AdministratorIDs = splitList(ids)
	}
	c.Approval.MaxConflictRetries = getEnvInt("MAX_CONFLICT_RETRIES", c.Approval.MaxConflictRetries)
	c.Approval.RuleCacheTTL = getEnvDuration("RULE_CACHE_TTL", c.Approval.RuleCacheTTL)
	c.Approval.CatalogFile = getEnv("CATALOG_FILE", c.Approval.CatalogFile)

	c.Tracing.Enabled = getEnvBool("TRACING_ENABLED", c.Tracing.Enabled)
}

// Validate returns an aggregated error describing invalid settings.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		problems = append(problems, fmt.Sprintf("database.driver must be one of postgres, sqlite, memory (got %q)", c.Database.Driver))
	}
	if c.Database.Driver == DriverSQLite && c.Database.SQLitePath == "" {
		problems = append(problems, "database.sqlite_path is required for the sqlite driver")
	}
	if c.Server.Port <= 0 {
		problems = append(problems, "server.port must be > 0")
	}
	if c.Server.GRPCPort <= 0 {
		problems = append(problems, "server.grpc_port must be > 0")
	}
	if c.Approval.MaxConflictRetries < 0 {
		problems = append(problems, "approval.max_conflict_retries must be >= 0")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		problems = append(problems, "nats.url is required when nats is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// PostgresDSN renders the connection string for pgx.
func (d DatabaseConfig) PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
