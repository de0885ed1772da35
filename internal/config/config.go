package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/homelab/ipam/internal/datastore"
	"github.com/jbweber/homelab/ipam/internal/migrations"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`   // SQLite database file
	DSN    string `yaml:"dsn"`    // Postgres connection string, or a full SQLite DSN
}

type EngineConfig struct {
	AdminGroup        string `yaml:"admin_group"`
	AllocationRetries int    `yaml:"allocation_retries"`
	MaxNetworkSize    int    `yaml:"max_network_size"`
	DefaultTTL        int    `yaml:"default_ttl"`
}

type Route53Zone struct {
	ID     string `yaml:"id"`
	Domain string `yaml:"domain"`
}

type Route53Config struct {
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Zones           []Route53Zone `yaml:"zones"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Config holds all configuration for the ipam service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	Route53  Route53Config  `yaml:"route53"`
	Log      LogConfig      `yaml:"log"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "~/ipam/data/ipam.db",
		},
		Engine: EngineConfig{
			AdminGroup:        "ipam-admins",
			AllocationRetries: 5,
			MaxNetworkSize:    65536,
			DefaultTTL:        14400,
		},
		Route53: Route53Config{
			Region: "us-east-1",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if _, err := datastore.ParseDialect(c.Database.Driver); err != nil {
		return fmt.Errorf("database.driver: %w", err)
	}
	if c.dialect() == datastore.Postgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	if c.dialect() == datastore.SQLite && c.Database.Path == "" && c.Database.DSN == "" {
		return fmt.Errorf("database.path is required for sqlite")
	}
	if c.Engine.AdminGroup == "" {
		return fmt.Errorf("engine.admin_group must not be empty")
	}
	if c.Engine.AllocationRetries < 1 {
		return fmt.Errorf("engine.allocation_retries must be at least 1")
	}
	if c.Engine.MaxNetworkSize < 1 {
		return fmt.Errorf("engine.max_network_size must be at least 1")
	}
	if c.Engine.DefaultTTL < 1 {
		return fmt.Errorf("engine.default_ttl must be at least 1")
	}
	for i, zone := range c.Route53.Zones {
		if zone.ID == "" || zone.Domain == "" {
			return fmt.Errorf("route53.zones[%d]: id and domain are required", i)
		}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: unsupported format %q", c.Log.Format)
	}
	return nil
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

func (c *Config) dialect() datastore.Dialect {
	d, _ := datastore.ParseDialect(c.Database.Driver)
	return d
}

// InitializeDatabase opens and configures the database connection and
// applies migrations
func (c *Config) InitializeDatabase() (*datastore.Datastore, error) {
	dialect := c.dialect()

	dsn := c.Database.DSN
	if dialect == datastore.SQLite && dsn == "" {
		dbPath := c.expandPath(c.Database.Path)

		// Ensure database directory exists
		dbDir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath
	}

	ds, err := datastore.Open(dialect, dsn)
	if err != nil {
		return nil, err
	}

	OptimizeDatabaseConnection(ds.DB, dialect)

	if dialect == datastore.SQLite {
		if err := ApplyPragmaOptimizations(ds.DB); err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to apply performance optimizations: %w", err)
		}
	}

	if err := migrations.Run(ds.DB, dialect); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return ds, nil
}

// expandPath expands ~ to home directory
func (c *Config) expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, path[2:])
}
