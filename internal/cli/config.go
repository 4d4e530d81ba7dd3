package cli

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

const (
	maxWalkDepth = 25
)

// Config represents the veil configuration from veil.yaml.
type Config struct {
	// Schema is the catalog YAML path.
	Schema string `mapstructure:"schema" json:"schema"`
	// Access is the access fixture YAML path. Empty means the access store
	// is read from the database tables created by migrate.
	Access string `mapstructure:"access" json:"access,omitempty"`
	// Dialect is postgres, sqlite or mysql.
	Dialect string `mapstructure:"dialect" json:"dialect"`

	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Query    QueryConfig    `mapstructure:"query" json:"query"`
	Cache    CacheConfig    `mapstructure:"cache" json:"cache"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" json:"url,omitempty"`
	// Driver overrides the database/sql driver, e.g. pgx instead of
	// postgres.
	Driver   string `mapstructure:"driver" json:"driver,omitempty"`
	Host     string `mapstructure:"host" json:"host,omitempty"`
	Port     int    `mapstructure:"port" json:"port,omitempty"`
	Name     string `mapstructure:"name" json:"name,omitempty"`
	User     string `mapstructure:"user" json:"user,omitempty"`
	Password string `mapstructure:"password" json:"password,omitempty"`
	SSLMode  string `mapstructure:"sslmode" json:"sslmode,omitempty"`
}

// QueryConfig holds the compiler limits.
type QueryConfig struct {
	LimitDefault        int `mapstructure:"limit_default" json:"limit_default"`
	RelationalBatchSize int `mapstructure:"relational_batch_size" json:"relational_batch_size"`
	// MaxLimit caps root limits; -1 means unbounded.
	MaxLimit int `mapstructure:"max_limit" json:"max_limit"`
}

// CacheConfig holds the access cache settings.
type CacheConfig struct {
	TTL  string `mapstructure:"ttl" json:"ttl"`
	Size int    `mapstructure:"size" json:"size"`
}

// Duration parses TTL.
func (c CacheConfig) Duration() (time.Duration, error) {
	if c.TTL == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 0, fmt.Errorf("cache.ttl: %w", err)
	}
	return d, nil
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level" json:"level"`
	JSON  bool   `mapstructure:"json" json:"json"`
}

// LoadConfig discovers and loads configuration with proper precedence:
// flags > env > config file > defaults.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	// 1. Set defaults first (lowest precedence)
	setDefaults(v)

	// 2. Set up environment variable binding
	v.SetEnvPrefix("VEIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 3. Find and load config file
	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, configPath, fmt.Errorf("reading config file: %w", err)
		}
	}

	// 4. Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, configPath, fmt.Errorf("unmarshaling config: %w", err)
	}
	if _, err := cfg.Cache.Duration(); err != nil {
		return nil, configPath, err
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("schema", "catalog.yaml")
	v.SetDefault("access", "")
	v.SetDefault("dialect", "postgres")

	// Database defaults
	v.SetDefault("database.url", "")
	v.SetDefault("database.driver", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.name", "")
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "prefer")

	// Query defaults
	v.SetDefault("query.limit_default", 100)
	v.SetDefault("query.relational_batch_size", 25000)
	v.SetDefault("query.max_limit", -1)

	// Cache defaults
	v.SetDefault("cache.ttl", "1m")
	v.SetDefault("cache.size", 1024)

	// Log defaults
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.json", false)
}

// findConfigFile finds the config file to use.
// If explicitPath is provided, it validates the file exists.
// Otherwise, it walks up from cwd looking for veil.yaml or veil.yml,
// stopping at a .git directory or after maxWalkDepth levels.
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting cwd: %w", err)
	}

	dir := cwd
	for i := 0; i < maxWalkDepth; i++ {
		for _, name := range []string{"veil.yaml", "veil.yml"} {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Stop at the repository root.
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// DSN returns the database connection string for the configured dialect.
// If database.url is set, it's returned directly.
// Otherwise, builds a DSN from discrete fields.
func (c *Config) DSN() (string, error) {
	db := c.Database

	if db.URL != "" {
		return db.URL, nil
	}

	switch strings.ToLower(c.Dialect) {
	case "sqlite", "sqlite3":
		if db.Name == "" {
			return "", fmt.Errorf("database.name is required for sqlite")
		}
		return db.Name, nil
	case "mysql", "mariadb":
		if err := db.requireServer(); err != nil {
			return "", err
		}
		mc := mysql.NewConfig()
		mc.User = db.User
		mc.Passwd = db.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(db.Host, strconv.Itoa(portOr(db.Port, 3306)))
		mc.DBName = db.Name
		mc.ParseTime = true
		return mc.FormatDSN(), nil
	}

	if err := db.requireServer(); err != nil {
		return "", err
	}
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(db.Host, strconv.Itoa(portOr(db.Port, 5432))),
		Path:   "/" + db.Name,
	}

	if db.Password != "" {
		u.User = url.UserPassword(db.User, db.Password)
	} else {
		u.User = url.User(db.User)
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func (db DatabaseConfig) requireServer() error {
	if db.Host == "" {
		return fmt.Errorf("database.host is required when database.url is not set")
	}
	if db.Name == "" {
		return fmt.Errorf("database.name is required when database.url is not set")
	}
	if db.User == "" {
		return fmt.Errorf("database.user is required when database.url is not set")
	}
	return nil
}

func portOr(port, fallback int) int {
	if port > 0 {
		return port
	}
	return fallback
}

// ResolvedDriver returns the database/sql driver name: database.driver
// when set, else the default driver of the dialect.
func (c *Config) ResolvedDriver(dialectDriver string) string {
	if c.Database.Driver != "" {
		return c.Database.Driver
	}
	return dialectDriver
}
