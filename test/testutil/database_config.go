package testutil

import (
	"net"
	"net/url"
	"os"
)

// DatabaseConfig selects the PostgreSQL server the integration tests use.
type DatabaseConfig struct {
	// URL is the admin connection string. Empty means start a container.
	URL string
}

// GetDatabaseConfig reads DATABASE_URL, or the DATABASE_HOST family of
// variables. Without either it returns an empty config, which makes the
// tests start a testcontainers PostgreSQL instance.
func GetDatabaseConfig() DatabaseConfig {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return DatabaseConfig{URL: dsn}
	}

	host := os.Getenv("DATABASE_HOST")
	if host == "" {
		return DatabaseConfig{}
	}

	u := &url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, getEnv("DATABASE_PORT", "5432")),
		Path:     "/" + getEnv("DATABASE_NAME", "postgres"),
		RawQuery: url.Values{"sslmode": {getEnv("DATABASE_SSLMODE", "prefer")}}.Encode(),
	}
	user := getEnv("DATABASE_USER", "postgres")
	if password := os.Getenv("DATABASE_PASSWORD"); password != "" {
		u.User = url.UserPassword(user, password)
	} else {
		u.User = url.User(user)
	}
	return DatabaseConfig{URL: u.String()}
}

// getEnv gets an environment variable with a fallback default value.
func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
