package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// DSN returns the data source name for the configured driver.
// If ConnectionString is set, it is used directly.
// Otherwise, it is built from the discrete fields.
func (d *DatabaseConfig) DSN() string {
	if d.ConnectionString != "" {
		return d.ConnectionString
	}
	if d.Driver == DriverPostgres {
		return d.postgresDSN()
	}
	return d.mysqlDSN()
}

func (d *DatabaseConfig) mysqlDSN() string {
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
	cfg.DBName = d.Database
	switch d.TLSMode {
	case "skip-verify":
		cfg.TLSConfig = "skip-verify"
	case "verify-full":
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}

func (d *DatabaseConfig) postgresDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	q := url.Values{}
	switch d.TLSMode {
	case "", "off":
		q.Set("sslmode", "disable")
	case "skip-verify":
		q.Set("sslmode", "require")
	case "verify-full":
		q.Set("sslmode", "verify-full")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// EffectiveDatabaseName returns the database targeted by the configuration:
// database.database, or the name embedded in a MySQL DSN.
func (d *DatabaseConfig) EffectiveDatabaseName() (string, error) {
	configured := strings.TrimSpace(d.Database)
	if d.ConnectionString == "" || d.Driver == DriverPostgres {
		return configured, nil
	}
	parsed, err := mysql.ParseDSN(d.ConnectionString)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	fromDSN := strings.TrimSpace(parsed.DBName)
	if configured != "" && fromDSN != "" && configured != fromDSN {
		return "", fmt.Errorf("database mismatch: database.database=%q but database.dsn targets %q", configured, fromDSN)
	}
	if configured != "" {
		return configured, nil
	}
	return fromDSN, nil
}

// PlatformName returns the configured SQL dialect, defaulting to the driver.
func (c *Config) PlatformName() string {
	if name := strings.TrimSpace(c.Platform.Name); name != "" {
		return name
	}
	return c.Database.Driver
}
