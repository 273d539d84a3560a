// Package platform isolates the per-dialect SQL details the compiler needs:
// identifier quoting, literal encoding, placeholder style, RETURNING and
// DEFAULT support, the current-timestamp expression and the session timezone.
package platform

import (
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"relgraph/internal/sqlutil"
)

// DefaultTimezone is the session timezone used when none is configured.
const DefaultTimezone = "+00:00"

// Platform describes a SQL dialect.
type Platform interface {
	Name() string
	QuoteIdentifier(name string) string
	BooleanLiteral(v bool) string
	JSONLiteral(v any) (string, error)
	PlaceholderFormat() sq.PlaceholderFormat
	// SupportsReturning reports whether INSERT/UPDATE accept a RETURNING clause.
	SupportsReturning() bool
	// SupportsDefaultKeyword reports whether DEFAULT may appear per row in a
	// multi-row VALUES list.
	SupportsDefaultKeyword() bool
	CurrentTimestampSQL() string
	// UUIDStorageType is the column type uuid properties are stored in.
	UUIDStorageType() string
	// Timezone is the session timezone appended to zone-less timestamps.
	Timezone() string
}

// New returns the platform registered under name.
func New(name, timezone string) (Platform, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mysql", "tidb", "mariadb":
		return &MySQL{TZ: timezone}, nil
	case "postgres", "postgresql":
		return &Postgres{TZ: timezone}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", name)
	}
}

// MySQL is the MySQL/TiDB dialect.
type MySQL struct {
	TZ string
}

func (p *MySQL) Name() string                            { return "mysql" }
func (p *MySQL) QuoteIdentifier(name string) string      { return sqlutil.QuoteIdentifier(name) }
func (p *MySQL) PlaceholderFormat() sq.PlaceholderFormat { return sq.Question }
func (p *MySQL) SupportsReturning() bool                 { return false }
func (p *MySQL) SupportsDefaultKeyword() bool            { return true }
func (p *MySQL) CurrentTimestampSQL() string             { return "CURRENT_TIMESTAMP(3)" }
func (p *MySQL) UUIDStorageType() string                 { return "binary" }
func (p *MySQL) Timezone() string                        { return timezoneOrDefault(p.TZ) }

func (p *MySQL) BooleanLiteral(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func (p *MySQL) JSONLiteral(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return "CAST(" + sqlutil.QuoteString(string(encoded)) + " AS JSON)", nil
}

// Postgres is the PostgreSQL dialect.
type Postgres struct {
	TZ string
}

func (p *Postgres) Name() string                            { return "postgres" }
func (p *Postgres) QuoteIdentifier(name string) string      { return sqlutil.QuoteIdentifierANSI(name) }
func (p *Postgres) PlaceholderFormat() sq.PlaceholderFormat { return sq.Dollar }
func (p *Postgres) SupportsReturning() bool                 { return true }
func (p *Postgres) SupportsDefaultKeyword() bool            { return true }
func (p *Postgres) CurrentTimestampSQL() string             { return "current_timestamp(3)" }
func (p *Postgres) UUIDStorageType() string                 { return "uuid" }
func (p *Postgres) Timezone() string                        { return timezoneOrDefault(p.TZ) }

func (p *Postgres) BooleanLiteral(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func (p *Postgres) JSONLiteral(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return sqlutil.QuoteString(string(encoded)) + "::jsonb", nil
}

func timezoneOrDefault(tz string) string {
	if tz == "" {
		return DefaultTimezone
	}
	return tz
}
