// Package planner compiles find requests and batch writes against the entity
// model into parameterized SQL. It plans which populated relations become
// joins, allocates one alias per join path, builds the projection, composes
// filters and ordering against those aliases, and compiles multi-row
// INSERT and CASE-based UPDATE statements.
package planner

import (
	"errors"
	"fmt"
	"strings"

	"relgraph/internal/metadata"
	"relgraph/internal/platform"
)

var (
	// ErrConfiguration indicates a request that cannot be compiled against
	// the entity model (unknown property, bad direction, limits exceeded).
	ErrConfiguration = errors.New("configuration error")
	// ErrUnknownAlias indicates a SQL fragment referencing a join path that
	// was never allocated. It wraps ErrConfiguration.
	ErrUnknownAlias = fmt.Errorf("%w: unknown join alias", ErrConfiguration)
	// ErrShapeMismatch indicates batch data that cannot be aligned with the
	// planned column set.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrNoPrimaryKey indicates a required primary key is missing for a batch plan.
	ErrNoPrimaryKey = errors.New("no primary key")
)

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

type planOptions struct {
	platform platform.Platform
	strategy metadata.LoadStrategy
	limits   *PlanLimits
	// forcedColumns restricts insert column lists to these properties.
	forcedColumns []string
}

// PlanOption customizes planning behavior.
type PlanOption func(*planOptions)

// WithPlatform selects the SQL dialect. MySQL is used when unset.
func WithPlatform(p platform.Platform) PlanOption {
	return func(o *planOptions) {
		o.platform = p
	}
}

// WithStrategy sets the global load strategy for relations that do not
// configure one.
func WithStrategy(s metadata.LoadStrategy) PlanOption {
	return func(o *planOptions) {
		o.strategy = s
	}
}

// WithLimits enforces planner limits on the populate tree.
func WithLimits(limits PlanLimits) PlanOption {
	return func(o *planOptions) {
		o.limits = &limits
	}
}

func applyOptions(opts []PlanOption) *planOptions {
	o := &planOptions{strategy: metadata.StrategyJoined}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.platform == nil {
		o.platform = &platform.MySQL{}
	}
	if o.strategy == metadata.StrategyDefault {
		o.strategy = metadata.StrategyJoined
	}
	return o
}

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func shapeErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrShapeMismatch, fmt.Sprintf(format, args...))
}

// qualify returns alias.column quoted for the platform.
func qualify(p platform.Platform, alias, column string) string {
	if alias == "" {
		return p.QuoteIdentifier(column)
	}
	return p.QuoteIdentifier(alias) + "." + p.QuoteIdentifier(column)
}

// qualifiedColumns returns columns prefixed with a table alias.
func qualifiedColumns(p platform.Platform, alias string, columns []string) []string {
	qualified := make([]string, len(columns))
	for i, col := range columns {
		qualified[i] = qualify(p, alias, col)
	}
	return qualified
}

// ColumnKey returns the flat-row key of a column read through alias.
// Root columns use the bare field name.
func ColumnKey(alias, field string) string {
	if alias == "" {
		return field
	}
	return alias + "__" + field
}

func tableRef(p platform.Platform, table, alias string) string {
	return p.QuoteIdentifier(table) + " AS " + p.QuoteIdentifier(alias)
}

func equalityPredicates(p platform.Platform, leftAlias string, leftCols []string, rightAlias string, rightCols []string) (string, error) {
	if len(leftCols) == 0 || len(leftCols) != len(rightCols) {
		return "", configErrorf("join requires equal key column mappings (%d vs %d)", len(leftCols), len(rightCols))
	}
	parts := make([]string, len(leftCols))
	for i := range leftCols {
		parts[i] = qualify(p, leftAlias, leftCols[i]) + " = " + qualify(p, rightAlias, rightCols[i])
	}
	return strings.Join(parts, " AND "), nil
}
