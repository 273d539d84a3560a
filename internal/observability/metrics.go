package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName scopes every instrument created by this module.
const MeterName = "relgraph"

// FinderMetrics holds the instruments recorded around finds and writes.
// A nil *FinderMetrics records nothing.
type FinderMetrics struct {
	statements   metric.Int64Counter
	rowsRead     metric.Int64Counter
	roots        metric.Int64Counter
	followUps    metric.Int64Counter
	errors       metric.Int64Counter
	findDuration metric.Float64Histogram
}

// InitFinderMetrics creates the finder instruments on the global meter provider.
func InitFinderMetrics() (*FinderMetrics, error) {
	meter := otel.Meter(MeterName)

	statements, err := meter.Int64Counter(
		"relgraph.statements.compiled",
		metric.WithDescription("Number of SQL statements compiled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create statements counter: %w", err)
	}

	rowsRead, err := meter.Int64Counter(
		"relgraph.rows.read",
		metric.WithDescription("Number of flat result rows read"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rows counter: %w", err)
	}

	roots, err := meter.Int64Counter(
		"relgraph.roots.materialized",
		metric.WithDescription("Number of root entities materialized"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create roots counter: %w", err)
	}

	followUps, err := meter.Int64Counter(
		"relgraph.followups.total",
		metric.WithDescription("Number of select-in follow-up queries"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create follow-up counter: %w", err)
	}

	errors, err := meter.Int64Counter(
		"relgraph.errors.total",
		metric.WithDescription("Number of failed finder operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create error counter: %w", err)
	}

	findDuration, err := meter.Float64Histogram(
		"relgraph.find.duration",
		metric.WithDescription("Duration of finds including follow-ups in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create find duration histogram: %w", err)
	}

	return &FinderMetrics{
		statements:   statements,
		rowsRead:     rowsRead,
		roots:        roots,
		followUps:    followUps,
		errors:       errors,
		findDuration: findDuration,
	}, nil
}

// RecordStatement counts one compiled statement of the given kind
// (find, insert, update, pivot).
func (m *FinderMetrics) RecordStatement(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.statements.Add(ctx, 1, metric.WithAttributes(attribute.String("statement", kind)))
}

// RecordRows counts flat rows read by one query on entity.
func (m *FinderMetrics) RecordRows(ctx context.Context, entity string, rows int) {
	if m == nil {
		return
	}
	m.rowsRead.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("entity", entity)))
}

// RecordFind records one completed find on entity.
func (m *FinderMetrics) RecordFind(ctx context.Context, entity string, roots int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("entity", entity))
	m.roots.Add(ctx, int64(roots), attrs)
	m.findDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordFollowUp counts one select-in query loading relation.
func (m *FinderMetrics) RecordFollowUp(ctx context.Context, relation string) {
	if m == nil {
		return
	}
	m.followUps.Add(ctx, 1, metric.WithAttributes(attribute.String("relation", relation)))
}

// RecordError counts a failure in stage (compile, execute, materialize).
func (m *FinderMetrics) RecordError(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
