package finder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"relgraph/internal/dbexec"
	"relgraph/internal/metadata"
	"relgraph/internal/pivot"
	"relgraph/internal/planner"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WriteResult reports the outcome of a batch write.
type WriteResult struct {
	RowsAffected int64
	// LastInsertID is the first generated key of a MySQL insert.
	LastInsertID int64
	// Returned holds RETURNING rows on platforms that support it.
	Returned []dbexec.FlatRow
}

// InsertMany inserts rows of meta with one multi-row INSERT.
func (f *Finder) InsertMany(ctx context.Context, meta *metadata.Entity, rows []planner.Row, opts ...planner.PlanOption) (*WriteResult, error) {
	planned, err := planner.CompileInsertMany(meta, rows, append(f.planOptions(), opts...)...)
	if err != nil {
		f.metrics.RecordError(ctx, "compile")
		return nil, err
	}
	return f.write(ctx, "insert", meta, planned)
}

// UpdateMany updates rows of meta with one CASE-based UPDATE. where[i]
// identifies rows[i]; a nil where uses each row's primary key.
func (f *Finder) UpdateMany(ctx context.Context, meta *metadata.Entity, rows []planner.Row, where []planner.Row) (*WriteResult, error) {
	planned, err := planner.CompileUpdateMany(meta, rows, where, f.planOptions()...)
	if err != nil {
		f.metrics.RecordError(ctx, "compile")
		return nil, err
	}
	return f.write(ctx, "update", meta, planned)
}

func (f *Finder) write(ctx context.Context, kind string, meta *metadata.Entity, planned planner.SQLQuery) (*WriteResult, error) {
	ctx, span := f.tracer.Start(ctx, "finder."+kind, trace.WithAttributes(
		attribute.String("relgraph.entity", meta.Name),
	))
	defer span.End()
	f.metrics.RecordStatement(ctx, kind)

	f.log(ctx).Debug("executing "+kind,
		slog.String("entity", meta.Name),
		slog.String("sql", planned.SQL),
		slog.Int("args", len(planned.Args)),
	)

	if f.platform.SupportsReturning() && strings.Contains(planned.SQL, " RETURNING ") {
		rows, err := dbexec.QueryFlatRows(ctx, f.exec, planned.SQL, planned.Args...)
		if err != nil {
			recordSpanError(span, err)
			f.metrics.RecordError(ctx, "execute")
			return nil, fmt.Errorf("%s %s: %w", kind, meta.Name, err)
		}
		return &WriteResult{RowsAffected: int64(len(rows)), Returned: rows}, nil
	}

	res, err := f.exec.ExecContext(ctx, planned.SQL, planned.Args...)
	if err != nil {
		recordSpanError(span, err)
		f.metrics.RecordError(ctx, "execute")
		return nil, fmt.Errorf("%s %s: %w", kind, meta.Name, err)
	}
	result := &WriteResult{}
	result.RowsAffected, _ = res.RowsAffected()
	if kind == "insert" {
		result.LastInsertID, _ = res.LastInsertId()
	}
	span.SetAttributes(attribute.Int64("relgraph.rows_affected", result.RowsAffected))
	return result, nil
}

// SyncPivot writes the junction-table changes between snapshot and current
// for one owner of a many-to-many property. Statements run in one
// transaction when the executor can begin one.
func (f *Finder) SyncPivot(ctx context.Context, prop *metadata.Property, owner pivot.Key, current, snapshot []interface{}) (*pivot.Diff, error) {
	diff, err := pivot.Sync(prop, current, snapshot, owner)
	if err != nil {
		return nil, err
	}
	statements, err := pivot.Compile(f.platform, diff)
	if err != nil {
		f.metrics.RecordError(ctx, "compile")
		return nil, err
	}
	if len(statements) == 0 {
		return diff, nil
	}

	ctx, span := f.tracer.Start(ctx, "finder.sync_pivot", trace.WithAttributes(
		attribute.String("relgraph.pivot", prop.Pivot.Table),
		attribute.Int("relgraph.inserts", len(diff.Insert)),
		attribute.Int("relgraph.deletes", len(diff.Delete)),
		attribute.Bool("relgraph.replace", diff.Replace),
	))
	defer span.End()

	logger := f.log(ctx)
	err = dbexec.InTx(ctx, f.exec, func(exec dbexec.QueryExecutor) error {
		for _, stmt := range statements {
			f.metrics.RecordStatement(ctx, "pivot")
			logger.Debug("executing pivot sync",
				slog.String("table", prop.Pivot.Table),
				slog.String("sql", stmt.SQL),
				slog.Int("args", len(stmt.Args)),
			)
			if _, err := exec.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
				return fmt.Errorf("sync %s: %w", prop.Pivot.Table, err)
			}
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		f.metrics.RecordError(ctx, "execute")
		return nil, err
	}
	return diff, nil
}
