// Package finder executes compiled finds and batch writes against a
// database. Find compiles the request, reads flat rows, materializes and
// merges them into entity graphs, then loads select-in relations with
// keyed follow-up queries.
package finder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"relgraph/internal/dbexec"
	"relgraph/internal/logging"
	"relgraph/internal/materializer"
	"relgraph/internal/metadata"
	"relgraph/internal/observability"
	"relgraph/internal/planner"
	"relgraph/internal/platform"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "relgraph/finder"

// defaultConcurrency bounds sibling follow-up queries run at once.
const defaultConcurrency = 4

// Finder runs finds and writes through one executor.
type Finder struct {
	exec        dbexec.QueryExecutor
	platform    platform.Platform
	strategy    metadata.LoadStrategy
	limits      *planner.PlanLimits
	metrics     *observability.FinderMetrics
	logger      *logging.Logger
	tracer      trace.Tracer
	concurrency int
}

// Option customizes a Finder.
type Option func(*Finder)

// WithPlatform selects the SQL dialect; MySQL when unset.
func WithPlatform(p platform.Platform) Option {
	return func(f *Finder) { f.platform = p }
}

// WithStrategy sets the load strategy for relations that do not set one.
func WithStrategy(s metadata.LoadStrategy) Option {
	return func(f *Finder) { f.strategy = s }
}

// WithLimits rejects populate trees beyond the given limits.
func WithLimits(limits planner.PlanLimits) Option {
	return func(f *Finder) { f.limits = &limits }
}

// WithMetrics records finder metrics.
func WithMetrics(m *observability.FinderMetrics) Option {
	return func(f *Finder) { f.metrics = m }
}

// WithLogger logs through logger instead of the context logger.
func WithLogger(logger *logging.Logger) Option {
	return func(f *Finder) { f.logger = logger }
}

// WithConcurrency bounds concurrent follow-up queries.
func WithConcurrency(n int) Option {
	return func(f *Finder) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// New creates a Finder.
func New(exec dbexec.QueryExecutor, opts ...Option) *Finder {
	f := &Finder{
		exec:        exec,
		strategy:    metadata.StrategyJoined,
		concurrency: defaultConcurrency,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.platform == nil {
		f.platform, _ = platform.New("", "")
	}
	return f
}

// Platform returns the dialect statements are compiled for.
func (f *Finder) Platform() platform.Platform {
	return f.platform
}

func (f *Finder) planOptions() []planner.PlanOption {
	opts := []planner.PlanOption{
		planner.WithPlatform(f.platform),
		planner.WithStrategy(f.strategy),
	}
	if f.limits != nil {
		opts = append(opts, planner.WithLimits(*f.limits))
	}
	return opts
}

func (f *Finder) log(ctx context.Context) *logging.Logger {
	if f.logger != nil {
		return f.logger
	}
	return logging.FromContext(ctx)
}

// Compile plans and compiles a find without executing it.
func (f *Finder) Compile(meta *metadata.Entity, find planner.FindOptions) (*planner.CompiledFind, error) {
	return planner.PlanAndCompileFind(meta, find, f.planOptions()...)
}

// Find loads the roots of meta matching find, with their populated relations.
func (f *Finder) Find(ctx context.Context, meta *metadata.Entity, find planner.FindOptions) ([]materializer.Node, error) {
	if meta == nil {
		return nil, fmt.Errorf("%w: entity metadata is required", planner.ErrConfiguration)
	}
	ctx, span := f.tracer.Start(ctx, "finder.find", trace.WithAttributes(
		attribute.String("relgraph.entity", meta.Name),
	))
	defer span.End()

	start := time.Now()
	compiled, rows, err := f.query(ctx, meta, find)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	nodes, err := f.materialize(ctx, compiled.Plan, rows)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	if err := f.followUps(ctx, compiled.Plan, nodes); err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("relgraph.roots", len(nodes)))
	f.metrics.RecordFind(ctx, meta.Name, len(nodes), time.Since(start))
	return nodes, nil
}

// query compiles and runs one find statement.
func (f *Finder) query(ctx context.Context, meta *metadata.Entity, find planner.FindOptions) (*planner.CompiledFind, []dbexec.FlatRow, error) {
	compiled, err := f.Compile(meta, find)
	if err != nil {
		f.metrics.RecordError(ctx, "compile")
		return nil, nil, err
	}
	f.metrics.RecordStatement(ctx, "find")

	logger := f.log(ctx)
	logger.Debug("executing find",
		slog.String("entity", meta.Name),
		slog.String("sql", compiled.SQL),
		slog.Int("args", len(compiled.Args)),
	)
	rows, err := dbexec.QueryFlatRows(ctx, f.exec, compiled.SQL, compiled.Args...)
	if err != nil {
		f.metrics.RecordError(ctx, "execute")
		return nil, nil, fmt.Errorf("find %s: %w", meta.Name, err)
	}
	logger.Debug("find rows read", slog.String("entity", meta.Name), slog.Int("rows", len(rows)))
	f.metrics.RecordRows(ctx, meta.Name, len(rows))
	return compiled, rows, nil
}

func (f *Finder) materialize(ctx context.Context, plan *planner.JoinPlan, rows []dbexec.FlatRow) ([]materializer.Node, error) {
	_, span := f.tracer.Start(ctx, "finder.materialize", trace.WithAttributes(
		attribute.String("relgraph.entity", plan.Meta.Name),
		attribute.Int("relgraph.rows", len(rows)),
	))
	defer span.End()

	nodes, err := materializer.MaterializeResults(rows, plan, materializer.WithTimezone(f.platform.Timezone()))
	if err != nil {
		recordSpanError(span, err)
		f.metrics.RecordError(ctx, "materialize")
		return nil, fmt.Errorf("materialize %s: %w", plan.Meta.Name, err)
	}
	return nodes, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
