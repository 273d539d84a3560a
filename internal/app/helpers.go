package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"relgraph/internal/config"
	"relgraph/internal/dbexec"
	"relgraph/internal/finder"
	"relgraph/internal/logging"
	"relgraph/internal/metadata"
	"relgraph/internal/naming"
	"relgraph/internal/observability"
	"relgraph/internal/planner"
	"relgraph/internal/platform"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Startup retry backoff for waitForDatabase.
var (
	retryInterval    = 500 * time.Millisecond
	maxRetryInterval = 30 * time.Second
)

// InitLogger builds the process logger, bridging to an OTLP logger provider
// when log exports are enabled.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observabilityConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func observabilityConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig: observability.OTLPExporterConfig{
			Endpoint:          otlp.Endpoint,
			Protocol:          otlp.Protocol,
			Insecure:          otlp.Insecure,
			TLSCertFile:       otlp.TLSCertFile,
			TLSClientCertFile: otlp.TLSClientCertFile,
			TLSClientKeyFile:  otlp.TLSClientKeyFile,
			Headers:           otlp.Headers,
			Timeout:           otlp.Timeout,
			Compression:       otlp.Compression,
			RetryEnabled:      otlp.RetryEnabled,
			RetryMaxAttempts:  otlp.RetryMaxAttempts,
		},
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.FinderMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
	})
	if err != nil {
		return nil, nil, err
	}

	finderMetrics, err := observability.InitFinderMetrics()
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("OpenTelemetry metrics initialized")
	return meterProvider, finderMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	return observability.InitTracerProvider(observabilityConfig(cfg, tracesConfig))
}

// dbSystem is the semconv db.system attribute for the configured driver.
func dbSystem(driver string) attribute.KeyValue {
	if driver == config.DriverPostgres {
		return semconv.DBSystemPostgreSQL
	}
	return semconv.DBSystemMySQL
}

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	driver := cfg.Database.Driver
	if driver == "" {
		driver = config.DriverMySQL
	}
	dsn := cfg.Database.DSN()
	obs := cfg.Observability

	if !obs.MetricsEnabled && !obs.TracingEnabled {
		db, err := sql.Open(driver, dsn)
		return db, nil, err
	}

	opts := []otelsql.Option{
		otelsql.WithAttributes(dbSystem(driver)),
	}
	if obs.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}
	if obs.SQLCommenterEnabled {
		if obs.TracingEnabled {
			opts = append(opts, otelsql.WithSQLCommenter(true))
		} else {
			logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
		}
	}

	db, err := otelsql.Open(driver, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if obs.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(dbSystem(driver)))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Debug("database instrumentation enabled",
		slog.Bool("metrics", obs.MetricsEnabled),
		slog.Bool("tracing", obs.TracingEnabled),
		slog.Bool("sqlcommenter", obs.SQLCommenterEnabled && obs.TracingEnabled),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg.Database.ConnectionTimeout, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database_effective", effectiveDatabase),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

// waitForDatabase pings until the database answers or timeout elapses. A
// zero timeout pings once.
func waitForDatabase(ctx context.Context, timeout time.Duration, logger *logging.Logger, db *sql.DB) error {
	if timeout == 0 {
		return db.PingContext(ctx)
	}

	interval := retryInterval
	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval = min(interval*2, maxRetryInterval)
	}
}

func loadModel(cfg *config.Config, logger *logging.Logger) (*metadata.Registry, error) {
	model, err := metadata.LoadFile(cfg.Model.File, naming.New(cfg.Naming))
	if err != nil {
		return nil, fmt.Errorf("failed to load entity model %s: %w", cfg.Model.File, err)
	}
	logger.Debug("entity model loaded",
		slog.String("file", cfg.Model.File),
		slog.Int("entities", len(model.Entities())),
	)
	return model, nil
}

func buildFinder(cfg *config.Config, logger *logging.Logger, db *sql.DB, metrics *observability.FinderMetrics) (*finder.Finder, error) {
	p, err := platform.New(cfg.PlatformName(), cfg.Platform.Timezone)
	if err != nil {
		return nil, err
	}
	strategy := metadata.LoadStrategy(cfg.Planner.LoadStrategy)
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown load strategy %q", cfg.Planner.LoadStrategy)
	}
	return finder.New(dbexec.NewStandardExecutor(db),
		finder.WithPlatform(p),
		finder.WithStrategy(strategy),
		finder.WithLimits(planner.PlanLimits{
			MaxJoins: cfg.Planner.MaxJoins,
			MaxDepth: cfg.Planner.MaxDepth,
		}),
		finder.WithMetrics(metrics),
		finder.WithLogger(logger),
	), nil
}

// dumpMetrics writes the Prometheus exposition to target: a file path, "-"
// for stderr, or nothing when empty.
func dumpMetrics(target string, mp *observability.MeterProvider) error {
	if target == "" || mp == nil {
		return nil
	}
	var w io.Writer = os.Stderr
	if target != "-" {
		f, err := os.Create(target)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	return mp.DumpMetrics(w)
}
