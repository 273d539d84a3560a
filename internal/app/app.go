// Package app wires configuration, telemetry, the database pool and the
// entity model into a ready Finder, and releases them in reverse order.
package app

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"relgraph/internal/config"
	"relgraph/internal/finder"
	"relgraph/internal/logging"
	"relgraph/internal/metadata"
	"relgraph/internal/observability"
)

// App owns runtime resources for one relgraph process.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	effectiveDatabase string
	dsnPresent        bool

	meterProvider  *observability.MeterProvider
	finderMetrics  *observability.FinderMetrics
	tracerProvider *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	model  *metadata.Registry
	finder *finder.Finder

	cleanup cleanupStack

	stateMu     sync.Mutex
	initialized bool

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	effectiveDatabase, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}

	return &App{
		cfg:               cfg,
		logger:            logger,
		effectiveDatabase: effectiveDatabase,
		dsnPresent:        strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Finder returns the configured finder; nil before Init.
func (a *App) Finder() *finder.Finder {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.finder
}

// Model returns the linked entity model; nil before Init.
func (a *App) Model() *metadata.Registry {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.model
}
