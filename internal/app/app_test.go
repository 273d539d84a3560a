package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/internal/config"
	"relgraph/internal/logging"
	"relgraph/internal/metadata"
	"relgraph/internal/naming"
	"relgraph/internal/observability"
	"relgraph/internal/platform"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Format: "text", Output: io.Discard})
}

func TestNew_RequiresConfigAndLogger(t *testing.T) {
	_, err := New(nil, testLogger())
	assert.Error(t, err)
	_, err = New(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestShutdown_Idempotent(t *testing.T) {
	app := &App{logger: testLogger()}
	var calls int32
	app.cleanup.push("test", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, app.Shutdown(ctx))
	require.NoError(t, app.Shutdown(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCleanupStack_RunsInReverse(t *testing.T) {
	var order []string
	var stack cleanupStack
	stack.push("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	stack.push("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("ignored")
	})

	stack.run(context.Background(), testLogger())
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestInitFailure_DoesNotMarkInitialized(t *testing.T) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverMySQL, Host: "127.0.0.1", Port: 1, Database: "test"},
		Model:    config.ModelConfig{File: filepath.Join(t.TempDir(), "missing.yaml")},
		Naming:   naming.DefaultConfig(),
	}
	app, err := New(cfg, testLogger())
	require.NoError(t, err)

	err = app.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity model")

	app.stateMu.Lock()
	defer app.stateMu.Unlock()
	assert.False(t, app.initialized)
	assert.Nil(t, app.finder)
}

func TestWaitForDatabase(t *testing.T) {
	original := retryInterval
	retryInterval = time.Millisecond
	t.Cleanup(func() { retryInterval = original })

	t.Run("single attempt without timeout", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("refused"))
		err = waitForDatabase(context.Background(), 0, testLogger(), db)
		assert.EqualError(t, err, "refused")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("retries until reachable", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("refused"))
		mock.ExpectPing().WillReturnError(errors.New("refused"))
		mock.ExpectPing()
		require.NoError(t, waitForDatabase(context.Background(), time.Minute, testLogger(), db))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("canceled context stops retrying", func(t *testing.T) {
		db, _, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = waitForDatabase(ctx, time.Minute, testLogger(), db)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBuildFinder(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cfg := &config.Config{
		Database: config.DatabaseConfig{Driver: config.DriverPostgres},
		Platform: config.PlatformConfig{Timezone: "+02:00"},
		Planner:  config.PlannerConfig{LoadStrategy: string(metadata.StrategySelectIn)},
	}
	f, err := buildFinder(cfg, testLogger(), db, nil)
	require.NoError(t, err)
	require.IsType(t, &platform.Postgres{}, f.Platform())
	assert.Equal(t, "+02:00", f.Platform().Timezone())

	cfg.Planner.LoadStrategy = "lazy"
	_, err = buildFinder(cfg, testLogger(), db, nil)
	assert.Error(t, err)

	cfg.Planner.LoadStrategy = ""
	cfg.Platform.Name = "oracle"
	_, err = buildFinder(cfg, testLogger(), db, nil)
	assert.Error(t, err)
}

func TestLoadModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
entities:
  - name: Category
    properties:
      - {name: id, type: integer, generated: true}
      - {name: title, type: string}
`), 0o600))

	cfg := &config.Config{Model: config.ModelConfig{File: path}, Naming: naming.DefaultConfig()}
	model, err := loadModel(cfg, testLogger())
	require.NoError(t, err)
	category := model.MustGet("Category")
	assert.Equal(t, "categories", category.Table)
}

func TestDumpMetrics(t *testing.T) {
	require.NoError(t, dumpMetrics("", nil))

	mp, err := observability.InitMeterProvider(observability.Config{ServiceName: "relgraph-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mp.Shutdown(context.Background(), testLogger().Logger) })

	metrics, err := observability.InitFinderMetrics()
	require.NoError(t, err)
	metrics.RecordStatement(context.Background(), "find")

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, dumpMetrics(path, mp))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "statements")
}
