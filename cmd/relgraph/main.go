package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relgraph/internal/app"
	"relgraph/internal/config"
	"relgraph/internal/planner"

	"github.com/spf13/pflag"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("relgraph failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("relgraph", pflag.ContinueOnError)
	config.DefineFlags(fs)
	var req request
	defineRequestFlags(fs, &req)
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *showVersion {
		fmt.Fprintf(stdout, "relgraph %s (%s)\n", Version, Commit)
		return nil
	}
	if req.Entity == "" {
		return fmt.Errorf("--entity is required")
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return fmt.Errorf("configuration validation failed")
	}

	find, err := req.findOptions()
	if err != nil {
		return err
	}

	logger, loggerProvider, err := app.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	a.AttachLoggerProvider(loggerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()

	if !req.Execute {
		if err := a.InitDryRun(); err != nil {
			return err
		}
		meta, err := a.Model().Get(req.Entity)
		if err != nil {
			return err
		}
		compiled, err := a.Finder().Compile(meta, find)
		if err != nil {
			return err
		}
		return printCompiled(stdout, compiled)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Init(ctx); err != nil {
		return err
	}
	meta, err := a.Model().Get(req.Entity)
	if err != nil {
		return err
	}
	nodes, err := a.Finder().Find(ctx, meta, find)
	if err != nil {
		return err
	}
	logger.Debug("find completed", slog.String("entity", meta.Name), slog.Int("roots", len(nodes)))
	return writeJSON(stdout, nodes)
}

func printCompiled(w io.Writer, compiled *planner.CompiledFind) error {
	return writeJSON(w, map[string]interface{}{
		"sql":  compiled.SQL,
		"args": compiled.Args,
	})
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
