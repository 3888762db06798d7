// Command weftd serves the weft agent runtime over HTTP.
//
// It exposes the thread and run API, persists state to the configured store
// (file, sqlite, or postgres), and executes runs with the configured runner.
// Configuration comes from weft.toml (override with WEFT_CONFIG) plus WEFT_*
// env vars.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/weftlabs/weft"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/observer"
	"github.com/weftlabs/weft/runner/openaichat"
	"github.com/weftlabs/weft/store/postgres"
	"github.com/weftlabs/weft/store/sqlite"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("WEFT_CONFIG"))

	logger := newLogger(cfg.Log.Level)

	// 2. Observer (opt-in via config)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(context.Background())
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
		logger.Info("OTEL observability enabled")
	}

	// 3. Create store
	var pool *pgxpool.Pool
	var store weft.Store
	switch cfg.Store.Backend {
	case "file", "":
		dir := cfg.Store.Dir
		if dir == "" {
			dir = weft.DefaultDataDir()
		}
		store = weft.NewFileStore(dir, weft.FileStoreLogger(logger))
	case "sqlite":
		store = sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
	case "postgres":
		var err error
		pool, err = pgxpool.New(context.Background(), cfg.Store.DSN)
		if err != nil {
			logger.Error("postgres pool failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		store = postgres.New(pool)
	default:
		logger.Error("unknown store backend", "backend", cfg.Store.Backend)
		os.Exit(1)
	}
	store = weft.WithStoreRetry(store, weft.RetryLogger(logger))
	if inst != nil {
		store = observer.WrapStore(store, inst)
	}

	// 4. Create runner
	var runner weft.Runner
	switch cfg.Runner.Kind {
	case "echo", "":
		runner = echoRunner{}
	case "openai":
		opts := []openaichat.Option{openaichat.WithLogger(logger)}
		if cfg.Runner.SystemPrompt != "" {
			opts = append(opts, openaichat.WithSystemPrompt(cfg.Runner.SystemPrompt))
		}
		if cfg.Runner.Temperature != 0 {
			opts = append(opts, openaichat.WithTemperature(cfg.Runner.Temperature))
		}
		if cfg.Runner.MaxTokens != 0 {
			opts = append(opts, openaichat.WithMaxTokens(cfg.Runner.MaxTokens))
		}
		runner = openaichat.New(cfg.Runner.APIKey, cfg.Runner.Model, cfg.Runner.BaseURL, opts...)
	default:
		logger.Error("unknown runner kind", "kind", cfg.Runner.Kind)
		os.Exit(1)
	}
	if inst != nil {
		runner = observer.WrapRunner(runner, inst)
	}

	// 5. Build the agent
	agentOpts := []weft.Option{
		weft.WithStore(store),
		weft.WithLogger(logger),
	}
	if inst != nil {
		agentOpts = append(agentOpts, weft.WithTracer(observer.NewTracer()))
	}
	agent := weft.New(runner, agentOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.Init(ctx); err != nil {
		logger.Error("agent init failed", "error", err)
		os.Exit(1)
	}

	// 6. Expiry sweeper for runs that never started
	if cfg.Sweeper.Enabled {
		if ss, ok := store.(weft.SweepStore); ok {
			sweeper := weft.NewSweeper(ss,
				weft.WithSweepInterval(time.Duration(cfg.Sweeper.IntervalSecs)*time.Second),
				weft.WithSweepTTL(time.Duration(cfg.Sweeper.TTLSecs)*time.Second),
				weft.WithSweepLogger(logger),
			)
			go sweeper.Start(ctx)
		} else {
			logger.Warn("store does not support listing runs, sweeper disabled")
		}
	}

	// 7. HTTP server
	var handler weft.Handler = agent
	if inst != nil {
		handler = observer.WrapHandler(agent, inst)
	}
	api := weft.NewServer(handler, weft.ServerLogger(logger))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: streamed runs hold the response open.
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend, "runner", cfg.Runner.Kind)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if err := agent.Close(shutCtx); err != nil {
		logger.Error("agent close error", "error", err)
	}
	logger.Info("stopped")
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
