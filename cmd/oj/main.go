// Command oj is the online judge's HTTP service and worker pool: it loads
// a problem/language configuration, opens the persistent store, starts
// the judging worker pool, and serves the JSON API until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ouuan/oj/internal/judge"
	"github.com/ouuan/oj/internal/ojconfig"
	"github.com/ouuan/oj/internal/queue"
	"github.com/ouuan/oj/internal/store"
	"github.com/ouuan/oj/internal/web"
)

// shutdownGrace bounds each phase of graceful shutdown: the HTTP drain,
// and then the worker drain, after which in-flight judging is cancelled.
const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the judge configuration file (required)")
	dbPath := flag.String("database", "oj.db", "path to the sqlite database file (when not given, $DATABASE_URL is used if set)")
	flushData := flag.Bool("flush-data", false, "wipe all persisted state before starting")
	tmpRoot := flag.String("tmp-dir", filepath.Join("tmp", "judger"), "scratch workspace root for judging pipelines")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: failed to load .env: %v\n", err)
	}

	dbFlagSet := false
	flag.Visit(func(f *flag.Flag) { dbFlagSet = dbFlagSet || f.Name == "database" })
	if url := os.Getenv("DATABASE_URL"); url != "" && !dbFlagSet {
		*dbPath = url
	}

	level := slog.LevelInfo
	if v := os.Getenv("OJ_LOG_LEVEL"); v != "" {
		if err := level.UnmarshalText([]byte(v)); err != nil {
			fmt.Fprintf(os.Stderr, "warning: ignoring invalid OJ_LOG_LEVEL %q: %v\n", v, err)
			level = slog.LevelInfo
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configPath == "" {
		logger.Error("missing required --config flag")
		os.Exit(1)
	}

	if err := run(*configPath, *dbPath, *tmpRoot, *flushData, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, dbPath, tmpRoot string, flushData bool, logger *slog.Logger) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := ojconfig.New(data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	logger.Info("configuration loaded", "problems", len(cfg.ProblemMap), "languages", len(cfg.LanguageMap))

	db, err := store.Open(dbPath, flushData)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	st := store.New(db)
	q := queue.New(256)

	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	pool := judge.New(st, cfg, q, tmpRoot, logger)
	pool.Start(workCtx)

	if err := judge.Reenqueue(context.Background(), st, q, logger); err != nil {
		logger.Error("failed to re-enqueue unfinished jobs from a previous run", "error", err)
	}

	srv, err := web.New(st, cfg, q, logger)
	if err != nil {
		return fmt.Errorf("build HTTP server: %w", err)
	}

	bindAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.BindPort)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(bindAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server exited unexpectedly", "error", err)
		}
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	}

	shutdown(srv, q, pool, cancelWork, tmpRoot, sigCh, logger)
	return nil
}

// shutdown stops accepting new work and waits for in-flight jobs to
// finish, within shutdownGrace. A second operator interrupt during the
// grace period forces an immediate process exit, matching the original
// judger's Ctrl-C escape hatch.
func shutdown(srv *web.Server, q *queue.Queue, pool *judge.Pool, cancelWork context.CancelFunc, tmpRoot string, sigCh chan os.Signal, logger *slog.Logger) {
	forced := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			logger.Warn("second interrupt received, forcing exit")
			close(forced)
			os.Exit(1)
		case <-forced:
		}
	}()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	q.Close()

	drained := make(chan struct{})
	go func() {
		pool.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		logger.Warn("worker pool did not drain within the grace period, cancelling in-flight work")
		cancelWork()
		<-drained
	}

	close(forced)

	if err := os.RemoveAll(tmpRoot); err != nil && !os.IsNotExist(err) {
		logger.Error("failed to remove judging workspace root", "error", err)
	}
	logger.Info("shutdown complete")
}
