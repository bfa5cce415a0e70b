// Command imagecached runs imagecache as a standalone daemon: a loopback
// HTTP control surface in front of a single Manager, for exercising the
// library the way a caller process would embed it without writing one.
// The library itself never imports net/http as a server; this is the one
// place in the module that does.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"imagecache"
	"imagecache/internal/cachestats"
	"imagecache/internal/metrics"
	"imagecache/internal/obslog"
	"imagecache/internal/retry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "imagecached:", err)
		os.Exit(1)
	}
}

func run() error {
	port := flag.Int("port", 7777, "loopback port to listen on")
	dataDir := flag.String("data-dir", "./imagecache-data", "root directory for disk cache entries and the stats database")
	jsonLog := flag.Bool("json-log", false, "also emit JSON log lines to stderr")
	flag.Parse()

	var jsonSink *os.File
	if *jsonLog {
		jsonSink = os.Stderr
	}
	logger := obslog.New(os.Stdout, jsonSink)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	opts, err := imagecache.OptionsFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.Disk.RootPath == "" {
		opts.Disk.RootPath = filepath.Join(*dataDir, "cache")
	}

	stats, err := cachestats.Open(filepath.Join(*dataDir, "stats.db"))
	if err != nil {
		return fmt.Errorf("open stats db: %w", err)
	}
	defer stats.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.New(registry)

	retryStrategy := &retry.DelayStrategy{
		MaxRetryCount: 3,
		Interval:      retry.AccumulatedInterval(500 * time.Millisecond),
	}

	mgr, err := imagecache.NewManager(opts, imagecache.StdDecoder{}, retryStrategy, http.DefaultClient, logger)
	if err != nil {
		return fmt.Errorf("build manager: %w", err)
	}
	defer mgr.Close()
	mgr.SetMetrics(collector)
	mgr.SetStats(stats)

	srv := newServer(mgr, stats, registry, logger)

	addr := fmt.Sprintf("127.0.0.1:%d", *port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("imagecached: listening", "addr", addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("imagecached: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
