// Command mock-backend runs a deterministic Gamaliel-compatible chat
// completions server for local development and integration testing.
//
// Configuration:
//
//	MOCK_PORT        - Listen port (default: 9090)
//	MOCK_API_KEYS    - Comma-separated accepted API keys (default: accept any)
//	MOCK_MODELS      - Comma-separated model list (default: gpt-4o-mini,gpt-4o)
//	MOCK_CHUNK_DELAY - Delay before each streamed chunk, e.g. 50ms
//	MOCK_ABORT_AFTER - Drop streams after this many content chunks
//	MOCK_FAIL_STATUS - Answer every completion with this HTTP status
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamaliel-ai/gamaliel-go/pkg/debug"
	"github.com/gamaliel-ai/gamaliel-go/pkg/mockserver"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mock backend failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	closeLog := debug.Init("", "", os.Getenv("GAMALIEL_LOG_FILE"))
	defer closeLog()

	port := envOrDefault("MOCK_PORT", "9090")
	opts, err := optionsFromEnv()
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", mockserver.New(opts))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mock backend starting", "port", port, "auth", len(opts.APIKeys) > 0, "models", opts.Models)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("mock backend shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func optionsFromEnv() (mockserver.Options, error) {
	var opts mockserver.Options

	opts.APIKeys = splitList(os.Getenv("MOCK_API_KEYS"))
	opts.Models = splitList(os.Getenv("MOCK_MODELS"))

	if v := os.Getenv("MOCK_CHUNK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return opts, fmt.Errorf("invalid MOCK_CHUNK_DELAY: %w", err)
		}
		opts.ChunkDelay = d
	}
	if v := os.Getenv("MOCK_ABORT_AFTER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("invalid MOCK_ABORT_AFTER: %w", err)
		}
		opts.AbortAfter = n
	}
	if v := os.Getenv("MOCK_FAIL_STATUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 100 || n > 599 {
			return opts, fmt.Errorf("invalid MOCK_FAIL_STATUS %q", v)
		}
		opts.FailStatus = n
	}
	return opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
