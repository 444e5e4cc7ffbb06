// Command gamaliel asks the Gamaliel chat completions API a question and
// prints the answer.
//
// Usage:
//
//	gamaliel [flags] [question]
//
// The API key comes from GAMALIEL_API_KEY (or OPENAI_API_KEY), a .env file,
// or the config file; see package config for the full list of settings.
// Examples:
//
//	gamaliel -book MAT -chapter 6 -verses 14,15 "What does the Bible say about forgiveness?"
//	gamaliel -stream -theology reformed -max-words 300 "Explain John 3:16"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
	"github.com/gamaliel-ai/gamaliel-go/pkg/config"
	"github.com/gamaliel-ai/gamaliel-go/pkg/debug"
	"github.com/gamaliel-ai/gamaliel-go/pkg/gamaliel"
)

const defaultQuestion = "What does the Bible say about forgiveness?"

type options struct {
	configPath string
	model      string
	stream     bool
	system     string
	theology   string
	profile    string
	book       string
	chapter    int
	verses     string
	maxWords   int
	timeout    time.Duration
	listModels bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("gamaliel", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var opts options
	fs.StringVar(&opts.configPath, "config", "", "path to the YAML config file")
	fs.StringVar(&opts.model, "model", "", "model name (default from config)")
	fs.BoolVar(&opts.stream, "stream", false, "stream the answer as it is generated")
	fs.StringVar(&opts.system, "system", "", "system message sent before the question")
	fs.StringVar(&opts.theology, "theology", "", "theology_slug passthrough field")
	fs.StringVar(&opts.profile, "profile", "", "profile_slug passthrough field")
	fs.StringVar(&opts.book, "book", "", "book_id passthrough field, e.g. MAT")
	fs.IntVar(&opts.chapter, "chapter", 0, "chapter passthrough field")
	fs.StringVar(&opts.verses, "verses", "", "comma-separated verses passthrough field, e.g. 14,15")
	fs.IntVar(&opts.maxWords, "max-words", 0, "max_words passthrough field")
	fs.DurationVar(&opts.timeout, "timeout", 0, "timeout for non-streaming calls (default from config)")
	fs.BoolVar(&opts.listModels, "models", false, "list available models and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	verses, err := parseVerses(opts.verses)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -verses: %v\n", err)
		return 2
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	closeLog := debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.File)
	defer closeLog()

	if cfg.Metrics.Enabled {
		stopMetrics := serveMetrics(cfg.Metrics.Addr)
		defer stopMetrics()
	}

	timeout := cfg.Client.Timeout
	if opts.timeout > 0 {
		timeout = opts.timeout
	}
	headers := make(http.Header, len(cfg.Client.Headers))
	for k, v := range cfg.Client.Headers {
		headers.Set(k, v)
	}

	client, err := gamaliel.New(gamaliel.Config{
		APIKey:  cfg.Client.APIKey,
		BaseURL: cfg.Client.BaseURL,
		Timeout: timeout,
		Logger:  slog.Default(),
		Headers: headers,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer client.Close()

	if opts.listModels {
		models, err := client.ListModels(ctx)
		if err != nil {
			fmt.Fprintln(stderr, describe(err))
			return 1
		}
		for _, m := range models {
			fmt.Fprintln(stdout, m.ID)
		}
		return 0
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		question = defaultQuestion
	}

	params := cfg.Defaults
	if opts.theology != "" {
		params.TheologySlug = opts.theology
	}
	if opts.profile != "" {
		params.ProfileSlug = opts.profile
	}
	if opts.book != "" {
		params.BookID = opts.book
	}
	if opts.chapter != 0 {
		params.Chapter = opts.chapter
	}
	if len(verses) > 0 {
		params.Verses = verses
	}
	if opts.maxWords != 0 {
		params.MaxWords = opts.maxWords
	}

	model := cfg.Client.Model
	if opts.model != "" {
		model = opts.model
	}

	req := &api.ChatCompletionRequest{Model: model, Stream: opts.stream}
	if opts.system != "" {
		req.Messages = append(req.Messages, api.Message{Role: api.RoleSystem, Content: opts.system})
	}
	req.Messages = append(req.Messages, api.Message{Role: api.RoleUser, Content: question})
	params.ApplyTo(req)

	res, err := client.Create(ctx, req)
	if err != nil {
		fmt.Fprintln(stderr, describe(err))
		return 1
	}

	if !res.IsStream() {
		fmt.Fprintln(stdout, res.Response.Content())
		fmt.Fprintf(stdout, "\nTokens used: %d\n", res.Response.Usage.TotalTokens)
		return 0
	}

	for chunk, err := range res.Stream.Chunks() {
		if err != nil {
			fmt.Fprintln(stdout)
			fmt.Fprintln(stderr, describe(err))
			return 1
		}
		if text, ok := chunk.Text(); ok {
			fmt.Fprint(stdout, text)
		}
	}
	fmt.Fprintln(stdout)
	if u := res.Stream.Usage(); u != nil {
		fmt.Fprintf(stdout, "\nTokens used: %d\n", u.TotalTokens)
	}
	return 0
}

// parseVerses parses "14,15" into []int{14, 15}.
func parseVerses(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not a verse number", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// describe turns a client error into a one-line message for the terminal.
func describe(err error) string {
	var (
		authErr   *api.AuthError
		streamErr *api.StreamInterruptedError
		transErr  *api.TransportError
		apiErr    *api.APIError
		invalid   *api.InvalidRequestError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &authErr):
		return fmt.Sprintf("authentication failed: %s (check GAMALIEL_API_KEY)", authErr.Message)
	case errors.As(err, &streamErr):
		return fmt.Sprintf("stream interrupted after %d characters: %v", len(streamErr.Partial), streamErr.Err)
	case errors.As(err, &transErr):
		return fmt.Sprintf("could not reach %s: %v", transErr.URL, transErr.Err)
	case errors.As(err, &apiErr):
		if api.IsRetryable(err) {
			return fmt.Sprintf("server error (HTTP %d, try again later): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Sprintf("request rejected (HTTP %d): %s", apiErr.StatusCode, apiErr.Message)
	case errors.As(err, &invalid):
		return err.Error()
	default:
		return "error: " + err.Error()
	}
}

// serveMetrics exposes the Prometheus registry on addr until the returned
// function is called.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}
