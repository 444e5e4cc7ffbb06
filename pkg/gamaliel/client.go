package gamaliel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
	"github.com/gamaliel-ai/gamaliel-go/pkg/debug"
	"github.com/gamaliel-ai/gamaliel-go/pkg/observability"
)

// Version is sent in the User-Agent header.
const Version = "0.1.0"

const (
	// DefaultBaseURL is the hosted Gamaliel API.
	DefaultBaseURL = "https://api.gamaliel.ai/v1"

	// DefaultModel is used by the command-line client when no model is
	// configured.
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout bounds non-streaming calls.
	DefaultTimeout = 120 * time.Second

	completionsPath = "/chat/completions"
	modelsPath      = "/models"
)

// ErrMissingAPIKey is returned by New when Config.APIKey is empty.
var ErrMissingAPIKey = errors.New("gamaliel: API key is required")

// Config holds the client settings. It is copied by New; later changes have
// no effect on the client.
type Config struct {
	// APIKey is sent as a bearer token. Required.
	APIKey string

	// BaseURL is the API root, without the /chat/completions suffix.
	// Defaults to DefaultBaseURL.
	BaseURL string

	// Timeout bounds a non-streaming call, including reading the body.
	// Streams are bounded only by the caller's context. Zero means
	// DefaultTimeout; a negative value disables the timeout.
	Timeout time.Duration

	// HTTPClient supplies the transport. Its Timeout is ignored in favor of
	// Timeout above. Defaults to a client using http.DefaultTransport.
	HTTPClient *http.Client

	// Logger receives client diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// TracerProvider creates the call spans. Defaults to the global
	// provider.
	TracerProvider trace.TracerProvider

	// Headers are added to every request. They cannot override
	// Authorization, Content-Type or Accept.
	Headers http.Header
}

// Client calls the chat completions endpoint. It is safe for concurrent use;
// calls share nothing but the immutable configuration and the connection
// pool of the underlying transport.
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	baseURL      string
	apiKey       string
	headers      http.Header
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates a Client from cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("gamaliel: base URL %q must start with http:// or https://", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultTimeout
	case timeout < 0:
		timeout = 0
	}

	var base http.Client
	if cfg.HTTPClient != nil {
		base = *cfg.HTTPClient
	}
	base.Transport = observability.InstrumentRoundTripper(base.Transport)

	httpClient := base
	httpClient.Timeout = timeout

	// Streams can legitimately outlive any fixed timeout. The context
	// controls their lifetime instead.
	streamClient := base
	streamClient.Timeout = 0

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient:   &httpClient,
		streamClient: &streamClient,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		headers:      cfg.Headers.Clone(),
		logger:       logger,
		tracer:       observability.Tracer(cfg.TracerProvider),
	}, nil
}

// BaseURL returns the API root the client sends requests to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Result is the outcome of Create: exactly one of Response and Stream is
// set.
type Result struct {
	Response *api.ChatCompletionResponse
	Stream   *Stream
}

// IsStream reports whether the result holds a stream.
func (r *Result) IsStream() bool {
	return r != nil && r.Stream != nil
}

// Create sends req and returns either the complete response or a stream,
// depending on req.Stream.
func (c *Client) Create(ctx context.Context, req *api.ChatCompletionRequest) (*Result, error) {
	if req == nil {
		return nil, api.NewInvalidRequestError("", "request is nil")
	}
	if req.Stream {
		s, err := c.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Result{Stream: s}, nil
	}
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp}, nil
}

// Complete performs a non-streaming completion. req is not modified; the
// copy that is sent has stream set to false.
func (c *Client) Complete(ctx context.Context, req *api.ChatCompletionRequest) (resp *api.ChatCompletionResponse, err error) {
	if req == nil {
		return nil, api.NewInvalidRequestError("", "request is nil")
	}
	reqCopy := *req
	reqCopy.Stream = false

	start := time.Now()
	ctx, span := c.startSpan(ctx, &reqCopy)
	defer func() {
		if resp != nil {
			observability.RecordUsage(&resp.Usage)
			observability.SetUsage(span, &resp.Usage)
		}
		recordCall(observability.ModeComplete, start, err)
		observability.EndSpan(span, err)
	}()

	url := c.baseURL + completionsPath
	httpResp, err := c.post(ctx, c.httpClient, url, &reqCopy)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, mapNetworkError(http.MethodPost, url, err)
	}

	var out api.ChatCompletionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &api.APIError{
			StatusCode: httpResp.StatusCode,
			Type:       api.ErrorTypeServerError,
			Message:    "malformed response body: " + err.Error(),
			Body:       debug.Truncate(string(data), maxErrorBody),
		}
	}

	if debug.Enabled("client") {
		c.logger.Debug("completion received",
			"debug", "client",
			"id", out.ID,
			"choices", len(out.Choices),
			"total_tokens", out.Usage.TotalTokens,
			"elapsed", time.Since(start),
		)
	}

	return &out, nil
}

// Stream performs a streaming completion. It returns once the response
// headers arrive; a non-2xx status, or a 2xx body that is not an event
// stream, is reported here as an error, before any chunk. The
// caller must Close the returned Stream, or drain it to the end.
//
// No timeout applies beyond ctx. Cancelling ctx aborts the stream.
func (c *Client) Stream(ctx context.Context, req *api.ChatCompletionRequest) (*Stream, error) {
	if req == nil {
		return nil, api.NewInvalidRequestError("", "request is nil")
	}
	reqCopy := *req
	reqCopy.Stream = true

	start := time.Now()
	streamCtx, cancel := context.WithCancel(ctx)
	streamCtx, span := c.startSpan(streamCtx, &reqCopy)

	url := c.baseURL + completionsPath
	httpResp, err := c.post(streamCtx, c.streamClient, url, &reqCopy)
	if err != nil {
		cancel()
		recordCall(observability.ModeStream, start, err)
		observability.EndSpan(span, err)
		return nil, err
	}
	if err := checkEventStream(httpResp); err != nil {
		cancel()
		recordCall(observability.ModeStream, start, err)
		observability.EndSpan(span, err)
		return nil, err
	}

	if debug.Enabled("streaming") {
		c.logger.Debug("stream opened", "debug", "streaming", "model", reqCopy.Model, "status", httpResp.StatusCode)
	}

	return newStream(streamCtx, cancel, httpResp, c.logger, span, start), nil
}

// ListModels returns the models served by the endpoint.
func (c *Client) ListModels(ctx context.Context) ([]api.Model, error) {
	url := c.baseURL + modelsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, mapNetworkError(http.MethodGet, url, err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, mapNetworkError(http.MethodGet, url, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, mapHTTPError(httpResp)
	}

	var list api.ModelList
	if err := json.NewDecoder(httpResp.Body).Decode(&list); err != nil {
		return nil, &api.APIError{
			StatusCode: httpResp.StatusCode,
			Type:       api.ErrorTypeServerError,
			Message:    "malformed models response: " + err.Error(),
		}
	}
	return list.Data, nil
}

// Close releases idle connections. Open streams are not affected.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// post validates and sends req, returning the response only for a 2xx
// status. Any other status is mapped to an error and the body is closed.
func (c *Client) post(ctx context.Context, hc *http.Client, url string, req *api.ChatCompletionRequest) (*http.Response, error) {
	if verr := req.Validate(); verr != nil {
		return nil, verr
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, api.NewInvalidRequestError("extra", err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, mapNetworkError(http.MethodPost, url, err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}

	if debug.Enabled("client") {
		c.logger.Debug("sending request",
			"debug", "client",
			"url", url,
			"model", req.Model,
			"stream", req.Stream,
			"messages", len(req.Messages),
			"passthrough", len(req.Extra),
		)
	}
	debug.Raw("client", string(body))

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return nil, mapNetworkError(http.MethodPost, url, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		defer httpResp.Body.Close()
		err := mapHTTPError(httpResp)
		if debug.Enabled("client") {
			c.logger.Debug("request failed", "debug", "client", "status", httpResp.StatusCode, "error", err)
		}
		return nil, err
	}

	return httpResp, nil
}

func (c *Client) setHeaders(r *http.Request) {
	for k, vs := range c.headers {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", "gamaliel-go/"+Version)
	}
}

func (c *Client) startSpan(ctx context.Context, req *api.ChatCompletionRequest) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "chat.completions",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			observability.AttrModel.String(req.Model),
			observability.AttrStream.Bool(req.Stream),
		),
	)
}

func recordCall(mode string, start time.Time, err error) {
	observability.ClientRequestsTotal.WithLabelValues(mode, observability.Outcome(err)).Inc()
	observability.ClientRequestDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
}
