package gamaliel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
	"github.com/gamaliel-ai/gamaliel-go/pkg/mockserver"
	"github.com/gamaliel-ai/gamaliel-go/pkg/observability"
)

const testKey = "sk-test-key"

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{APIKey: testKey, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// newMock starts a mock backend that accepts testKey and returns the server
// and a client pointed at it.
func newMock(t *testing.T, opts mockserver.Options) (*mockserver.Server, *Client) {
	t.Helper()
	opts.APIKeys = append(opts.APIKeys, testKey)
	mock := mockserver.New(opts)
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	return mock, newTestClient(t, srv.URL+"/v1")
}

func forgivenessRequest() *api.ChatCompletionRequest {
	req := &api.ChatCompletionRequest{
		Model: "gpt-4o-mini",
		Messages: []api.Message{
			{Role: api.RoleUser, Content: "What does the Bible say about forgiveness?"},
		},
	}
	api.Params{BookID: "MAT", Chapter: 6, Verses: []int{14, 15}}.ApplyTo(req)
	return req
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantURL string
		wantErr bool
	}{
		{"missing key", Config{}, "", true},
		{"blank key", Config{APIKey: "   "}, "", true},
		{"defaults", Config{APIKey: "k"}, DefaultBaseURL, false},
		{"trailing slash", Config{APIKey: "k", BaseURL: "http://localhost:9090/v1/"}, "http://localhost:9090/v1", false},
		{"bad scheme", Config{APIKey: "k", BaseURL: "localhost:9090"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if c.BaseURL() != tt.wantURL {
				t.Errorf("BaseURL() = %q, want %q", c.BaseURL(), tt.wantURL)
			}
		})
	}

	if _, err := New(Config{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestNewTimeout(t *testing.T) {
	c, _ := New(Config{APIKey: "k"})
	if c.httpClient.Timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
	}
	if c.streamClient.Timeout != 0 {
		t.Errorf("stream timeout = %v, want none", c.streamClient.Timeout)
	}

	c, _ = New(Config{APIKey: "k", Timeout: -1, HTTPClient: &http.Client{Timeout: time.Second}})
	if c.httpClient.Timeout != 0 {
		t.Errorf("negative timeout should disable it, got %v", c.httpClient.Timeout)
	}
}

func TestCompleteScenario(t *testing.T) {
	mock, c := newMock(t, mockserver.Options{})

	resp, err := c.Complete(context.Background(), forgivenessRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content() == "" {
		t.Error("content should be non-empty")
	}
	if resp.Usage.TotalTokens <= 0 {
		t.Errorf("total_tokens = %d, want > 0", resp.Usage.TotalTokens)
	}
	if !strings.Contains(resp.Content(), "MAT 6:14-15") {
		t.Errorf("content %q should reflect the passthrough fields", resp.Content())
	}

	var sent map[string]json.RawMessage
	if err := json.Unmarshal(mock.LastRequest(), &sent); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	want := map[string]string{
		"book_id": `"MAT"`,
		"chapter": `6`,
		"verses":  `[14,15]`,
		"stream":  `false`,
		"model":   `"gpt-4o-mini"`,
	}
	for k, v := range want {
		if got := string(sent[k]); got != v {
			t.Errorf("sent %s = %s, want %s", k, got, v)
		}
	}
	if _, ok := sent["extra"]; ok {
		t.Error("passthrough fields must be merged at the top level, not nested")
	}
}

func TestCompletePassthroughUnmodified(t *testing.T) {
	mock, c := newMock(t, mockserver.Options{})

	req := forgivenessRequest()
	req.Extra["theology_slug"] = "reformed"
	req.Extra["profile_slug"] = "new-believer"
	req.Extra["max_words"] = 300
	req.Extra["custom_flag"] = map[string]any{"nested": []any{1.5, "x", nil}}

	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var echoed api.ChatCompletionRequest
	if err := json.Unmarshal(mock.LastRequest(), &echoed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for k, v := range req.Extra {
		want, _ := json.Marshal(v)
		got, _ := json.Marshal(echoed.Extra[k])
		if !bytes.Equal(got, want) {
			t.Errorf("%s: sent %s, want %s", k, got, want)
		}
	}
}

func TestCompleteDoesNotModifyRequest(t *testing.T) {
	mock, c := newMock(t, mockserver.Options{})

	req := forgivenessRequest()
	req.Stream = true
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !req.Stream {
		t.Error("caller's request was modified")
	}
	if !bytes.Contains(mock.LastRequest(), []byte(`"stream":false`)) {
		t.Errorf("Complete must send stream=false, sent %s", mock.LastRequest())
	}
}

func TestCompleteHeaders(t *testing.T) {
	var got http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"ok"}}],"usage":{"total_tokens":1}}`)
	}))
	defer srv.Close()

	c, err := New(Config{
		APIKey:  testKey,
		BaseURL: srv.URL + "/v1",
		Headers: http.Header{
			"X-Request-Source": {"tests"},
			"Authorization":    {"Bearer overridden"},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Complete(context.Background(), forgivenessRequest()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if path != "/v1/chat/completions" {
		t.Errorf("path = %q", path)
	}
	checks := map[string]string{
		"Authorization":    "Bearer " + testKey,
		"Content-Type":     "application/json",
		"Accept":           "application/json",
		"User-Agent":       "gamaliel-go/" + Version,
		"X-Request-Source": "tests",
	}
	for k, v := range checks {
		if got.Get(k) != v {
			t.Errorf("%s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestCompleteErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		check     func(t *testing.T, err error)
		retryable bool
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":{"message":"Incorrect API key provided.","type":"authentication_error","code":"invalid_api_key"}}`,
			check: func(t *testing.T, err error) {
				var ae *api.AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("err = %T, want *api.AuthError", err)
				}
				if ae.Message != "Incorrect API key provided." || ae.StatusCode != 401 {
					t.Errorf("got %+v", ae)
				}
			},
		},
		{
			name:   "forbidden without body",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var ae *api.AuthError
				if !errors.As(err, &ae) {
					t.Fatalf("err = %T, want *api.AuthError", err)
				}
				if ae.Message == "" {
					t.Error("expected a default message")
				}
			},
		},
		{
			name:   "bad request with param",
			status: http.StatusBadRequest,
			body:   `{"error":{"message":"unknown book","type":"invalid_request_error","param":"book_id","code":null}}`,
			check: func(t *testing.T, err error) {
				var ae *api.APIError
				if !errors.As(err, &ae) {
					t.Fatalf("err = %T, want *api.APIError", err)
				}
				if ae.Param != "book_id" || ae.Type != api.ErrorTypeInvalidRequest || ae.Message != "unknown book" {
					t.Errorf("got %+v", ae)
				}
			},
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"message":"slow down","type":"rate_limit_error","code":429}}`,
			retryable: true,
			check: func(t *testing.T, err error) {
				var ae *api.APIError
				if !errors.As(err, &ae) || ae.Code != "429" {
					t.Errorf("got %v", err)
				}
			},
		},
		{
			name:      "server error without body",
			status:    http.StatusInternalServerError,
			retryable: true,
			check: func(t *testing.T, err error) {
				var ae *api.APIError
				if !errors.As(err, &ae) || ae.Message != "server error (HTTP 500)" {
					t.Errorf("got %v", err)
				}
			},
		},
		{
			name:      "gateway detail body",
			status:    http.StatusBadGateway,
			body:      `{"detail":"upstream unavailable"}`,
			retryable: true,
			check: func(t *testing.T, err error) {
				var ae *api.APIError
				if !errors.As(err, &ae) || ae.Message != "upstream unavailable" {
					t.Errorf("got %v", err)
				}
			},
		},
		{
			name:   "plain text body",
			status: http.StatusNotFound,
			body:   "404 page not found",
			check: func(t *testing.T, err error) {
				var ae *api.APIError
				if !errors.As(err, &ae) {
					t.Fatalf("err = %T", err)
				}
				if ae.Message != "resource not found" || ae.Body != "404 page not found" {
					t.Errorf("got %+v", ae)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			resp, err := c.Complete(context.Background(), forgivenessRequest())
			if err == nil {
				t.Fatal("expected error")
			}
			if resp != nil {
				t.Error("no response expected on error")
			}
			tt.check(t, err)
			if got := api.IsRetryable(err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestCompleteInvalidKey(t *testing.T) {
	mock, _ := newMock(t, mockserver.Options{})
	srv := httptest.NewServer(mock)
	defer srv.Close()

	c, _ := New(Config{APIKey: "sk-wrong", BaseURL: srv.URL + "/v1"})
	resp, err := c.Complete(context.Background(), forgivenessRequest())

	var ae *api.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *api.AuthError", err)
	}
	if resp != nil {
		t.Error("no content expected with an invalid key")
	}
}

func TestCompleteValidation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	tests := []struct {
		name      string
		req       *api.ChatCompletionRequest
		wantParam string
	}{
		{"nil", nil, ""},
		{"missing model", &api.ChatCompletionRequest{Messages: []api.Message{{Role: "user", Content: "hi"}}}, "model"},
		{"no messages", &api.ChatCompletionRequest{Model: "m"}, "messages"},
		{
			"colliding passthrough",
			&api.ChatCompletionRequest{Model: "m", Messages: []api.Message{{Role: "user"}}, Extra: map[string]any{"model": "x"}},
			"model",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Complete(context.Background(), tt.req)
			var ie *api.InvalidRequestError
			if !errors.As(err, &ie) {
				t.Fatalf("err = %v, want *api.InvalidRequestError", err)
			}
			if ie.Param != tt.wantParam {
				t.Errorf("param = %q, want %q", ie.Param, tt.wantParam)
			}
		})
	}
	if hits.Load() != 0 {
		t.Errorf("invalid requests reached the server %d times", hits.Load())
	}
}

func TestCompleteTransportErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		c := newTestClient(t, url)
		_, err := c.Complete(context.Background(), forgivenessRequest())
		var te *api.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("err = %v, want *api.TransportError", err)
		}
		if te.Op != http.MethodPost || !strings.HasSuffix(te.URL, "/chat/completions") {
			t.Errorf("got %+v", te)
		}
		if !api.IsRetryable(err) {
			t.Error("connection failures should be retryable")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		c, _ := New(Config{APIKey: testKey, BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
		_, err := c.Complete(context.Background(), forgivenessRequest())
		var te *api.TransportError
		if !errors.As(err, &te) {
			t.Fatalf("err = %v, want *api.TransportError", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-time.After(5 * time.Second):
			}
		}))
		defer srv.Close()
		defer close(release)

		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)

		c := newTestClient(t, srv.URL)
		_, err := c.Complete(ctx, forgivenessRequest())
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
		if api.IsRetryable(err) {
			t.Error("a cancelled call is not retryable")
		}
	})
}

func TestCompleteMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices": [`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Complete(context.Background(), forgivenessRequest())
	var ae *api.APIError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *api.APIError", err)
	}
	if ae.StatusCode != http.StatusOK {
		t.Errorf("status = %d", ae.StatusCode)
	}
}

func TestCreate(t *testing.T) {
	_, c := newMock(t, mockserver.Options{})

	req := forgivenessRequest()
	res, err := c.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.IsStream() || res.Response == nil {
		t.Fatalf("stream=false should give a response, got %+v", res)
	}

	req.Stream = true
	res, err = c.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.IsStream() || res.Response != nil {
		t.Fatalf("stream=true should give a stream, got %+v", res)
	}
	defer res.Stream.Close()

	var n int
	for _, err := range res.Stream.Chunks() {
		if err != nil {
			t.Fatalf("chunk error: %v", err)
		}
		n++
	}
	if n == 0 {
		t.Error("expected chunks")
	}

	if _, err := c.Create(context.Background(), nil); err == nil {
		t.Error("nil request should fail")
	}
}

func TestListModels(t *testing.T) {
	_, c := newMock(t, mockserver.Options{Models: []string{"gpt-4o-mini", "gamaliel-1"}})

	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[1].ID != "gamaliel-1" {
		t.Errorf("models = %+v", models)
	}
}

func TestListModelsUnauthorized(t *testing.T) {
	mock := mockserver.New(mockserver.Options{APIKeys: []string{"other"}})
	srv := httptest.NewServer(mock)
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v1")
	_, err := c.ListModels(context.Background())
	var ae *api.AuthError
	if !errors.As(err, &ae) {
		t.Fatalf("err = %v, want *api.AuthError", err)
	}
}

func TestConcurrentCalls(t *testing.T) {
	_, c := newMock(t, mockserver.Options{})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			question := fmt.Sprintf("question number %d", i)
			req := &api.ChatCompletionRequest{
				Model:    "gpt-4o-mini",
				Messages: []api.Message{{Role: api.RoleUser, Content: question}},
			}

			if i%2 == 0 {
				resp, err := c.Complete(context.Background(), req)
				if err != nil {
					errs <- err
					return
				}
				if !strings.Contains(resp.Content(), question) {
					errs <- fmt.Errorf("call %d got %q", i, resp.Content())
				}
				return
			}

			s, err := c.Stream(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			defer s.Close()
			for s.Next() {
			}
			if err := s.Err(); err != nil {
				errs <- err
				return
			}
			if !strings.Contains(s.Content(), question) {
				errs <- fmt.Errorf("stream %d got %q", i, s.Content())
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestCompleteSpan(t *testing.T) {
	mock := mockserver.New(mockserver.Options{})
	srv := httptest.NewServer(mock)
	defer srv.Close()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	c, err := New(Config{APIKey: testKey, BaseURL: srv.URL + "/v1", TracerProvider: tp})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Complete(context.Background(), forgivenessRequest()); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	if attrs[string(observability.AttrModel)] != "gpt-4o-mini" {
		t.Errorf("model attribute = %v", attrs[string(observability.AttrModel)])
	}
	if attrs[string(observability.AttrStream)] != false {
		t.Errorf("stream attribute = %v", attrs[string(observability.AttrStream)])
	}
	if attrs[string(observability.AttrOutcome)] != "ok" {
		t.Errorf("outcome attribute = %v", attrs[string(observability.AttrOutcome)])
	}
}
