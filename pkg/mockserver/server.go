// Package mockserver implements a deterministic OpenAI-compatible chat
// completions server. It backs the client tests and the mock-backend command.
//
// Replies are derived from the last user message and the Gamaliel
// passthrough fields, so a streaming and a non-streaming call with the same
// input produce the same content. Options inject the failures the client
// has to handle: rejected keys, forced error statuses, slow streams,
// dropped connections and in-stream error frames.
package mockserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
	"github.com/gamaliel-ai/gamaliel-go/pkg/debug"
	"github.com/gamaliel-ai/gamaliel-go/pkg/observability"
)

// maxBodyBytes bounds the request bodies the server reads.
const maxBodyBytes = 1 << 20

// DefaultModels is served by GET /v1/models when Options.Models is empty.
var DefaultModels = []string{"gpt-4o-mini", "gpt-4o"}

// Options configures a Server. The zero value accepts any key and answers
// every request normally.
type Options struct {
	// APIKeys lists the accepted bearer tokens. Empty disables the check.
	APIKeys []string

	// Models is the list served by GET /v1/models.
	Models []string

	// ChunkDelay is slept before each content chunk of a stream.
	ChunkDelay time.Duration

	// AbortAfter drops the connection after that many content chunks.
	// Zero disables it.
	AbortAfter int

	// StreamError, when set, is sent as an in-stream error frame after
	// ErrorAfter content chunks, and the stream ends without [DONE].
	StreamError *api.ErrorBody
	ErrorAfter  int

	// FailStatus, when non-zero, makes POST /v1/chat/completions answer
	// with that status and an error body.
	FailStatus int

	// Now overrides the clock used for the created timestamp.
	Now func() time.Time
}

// Server is the mock backend. It is an http.Handler.
type Server struct {
	opts    Options
	keys    *keyStore
	handler http.Handler

	mu       sync.Mutex
	requests [][]byte
}

// New creates a Server with the given options.
func New(opts Options) *Server {
	if len(opts.Models) == 0 {
		opts.Models = DefaultModels
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts: opts,
		keys: newKeyStore(opts.APIKeys),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/chat/completions", s.requireKey(http.HandlerFunc(s.handleChatCompletions)))
	mux.Handle("GET /v1/models", s.requireKey(http.HandlerFunc(s.handleModels)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	s.handler = observability.MetricsMiddleware(mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Requests returns copies of the raw bodies received on the completions
// endpoint, in arrival order. Requests rejected by the key check are not
// recorded.
func (s *Server) Requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.requests))
	for i, b := range s.requests {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// LastRequest returns the most recent recorded body, or nil.
func (s *Server) LastRequest() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.requests) == 0 {
		return nil
	}
	return append([]byte(nil), s.requests[len(s.requests)-1]...)
}

// Reset forgets all recorded requests.
func (s *Server) Reset() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

func (s *Server) record(body []byte) {
	s.mu.Lock()
	s.requests = append(s.requests, body)
	s.mu.Unlock()
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body := s.keys.authenticate(r); body != nil {
			debug.Log("mock", "rejected request", "path", r.URL.Path, "reason", body.Message)
			writeError(w, http.StatusUnauthorized, body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, &api.ErrorBody{
			Message: "failed to read request body",
			Type:    api.ErrorTypeInvalidRequest,
		})
		return
	}
	s.record(body)
	debug.Raw("mock", string(body))

	if s.opts.FailStatus != 0 {
		writeError(w, s.opts.FailStatus, &api.ErrorBody{
			Message: fmt.Sprintf("mock failure (HTTP %d)", s.opts.FailStatus),
			Type:    errorTypeForStatus(s.opts.FailStatus),
		})
		return
	}

	var req api.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, &api.ErrorBody{
			Message: "invalid JSON: " + err.Error(),
			Type:    api.ErrorTypeInvalidRequest,
		})
		return
	}
	if verr := req.Validate(); verr != nil {
		writeError(w, http.StatusBadRequest, &api.ErrorBody{
			Message: verr.Message,
			Type:    api.ErrorTypeInvalidRequest,
			Param:   verr.Param,
		})
		return
	}

	debug.Log("mock", "chat completion", "model", req.Model, "stream", req.Stream, "messages", len(req.Messages))

	if req.Stream {
		s.handleStreaming(w, r, &req)
		return
	}

	text, truncated := Answer(&req)
	finish := api.FinishReasonStop
	if truncated {
		finish = api.FinishReasonLength
	}

	resp := api.ChatCompletionResponse{
		ID:      api.NewCompletionID(),
		Object:  "chat.completion",
		Created: s.opts.Now().Unix(),
		Model:   req.Model,
		Choices: []api.Choice{
			{
				Index:        0,
				Message:      api.Message{Role: api.RoleAssistant, Content: text},
				FinishReason: finish,
			},
		},
		Usage: usage(&req, text),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	list := api.ModelList{Object: "list"}
	for _, id := range s.opts.Models {
		list.Data = append(list.Data, api.Model{ID: id, Object: "model", OwnedBy: "gamaliel-mock"})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(list)
}

func usage(req *api.ChatCompletionRequest, text string) api.Usage {
	prompt := countWords(req.Messages)
	completion := len(Fragments(text))
	return api.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func writeError(w http.ResponseWriter, status int, body *api.ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: body})
}

func errorTypeForStatus(status int) api.ErrorType {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return api.ErrorTypeAuthentication
	case status == http.StatusNotFound:
		return api.ErrorTypeNotFound
	case status == http.StatusTooManyRequests:
		return api.ErrorTypeRateLimit
	case status >= http.StatusInternalServerError:
		return api.ErrorTypeServerError
	default:
		return api.ErrorTypeInvalidRequest
	}
}
