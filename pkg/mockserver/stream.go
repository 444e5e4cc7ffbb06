package mockserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
	"github.com/gamaliel-ai/gamaliel-go/pkg/debug"
)

// handleStreaming writes the answer as SSE chunks: a role chunk, one chunk
// per fragment, a finish chunk carrying usage, then [DONE].
func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request, req *api.ChatCompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	text, truncated := Answer(req)
	fragments := Fragments(text)

	base := api.ChatCompletionChunk{
		ID:      api.NewCompletionID(),
		Object:  "chat.completion.chunk",
		Created: s.opts.Now().Unix(),
		Model:   req.Model,
	}

	// A keep-alive comment ahead of the first frame, as hosted gateways send.
	fmt.Fprint(w, ": ping\n\n")
	writeChunk(w, base, api.Delta{Role: api.RoleAssistant}, nil, nil)
	flusher.Flush()

	for i, frag := range fragments {
		if s.opts.StreamError != nil && i == s.opts.ErrorAfter {
			debug.Log("streaming", "sending in-stream error", "after", i)
			writeEvent(w, api.ChatCompletionChunk{Error: s.opts.StreamError})
			flusher.Flush()
			return
		}
		if s.opts.AbortAfter > 0 && i == s.opts.AbortAfter {
			debug.Log("streaming", "aborting stream", "after", i)
			panic(http.ErrAbortHandler)
		}
		if s.opts.ChunkDelay > 0 {
			select {
			case <-r.Context().Done():
				debug.Log("streaming", "client went away", "after", i)
				return
			case <-time.After(s.opts.ChunkDelay):
			}
		}

		content := frag
		writeChunk(w, base, api.Delta{Content: &content}, nil, nil)
		flusher.Flush()
	}

	finish := api.FinishReasonStop
	if truncated {
		finish = api.FinishReasonLength
	}
	u := usage(req, text)
	writeChunk(w, base, api.Delta{}, &finish, &u)

	fmt.Fprintf(w, "data: %s\n\n", api.DoneSentinel)
	flusher.Flush()
}

func writeChunk(w http.ResponseWriter, base api.ChatCompletionChunk, delta api.Delta, finish *string, u *api.Usage) {
	chunk := base
	chunk.Choices = []api.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}}
	chunk.Usage = u
	writeEvent(w, chunk)
}

func writeEvent(w http.ResponseWriter, chunk api.ChatCompletionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
