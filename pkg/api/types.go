package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Finish reasons reported on the last choice of a completion.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonContentFilter = "content_filter"
)

// DoneSentinel is the data payload of the frame that ends a stream.
const DoneSentinel = "[DONE]"

// Message is one turn of a conversation. Order within a request is
// conversation order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamOptions controls streaming behavior.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatCompletionRequest is the request body for POST /chat/completions.
//
// Extra holds passthrough fields (theology_slug, book_id, ...). They are
// merged into the top-level JSON object verbatim and are never interpreted.
// A passthrough key may not shadow a core field.
type ChatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty"`
	Stop          []string       `json:"stop,omitempty"`
	User          string         `json:"user,omitempty"`

	Extra map[string]any `json:"-"`
}

// coreFields lists the JSON keys owned by ChatCompletionRequest.
var coreFields = map[string]bool{
	"model":          true,
	"messages":       true,
	"stream":         true,
	"stream_options": true,
	"temperature":    true,
	"top_p":          true,
	"max_tokens":     true,
	"stop":           true,
	"user":           true,
}

// IsCoreField reports whether key is a JSON key owned by the typed request
// fields, and therefore unavailable as a passthrough key.
func IsCoreField(key string) bool {
	return coreFields[key]
}

// MarshalJSON writes the core fields followed by the passthrough entries in
// key order, all at the top level of one JSON object.
func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	type core ChatCompletionRequest
	data, err := json.Marshal(core(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return data, nil
	}

	var buf bytes.Buffer
	buf.Write(bytes.TrimSuffix(data, []byte("}")))
	for _, key := range slices.Sorted(maps.Keys(r.Extra)) {
		if coreFields[key] {
			return nil, fmt.Errorf("passthrough field %q collides with a core request field", key)
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(r.Extra[key])
		if err != nil {
			return nil, fmt.Errorf("passthrough field %q: %w", key, err)
		}
		buf.WriteByte(',')
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the core fields and collects every other top-level
// key into Extra. Numbers in passthrough values decode as json.Number so they
// re-encode exactly as received.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type core ChatCompletionRequest
	var c core
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = ChatCompletionRequest(c)
	r.Extra = nil
	for key, value := range raw {
		if coreFields[key] {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(value))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("passthrough field %q: %w", key, err)
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any)
		}
		r.Extra[key] = v
	}
	return nil
}

// Usage holds token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion alternative. Gamaliel returns exactly one.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Content returns choices[0].message.content, or "" when there are no
// choices.
func (r *ChatCompletionResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// ChatCompletionChunk is the data payload of one SSE frame of a streaming
// response. Error is set only when the server reports a failure in-stream.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Error   *ErrorBody    `json:"error,omitempty"`
}

// ChunkChoice is the delta for one choice within one chunk. FinishReason is
// nil until the last chunk for the choice.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental content of a choice. Content is a pointer so that
// an absent fragment is distinguishable from an empty one.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Text returns the content fragment of the first choice and whether one was
// present.
func (c *ChatCompletionChunk) Text() (string, bool) {
	if c == nil || len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return "", false
	}
	return *c.Choices[0].Delta.Content, true
}

// ModelList is the response body of GET /models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

// Model describes one model served by the endpoint.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}
