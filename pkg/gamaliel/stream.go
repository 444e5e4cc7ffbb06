package gamaliel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
	"github.com/gamaliel-ai/gamaliel-go/pkg/debug"
	"github.com/gamaliel-ai/gamaliel-go/pkg/observability"
)

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 1 << 20

// After a normal end, up to maxDrain bytes are read for at most drainTimeout
// so the connection can return to the pool.
const (
	maxDrain     = 4 << 10
	drainTimeout = 250 * time.Millisecond
)

// Stream is an open streaming response. Chunks are read on demand by Next;
// there is no background goroutine.
//
//	defer s.Close()
//	for s.Next() {
//		if text, ok := s.Current().Text(); ok {
//			fmt.Print(text)
//		}
//	}
//	if err := s.Err(); err != nil { ... }
//
// A Stream is not safe for concurrent use, except that Close may be called
// from another goroutine to abort a Next that is blocked on the network.
type Stream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	scanner *bufio.Scanner
	status  int
	logger  *slog.Logger
	span    trace.Span
	start   time.Time

	cur     *api.ChatCompletionChunk
	content strings.Builder
	usage   *api.Usage
	err     error
	done    bool

	chunks      atomic.Int64
	closed      atomic.Bool
	releaseOnce sync.Once
	finishOnce  sync.Once
}

func newStream(ctx context.Context, cancel context.CancelFunc, resp *http.Response, logger *slog.Logger, span trace.Span, start time.Time) *Stream {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	observability.ClientStreamsActive.Inc()

	return &Stream{
		ctx:     ctx,
		cancel:  cancel,
		body:    resp.Body,
		scanner: scanner,
		status:  resp.StatusCode,
		logger:  logger,
		span:    span,
		start:   start,
	}
}

// Next advances to the next chunk and reports whether there is one. It
// returns false at the end of the stream, on error, and after Close.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if s.closed.Load() {
		s.end(nil)
		return false
	}
	if s.ctx.Err() != nil {
		s.end(s.ctxErr())
		return false
	}

	for {
		payload, err := s.readEvent()
		if err != nil {
			switch {
			case err == io.EOF:
				s.end(nil)
			case s.closed.Load():
				s.end(nil)
			case s.ctx.Err() != nil:
				s.end(s.ctxErr())
			default:
				s.end(&api.StreamInterruptedError{Partial: s.content.String(), Err: err})
			}
			return false
		}

		if payload == api.DoneSentinel {
			s.end(nil)
			return false
		}

		var chunk api.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			s.logger.Warn("skipping malformed SSE chunk",
				"error", err.Error(),
				"data", debug.Truncate(payload, 200),
			)
			continue
		}

		if chunk.Error != nil {
			apiErr := newAPIError(s.status, chunk.Error, debug.Truncate(payload, maxErrorBody))
			if apiErr.Message == "" {
				apiErr.Message = "error reported in stream"
			}
			s.end(&api.StreamInterruptedError{Partial: s.content.String(), Err: apiErr})
			return false
		}

		s.chunks.Add(1)
		observability.ClientStreamChunksTotal.Inc()

		if text, ok := chunk.Text(); ok {
			s.content.WriteString(text)
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
		}
		s.cur = &chunk
		return true
	}
}

// Current returns the chunk produced by the last successful Next.
func (s *Stream) Current() *api.ChatCompletionChunk {
	return s.cur
}

// Err returns the error that ended the stream: an
// *api.StreamInterruptedError, or context.Canceled if the caller cancelled
// the context. An expired deadline is a StreamInterruptedError wrapping
// context.DeadlineExceeded. It is nil after a normal end or a Close.
func (s *Stream) Err() error {
	return s.err
}

// Content returns the concatenation of every content fragment received so
// far.
func (s *Stream) Content() string {
	return s.content.String()
}

// Usage returns the token usage reported by the server, or nil if it sent
// none.
func (s *Stream) Usage() *api.Usage {
	return s.usage
}

// Close aborts the request and releases the connection. It is idempotent and
// always returns nil.
func (s *Stream) Close() error {
	s.closed.Store(true)
	s.release()
	s.finish(context.Canceled)
	return nil
}

// Chunks returns an iterator over the remaining chunks. The stream is closed
// when the loop ends, including on break. A terminal error is yielded last,
// with a nil chunk.
func (s *Stream) Chunks() iter.Seq2[*api.ChatCompletionChunk, error] {
	return func(yield func(*api.ChatCompletionChunk, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Current(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// readEvent returns the data of the next SSE event. Multiple data lines are
// joined with "\n". Comments and the event, id and retry fields are skipped.
// It returns io.EOF when the body ends cleanly.
func (s *Stream) readEvent() (string, error) {
	var data []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		data = append(data, strings.TrimPrefix(value, " "))
	}

	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	// A final event may lack its terminating blank line.
	if len(data) > 0 {
		return strings.Join(data, "\n"), nil
	}
	return "", io.EOF
}

// ctxErr returns the error for a stream whose context has ended. Caller
// cancellation is returned as is. An expired deadline interrupts the stream
// and keeps the partial content.
func (s *Stream) ctxErr() error {
	err := s.ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &api.StreamInterruptedError{Partial: s.content.String(), Err: err}
	}
	return err
}

// end records the terminal state and releases the connection.
func (s *Stream) end(err error) {
	cancelled := s.ctx.Err() != nil
	s.done = true
	s.err = err
	s.cur = nil
	if err == nil && !cancelled && !s.closed.Load() {
		s.drain()
	}
	s.release()

	if s.usage != nil {
		observability.RecordUsage(s.usage)
		observability.SetUsage(s.span, s.usage)
	}
	s.finish(err)

	if err != nil && !cancelled {
		s.logger.Warn("stream ended with error", "error", err, "chunks", s.chunks.Load())
	} else if debug.Enabled("streaming") {
		s.logger.Debug("stream finished", "debug", "streaming", "chunks", s.chunks.Load(), "bytes", s.content.Len())
	}
}

// drain discards what follows the last event, such as the chunked-encoding
// terminator after [DONE].
func (s *Stream) drain() {
	stop := time.AfterFunc(drainTimeout, s.cancel)
	defer stop.Stop()
	_, _ = io.Copy(io.Discard, io.LimitReader(s.body, maxDrain))
}

func (s *Stream) release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
}

// finish updates metrics and ends the span, once. Only the chunk counter is
// read here, so it is safe to reach from Close on another goroutine.
func (s *Stream) finish(err error) {
	s.finishOnce.Do(func() {
		observability.ClientStreamsActive.Dec()
		recordCall(observability.ModeStream, s.start, err)
		s.span.SetAttributes(observability.AttrChunks.Int64(s.chunks.Load()))
		observability.EndSpan(s.span, err)
	})
}
