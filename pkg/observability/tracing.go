package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
)

// TracerName is the instrumentation scope used for client spans.
const TracerName = "github.com/gamaliel-ai/gamaliel-go"

// Span attribute keys.
const (
	AttrModel            = attribute.Key("gen_ai.request.model")
	AttrStream           = attribute.Key("gamaliel.stream")
	AttrPromptTokens     = attribute.Key("gen_ai.usage.input_tokens")
	AttrCompletionTokens = attribute.Key("gen_ai.usage.output_tokens")
	AttrChunks           = attribute.Key("gamaliel.stream.chunks")
	AttrOutcome          = attribute.Key("gamaliel.outcome")
)

// Tracer returns the client tracer from tp, or from the global provider when
// tp is nil. Without an installed SDK the global provider is a no-op.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(TracerName)
}

// SetUsage records token counts on span.
func SetUsage(span trace.Span, u *api.Usage) {
	if u == nil {
		return
	}
	span.SetAttributes(
		AttrPromptTokens.Int(u.PromptTokens),
		AttrCompletionTokens.Int(u.CompletionTokens),
	)
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	span.SetAttributes(AttrOutcome.String(Outcome(err)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
