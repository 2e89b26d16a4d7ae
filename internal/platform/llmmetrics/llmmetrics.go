// Package llmmetrics records request counts/latency/token usage for the LLM
// adapter (internal/adapters/llm), the one external collaborator this
// pipeline calls most often (stages 2, 3, 4 and 8). Grounded on
// internal/observability/metrics.go's ObserveLLMRequest concern, trimmed
// from the donor's hand-rolled Counter/HistogramVec framework (built for a
// much larger set of course-platform signals with no analogue here) down to
// the otel/metric instruments this module already depends on for tracing.
package llmmetrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Recorder struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	tokens   metric.Int64Counter
}

var (
	once     sync.Once
	instance *Recorder
)

// Current returns the process-wide recorder, initializing it on first use.
// Safe to call even when metrics are never read (no exporter configured);
// instruments simply accumulate unread.
func Current() *Recorder {
	once.Do(func() {
		meter := otel.Meter("mdvideo/llm")
		reqs, _ := meter.Int64Counter("llm.requests", metric.WithDescription("LLM adapter calls by model/endpoint/status"))
		lat, _ := meter.Float64Histogram("llm.latency_seconds", metric.WithDescription("LLM adapter call latency"))
		toks, _ := meter.Int64Counter("llm.tokens", metric.WithDescription("LLM tokens consumed by kind (input/output)"))
		instance = &Recorder{requests: reqs, latency: lat, tokens: toks}
	})
	return instance
}

func (r *Recorder) ObserveLLMRequest(model, endpoint, status string, dur time.Duration, inputTokens, outputTokens int) {
	if r == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("endpoint", endpoint),
		attribute.String("status", status),
	)
	if r.requests != nil {
		r.requests.Add(ctx, 1, attrs)
	}
	if r.latency != nil {
		r.latency.Record(ctx, dur.Seconds(), attrs)
	}
	if r.tokens != nil {
		if inputTokens > 0 {
			r.tokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attribute.String("model", model), attribute.String("kind", "input")))
		}
		if outputTokens > 0 {
			r.tokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attribute.String("model", model), attribute.String("kind", "output")))
		}
	}
}
