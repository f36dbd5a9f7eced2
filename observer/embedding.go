package observer

import (
	"context"
	"time"

	memori "github.com/memorilabs/memori-go"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	memorilog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedEmbedder wraps a memori.Embedder with OTEL instrumentation.
type ObservedEmbedder struct {
	inner memori.Embedder
	inst  *Instruments
}

// WrapEmbedder returns an instrumented embedder.
func WrapEmbedder(inner memori.Embedder, inst *Instruments) *ObservedEmbedder {
	return &ObservedEmbedder{inner: inner, inst: inst}
}

func (o *ObservedEmbedder) Name() string    { return o.inner.Name() }
func (o *ObservedEmbedder) Dimensions() int { return o.inner.Dimensions() }

func (o *ObservedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "embedding.embed", trace.WithAttributes(
		AttrEmbedModel.String(o.inner.Name()),
		AttrEmbedTextCount.Int(len(texts)),
		AttrEmbedDimensions.Int(o.inner.Dimensions()),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Embed(ctx, texts)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.EmbedRequests.Add(ctx, 1, metric.WithAttributes(
		AttrEmbedModel.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.EmbedDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrEmbedModel.String(o.inner.Name()),
	))

	// Structured log
	var rec memorilog.Record
	rec.SetSeverity(memorilog.SeverityInfo)
	rec.SetBody(memorilog.StringValue("embedding completed"))
	rec.AddAttributes(
		memorilog.String("embedding.model", o.inner.Name()),
		memorilog.Int("embedding.text_count", len(texts)),
		memorilog.Float64("embedding.duration_ms", durationMs),
		memorilog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ memori.Embedder = (*ObservedEmbedder)(nil)
