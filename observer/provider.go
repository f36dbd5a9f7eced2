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

// ObservedProvider wraps a memori.Provider with OTEL instrumentation.
// The memory pipeline runs inside the inner client, so its spans nest
// under the llm.chat span started here.
type ObservedProvider struct {
	inner memori.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces, metrics, and logs.
func WrapProvider(inner memori.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

// Install forwards the memory handle to the wrapped client.
func (o *ObservedProvider) Install(m *memori.Memori) { o.inner.Install(m) }

func (o *ObservedProvider) Chat(ctx context.Context, messages []memori.Message) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String("chat"),
	))
	defer span.End()
	start := time.Now()

	text, err := o.inner.Chat(ctx, messages)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.record(ctx, "chat", status, durationMs)
	return text, err
}

func (o *ObservedProvider) ChatStream(ctx context.Context, messages []memori.Message, ch chan<- string) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat_stream", trace.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String("chat_stream"),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count chunks. The goroutine forwards tokens
	// from wrappedCh to the caller's ch. Buffer wrappedCh generously so
	// the inner client never blocks on send, preventing a deadlock where
	// the goroutine can't drain wrappedCh because ch is full and nobody
	// reads ch until ChatStream returns.
	bufSize := max(cap(ch), 64)
	wrappedCh := make(chan string, bufSize)
	chunks := 0
	done := make(chan struct{})
	go func() {
		defer close(ch)
		defer close(done)
		for tok := range wrappedCh {
			chunks++
			select {
			case ch <- tok:
			case <-ctx.Done():
				return
			}
		}
	}()

	text, err := o.inner.ChatStream(ctx, messages, wrappedCh)
	<-done // wait for the goroutine to finish before reading chunks

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(AttrStreamChunks.Int(chunks))
	o.record(ctx, "chat_stream", status, durationMs)
	return text, err
}

func (o *ObservedProvider) record(ctx context.Context, method, status string, durationMs float64) {
	o.inst.LLMRequests.Add(ctx, 1, metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	))
	o.inst.LLMDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
	))

	// Structured log
	var rec memorilog.Record
	rec.SetSeverity(memorilog.SeverityInfo)
	rec.SetBody(memorilog.StringValue("llm call completed"))
	rec.AddAttributes(
		memorilog.String("llm.provider", o.inner.Name()),
		memorilog.String("llm.method", method),
		memorilog.Float64("llm.duration_ms", durationMs),
		memorilog.String("status", status),
	)
	o.inst.Logger.Emit(ctx, rec)
}

var _ memori.Provider = (*ObservedProvider)(nil)
