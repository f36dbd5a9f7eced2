package observer

import (
	"context"
	"time"

	memori "github.com/memorilabs/memori-go"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedDriver wraps a memori.Driver with OTEL instrumentation. Every
// storage operation gets a span, an operation counter sample, and a
// duration sample; memory-pipeline writes additionally feed the domain
// counters (messages persisted, recall reads, augmentation rows,
// commits).
type ObservedDriver struct {
	inner   memori.Driver
	inst    *Instruments
	dialect string
}

// WrapDriver returns an instrumented driver.
func WrapDriver(inner memori.Driver, inst *Instruments) *ObservedDriver {
	return &ObservedDriver{inner: inner, inst: inst, dialect: string(inner.Dialect())}
}

func (o *ObservedDriver) Dialect() memori.Dialect       { return o.inner.Dialect() }
func (o *ObservedDriver) Revisions() []memori.Revision  { return o.inner.Revisions() }
func (o *ObservedDriver) RequiresRollbackOnError() bool { return o.inner.RequiresRollbackOnError() }

func (o *ObservedDriver) Close(ctx context.Context) error { return o.inner.Close(ctx) }

// observe wraps one storage call with a span, the operation counter,
// and a duration sample.
func (o *ObservedDriver) observe(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	base := []attribute.KeyValue{
		AttrDialect.String(o.dialect),
		AttrStoreOp.String(op),
	}
	ctx, span := o.inst.Tracer.Start(ctx, "store."+op, trace.WithAttributes(append(attrs, base...)...))
	defer span.End()
	start := time.Now()

	err := fn(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.StoreOps.Add(ctx, 1, metric.WithAttributes(
		AttrDialect.String(o.dialect),
		AttrStoreOp.String(op),
		attribute.String("status", status),
	))
	o.inst.StoreDuration.Record(ctx, durationMs, metric.WithAttributes(base...))
	return err
}

func (o *ObservedDriver) CreateEntity(ctx context.Context, externalID string) (int64, error) {
	var id int64
	err := o.observe(ctx, "entity.create", nil, func(ctx context.Context) error {
		var err error
		id, err = o.inner.CreateEntity(ctx, externalID)
		return err
	})
	return id, err
}

func (o *ObservedDriver) CreateProcess(ctx context.Context, externalID string) (int64, error) {
	var id int64
	err := o.observe(ctx, "process.create", nil, func(ctx context.Context) error {
		var err error
		id, err = o.inner.CreateProcess(ctx, externalID)
		return err
	})
	return id, err
}

func (o *ObservedDriver) CreateSession(ctx context.Context, uuid string, entityID, processID int64) (int64, error) {
	var id int64
	err := o.observe(ctx, "session.create", nil, func(ctx context.Context) error {
		var err error
		id, err = o.inner.CreateSession(ctx, uuid, entityID, processID)
		return err
	})
	return id, err
}

func (o *ObservedDriver) CreateConversation(ctx context.Context, sessionID int64, timeout time.Duration) (int64, error) {
	var id int64
	err := o.observe(ctx, "conversation.create", nil, func(ctx context.Context) error {
		var err error
		id, err = o.inner.CreateConversation(ctx, sessionID, timeout)
		return err
	})
	return id, err
}

func (o *ObservedDriver) ReadConversation(ctx context.Context, conversationID int64) (memori.Conversation, error) {
	var conv memori.Conversation
	attrs := []attribute.KeyValue{AttrConversationID.Int64(conversationID)}
	err := o.observe(ctx, "conversation.read", attrs, func(ctx context.Context) error {
		var err error
		conv, err = o.inner.ReadConversation(ctx, conversationID)
		return err
	})
	return conv, err
}

func (o *ObservedDriver) UpdateConversation(ctx context.Context, conversationID int64, summary string) error {
	attrs := []attribute.KeyValue{AttrConversationID.Int64(conversationID)}
	return o.observe(ctx, "conversation.update", attrs, func(ctx context.Context) error {
		return o.inner.UpdateConversation(ctx, conversationID, summary)
	})
}

func (o *ObservedDriver) CreateConversationMessage(ctx context.Context, conversationID int64, role, typ, content string) error {
	attrs := []attribute.KeyValue{
		AttrConversationID.Int64(conversationID),
		AttrMessageRole.String(role),
	}
	err := o.observe(ctx, "message.create", attrs, func(ctx context.Context) error {
		return o.inner.CreateConversationMessage(ctx, conversationID, role, typ, content)
	})
	if err == nil {
		o.inst.MessagesWritten.Add(ctx, 1, metric.WithAttributes(
			AttrDialect.String(o.dialect),
			AttrMessageRole.String(role),
		))
	}
	return err
}

func (o *ObservedDriver) ReadConversationMessages(ctx context.Context, conversationID int64) ([]memori.ConversationMessage, error) {
	var msgs []memori.ConversationMessage
	attrs := []attribute.KeyValue{AttrConversationID.Int64(conversationID)}
	err := o.observe(ctx, "message.read", attrs, func(ctx context.Context) error {
		var err error
		msgs, err = o.inner.ReadConversationMessages(ctx, conversationID)
		return err
	})
	return msgs, err
}

func (o *ObservedDriver) CreateEntityFacts(ctx context.Context, entityID int64, facts []string, embeddings [][]float32) error {
	attrs := []attribute.KeyValue{AttrRowCount.Int(len(facts))}
	err := o.observe(ctx, "facts.create", attrs, func(ctx context.Context) error {
		return o.inner.CreateEntityFacts(ctx, entityID, facts, embeddings)
	})
	if err == nil && len(facts) > 0 {
		o.inst.AugmentationRows.Add(ctx, int64(len(facts)), metric.WithAttributes(
			AttrDialect.String(o.dialect),
			AttrRowKind.String("fact"),
		))
	}
	return err
}

func (o *ObservedDriver) ReadEntityFactEmbeddings(ctx context.Context, entityID int64, limit int) ([]memori.FactEmbedding, error) {
	var rows []memori.FactEmbedding
	err := o.observe(ctx, "embeddings.read", nil, func(ctx context.Context) error {
		var err error
		rows, err = o.inner.ReadEntityFactEmbeddings(ctx, entityID, limit)
		return err
	})
	if err == nil {
		o.inst.RecallReads.Add(ctx, 1, metric.WithAttributes(
			AttrDialect.String(o.dialect),
		))
	}
	return rows, err
}

func (o *ObservedDriver) ReadEntityFactsByIDs(ctx context.Context, ids []int64) ([]memori.FactRow, error) {
	var rows []memori.FactRow
	attrs := []attribute.KeyValue{AttrRowCount.Int(len(ids))}
	err := o.observe(ctx, "facts.read", attrs, func(ctx context.Context) error {
		var err error
		rows, err = o.inner.ReadEntityFactsByIDs(ctx, ids)
		return err
	})
	return rows, err
}

func (o *ObservedDriver) CreateKnowledgeGraph(ctx context.Context, entityID int64, triples []memori.Triple) error {
	attrs := []attribute.KeyValue{AttrRowCount.Int(len(triples))}
	err := o.observe(ctx, "graph.create", attrs, func(ctx context.Context) error {
		return o.inner.CreateKnowledgeGraph(ctx, entityID, triples)
	})
	if err == nil && len(triples) > 0 {
		o.inst.AugmentationRows.Add(ctx, int64(len(triples)), metric.WithAttributes(
			AttrDialect.String(o.dialect),
			AttrRowKind.String("triple"),
		))
	}
	return err
}

func (o *ObservedDriver) CreateProcessAttributes(ctx context.Context, processID int64, attributes []string) error {
	attrs := []attribute.KeyValue{AttrRowCount.Int(len(attributes))}
	err := o.observe(ctx, "attributes.create", attrs, func(ctx context.Context) error {
		return o.inner.CreateProcessAttributes(ctx, processID, attributes)
	})
	if err == nil && len(attributes) > 0 {
		o.inst.AugmentationRows.Add(ctx, int64(len(attributes)), metric.WithAttributes(
			AttrDialect.String(o.dialect),
			AttrRowKind.String("attribute"),
		))
	}
	return err
}

func (o *ObservedDriver) CreateSchemaVersion(ctx context.Context, num int) error {
	return o.observe(ctx, "schema.create", nil, func(ctx context.Context) error {
		return o.inner.CreateSchemaVersion(ctx, num)
	})
}

func (o *ObservedDriver) DeleteSchemaVersion(ctx context.Context) error {
	return o.observe(ctx, "schema.delete", nil, func(ctx context.Context) error {
		return o.inner.DeleteSchemaVersion(ctx)
	})
}

func (o *ObservedDriver) ReadSchemaVersion(ctx context.Context) (int, bool, error) {
	var (
		version int
		ok      bool
	)
	err := o.observe(ctx, "schema.read", nil, func(ctx context.Context) error {
		var err error
		version, ok, err = o.inner.ReadSchemaVersion(ctx)
		return err
	})
	return version, ok, err
}

func (o *ObservedDriver) Commit(ctx context.Context) error {
	err := o.observe(ctx, "commit", nil, func(ctx context.Context) error {
		return o.inner.Commit(ctx)
	})
	if err == nil {
		o.inst.StoreCommits.Add(ctx, 1, metric.WithAttributes(
			AttrDialect.String(o.dialect),
		))
	}
	return err
}

func (o *ObservedDriver) Rollback(ctx context.Context) error {
	return o.observe(ctx, "rollback", nil, func(ctx context.Context) error {
		return o.inner.Rollback(ctx)
	})
}

var _ memori.Driver = (*ObservedDriver)(nil)
