package memori

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	writeBatchSize      = 100
	writeBatchTimeout   = 100 * time.Millisecond
	writeQueueSize      = 1000
	writeEnqueueTimeout = 5 * time.Second
)

// WriteTask is one deferred storage write produced by an augmentation.
// The set of implementations is closed; the batched writer knows how to
// apply exactly these.
type WriteTask interface {
	name() string
	apply(ctx context.Context, d Driver) error
}

// CreateEntityFactsTask upserts derived facts with their embeddings.
type CreateEntityFactsTask struct {
	EntityID   int64
	Facts      []string
	Embeddings [][]float32
}

func (t CreateEntityFactsTask) name() string { return "entity facts" }

func (t CreateEntityFactsTask) apply(ctx context.Context, d Driver) error {
	return d.CreateEntityFacts(ctx, t.EntityID, t.Facts, t.Embeddings)
}

// CreateKnowledgeGraphTask upserts derived semantic triples.
type CreateKnowledgeGraphTask struct {
	EntityID int64
	Triples  []Triple
}

func (t CreateKnowledgeGraphTask) name() string { return "knowledge graph" }

func (t CreateKnowledgeGraphTask) apply(ctx context.Context, d Driver) error {
	return d.CreateKnowledgeGraph(ctx, t.EntityID, t.Triples)
}

// CreateProcessAttributesTask upserts derived process attributes.
type CreateProcessAttributesTask struct {
	ProcessID  int64
	Attributes []string
}

func (t CreateProcessAttributesTask) name() string { return "process attributes" }

func (t CreateProcessAttributesTask) apply(ctx context.Context, d Driver) error {
	return d.CreateProcessAttributes(ctx, t.ProcessID, t.Attributes)
}

// UpdateConversationSummaryTask stores a derived conversation summary.
type UpdateConversationSummaryTask struct {
	ConversationID int64
	Summary        string
}

func (t UpdateConversationSummaryTask) name() string { return "conversation summary" }

func (t UpdateConversationSummaryTask) apply(ctx context.Context, d Driver) error {
	return d.UpdateConversation(ctx, t.ConversationID, t.Summary)
}

// batchWriter applies queued write tasks in batches on one long-lived
// connection. A failed batch is logged and dropped so one poisoned task
// cannot wedge the queue; a dead connection is reopened with backoff.
type batchWriter struct {
	store  *manager
	queue  chan WriteTask
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newBatchWriter(store *manager, logger *slog.Logger) *batchWriter {
	return &batchWriter{
		store:  store,
		queue:  make(chan WriteTask, writeQueueSize),
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (w *batchWriter) start() { go w.run() }

// enqueue offers a task to the write queue, giving up after a bounded
// wait when the writer has fallen behind. Reports whether the task was
// accepted.
func (w *batchWriter) enqueue(task WriteTask) bool {
	select {
	case w.queue <- task:
		return true
	default:
	}
	select {
	case w.queue <- task:
		return true
	case <-time.After(writeEnqueueTimeout):
		return false
	}
}

func (w *batchWriter) run() {
	defer close(w.done)
	ctx := context.Background()
	for {
		d, owned, err := w.store.acquire(ctx)
		if err != nil {
			w.logger.Error("augmentation writer: open connection", "error", err)
			select {
			case <-w.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		stopped := w.consume(ctx, d)
		w.store.release(ctx, d, owned)
		if stopped {
			return
		}
	}
}

// consume batches tasks until stopped. It reports true when the stop
// signal arrived (after draining what remains) and false when the
// connection is no longer usable and should be reopened.
func (w *batchWriter) consume(ctx context.Context, d Driver) bool {
	for {
		select {
		case <-w.stop:
			w.drain(ctx, d)
			return true
		default:
		}
		batch := w.collect()
		if len(batch) == 0 {
			select {
			case <-w.stop:
				w.drain(ctx, d)
				return true
			case <-time.After(writeBatchTimeout):
			}
			continue
		}
		if err := w.execute(ctx, d, batch); err != nil {
			w.logger.Error("augmentation writer: batch failed", "size", len(batch), "error", err)
			if rbErr := d.Rollback(ctx); rbErr != nil {
				w.logger.Error("augmentation writer: rollback failed, reopening connection", "error", rbErr)
				return false
			}
		}
	}
}

// collect gathers up to one batch, holding the window open for the
// batch timeout and giving each subsequent task a short grace period.
func (w *batchWriter) collect() []WriteTask {
	var batch []WriteTask
	deadline := time.Now().Add(writeBatchTimeout)
	for len(batch) < writeBatchSize {
		remaining := time.Until(deadline)
		if remaining < 10*time.Millisecond {
			remaining = 10 * time.Millisecond
		}
		select {
		case task := <-w.queue:
			batch = append(batch, task)
		case <-time.After(remaining):
			return batch
		}
	}
	return batch
}

func (w *batchWriter) execute(ctx context.Context, d Driver, batch []WriteTask) error {
	start := time.Now()
	for _, task := range batch {
		if err := task.apply(ctx, d); err != nil {
			return fmt.Errorf("%s: %w", task.name(), err)
		}
	}
	if err := d.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.logger.Debug("augmentation writer: batch applied", "size", len(batch), "duration", time.Since(start))
	return nil
}

// drain applies whatever is still queued at shutdown, best effort.
func (w *batchWriter) drain(ctx context.Context, d Driver) {
	for {
		var batch []WriteTask
		for len(batch) < writeBatchSize {
			select {
			case task := <-w.queue:
				batch = append(batch, task)
				continue
			default:
			}
			break
		}
		if len(batch) == 0 {
			return
		}
		if err := w.execute(ctx, d, batch); err != nil {
			w.logger.Error("augmentation writer: final batch failed", "size", len(batch), "error", err)
			if rbErr := d.Rollback(ctx); rbErr != nil {
				w.logger.Error("augmentation writer: rollback failed", "error", rbErr)
				return
			}
		}
	}
}

// close stops the writer after draining queued tasks, honoring the
// context deadline.
func (w *batchWriter) close(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
