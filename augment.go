package memori

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Augmentation derives durable memory from one completed exchange. The
// pool runs every registered augmentation on a task-scoped storage
// connection: implementations read through d, resolve ids they need,
// and queue their writes on actx for the batched writer to apply.
//
// Returning a [QuotaExceededError] disables the pool for the handle's
// lifetime; any other error is logged and the remaining augmentations
// still run.
type Augmentation interface {
	Name() string
	Enabled() bool
	Process(ctx context.Context, actx *AugmentationContext, d Driver) error
}

// AugmentationContext carries one derivation task through the
// registered augmentations and collects their deferred writes.
type AugmentationContext struct {
	Input  AugmentationInput
	writes []WriteTask
}

// Queue schedules a storage write to be applied asynchronously after
// the augmentations for this exchange complete.
func (c *AugmentationContext) Queue(task WriteTask) {
	c.writes = append(c.writes, task)
}

// augmentationPool runs derivation tasks concurrently, bounded by a
// semaphore. Tasks never block the caller; a stored quota error is the
// single exception, surfaced on the next enqueue.
type augmentationPool struct {
	store  *manager
	writer *batchWriter
	augs   []Augmentation
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu       sync.Mutex
	active   bool
	quotaErr error

	wg sync.WaitGroup
}

func newAugmentationPool(store *manager, writer *batchWriter, augs []Augmentation, workers int, logger *slog.Logger) *augmentationPool {
	if workers <= 0 {
		workers = 50
	}
	return &augmentationPool{
		store:  store,
		writer: writer,
		augs:   augs,
		sem:    semaphore.NewWeighted(int64(workers)),
		logger: logger,
		active: len(augs) > 0,
	}
}

// enqueue schedules derivation for one completed exchange. When a prior
// task exhausted the service quota, the stored error returns instead;
// an inactive pool is a no-op.
func (p *augmentationPool) enqueue(input AugmentationInput) error {
	p.mu.Lock()
	if p.quotaErr != nil {
		err := p.quotaErr
		p.mu.Unlock()
		return err
	}
	if !p.active {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(input)
	return nil
}

func (p *augmentationPool) run(input AugmentationInput) {
	defer p.wg.Done()
	ctx := context.Background()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	actx := &AugmentationContext{Input: input}
	err := p.store.withConnection(ctx, func(d Driver) error {
		for _, aug := range p.augs {
			if !aug.Enabled() {
				continue
			}
			if err := aug.Process(ctx, actx, d); err != nil {
				if isQuotaExceeded(err) {
					return err
				}
				p.logger.Error("augmentation: plugin failed", "augmentation", aug.Name(), "error", err)
			}
		}
		return nil
	})
	if err != nil {
		if isQuotaExceeded(err) {
			p.disable(err)
			p.logger.Warn("augmentation: quota exceeded, disabling augmentation", "error", err)
			return
		}
		p.logger.Error("augmentation: task failed", "error", err)
		return
	}

	for _, task := range actx.writes {
		if !p.writer.enqueue(task) {
			p.logger.Warn("augmentation: write queue full, dropping task", "task", task.name())
		}
	}
}

func (p *augmentationPool) disable(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotaErr = err
	p.active = false
}

// close waits for in-flight tasks, honoring the context deadline.
func (p *augmentationPool) close(ctx context.Context) error {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isQuotaExceeded(err error) bool {
	var quota *QuotaExceededError
	return errors.As(err, &quota)
}
