package memori

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Memori is a memory handle bound to one storage backend. It persists
// conversations around provider calls, injects recalled facts and
// history into outbound requests, and derives new facts asynchronously.
// A handle is safe for concurrent use; create it once and share it.
type Memori struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	store     *manager
	embed     *embeddings
	api       *apiClient
	collector *collector
	batch     *batchWriter
	pool      *augmentationPool
	cache     *cache

	mu          sync.Mutex
	sessionUUID string

	wg sync.WaitGroup
}

type options struct {
	cfg      Config
	logger   *slog.Logger
	embedder Embedder
	augs     []Augmentation
	clock    func() time.Time
}

// Option configures a handle at [Open] time.
type Option func(*options)

// WithLogger routes internal logging to the given logger. By default
// nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithConfig replaces the default configuration. Zero limits and URLs
// are filled back in from [DefaultConfig].
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithEmbedder sets the embedding model used for fact storage and
// recall. Without one, embeddings degrade to zero vectors and recall
// finds nothing.
func WithEmbedder(e Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithAugmentations registers derivation plugins to run alongside the
// built-in one.
func WithAugmentations(augs ...Augmentation) Option {
	return func(o *options) { o.augs = append(o.augs, augs...) }
}

// WithClock overrides the time source used for conversation rollover.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// Open connects a handle to storage and starts its background workers.
// The factory opens the primary connection immediately; [StaticDriver]
// adapts a single shared driver. Call [Memori.Build] once after Open to
// create or upgrade the schema, and [Memori.Close] to shut down.
func Open(ctx context.Context, factory DriverFactory, opts ...Option) (*Memori, error) {
	if factory == nil {
		panic("memori: nil driver factory")
	}
	o := options{cfg: DefaultConfig(), logger: nopLogger, clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := normalizeConfig(o.cfg)
	if err := validateAttribution(cfg.EntityID, cfg.ProcessID); err != nil {
		return nil, err
	}

	store, err := newManager(ctx, factory, o.logger)
	if err != nil {
		return nil, err
	}

	m := &Memori{
		cfg:         cfg,
		logger:      o.logger,
		now:         o.clock,
		store:       store,
		cache:       &cache{},
		sessionUUID: NewID(),
	}
	m.embed = &embeddings{embedder: o.embedder, logger: m.logger}
	m.api = newAPIClient(cfg, m.logger)
	m.collector = newCollector(cfg, m.logger)
	m.batch = newBatchWriter(store, m.logger)
	augs := append([]Augmentation{newAdvancedAugmentation(m.api, m.embed, m.logger)}, o.augs...)
	m.pool = newAugmentationPool(store, m.batch, augs, cfg.AugmentationWorkers, m.logger)
	m.batch.start()

	m.logger.Debug("memori: opened", "dialect", store.dialect(), "session", m.sessionUUID)
	return m, nil
}

// Build creates or upgrades the storage schema. Safe to call on every
// start; an up-to-date store is left unchanged.
func (m *Memori) Build(ctx context.Context) error {
	return buildSchema(ctx, m.store.primary, m.logger)
}

// Attribution scopes subsequent exchanges to an entity (who the memory
// is about) and a process (which application produced it). Either may
// be empty; both are capped at 100 characters.
func (m *Memori) Attribution(entityID, processID string) error {
	if err := validateAttribution(entityID, processID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.EntityID = entityID
	m.cfg.ProcessID = processID
	return nil
}

func validateAttribution(entityID, processID string) error {
	if len(entityID) > 100 {
		return &ConfigError{Message: "entity_id cannot be greater than 100 characters"}
	}
	if len(processID) > 100 {
		return &ConfigError{Message: "process_id cannot be greater than 100 characters"}
	}
	return nil
}

// NewSession rotates the session identifier and clears cached
// conversation state; the next exchange starts a fresh session row.
// Returns the new identifier.
func (m *Memori) NewSession() string {
	id := NewID()
	m.mu.Lock()
	m.sessionUUID = id
	m.mu.Unlock()
	m.cache.reset()
	return id
}

// SetSession adopts a caller-supplied session identifier, typically to
// resume a session across processes. Adopting a different identifier
// clears cached conversation state; re-adopting the current one keeps
// it.
func (m *Memori) SetSession(uuid string) {
	m.mu.Lock()
	changed := uuid != m.sessionUUID
	m.sessionUUID = uuid
	m.mu.Unlock()
	if changed {
		m.cache.reset()
	}
}

// Session returns the current session identifier.
func (m *Memori) Session() string { return m.sessionID() }

// Dialect reports the connected storage dialect.
func (m *Memori) Dialect() Dialect { return m.store.dialect() }

// Close drains background derivation work and releases the storage
// connection. The context bounds how long draining may take.
func (m *Memori) Close(ctx context.Context) error {
	var errs []error
	if err := m.pool.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memori: drain augmentation pool: %w", err))
	}
	if err := m.batch.close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("memori: stop augmentation writer: %w", err))
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if err := m.store.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Memori) attribution() (entityID, processID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.EntityID, m.cfg.ProcessID
}

func (m *Memori) sessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionUUID
}

// normalizeConfig fills zero limits and URLs back in from the defaults
// so a sparse [WithConfig] literal behaves.
func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = def.APIBaseURL
	}
	if cfg.CollectorBaseURL == "" {
		cfg.CollectorBaseURL = def.CollectorBaseURL
	}
	if cfg.RecallEmbeddingsLimit <= 0 {
		cfg.RecallEmbeddingsLimit = def.RecallEmbeddingsLimit
	}
	if cfg.RecallFactsLimit <= 0 {
		cfg.RecallFactsLimit = def.RecallFactsLimit
	}
	if cfg.RequestBackoffFactor <= 0 {
		cfg.RequestBackoffFactor = def.RequestBackoffFactor
	}
	if cfg.RequestNumBackoff <= 0 {
		cfg.RequestNumBackoff = def.RequestNumBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.SessionTimeoutMinutes <= 0 {
		cfg.SessionTimeoutMinutes = def.SessionTimeoutMinutes
	}
	if cfg.AugmentationWorkers <= 0 {
		cfg.AugmentationWorkers = def.AugmentationWorkers
	}
	return cfg
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
