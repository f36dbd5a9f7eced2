package memori

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Dialect names a supported storage backend.
type Dialect string

const (
	DialectSQLite    Dialect = "sqlite"
	DialectMySQL     Dialect = "mysql"
	DialectPostgres  Dialect = "postgresql"
	DialectOracle    Dialect = "oracle"
	DialectCockroach Dialect = "cockroachdb"
	DialectMongo     Dialect = "mongodb"
)

// Revision is one schema migration step. Revisions apply in ascending
// Num order; the highest applied revision is recorded in the store so a
// rebuild is a no-op.
type Revision struct {
	Num   int
	Apply func(ctx context.Context) error
}

// Driver is the dialect-specific storage surface. Implementations hold
// one logical connection and buffer writes in an open transaction until
// Commit; they never commit on their own. All create operations are
// idempotent upserts keyed on natural identity, so retried transactions
// converge.
//
// Integer ids are store-local surrogates; zero means absent (a session
// with no entity passes entityID 0).
type Driver interface {
	Dialect() Dialect

	// Revisions returns the dialect's schema migration steps in order.
	Revisions() []Revision

	CreateEntity(ctx context.Context, externalID string) (int64, error)
	CreateProcess(ctx context.Context, externalID string) (int64, error)
	CreateSession(ctx context.Context, uuid string, entityID, processID int64) (int64, error)

	// CreateConversation returns the session's current conversation when
	// its last activity falls within timeout, otherwise starts a new one.
	CreateConversation(ctx context.Context, sessionID int64, timeout time.Duration) (int64, error)
	ReadConversation(ctx context.Context, conversationID int64) (Conversation, error)
	UpdateConversation(ctx context.Context, conversationID int64, summary string) error

	CreateConversationMessage(ctx context.Context, conversationID int64, role, typ, content string) error
	ReadConversationMessages(ctx context.Context, conversationID int64) ([]ConversationMessage, error)

	CreateEntityFacts(ctx context.Context, entityID int64, facts []string, embeddings [][]float32) error
	ReadEntityFactEmbeddings(ctx context.Context, entityID int64, limit int) ([]FactEmbedding, error)
	ReadEntityFactsByIDs(ctx context.Context, ids []int64) ([]FactRow, error)

	CreateKnowledgeGraph(ctx context.Context, entityID int64, triples []Triple) error
	CreateProcessAttributes(ctx context.Context, processID int64, attributes []string) error

	CreateSchemaVersion(ctx context.Context, num int) error
	DeleteSchemaVersion(ctx context.Context) error
	// ReadSchemaVersion reports the recorded revision, or ok false when
	// the store carries no version row yet.
	ReadSchemaVersion(ctx context.Context) (version int, ok bool, err error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// RequiresRollbackOnError reports whether a failed statement poisons
	// the open transaction until rolled back (true for postgresql and
	// cockroachdb).
	RequiresRollbackOnError() bool

	Close(ctx context.Context) error
}

// DriverFactory opens a storage connection. The factory is invoked once
// for the primary connection at Open time and again for every background
// unit of work, so implementations backed by a single shared handle
// should return that handle each call (see [StaticDriver]).
type DriverFactory func(ctx context.Context) (Driver, error)

// StaticDriver returns a factory that hands out the same driver on
// every call. Background workers recognize the shared driver and leave
// closing it to [Memori.Close].
func StaticDriver(d Driver) DriverFactory {
	return func(context.Context) (Driver, error) { return d, nil }
}

// manager owns the primary storage connection and lends out per-task
// connections to background workers.
type manager struct {
	factory DriverFactory
	primary Driver
	logger  *slog.Logger
}

func newManager(ctx context.Context, factory DriverFactory, logger *slog.Logger) (*manager, error) {
	d, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: open driver: %w", err)
	}
	switch dialect := d.Dialect(); dialect {
	case DialectSQLite, DialectMySQL, DialectPostgres, DialectCockroach, DialectMongo:
	default:
		_ = d.Close(ctx)
		return nil, fmt.Errorf("storage: unsupported dialect %q", dialect)
	}
	return &manager{factory: factory, primary: d, logger: logger}, nil
}

func (m *manager) dialect() Dialect { return m.primary.Dialect() }

func (m *manager) cockroach() bool { return m.dialect() == DialectCockroach }

// acquire returns a driver for one unit of work and whether the caller
// owns it. The shared primary is never owned; owned drivers must be
// released.
func (m *manager) acquire(ctx context.Context) (Driver, bool, error) {
	d, err := m.factory(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("storage: open connection: %w", err)
	}
	return d, d != m.primary, nil
}

func (m *manager) release(ctx context.Context, d Driver, owned bool) {
	if !owned {
		return
	}
	if err := d.Close(ctx); err != nil {
		m.logger.Debug("storage: close connection", "error", err)
	}
}

// withConnection runs fn on a freshly acquired driver, committing on
// success and rolling back on error.
func (m *manager) withConnection(ctx context.Context, fn func(Driver) error) error {
	d, owned, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer m.release(ctx, d, owned)
	if err := fn(d); err != nil {
		if rbErr := d.Rollback(ctx); rbErr != nil {
			m.logger.Debug("storage: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := d.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func (m *manager) close(ctx context.Context) error {
	if err := m.primary.Close(ctx); err != nil {
		return fmt.Errorf("storage: close driver: %w", err)
	}
	return nil
}
