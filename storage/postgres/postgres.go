// Package postgres implements the memori storage driver on PostgreSQL
// and CockroachDB using pgx.
//
// The Driver accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; use Factory to
// mint one driver per storage connection on top of a shared pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memorilabs/memori-go"
)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets a structured logger for the driver. When set, the
// driver emits debug logs for every operation including timing and row
// counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source used for the conversation
// rollover check. Tests use it to age a conversation without sleeping.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// WithCockroach marks the target server as CockroachDB. Factory
// detects this automatically; New cannot probe the server, so direct
// CockroachDB users set it here.
func WithCockroach() Option {
	return func(d *Driver) { d.dialect = memori.DialectCockroach }
}

// Driver implements memori.Driver backed by PostgreSQL or CockroachDB.
//
// Statement execution is serialized through a mutex so a single Driver
// can be shared via memori.StaticDriver; transaction boundaries are
// cooperative under that sharing. Prefer Factory, which gives every
// storage connection its own driver and true transaction isolation.
type Driver struct {
	pool    *pgxpool.Pool
	dialect memori.Dialect
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
	tx pgx.Tx
}

var _ memori.Driver = (*Driver)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Driver using an existing pgxpool.Pool. The caller owns
// the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Driver {
	d := &Driver{pool: pool, dialect: memori.DialectPostgres, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Factory returns a memori.DriverFactory minting one driver per
// storage connection, all sharing pool. The first call probes the
// server version so CockroachDB is detected without configuration.
func Factory(pool *pgxpool.Pool, opts ...Option) memori.DriverFactory {
	var (
		mu      sync.Mutex
		probed  bool
		dialect memori.Dialect
	)
	return func(ctx context.Context) (memori.Driver, error) {
		mu.Lock()
		defer mu.Unlock()
		if !probed {
			var version string
			if err := pool.QueryRow(ctx, `SELECT version()`).Scan(&version); err != nil {
				return nil, fmt.Errorf("postgres: probe version: %w", err)
			}
			dialect = memori.DialectPostgres
			if strings.Contains(version, "CockroachDB") {
				dialect = memori.DialectCockroach
			}
			probed = true
		}
		d := New(pool, opts...)
		d.dialect = dialect
		return d, nil
	}
}

// Dialect reports the SQL dialect implemented by this driver.
func (d *Driver) Dialect() memori.Dialect { return d.dialect }

// RequiresRollbackOnError reports whether a failed statement poisons
// the open transaction. PostgreSQL aborts the transaction and rejects
// further statements until an explicit rollback.
func (d *Driver) RequiresRollbackOnError() bool { return true }

// txLocked returns the open transaction, beginning one lazily.
// Callers must hold d.mu.
func (d *Driver) txLocked(ctx context.Context) (pgx.Tx, error) {
	if d.tx != nil {
		return d.tx, nil
	}
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	d.tx = tx
	return tx, nil
}

// Commit flushes all pending work. A commit with no open transaction
// is a no-op.
func (d *Driver) Commit(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return nil
	}
	err := d.tx.Commit(ctx)
	d.tx = nil
	if err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// Rollback discards all pending work. A rollback with no open
// transaction is a no-op.
func (d *Driver) Rollback(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback(ctx)
	d.tx = nil
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("postgres: rollback: %w", err)
	}
	return nil
}

// Close rolls back any pending transaction. The pool stays open; its
// owner closes it.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tx != nil {
		_ = d.tx.Rollback(ctx)
		d.tx = nil
	}
	return nil
}

// CreateEntity inserts the entity with the given external id if it
// does not exist and returns its row id.
func (d *Driver) CreateEntity(ctx context.Context, externalID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: entity create: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO memori_entity (uuid, external_id) VALUES ($1, $2) ON CONFLICT (external_id) DO NOTHING`,
		memori.NewID(), externalID); err != nil {
		return 0, fmt.Errorf("postgres: entity create: %w", err)
	}
	var id int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM memori_entity WHERE external_id = $1`,
		externalID).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: entity select: %w", err)
	}
	d.logger.Debug("postgres: entity create", "id", id, "duration", time.Since(start))
	return id, nil
}

// CreateProcess inserts the process with the given external id if it
// does not exist and returns its row id.
func (d *Driver) CreateProcess(ctx context.Context, externalID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: process create: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO memori_process (uuid, external_id) VALUES ($1, $2) ON CONFLICT (external_id) DO NOTHING`,
		memori.NewID(), externalID); err != nil {
		return 0, fmt.Errorf("postgres: process create: %w", err)
	}
	var id int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM memori_process WHERE external_id = $1`,
		externalID).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: process select: %w", err)
	}
	d.logger.Debug("postgres: process create", "id", id, "duration", time.Since(start))
	return id, nil
}

// CreateSession inserts the session identified by uuid if it does not
// exist and returns its row id. A zero entity or process id is stored
// as NULL for anonymous sessions.
func (d *Driver) CreateSession(ctx context.Context, uuid string, entityID, processID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: session create: %w", err)
	}
	var entity, process any
	if entityID != 0 {
		entity = entityID
	}
	if processID != 0 {
		process = processID
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO memori_session (uuid, entity_id, process_id) VALUES ($1, $2, $3) ON CONFLICT (uuid) DO NOTHING`,
		uuid, entity, process); err != nil {
		return 0, fmt.Errorf("postgres: session create: %w", err)
	}
	var id int64
	if err := tx.QueryRow(ctx,
		`SELECT id FROM memori_session WHERE uuid = $1`,
		uuid).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: session select: %w", err)
	}
	d.logger.Debug("postgres: session create", "id", id, "duration", time.Since(start))
	return id, nil
}

// CreateConversation returns the current conversation for the session,
// starting a new one when the session has none yet or its last
// activity is older than timeout. Last activity is the newest message
// timestamp, falling back to the conversation's creation time.
func (d *Driver) CreateConversation(ctx context.Context, sessionID int64, timeout time.Duration) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: conversation create: %w", err)
	}

	var current int64
	var lastActivity time.Time
	err = tx.QueryRow(ctx, `
		SELECT c.id, COALESCE(MAX(m.date_created), c.date_created)
		FROM memori_conversation c
		LEFT JOIN memori_conversation_message m ON m.conversation_id = c.id
		WHERE c.session_id = $1
		GROUP BY c.id, c.date_created
		ORDER BY c.id DESC
		LIMIT 1`, sessionID).Scan(&current, &lastActivity)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("postgres: conversation select: %w", err)
	default:
		idle := d.now().UTC().Sub(lastActivity)
		if idle <= timeout {
			d.logger.Debug("postgres: conversation reuse", "id", current, "idle", idle, "duration", time.Since(start))
			return current, nil
		}
	}

	var id int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO memori_conversation (uuid, session_id) VALUES ($1, $2) RETURNING id`,
		memori.NewID(), sessionID).Scan(&id); err != nil {
		return 0, fmt.Errorf("postgres: conversation create: %w", err)
	}
	d.logger.Debug("postgres: conversation create", "id", id, "session_id", sessionID, "duration", time.Since(start))
	return id, nil
}

// ReadConversation loads one conversation by row id.
func (d *Driver) ReadConversation(ctx context.Context, id int64) (memori.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return memori.Conversation{}, fmt.Errorf("postgres: conversation read: %w", err)
	}
	var c memori.Conversation
	var summary *string
	var created time.Time
	if err := tx.QueryRow(ctx, `
		SELECT id, uuid, session_id, summary, date_created
		FROM memori_conversation
		WHERE id = $1`, id).Scan(&c.ID, &c.UUID, &c.SessionID, &summary, &created); err != nil {
		return memori.Conversation{}, fmt.Errorf("postgres: conversation read: %w", err)
	}
	if summary != nil {
		c.Summary = *summary
	}
	c.DateCreated = created.Unix()
	return c, nil
}

// UpdateConversation replaces the conversation summary.
func (d *Driver) UpdateConversation(ctx context.Context, id int64, summary string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("postgres: conversation update: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE memori_conversation SET summary = $1 WHERE id = $2`,
		summary, id); err != nil {
		return fmt.Errorf("postgres: conversation update: %w", err)
	}
	return nil
}

// CreateConversationMessage appends one message to a conversation. An
// empty type is stored as NULL.
func (d *Driver) CreateConversationMessage(ctx context.Context, conversationID int64, role, typ, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("postgres: message create: %w", err)
	}
	var messageType any
	if typ != "" {
		messageType = typ
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO memori_conversation_message (uuid, conversation_id, role, type, content) VALUES ($1, $2, $3, $4, $5)`,
		memori.NewID(), conversationID, role, messageType, content); err != nil {
		return fmt.Errorf("postgres: message create: %w", err)
	}
	return nil
}

// ReadConversationMessages loads the messages of a conversation in
// insertion order.
func (d *Driver) ReadConversationMessages(ctx context.Context, conversationID int64) ([]memori.ConversationMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: messages read: %w", err)
	}
	rows, err := tx.Query(ctx,
		`SELECT role, content FROM memori_conversation_message WHERE conversation_id = $1 ORDER BY id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("postgres: messages read: %w", err)
	}
	defer rows.Close()

	var out []memori.ConversationMessage
	for rows.Next() {
		var m memori.ConversationMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("postgres: messages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: messages read: %w", err)
	}
	d.logger.Debug("postgres: messages read", "conversation_id", conversationID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// CreateSchemaVersion records the schema revision number.
func (d *Driver) CreateSchemaVersion(ctx context.Context, num int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("postgres: schema version create: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO memori_schema_version (num) VALUES ($1)`, num); err != nil {
		return fmt.Errorf("postgres: schema version create: %w", err)
	}
	return nil
}

// DeleteSchemaVersion clears the recorded schema revision.
func (d *Driver) DeleteSchemaVersion(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("postgres: schema version delete: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM memori_schema_version`); err != nil {
		return fmt.Errorf("postgres: schema version delete: %w", err)
	}
	return nil
}

// ReadSchemaVersion returns the recorded schema revision. ok is false
// on a fresh database, including when the version table itself does
// not exist yet.
func (d *Driver) ReadSchemaVersion(ctx context.Context) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("postgres: schema version read: %w", err)
	}
	var num int
	err = tx.QueryRow(ctx, `SELECT num FROM memori_schema_version`).Scan(&num)
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case errors.As(err, &pgErr) && pgErr.Code == "42P01":
		// undefined_table: fresh database. The failed statement
		// aborted the transaction, so clear it before the builder
		// starts applying revisions.
		_ = d.tx.Rollback(ctx)
		d.tx = nil
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("postgres: schema version read: %w", err)
	}
	return num, true, nil
}
