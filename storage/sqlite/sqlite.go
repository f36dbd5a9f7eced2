// Package sqlite implements the memori storage driver on pure-Go
// SQLite via modernc.org/sqlite. No CGO required, which makes it the
// default choice for local development and single-process agents.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

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

// Driver implements memori.Driver backed by a single SQLite file.
//
// The connection pool is capped at one connection and a mutex
// serializes statement execution, so a single Driver can be shared by
// the handle, the augmentation workers, and the batch writer via
// memori.StaticDriver. Transaction boundaries are cooperative under
// that sharing: Commit flushes whatever work is pending on the
// connection, regardless of which goroutine queued it.
type Driver struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
	tx *sql.Tx
}

var _ memori.Driver = (*Driver)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open creates a Driver for the SQLite database at path. The file is
// created on first use.
func Open(path string, opts ...Option) (*Driver, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One connection: concurrent writers queue on the mutex instead of
	// failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	d := &Driver{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	d.logger.Debug("sqlite: driver opened", "path", path)
	return d, nil
}

// Dialect reports the SQL dialect implemented by this driver.
func (d *Driver) Dialect() memori.Dialect { return memori.DialectSQLite }

// RequiresRollbackOnError reports whether a failed statement poisons
// the open transaction. SQLite keeps the transaction usable.
func (d *Driver) RequiresRollbackOnError() bool { return false }

// txLocked returns the open transaction, beginning one lazily.
// Callers must hold d.mu.
func (d *Driver) txLocked(ctx context.Context) (*sql.Tx, error) {
	if d.tx != nil {
		return d.tx, nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
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
	err := d.tx.Commit()
	d.tx = nil
	if err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
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
	err := d.tx.Rollback()
	d.tx = nil
	if err != nil {
		return fmt.Errorf("sqlite: rollback: %w", err)
	}
	return nil
}

// Close rolls back any pending transaction and closes the database.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
	}
	d.mu.Unlock()
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("sqlite: close: %w", err)
	}
	return nil
}

// timestamp renders the driver clock the way sqlite's datetime('now')
// does, so it compares cleanly against stored column defaults.
func (d *Driver) timestamp() string {
	return d.now().UTC().Format("2006-01-02 15:04:05")
}

// CreateEntity inserts the entity with the given external id if it
// does not exist and returns its row id.
func (d *Driver) CreateEntity(ctx context.Context, externalID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlite: entity create: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO memori_entity (uuid, external_id) VALUES (?, ?)`,
		memori.NewID(), externalID); err != nil {
		return 0, fmt.Errorf("sqlite: entity create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM memori_entity WHERE external_id = ?`,
		externalID).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: entity select: %w", err)
	}
	d.logger.Debug("sqlite: entity create", "id", id, "duration", time.Since(start))
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
		return 0, fmt.Errorf("sqlite: process create: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO memori_process (uuid, external_id) VALUES (?, ?)`,
		memori.NewID(), externalID); err != nil {
		return 0, fmt.Errorf("sqlite: process create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM memori_process WHERE external_id = ?`,
		externalID).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: process select: %w", err)
	}
	d.logger.Debug("sqlite: process create", "id", id, "duration", time.Since(start))
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
		return 0, fmt.Errorf("sqlite: session create: %w", err)
	}
	var entity, process any
	if entityID != 0 {
		entity = entityID
	}
	if processID != 0 {
		process = processID
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO memori_session (uuid, entity_id, process_id) VALUES (?, ?, ?)`,
		uuid, entity, process); err != nil {
		return 0, fmt.Errorf("sqlite: session create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM memori_session WHERE uuid = ?`,
		uuid).Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: session select: %w", err)
	}
	d.logger.Debug("sqlite: session create", "id", id, "duration", time.Since(start))
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
		return 0, fmt.Errorf("sqlite: conversation create: %w", err)
	}

	var current int64
	var lastActivity string
	err = tx.QueryRowContext(ctx, `
		SELECT c.id, COALESCE(MAX(m.date_created), c.date_created)
		FROM memori_conversation c
		LEFT JOIN memori_conversation_message m ON m.conversation_id = c.id
		WHERE c.session_id = ?
		GROUP BY c.id, c.date_created
		ORDER BY c.id DESC
		LIMIT 1`, sessionID).Scan(&current, &lastActivity)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("sqlite: conversation select: %w", err)
	default:
		var idle float64
		if err := tx.QueryRowContext(ctx,
			`SELECT (julianday(?) - julianday(?)) * 24 * 60`,
			d.timestamp(), lastActivity).Scan(&idle); err != nil {
			return 0, fmt.Errorf("sqlite: conversation idle: %w", err)
		}
		if idle <= timeout.Minutes() {
			d.logger.Debug("sqlite: conversation reuse", "id", current, "idle_minutes", idle, "duration", time.Since(start))
			return current, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO memori_conversation (uuid, session_id) VALUES (?, ?)`,
		memori.NewID(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: conversation create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: conversation create: %w", err)
	}
	d.logger.Debug("sqlite: conversation create", "id", id, "session_id", sessionID, "duration", time.Since(start))
	return id, nil
}

// ReadConversation loads one conversation by row id.
func (d *Driver) ReadConversation(ctx context.Context, id int64) (memori.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return memori.Conversation{}, fmt.Errorf("sqlite: conversation read: %w", err)
	}
	var c memori.Conversation
	var summary sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT id, uuid, session_id, summary, CAST(strftime('%s', date_created) AS INTEGER)
		FROM memori_conversation
		WHERE id = ?`, id).Scan(&c.ID, &c.UUID, &c.SessionID, &summary, &c.DateCreated); err != nil {
		return memori.Conversation{}, fmt.Errorf("sqlite: conversation read: %w", err)
	}
	c.Summary = summary.String
	return c, nil
}

// UpdateConversation replaces the conversation summary.
func (d *Driver) UpdateConversation(ctx context.Context, id int64, summary string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: conversation update: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE memori_conversation SET summary = ? WHERE id = ?`,
		summary, id); err != nil {
		return fmt.Errorf("sqlite: conversation update: %w", err)
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
		return fmt.Errorf("sqlite: message create: %w", err)
	}
	var messageType any
	if typ != "" {
		messageType = typ
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memori_conversation_message (uuid, conversation_id, role, type, content) VALUES (?, ?, ?, ?, ?)`,
		memori.NewID(), conversationID, role, messageType, content); err != nil {
		return fmt.Errorf("sqlite: message create: %w", err)
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
		return nil, fmt.Errorf("sqlite: messages read: %w", err)
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT role, content FROM memori_conversation_message WHERE conversation_id = ? ORDER BY id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: messages read: %w", err)
	}
	defer rows.Close()

	var out []memori.ConversationMessage
	for rows.Next() {
		var m memori.ConversationMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("sqlite: messages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: messages read: %w", err)
	}
	d.logger.Debug("sqlite: messages read", "conversation_id", conversationID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// CreateSchemaVersion records the schema revision number.
func (d *Driver) CreateSchemaVersion(ctx context.Context, num int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: schema version create: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memori_schema_version (num) VALUES (?)`, num); err != nil {
		return fmt.Errorf("sqlite: schema version create: %w", err)
	}
	return nil
}

// DeleteSchemaVersion clears the recorded schema revision.
func (d *Driver) DeleteSchemaVersion(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: schema version delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memori_schema_version`); err != nil {
		return fmt.Errorf("sqlite: schema version delete: %w", err)
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
		return 0, false, fmt.Errorf("sqlite: schema version read: %w", err)
	}
	var num int
	err = tx.QueryRowContext(ctx, `SELECT num FROM memori_schema_version`).Scan(&num)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil && strings.Contains(err.Error(), "no such table"):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("sqlite: schema version read: %w", err)
	}
	return num, true, nil
}
