// Package mysql implements the memori storage driver on MySQL and
// MariaDB using go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

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

// Driver implements memori.Driver backed by MySQL.
//
// Statement execution is serialized through a mutex so a single Driver
// can be shared via memori.StaticDriver; transaction boundaries are
// cooperative under that sharing. Prefer Factory, which gives every
// storage connection its own driver and true transaction isolation.
type Driver struct {
	db     *sql.DB
	ownDB  bool
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

// Open creates a Driver for the MySQL server at dsn, in
// go-sql-driver/mysql DSN format. parseTime is forced on so datetime
// columns scan into time.Time. The driver owns the connection pool and
// closes it on Close.
func Open(dsn string, opts ...Option) (*Driver, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	cfg.ParseTime = true
	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	d := New(db, opts...)
	d.ownDB = true
	d.logger.Debug("mysql: driver opened", "addr", cfg.Addr, "db", cfg.DBName)
	return d, nil
}

// New creates a Driver using an existing *sql.DB. The caller owns the
// pool, is responsible for closing it, and must have opened it with
// parseTime=true.
func New(db *sql.DB, opts ...Option) *Driver {
	d := &Driver{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Factory returns a memori.DriverFactory minting one driver per
// storage connection, all sharing db.
func Factory(db *sql.DB, opts ...Option) memori.DriverFactory {
	return func(ctx context.Context) (memori.Driver, error) {
		return New(db, opts...), nil
	}
}

// Dialect reports the SQL dialect implemented by this driver.
func (d *Driver) Dialect() memori.Dialect { return memori.DialectMySQL }

// RequiresRollbackOnError reports whether a failed statement poisons
// the open transaction. InnoDB keeps the transaction usable.
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
		return fmt.Errorf("mysql: commit: %w", err)
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
		return fmt.Errorf("mysql: rollback: %w", err)
	}
	return nil
}

// Close rolls back any pending transaction, and closes the pool when
// this driver opened it.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
	}
	d.mu.Unlock()
	if !d.ownDB {
		return nil
	}
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("mysql: close: %w", err)
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
		return 0, fmt.Errorf("mysql: entity create: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`insert ignore into memori_entity (uuid, external_id) values (?, ?)`,
		memori.NewID(), externalID); err != nil {
		return 0, fmt.Errorf("mysql: entity create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`select id from memori_entity where external_id = ?`,
		externalID).Scan(&id); err != nil {
		return 0, fmt.Errorf("mysql: entity select: %w", err)
	}
	d.logger.Debug("mysql: entity create", "id", id, "duration", time.Since(start))
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
		return 0, fmt.Errorf("mysql: process create: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`insert ignore into memori_process (uuid, external_id) values (?, ?)`,
		memori.NewID(), externalID); err != nil {
		return 0, fmt.Errorf("mysql: process create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`select id from memori_process where external_id = ?`,
		externalID).Scan(&id); err != nil {
		return 0, fmt.Errorf("mysql: process select: %w", err)
	}
	d.logger.Debug("mysql: process create", "id", id, "duration", time.Since(start))
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
		return 0, fmt.Errorf("mysql: session create: %w", err)
	}
	var entity, process any
	if entityID != 0 {
		entity = entityID
	}
	if processID != 0 {
		process = processID
	}
	if _, err := tx.ExecContext(ctx,
		`insert ignore into memori_session (uuid, entity_id, process_id) values (?, ?, ?)`,
		uuid, entity, process); err != nil {
		return 0, fmt.Errorf("mysql: session create: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`select id from memori_session where uuid = ?`,
		uuid).Scan(&id); err != nil {
		return 0, fmt.Errorf("mysql: session select: %w", err)
	}
	d.logger.Debug("mysql: session create", "id", id, "duration", time.Since(start))
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
		return 0, fmt.Errorf("mysql: conversation create: %w", err)
	}

	var current int64
	var lastActivity time.Time
	err = tx.QueryRowContext(ctx, `
		select c.id, coalesce(max(m.date_created), c.date_created)
		from memori_conversation c
		left join memori_conversation_message m on m.conversation_id = c.id
		where c.session_id = ?
		group by c.id, c.date_created
		order by c.id desc
		limit 1`, sessionID).Scan(&current, &lastActivity)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, fmt.Errorf("mysql: conversation select: %w", err)
	default:
		idle := d.now().UTC().Sub(lastActivity)
		if idle <= timeout {
			d.logger.Debug("mysql: conversation reuse", "id", current, "idle", idle, "duration", time.Since(start))
			return current, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`insert into memori_conversation (uuid, session_id) values (?, ?)`,
		memori.NewID(), sessionID)
	if err != nil {
		return 0, fmt.Errorf("mysql: conversation create: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("mysql: conversation create: %w", err)
	}
	d.logger.Debug("mysql: conversation create", "id", id, "session_id", sessionID, "duration", time.Since(start))
	return id, nil
}

// ReadConversation loads one conversation by row id.
func (d *Driver) ReadConversation(ctx context.Context, id int64) (memori.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return memori.Conversation{}, fmt.Errorf("mysql: conversation read: %w", err)
	}
	var c memori.Conversation
	var summary sql.NullString
	var created time.Time
	if err := tx.QueryRowContext(ctx, `
		select id, uuid, session_id, summary, date_created
		from memori_conversation
		where id = ?`, id).Scan(&c.ID, &c.UUID, &c.SessionID, &summary, &created); err != nil {
		return memori.Conversation{}, fmt.Errorf("mysql: conversation read: %w", err)
	}
	c.Summary = summary.String
	c.DateCreated = created.Unix()
	return c, nil
}

// UpdateConversation replaces the conversation summary.
func (d *Driver) UpdateConversation(ctx context.Context, id int64, summary string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("mysql: conversation update: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`update memori_conversation set summary = ? where id = ?`,
		summary, id); err != nil {
		return fmt.Errorf("mysql: conversation update: %w", err)
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
		return fmt.Errorf("mysql: message create: %w", err)
	}
	var messageType any
	if typ != "" {
		messageType = typ
	}
	if _, err := tx.ExecContext(ctx,
		`insert into memori_conversation_message (uuid, conversation_id, role, type, content) values (?, ?, ?, ?, ?)`,
		memori.NewID(), conversationID, role, messageType, content); err != nil {
		return fmt.Errorf("mysql: message create: %w", err)
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
		return nil, fmt.Errorf("mysql: messages read: %w", err)
	}
	rows, err := tx.QueryContext(ctx,
		`select role, content from memori_conversation_message where conversation_id = ? order by id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("mysql: messages read: %w", err)
	}
	defer rows.Close()

	var out []memori.ConversationMessage
	for rows.Next() {
		var m memori.ConversationMessage
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("mysql: messages scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mysql: messages read: %w", err)
	}
	d.logger.Debug("mysql: messages read", "conversation_id", conversationID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// CreateSchemaVersion records the schema revision number.
func (d *Driver) CreateSchemaVersion(ctx context.Context, num int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("mysql: schema version create: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`insert into memori_schema_version (num) values (?)`, num); err != nil {
		return fmt.Errorf("mysql: schema version create: %w", err)
	}
	return nil
}

// DeleteSchemaVersion clears the recorded schema revision.
func (d *Driver) DeleteSchemaVersion(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, err := d.txLocked(ctx)
	if err != nil {
		return fmt.Errorf("mysql: schema version delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `delete from memori_schema_version`); err != nil {
		return fmt.Errorf("mysql: schema version delete: %w", err)
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
		return 0, false, fmt.Errorf("mysql: schema version read: %w", err)
	}
	var num int
	err = tx.QueryRowContext(ctx, `select num from memori_schema_version`).Scan(&num)
	var myErr *mysql.MySQLError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case errors.As(err, &myErr) && myErr.Number == 1146:
		// ER_NO_SUCH_TABLE: fresh database.
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("mysql: schema version read: %w", err)
	}
	return num, true, nil
}
