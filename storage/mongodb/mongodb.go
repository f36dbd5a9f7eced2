// Package mongodb implements the memori storage driver on MongoDB
// using the official mongo-driver.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

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

// WithClock overrides the time source used for document timestamps and
// the conversation rollover check. Tests use it to age a conversation
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(d *Driver) {
		if now != nil {
			d.now = now
		}
	}
}

// Driver implements memori.Driver backed by MongoDB.
//
// Writes apply as they are issued: every write is an idempotent upsert
// keyed on natural identity, and multi-document transactions would
// require a replica set, so Commit and Rollback are no-ops. Documents
// are keyed by int64 ids minted from a counters collection so recency
// can be ordered by id like the SQL dialects.
type Driver struct {
	client *mongo.Client // non-nil only when Open created it
	db     *mongo.Database
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

var _ memori.Driver = (*Driver)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Open connects to the MongoDB deployment at uri and returns a Driver
// over the named database. The driver owns the client and disconnects
// it on Close.
func Open(ctx context.Context, uri, database string, opts ...Option) (*Driver, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongodb: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongodb: ping: %w", err)
	}
	d := New(client.Database(database), opts...)
	d.client = client
	d.logger.Debug("mongodb: driver opened", "database", database)
	return d, nil
}

// New creates a Driver over an existing database handle. The caller
// owns the underlying client and is responsible for disconnecting it.
func New(db *mongo.Database, opts ...Option) *Driver {
	d := &Driver{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Factory returns a memori.DriverFactory minting one driver per
// storage connection, all sharing db's client.
func Factory(db *mongo.Database, opts ...Option) memori.DriverFactory {
	return func(ctx context.Context) (memori.Driver, error) {
		return New(db, opts...), nil
	}
}

// Dialect reports the storage backend implemented by this driver.
func (d *Driver) Dialect() memori.Dialect { return memori.DialectMongo }

// RequiresRollbackOnError reports whether a failed operation poisons
// the connection. MongoDB keeps accepting operations after a failure.
func (d *Driver) RequiresRollbackOnError() bool { return false }

// Commit is a no-op; writes apply as they are issued.
func (d *Driver) Commit(ctx context.Context) error { return nil }

// Rollback is a no-op; writes apply as they are issued.
func (d *Driver) Rollback(ctx context.Context) error { return nil }

// Close disconnects the client when this driver opened it.
func (d *Driver) Close(ctx context.Context) error {
	if d.client == nil {
		return nil
	}
	if err := d.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongodb: disconnect: %w", err)
	}
	return nil
}

// nextID mints the next int64 id for coll from the counters
// collection. The substrate keys rows by monotonically increasing
// integers so recency can be ordered by id across dialects.
func (d *Driver) nextID(ctx context.Context, coll string) (int64, error) {
	res := d.db.Collection("memori_counters").FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: coll}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After))
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, fmt.Errorf("mongodb: next id for %s: %w", coll, err)
	}
	return doc.Seq, nil
}

// findOrInsertByExternalID returns the id of the document in coll with
// the given external id, inserting it first when absent.
func (d *Driver) findOrInsertByExternalID(ctx context.Context, coll, externalID string) (int64, error) {
	var existing struct {
		ID int64 `bson:"_id"`
	}
	err := d.db.Collection(coll).FindOne(ctx,
		bson.D{{Key: "external_id", Value: externalID}}).Decode(&existing)
	switch {
	case err == nil:
		return existing.ID, nil
	case !errors.Is(err, mongo.ErrNoDocuments):
		return 0, fmt.Errorf("mongodb: %s select: %w", coll, err)
	}
	id, err := d.nextID(ctx, coll)
	if err != nil {
		return 0, err
	}
	if _, err := d.db.Collection(coll).InsertOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "uuid", Value: memori.NewID()},
		{Key: "external_id", Value: externalID},
		{Key: "date_created", Value: d.now().UTC()},
		{Key: "date_updated", Value: nil},
	}); err != nil {
		return 0, fmt.Errorf("mongodb: %s create: %w", coll, err)
	}
	return id, nil
}

// CreateEntity inserts the entity with the given external id if it
// does not exist and returns its id.
func (d *Driver) CreateEntity(ctx context.Context, externalID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	id, err := d.findOrInsertByExternalID(ctx, "memori_entity", externalID)
	if err != nil {
		return 0, err
	}
	d.logger.Debug("mongodb: entity create", "id", id, "duration", time.Since(start))
	return id, nil
}

// CreateProcess inserts the process with the given external id if it
// does not exist and returns its id.
func (d *Driver) CreateProcess(ctx context.Context, externalID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	id, err := d.findOrInsertByExternalID(ctx, "memori_process", externalID)
	if err != nil {
		return 0, err
	}
	d.logger.Debug("mongodb: process create", "id", id, "duration", time.Since(start))
	return id, nil
}

// CreateSession inserts the session identified by uuid if it does not
// exist and returns its id. A zero entity or process id is stored as
// null for anonymous sessions.
func (d *Driver) CreateSession(ctx context.Context, uuid string, entityID, processID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	var existing struct {
		ID int64 `bson:"_id"`
	}
	err := d.db.Collection("memori_session").FindOne(ctx,
		bson.D{{Key: "uuid", Value: uuid}}).Decode(&existing)
	switch {
	case err == nil:
		d.logger.Debug("mongodb: session create", "id", existing.ID, "duration", time.Since(start))
		return existing.ID, nil
	case !errors.Is(err, mongo.ErrNoDocuments):
		return 0, fmt.Errorf("mongodb: session select: %w", err)
	}
	id, err := d.nextID(ctx, "memori_session")
	if err != nil {
		return 0, err
	}
	var entity, process any
	if entityID != 0 {
		entity = entityID
	}
	if processID != 0 {
		process = processID
	}
	if _, err := d.db.Collection("memori_session").InsertOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "uuid", Value: uuid},
		{Key: "entity_id", Value: entity},
		{Key: "process_id", Value: process},
		{Key: "date_created", Value: d.now().UTC()},
		{Key: "date_updated", Value: nil},
	}); err != nil {
		return 0, fmt.Errorf("mongodb: session create: %w", err)
	}
	d.logger.Debug("mongodb: session create", "id", id, "duration", time.Since(start))
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

	var conv struct {
		ID          int64     `bson:"_id"`
		DateCreated time.Time `bson:"date_created"`
	}
	err := d.db.Collection("memori_conversation").FindOne(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})).Decode(&conv)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
	case err != nil:
		return 0, fmt.Errorf("mongodb: conversation select: %w", err)
	default:
		lastActivity := conv.DateCreated
		var msg struct {
			DateCreated time.Time `bson:"date_created"`
		}
		err := d.db.Collection("memori_conversation_message").FindOne(ctx,
			bson.D{{Key: "conversation_id", Value: conv.ID}},
			options.FindOne().SetSort(bson.D{{Key: "date_created", Value: -1}})).Decode(&msg)
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
		case err != nil:
			return 0, fmt.Errorf("mongodb: message select: %w", err)
		default:
			lastActivity = msg.DateCreated
		}
		idle := d.now().UTC().Sub(lastActivity)
		if idle <= timeout {
			d.logger.Debug("mongodb: conversation reuse", "id", conv.ID, "idle", idle, "duration", time.Since(start))
			return conv.ID, nil
		}
	}

	id, err := d.nextID(ctx, "memori_conversation")
	if err != nil {
		return 0, err
	}
	if _, err := d.db.Collection("memori_conversation").InsertOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "uuid", Value: memori.NewID()},
		{Key: "session_id", Value: sessionID},
		{Key: "summary", Value: nil},
		{Key: "date_created", Value: d.now().UTC()},
		{Key: "date_updated", Value: nil},
	}); err != nil {
		return 0, fmt.Errorf("mongodb: conversation create: %w", err)
	}
	d.logger.Debug("mongodb: conversation create", "id", id, "session_id", sessionID, "duration", time.Since(start))
	return id, nil
}

// ReadConversation loads one conversation by id.
func (d *Driver) ReadConversation(ctx context.Context, id int64) (memori.Conversation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var doc struct {
		ID          int64     `bson:"_id"`
		UUID        string    `bson:"uuid"`
		SessionID   int64     `bson:"session_id"`
		Summary     *string   `bson:"summary"`
		DateCreated time.Time `bson:"date_created"`
	}
	if err := d.db.Collection("memori_conversation").FindOne(ctx,
		bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		return memori.Conversation{}, fmt.Errorf("mongodb: conversation read: %w", err)
	}
	c := memori.Conversation{
		ID:          doc.ID,
		UUID:        doc.UUID,
		SessionID:   doc.SessionID,
		DateCreated: doc.DateCreated.Unix(),
	}
	if doc.Summary != nil {
		c.Summary = *doc.Summary
	}
	return c, nil
}

// UpdateConversation replaces the conversation summary.
func (d *Driver) UpdateConversation(ctx context.Context, id int64, summary string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Collection("memori_conversation").UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "summary", Value: summary}}}}); err != nil {
		return fmt.Errorf("mongodb: conversation update: %w", err)
	}
	return nil
}

// CreateConversationMessage appends one message to a conversation. An
// empty type is stored as null.
func (d *Driver) CreateConversationMessage(ctx context.Context, conversationID int64, role, typ, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	id, err := d.nextID(ctx, "memori_conversation_message")
	if err != nil {
		return err
	}
	var messageType any
	if typ != "" {
		messageType = typ
	}
	if _, err := d.db.Collection("memori_conversation_message").InsertOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "uuid", Value: memori.NewID()},
		{Key: "conversation_id", Value: conversationID},
		{Key: "role", Value: role},
		{Key: "type", Value: messageType},
		{Key: "content", Value: content},
		{Key: "date_created", Value: d.now().UTC()},
		{Key: "date_updated", Value: nil},
	}); err != nil {
		return fmt.Errorf("mongodb: message create: %w", err)
	}
	return nil
}

// ReadConversationMessages loads the messages of a conversation in
// insertion order.
func (d *Driver) ReadConversationMessages(ctx context.Context, conversationID int64) ([]memori.ConversationMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := time.Now()
	cur, err := d.db.Collection("memori_conversation_message").Find(ctx,
		bson.D{{Key: "conversation_id", Value: conversationID}},
		options.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetProjection(bson.D{{Key: "role", Value: 1}, {Key: "content", Value: 1}, {Key: "_id", Value: 0}}))
	if err != nil {
		return nil, fmt.Errorf("mongodb: messages read: %w", err)
	}
	var docs []struct {
		Role    string `bson:"role"`
		Content string `bson:"content"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb: messages read: %w", err)
	}
	var out []memori.ConversationMessage
	for _, doc := range docs {
		out = append(out, memori.ConversationMessage{Role: doc.Role, Content: doc.Content})
	}
	d.logger.Debug("mongodb: messages read", "conversation_id", conversationID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// CreateSchemaVersion records the schema revision number.
func (d *Driver) CreateSchemaVersion(ctx context.Context, num int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Collection("memori_schema_version").InsertOne(ctx,
		bson.D{{Key: "num", Value: num}}); err != nil {
		return fmt.Errorf("mongodb: schema version create: %w", err)
	}
	return nil
}

// DeleteSchemaVersion clears the recorded schema revision.
func (d *Driver) DeleteSchemaVersion(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.Collection("memori_schema_version").DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("mongodb: schema version delete: %w", err)
	}
	return nil
}

// ReadSchemaVersion returns the recorded schema revision. ok is false
// on a fresh database.
func (d *Driver) ReadSchemaVersion(ctx context.Context) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var doc struct {
		Num int `bson:"num"`
	}
	err := d.db.Collection("memori_schema_version").FindOne(ctx, bson.D{},
		options.FindOne().SetProjection(bson.D{{Key: "num", Value: 1}, {Key: "_id", Value: 0}})).Decode(&doc)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("mongodb: schema version read: %w", err)
	}
	return doc.Num, true, nil
}
