package memori

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

const (
	sampleQuery    = `{"messages":[{"role":"user","content":"Hello"}]}`
	sampleResponse = `{"choices":[{"message":{"role":"assistant","content":"Hi there!"}}]}`
)

func exchangePayload(m *Memori, entity, process, query, response string) *Payload {
	return &Payload{
		Attribution: PayloadAttribution{
			Entity:  PayloadPrincipal{ID: entity},
			Process: PayloadPrincipal{ID: process},
		},
		Conversation: PayloadConversation{
			Client:   ClientInfo{Provider: "openai", Title: "openai", Version: "gpt-4o"},
			Query:    json.RawMessage(query),
			Response: json.RawMessage(response),
		},
		Meta:    PayloadMeta{Fnfg: PayloadFnfg{Status: "succeeded"}},
		Session: PayloadSession{UUID: m.sessionID()},
		Method:  "chat.completions.create",
	}
}

func TestPersistExchange_ResolvesIdentityChain(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{EntityID: "user-1", ProcessID: "agent-1"})

	p := exchangePayload(m, "user-1", "agent-1", sampleQuery, sampleResponse)
	if err := m.persistExchange(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entityID, processID, sessionID, conversationID := m.cache.snapshot()
	if entityID == 0 || processID == 0 || sessionID == 0 || conversationID == 0 {
		t.Fatalf("cache incomplete after commit: %d %d %d %d", entityID, processID, sessionID, conversationID)
	}
	d.mu.Lock()
	sess := d.state.sessionRows[sessionID]
	d.mu.Unlock()
	if sess.entityID != entityID || sess.processID != processID {
		t.Errorf("session row links %d/%d, want %d/%d", sess.entityID, sess.processID, entityID, processID)
	}

	msgs := d.messageLog()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].role != "user" || msgs[0].content != "Hello" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if msgs[1].role != "assistant" || msgs[1].content != "Hi there!" || msgs[1].typ != "text" {
		t.Errorf("second message = %+v", msgs[1])
	}
	if d.callCount("commit") != 1 {
		t.Errorf("got %d commits, want 1", d.callCount("commit"))
	}
}

func TestPersistExchange_ReusesCachedIdentity(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{EntityID: "user-1", ProcessID: "agent-1"})

	ctx := context.Background()
	if err := m.persistExchange(ctx, exchangePayload(m, "user-1", "agent-1", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	d.resetCalls()
	if err := m.persistExchange(ctx, exchangePayload(m, "user-1", "agent-1", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	for _, op := range []string{"entity.create", "process.create", "session.create", "conversation.create"} {
		if n := d.callCount(op); n != 0 {
			t.Errorf("%s ran %d times on a warm cache, want 0", op, n)
		}
	}
	if n := d.callCount("message.create"); n != 2 {
		t.Errorf("got %d message writes, want 2", n)
	}
}

func TestPersistExchange_SkipsSystemTurns(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})

	query := `{"messages":[
		{"role":"system","content":"You are terse."},
		{"role":"user","content":"Hello"}
	]}`
	if err := m.persistExchange(context.Background(), exchangePayload(m, "", "", query, sampleResponse)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, msg := range d.messageLog() {
		if msg.role == "system" {
			t.Errorf("system turn persisted: %+v", msg)
		}
	}
}

func TestPersistExchange_EmptyAttribution(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})

	if err := m.persistExchange(context.Background(), exchangePayload(m, "", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.callCount("entity.create") != 0 || d.callCount("process.create") != 0 {
		t.Error("anonymous exchange must not create principals")
	}
	entityID, processID, sessionID, conversationID := m.cache.snapshot()
	if entityID != 0 || processID != 0 {
		t.Errorf("principal ids cached for anonymous exchange: %d %d", entityID, processID)
	}
	if sessionID == 0 || conversationID == 0 {
		t.Error("session and conversation are still persisted without attribution")
	}
}

func TestPersistExchange_PersistsResponseTypes(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})

	p := exchangePayload(m, "", "", `{"messages":[{"role":"user","content":"Hi"}]}`,
		`{"role":"assistant","content":[{"type":"text","text":"Hello."},{"type":"text","text":"More."}]}`)
	p.Conversation.Client = ClientInfo{Provider: "anthropic", Title: "anthropic", Version: "claude-sonnet-4-5"}
	p.Method = "messages.create"

	if err := m.persistExchange(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := d.messageLog()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[1].typ != "text" || msgs[2].typ != "text" {
		t.Errorf("response items lost their type: %+v", msgs[1:])
	}
}

func TestPersistExchange_RetriesSerializationConflict(t *testing.T) {
	d := newMemDriver()
	d.failOnce("commit", errors.New("TransactionRetryWithProtoRefreshError: restart transaction"))
	m := newTestMemori(t, d, Config{EntityID: "user-1"})

	if err := m.persistExchange(context.Background(), exchangePayload(m, "user-1", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("unexpected error after retry: %v", err)
	}
	if d.rollbackCount() == 0 {
		t.Error("conflicted attempt should roll back before retrying")
	}
	if msgs := d.messageLog(); len(msgs) != 2 {
		t.Errorf("got %d messages, want 2 (no duplicates from the retry)", len(msgs))
	}
	if _, _, _, conversationID := m.cache.snapshot(); conversationID == 0 {
		t.Error("retry success should still populate the cache")
	}
}

func TestPersistExchange_FailurePropagatesAndRollsBack(t *testing.T) {
	d := newMemDriver()
	boom := errors.New("constraint violation")
	d.failAlways("session.create", boom)
	m := newTestMemori(t, d, Config{EntityID: "user-1"})

	err := m.persistExchange(context.Background(), exchangePayload(m, "user-1", "", sampleQuery, sampleResponse))
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the storage failure", err)
	}
	if d.rollbackCount() == 0 {
		t.Error("failed exchange should roll back")
	}
	if entityID, _, _, _ := m.cache.snapshot(); entityID != 0 {
		t.Error("failed exchange must not populate the cache")
	}
	d.mu.Lock()
	leaked := len(d.state.entities)
	d.mu.Unlock()
	if leaked != 0 || len(d.messageLog()) != 0 {
		t.Error("rolled-back writes leaked into committed state")
	}
}

func TestPersistExchange_UnknownProviderRefused(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})

	p := exchangePayload(m, "", "", sampleQuery, sampleResponse)
	p.Conversation.Client.Provider = "unknown"
	err := m.persistExchange(context.Background(), p)
	var perr *ErrPayloadAdapter
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want ErrPayloadAdapter", err)
	}
	if d.callCount("session.create") != 0 {
		t.Error("unparseable payload must not touch storage")
	}
}

func TestPersistExchange_ConversationRollover(t *testing.T) {
	clock := newTestClock()
	d := newMemDriver()
	d.now = clock.Now
	m := newTestMemori(t, d, Config{SessionTimeoutMinutes: 30}, WithClock(clock.Now))

	ctx := context.Background()
	if err := m.persistExchange(ctx, exchangePayload(m, "", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, _, _, firstConv := m.cache.snapshot()

	clock.Advance(31 * time.Minute)
	if !m.cache.expireIfStale(m.now(), m.cfg.sessionTimeout()) {
		t.Fatal("stale conversation did not expire")
	}
	if err := m.persistExchange(ctx, exchangePayload(m, "", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	_, _, _, secondConv := m.cache.snapshot()
	if secondConv == firstConv {
		t.Error("exchange after the timeout should open a new conversation")
	}
	if d.conversationCount() != 2 {
		t.Errorf("got %d conversations, want 2", d.conversationCount())
	}
}

func TestPersistExchange_WithinTimeoutKeepsConversation(t *testing.T) {
	clock := newTestClock()
	d := newMemDriver()
	d.now = clock.Now
	m := newTestMemori(t, d, Config{SessionTimeoutMinutes: 30}, WithClock(clock.Now))

	ctx := context.Background()
	if err := m.persistExchange(ctx, exchangePayload(m, "", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	clock.Advance(10 * time.Minute)
	if m.cache.expireIfStale(m.now(), m.cfg.sessionTimeout()) {
		t.Fatal("conversation expired inside the timeout window")
	}
	if err := m.persistExchange(ctx, exchangePayload(m, "", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	if d.conversationCount() != 1 {
		t.Errorf("got %d conversations, want 1", d.conversationCount())
	}
}

func TestPersistExchange_NewSessionStartsFreshRows(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})

	ctx := context.Background()
	if err := m.persistExchange(ctx, exchangePayload(m, "", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, _, firstSession, firstConv := m.cache.snapshot()

	m.NewSession()
	if err := m.persistExchange(ctx, exchangePayload(m, "", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("second exchange: %v", err)
	}
	_, _, secondSession, secondConv := m.cache.snapshot()
	if secondSession == firstSession {
		t.Error("rotated session reused the old session row")
	}
	if secondConv == firstConv {
		t.Error("rotated session reused the old conversation")
	}
}
