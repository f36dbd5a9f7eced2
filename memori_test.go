package memori

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestOpen_PanicsOnNilFactory(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a nil driver factory")
		}
	}()
	_, _ = Open(context.Background(), nil)
}

func TestOpen_RejectsOversizedAttribution(t *testing.T) {
	cfg := Config{EntityID: strings.Repeat("x", 101)}
	_, err := Open(context.Background(), StaticDriver(newMemDriver()), WithConfig(cfg))
	var cerr *ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("got %v, want ConfigError", err)
	}
}

func TestAttribution_CapsLength(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})

	var cerr *ConfigError
	if err := m.Attribution(strings.Repeat("x", 101), ""); !errors.As(err, &cerr) {
		t.Errorf("got %v for a 101-char entity, want ConfigError", err)
	}
	if err := m.Attribution("user-2", strings.Repeat("p", 101)); !errors.As(err, &cerr) {
		t.Errorf("got %v for a 101-char process, want ConfigError", err)
	}
	entity, process := m.attribution()
	if entity != "" || process != "" {
		t.Errorf("attribution = (%q, %q), want rejected values not applied", entity, process)
	}

	if err := m.Attribution("user-2", "app-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entity, process = m.attribution()
	if entity != "user-2" || process != "app-2" {
		t.Errorf("attribution = (%q, %q), want (user-2, app-2)", entity, process)
	}
}

func TestNewSession_RotatesAndClearsCache(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{EntityID: "user-1"})
	ctx := context.Background()
	if err := m.persistExchange(ctx, exchangePayload(m, "user-1", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if m.cache.conversation() == 0 {
		t.Fatal("expected a cached conversation before rotation")
	}

	old := m.Session()
	id := m.NewSession()
	if id == old {
		t.Error("NewSession returned the previous identifier")
	}
	if got := m.Session(); got != id {
		t.Errorf("Session() = %q, want %q", got, id)
	}
	entityID, processID, sessionID, conversationID := m.cache.snapshot()
	if entityID != 0 || processID != 0 || sessionID != 0 || conversationID != 0 {
		t.Errorf("cache = (%d, %d, %d, %d), want fully cleared", entityID, processID, sessionID, conversationID)
	}
}

func TestSetSession_SameIDKeepsCache(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{EntityID: "user-1"})
	ctx := context.Background()
	if err := m.persistExchange(ctx, exchangePayload(m, "user-1", "", sampleQuery, sampleResponse)); err != nil {
		t.Fatalf("persist: %v", err)
	}

	m.SetSession(m.Session())
	if m.cache.conversation() == 0 {
		t.Error("re-adopting the current session cleared the cache")
	}

	m.SetSession("imported-session")
	if got := m.Session(); got != "imported-session" {
		t.Errorf("Session() = %q, want the adopted identifier", got)
	}
	if m.cache.conversation() != 0 {
		t.Error("adopting a different session kept stale conversation state")
	}
}

func TestDialect_ReportsBackend(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})
	if got := m.Dialect(); got != DialectSQLite {
		t.Errorf("got %q, want %q", got, DialectSQLite)
	}
}

func TestOpen_SessionAssignedImmediately(t *testing.T) {
	d := newMemDriver()
	m := newTestMemori(t, d, Config{})
	if m.Session() == "" {
		t.Error("expected a session identifier at open")
	}
}
