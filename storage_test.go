package memori

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestNewManager_RejectsUnsupportedDialect(t *testing.T) {
	d := newMemDriver()
	d.dialect = DialectOracle
	_, err := newManager(context.Background(), StaticDriver(d), nopLogger)
	if err == nil || !strings.Contains(err.Error(), "unsupported dialect") {
		t.Fatalf("got %v, want unsupported dialect error", err)
	}
	if !d.closed {
		t.Error("rejected driver should be closed")
	}
}

func TestNewManager_PropagatesFactoryError(t *testing.T) {
	boom := errors.New("dial failed")
	factory := func(context.Context) (Driver, error) { return nil, boom }
	if _, err := newManager(context.Background(), factory, nopLogger); !errors.Is(err, boom) {
		t.Fatalf("got %v, want factory error", err)
	}
}

func TestManager_StaticDriverIsShared(t *testing.T) {
	d := newMemDriver()
	m, err := newManager(context.Background(), StaticDriver(d), nopLogger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, owned, err := m.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if got != Driver(d) {
		t.Error("static factory should hand out the primary")
	}
	if owned {
		t.Error("the shared primary is never owned")
	}
	m.release(context.Background(), got, owned)
	if d.closed {
		t.Error("releasing the shared primary must not close it")
	}
}

func TestManager_OwnedConnectionsAreClosed(t *testing.T) {
	var opened []*memDriver
	factory := func(context.Context) (Driver, error) {
		d := newMemDriver()
		opened = append(opened, d)
		return d, nil
	}
	m, err := newManager(context.Background(), factory, nopLogger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, owned, err := m.acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !owned {
		t.Error("a fresh connection should be owned by the caller")
	}
	m.release(context.Background(), got, owned)
	if len(opened) != 2 {
		t.Fatalf("factory ran %d times, want 2", len(opened))
	}
	if !opened[1].closed {
		t.Error("released owned connection should be closed")
	}
	if opened[0].closed {
		t.Error("primary must stay open")
	}
}

func TestManager_WithConnectionCommitsOnSuccess(t *testing.T) {
	d := newMemDriver()
	m, err := newManager(context.Background(), StaticDriver(d), nopLogger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = m.withConnection(context.Background(), func(conn Driver) error {
		_, err := conn.CreateEntity(context.Background(), "user-1")
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.callCount("commit") != 1 {
		t.Errorf("got %d commits, want 1", d.callCount("commit"))
	}
	if d.callCount("rollback") != 0 {
		t.Error("successful unit of work must not roll back")
	}
}

func TestManager_WithConnectionRollsBackOnError(t *testing.T) {
	d := newMemDriver()
	m, err := newManager(context.Background(), StaticDriver(d), nopLogger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	boom := errors.New("work failed")
	err = m.withConnection(context.Background(), func(conn Driver) error {
		if _, err := conn.CreateEntity(context.Background(), "user-1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the unit's error", err)
	}
	if d.callCount("rollback") != 1 {
		t.Errorf("got %d rollbacks, want 1", d.callCount("rollback"))
	}
	// The rollback restored pre-transaction state.
	if _, ok := d.state.entities["user-1"]; ok {
		t.Error("rolled-back write leaked into committed state")
	}
}

func TestManager_WithConnectionCommitFailure(t *testing.T) {
	d := newMemDriver()
	d.failAlways("commit", errors.New("disk full"))
	m, err := newManager(context.Background(), StaticDriver(d), nopLogger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = m.withConnection(context.Background(), func(Driver) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "commit") {
		t.Fatalf("got %v, want commit failure", err)
	}
}

func TestManager_CockroachDetection(t *testing.T) {
	d := newMemDriver()
	d.dialect = DialectCockroach
	m, err := newManager(context.Background(), StaticDriver(d), nopLogger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.cockroach() {
		t.Error("cockroach dialect not reported")
	}
	if m.dialect() != DialectCockroach {
		t.Errorf("got dialect %q", m.dialect())
	}
}
