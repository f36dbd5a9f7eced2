package memori

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()
	if len(id1) != 36 {
		t.Errorf("got length %d, want canonical 36", len(id1))
	}
	if id1 == id2 {
		t.Error("consecutive ids must differ")
	}
	parsed, err := uuid.Parse(id1)
	if err != nil {
		t.Fatalf("not a valid uuid: %v", err)
	}
	if parsed.Version() != 7 {
		t.Errorf("got version %d, want 7 (time-sortable)", parsed.Version())
	}
}

func TestNowUnix(t *testing.T) {
	before := time.Now().Unix()
	got := NowUnix()
	after := time.Now().Unix()
	if got < before || got > after {
		t.Errorf("NowUnix() = %d outside [%d, %d]", got, before, after)
	}
}
