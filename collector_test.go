package memori

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// recordingCollectorServer captures delivered payload bodies.
type recordingCollectorServer struct {
	mu     sync.Mutex
	bodies []Payload
	status []int // per-request response status; empty means all 200
	hits   int
}

func (s *recordingCollectorServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.URL.Path != "/rec" {
			t.Errorf("got path %q, want /rec", r.URL.Path)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		s.bodies = append(s.bodies, p)
		if s.hits < len(s.status) {
			w.WriteHeader(s.status[s.hits])
		}
		s.hits++
	}
}

func (s *recordingCollectorServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func collectorConfig(url string, testMode bool) Config {
	return Config{
		CollectorBaseURL: url,
		RequestTimeout:   2 * time.Second,
		TestMode:         testMode,
	}
}

func successPayload() *Payload {
	return &Payload{
		Conversation: PayloadConversation{
			Client:   ClientInfo{Provider: "openai", Version: "gpt-4o"},
			Query:    json.RawMessage(`{"messages":[]}`),
			Response: json.RawMessage(`{}`),
		},
		Meta:    PayloadMeta{Fnfg: PayloadFnfg{Status: "succeeded"}},
		Session: PayloadSession{UUID: NewID()},
		Method:  "chat.completions.create",
	}
}

func TestDeliver_PostsOnce(t *testing.T) {
	rec := &recordingCollectorServer{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	c := newCollector(collectorConfig(srv.URL, false), nopLogger)
	c.deliver(context.Background(), successPayload())

	if rec.count() != 1 {
		t.Fatalf("got %d deliveries, want 1", rec.count())
	}
	if got := rec.bodies[0].Meta.Fnfg.Status; got != "succeeded" {
		t.Errorf("got fnfg status %q, want succeeded", got)
	}
	if rec.bodies[0].Meta.Fnfg.Exc != nil {
		t.Error("first delivery should carry no exception")
	}
}

func TestDeliver_RetriesOnceAsRecovered(t *testing.T) {
	rec := &recordingCollectorServer{status: []int{http.StatusInternalServerError}}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	c := newCollector(collectorConfig(srv.URL, false), nopLogger)
	c.deliver(context.Background(), successPayload())

	if rec.count() != 2 {
		t.Fatalf("got %d deliveries, want 2", rec.count())
	}
	second := rec.bodies[1]
	if second.Meta.Fnfg.Status != "recovered" {
		t.Errorf("got fnfg status %q, want recovered", second.Meta.Fnfg.Status)
	}
	if second.Meta.Fnfg.Exc == nil || *second.Meta.Fnfg.Exc == "" {
		t.Error("recovered delivery should carry the first failure")
	}
}

func TestDeliver_GivesUpAfterSecondFailure(t *testing.T) {
	rec := &recordingCollectorServer{status: []int{500, 500, 500}}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	c := newCollector(collectorConfig(srv.URL, false), nopLogger)
	c.deliver(context.Background(), successPayload())

	if rec.count() != 2 {
		t.Errorf("got %d deliveries, want exactly 2 attempts", rec.count())
	}
}

func TestDeliver_TestModeStaysLocal(t *testing.T) {
	rec := &recordingCollectorServer{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	c := newCollector(collectorConfig(srv.URL, true), nopLogger)
	c.deliver(context.Background(), successPayload())

	if rec.count() != 0 {
		t.Errorf("test mode sent %d requests, want 0", rec.count())
	}
}

func TestDeliverPayload_RequiresEnterprise(t *testing.T) {
	rec := &recordingCollectorServer{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := newMemDriver()
	m := newTestMemori(t, d, Config{CollectorBaseURL: srv.URL})
	m.deliverPayload(successPayload())
	m.wg.Wait()

	if rec.count() != 0 {
		t.Errorf("non-enterprise handle delivered %d payloads, want 0", rec.count())
	}
}

func TestDeliverPayload_EnterpriseShipsAsync(t *testing.T) {
	rec := &recordingCollectorServer{}
	srv := httptest.NewServer(rec.handler(t))
	defer srv.Close()

	d := newMemDriver()
	m := newTestMemori(t, d, Config{CollectorBaseURL: srv.URL, Enterprise: true})
	// newTestMemori forces test mode to keep egress local; undo it on the
	// collector alone so this delivery actually leaves the process.
	m.collector.testMode = false
	m.deliverPayload(successPayload())
	m.wg.Wait()

	if rec.count() != 1 {
		t.Errorf("got %d deliveries, want 1", rec.count())
	}
}
