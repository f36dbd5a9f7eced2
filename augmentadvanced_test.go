package memori

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newAdvanced builds the advanced augmentation against a stubbed
// derivation service.
func newAdvanced(t *testing.T, handler http.HandlerFunc, embed Embedder) *AdvancedAugmentation {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	api := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	return newAdvancedAugmentation(api, &embeddings{embedder: embed, logger: nopLogger}, nopLogger)
}

func serveJSON(body string) (http.HandlerFunc, *atomic.Int32) {
	var hits atomic.Int32
	return func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}, &hits
}

const fullDerivation = `{
	"conversation": {"summary": "User plans a hike."},
	"entity": {
		"facts": ["Likes hiking"],
		"triples": [{"subject":{"name":"User","type":"Person"},"predicate":"likes","object":{"name":"Hiking","type":"Activity"}}],
		"semantic_triples": [{"subject":{"name":"User","type":"Person"},"predicate":"plans","object":{"name":"Trip","type":"Event"}}]
	},
	"process": {"attributes": ["travel assistant"]}
}`

func TestAdvanced_SkipsWithoutEntity(t *testing.T) {
	handler, hits := serveJSON(fullDerivation)
	aug := newAdvanced(t, handler, &stubEmbedder{def: []float32{1, 0}})
	actx := &AugmentationContext{Input: AugmentationInput{ConversationID: 7}}

	if err := aug.Process(context.Background(), actx, newMemDriver()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("got %d service calls without an entity, want 0", n)
	}
	if len(actx.writes) != 0 {
		t.Errorf("got %d writes, want 0", len(actx.writes))
	}
}

func TestAdvanced_SkipsWithoutConversation(t *testing.T) {
	handler, hits := serveJSON(fullDerivation)
	aug := newAdvanced(t, handler, &stubEmbedder{def: []float32{1, 0}})
	actx := &AugmentationContext{Input: AugmentationInput{EntityID: "user-1"}}

	if err := aug.Process(context.Background(), actx, newMemDriver()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("got %d service calls without a conversation, want 0", n)
	}
}

func TestAdvanced_QueuesAllDerivations(t *testing.T) {
	handler, _ := serveJSON(fullDerivation)
	aug := newAdvanced(t, handler, &stubEmbedder{def: []float32{1, 0}})
	d := newMemDriver()
	actx := &AugmentationContext{Input: AugmentationInput{
		ConversationID: 7,
		EntityID:       "user-1",
		ProcessID:      "app-1",
		Messages:       []Message{UserMessage("I want to hike."), AssistantMessage("Great!")},
		Client:         openaiClient(),
	}}

	if err := aug.Process(context.Background(), actx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actx.writes) != 4 {
		t.Fatalf("got %d writes, want 4: %+v", len(actx.writes), actx.writes)
	}

	facts, ok := actx.writes[0].(CreateEntityFactsTask)
	if !ok {
		t.Fatalf("write 0 = %T, want CreateEntityFactsTask", actx.writes[0])
	}
	wantFacts := []string{"Likes hiking", "User likes Hiking"}
	if len(facts.Facts) != 2 || facts.Facts[0] != wantFacts[0] || facts.Facts[1] != wantFacts[1] {
		t.Errorf("facts = %q, want %q", facts.Facts, wantFacts)
	}
	// Embeddings cover only the explicit facts; the fact synthesized
	// from the triple arrives after vectors were computed.
	if len(facts.Embeddings) != 1 {
		t.Errorf("got %d embeddings, want 1", len(facts.Embeddings))
	}

	graph, ok := actx.writes[1].(CreateKnowledgeGraphTask)
	if !ok {
		t.Fatalf("write 1 = %T, want CreateKnowledgeGraphTask", actx.writes[1])
	}
	wantTriples := []Triple{
		{Subject: Node{Name: "User", Type: "person"}, Predicate: "plans", Object: Node{Name: "Trip", Type: "event"}},
		{Subject: Node{Name: "User", Type: "person"}, Predicate: "likes", Object: Node{Name: "Hiking", Type: "activity"}},
	}
	if len(graph.Triples) != 2 || graph.Triples[0] != wantTriples[0] || graph.Triples[1] != wantTriples[1] {
		t.Errorf("triples = %+v, want %+v", graph.Triples, wantTriples)
	}

	attrs, ok := actx.writes[2].(CreateProcessAttributesTask)
	if !ok {
		t.Fatalf("write 2 = %T, want CreateProcessAttributesTask", actx.writes[2])
	}
	if len(attrs.Attributes) != 1 || attrs.Attributes[0] != "travel assistant" {
		t.Errorf("attributes = %q, want the derived attribute", attrs.Attributes)
	}

	summary, ok := actx.writes[3].(UpdateConversationSummaryTask)
	if !ok {
		t.Fatalf("write 3 = %T, want UpdateConversationSummaryTask", actx.writes[3])
	}
	if summary.ConversationID != 7 || summary.Summary != "User plans a hike." {
		t.Errorf("summary task = %+v, want conversation 7 with the derived summary", summary)
	}
}

func TestAdvanced_SynthesizesFactsFromTriples(t *testing.T) {
	handler, _ := serveJSON(`{"entity": {"triples": [{"subject":{"name":"User","type":"Person"},"predicate":"likes","object":{"name":"Hiking","type":"Activity"}}]}}`)
	aug := newAdvanced(t, handler, &stubEmbedder{def: []float32{1, 0}})
	d := newMemDriver()
	actx := &AugmentationContext{Input: derivationInput()}

	if err := aug.Process(context.Background(), actx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actx.writes) != 2 {
		t.Fatalf("got %d writes, want 2: %+v", len(actx.writes), actx.writes)
	}
	facts, ok := actx.writes[0].(CreateEntityFactsTask)
	if !ok {
		t.Fatalf("write 0 = %T, want CreateEntityFactsTask", actx.writes[0])
	}
	if len(facts.Facts) != 1 || facts.Facts[0] != "User likes Hiking" {
		t.Errorf("facts = %q, want the synthesized fact", facts.Facts)
	}
	if len(facts.Embeddings) != 1 {
		t.Errorf("got %d embeddings, want 1", len(facts.Embeddings))
	}
	if n := d.callCount("process.create"); n != 0 {
		t.Errorf("got %d process creates without a process id, want 0", n)
	}
}

func TestAdvanced_SemanticTriplesAlsoSynthesized(t *testing.T) {
	handler, _ := serveJSON(`{"entity": {"semantic_triples": [{"subject":{"name":"User","type":"Person"},"predicate":"plans","object":{"name":"Trip","type":"Event"}}]}}`)
	aug := newAdvanced(t, handler, &stubEmbedder{def: []float32{1, 0}})
	actx := &AugmentationContext{Input: derivationInput()}

	if err := aug.Process(context.Background(), actx, newMemDriver()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actx.writes) != 2 {
		t.Fatalf("got %d writes, want 2: %+v", len(actx.writes), actx.writes)
	}
	facts, ok := actx.writes[0].(CreateEntityFactsTask)
	if !ok {
		t.Fatalf("write 0 = %T, want CreateEntityFactsTask", actx.writes[0])
	}
	if len(facts.Facts) != 1 || facts.Facts[0] != "User plans Trip" {
		t.Errorf("facts = %q, want the synthesized fact", facts.Facts)
	}
	if len(facts.Embeddings) != 1 {
		t.Errorf("got %d embeddings, want 1", len(facts.Embeddings))
	}
}

func TestAdvanced_EmptyResponseNoWrites(t *testing.T) {
	handler, hits := serveJSON("")
	aug := newAdvanced(t, handler, &stubEmbedder{def: []float32{1, 0}})
	d := newMemDriver()
	actx := &AugmentationContext{Input: derivationInput()}

	if err := aug.Process(context.Background(), actx, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("got %d service calls, want 1", n)
	}
	if len(actx.writes) != 0 {
		t.Errorf("got %d writes, want 0", len(actx.writes))
	}
	if n := d.callCount("entity.create"); n != 0 {
		t.Errorf("got %d entity creates for an empty response, want 0", n)
	}
}

func TestAdvanced_QuotaPropagates(t *testing.T) {
	aug := newAdvanced(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message": "come back tomorrow"}`))
	}, &stubEmbedder{def: []float32{1, 0}})
	actx := &AugmentationContext{Input: derivationInput()}

	err := aug.Process(context.Background(), actx, newMemDriver())
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("got %v, want QuotaExceededError", err)
	}
	if len(actx.writes) != 0 {
		t.Errorf("got %d writes over quota, want 0", len(actx.writes))
	}
}

func TestAdvanced_ServiceErrorTolerated(t *testing.T) {
	var hits atomic.Int32
	aug := newAdvanced(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}, &stubEmbedder{def: []float32{1, 0}})
	actx := &AugmentationContext{Input: derivationInput()}

	if err := aug.Process(context.Background(), actx, newMemDriver()); err != nil {
		t.Fatalf("got %v, want derivation failures swallowed", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("got %d service calls, want no retry of a client error", n)
	}
	if len(actx.writes) != 0 {
		t.Errorf("got %d writes, want 0", len(actx.writes))
	}
}

func TestAdvanced_RequestShape(t *testing.T) {
	got := make(chan augmentationRequest, 1)
	aug := newAdvanced(t, func(w http.ResponseWriter, r *http.Request) {
		var req augmentationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			got <- req
		}
		w.WriteHeader(http.StatusOK)
	}, &stubEmbedder{def: []float32{1, 0}})
	d := newMemDriver()
	ctx := context.Background()
	convID := seedConversation(t, d)
	if err := d.UpdateConversation(ctx, convID, "Earlier: maps."); err != nil {
		t.Fatalf("seed summary: %v", err)
	}
	if err := d.Commit(ctx); err != nil {
		t.Fatalf("seed commit: %v", err)
	}
	input := AugmentationInput{
		ConversationID: convID,
		EntityID:       "user-1",
		Messages:       []Message{UserMessage("Hi"), AssistantMessage("Hello")},
		Client:         openaiClient(),
	}

	if err := aug.Process(ctx, &AugmentationContext{Input: input}, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req augmentationRequest
	select {
	case req = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("service never received the request")
	}
	if len(req.Conversation.Messages) != 2 || req.Conversation.Messages[0].Content != "Hi" {
		t.Errorf("messages = %+v, want the exchange transcript", req.Conversation.Messages)
	}
	if req.Conversation.Summary == nil || *req.Conversation.Summary != "Earlier: maps." {
		t.Errorf("summary = %v, want the stored summary", req.Conversation.Summary)
	}
	if req.Meta.LLM.Model.Provider != "openai" || req.Meta.LLM.Model.Version != "gpt-4o" {
		t.Errorf("model = %+v, want the client identity", req.Meta.LLM.Model)
	}
	if req.Meta.SDK.Lang != "go" || req.Meta.SDK.Version != Version {
		t.Errorf("sdk = %+v, want go/%s", req.Meta.SDK, Version)
	}
	if req.Meta.Storage.Dialect != DialectSQLite || req.Meta.Storage.Cockroach {
		t.Errorf("storage = %+v, want plain sqlite", req.Meta.Storage)
	}
}

func TestAdvanced_MarksCockroachStorage(t *testing.T) {
	got := make(chan augmentationRequest, 1)
	aug := newAdvanced(t, func(w http.ResponseWriter, r *http.Request) {
		var req augmentationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			got <- req
		}
		w.WriteHeader(http.StatusOK)
	}, &stubEmbedder{def: []float32{1, 0}})
	d := newMemDriver()
	d.dialect = DialectCockroach

	if err := aug.Process(context.Background(), &AugmentationContext{Input: derivationInput()}, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var req augmentationRequest
	select {
	case req = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("service never received the request")
	}
	if req.Meta.Storage.Dialect != DialectCockroach || !req.Meta.Storage.Cockroach {
		t.Errorf("storage = %+v, want cockroachdb flagged", req.Meta.Storage)
	}
}

func TestParseTriple(t *testing.T) {
	valid := wireTriple{
		Subject:   &wireNode{Name: "User", Type: "Person"},
		Predicate: "likes",
		Object:    &wireNode{Name: "Hiking", Type: "Activity"},
	}
	tests := []struct {
		name  string
		wire  wireTriple
		want  Triple
		valid bool
	}{
		{
			name:  "valid with lowercased types",
			wire:  valid,
			want:  Triple{Subject: Node{Name: "User", Type: "person"}, Predicate: "likes", Object: Node{Name: "Hiking", Type: "activity"}},
			valid: true,
		},
		{name: "missing subject", wire: wireTriple{Predicate: "likes", Object: valid.Object}},
		{name: "missing object", wire: wireTriple{Subject: valid.Subject, Predicate: "likes"}},
		{name: "empty predicate", wire: wireTriple{Subject: valid.Subject, Object: valid.Object}},
		{name: "unnamed subject", wire: wireTriple{Subject: &wireNode{Type: "Person"}, Predicate: "likes", Object: valid.Object}},
		{name: "untyped object", wire: wireTriple{Subject: valid.Subject, Predicate: "likes", Object: &wireNode{Name: "Hiking"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseTriple(tt.wire)
			if ok != tt.valid {
				t.Fatalf("ok = %v, want %v", ok, tt.valid)
			}
			if ok && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTripleFact(t *testing.T) {
	fact := tripleFact(Triple{
		Subject:   Node{Name: "User", Type: "person"},
		Predicate: "likes",
		Object:    Node{Name: "Hiking", Type: "activity"},
	})
	if fact != "User likes Hiking" {
		t.Errorf("got %q, want %q", fact, "User likes Hiking")
	}
}
