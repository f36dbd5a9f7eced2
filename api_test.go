package memori

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func testAPIConfig(url string) Config {
	return Config{
		APIBaseURL:           url,
		RequestNumBackoff:    2,
		RequestBackoffFactor: 0.001, // keeps retry sleeps around a millisecond
	}
}

func sampleAugmentationRequest() *augmentationRequest {
	return &augmentationRequest{
		Conversation: augmentationConversation{
			Messages: []Message{UserMessage("I love hiking"), AssistantMessage("Noted!")},
		},
		Meta: augmentationMeta{
			SDK:     augmentationSDK{Lang: "go", Version: Version},
			Storage: augmentationStorage{Dialect: DialectSQLite},
		},
	}
}

func TestAugment_Success(t *testing.T) {
	var gotPath, gotIngress, gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotIngress = r.Header.Get("X-Memori-API-Key")
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		w.Write([]byte(`{"entity":{"facts":["Enjoys hiking"]}}`))
	}))
	defer srv.Close()

	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	resp, err := c.Augment(context.Background(), sampleAugmentationRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/sdk/augmentation" {
		t.Errorf("got path %q", gotPath)
	}
	if gotContentType != "application/json" {
		t.Errorf("got content type %q", gotContentType)
	}
	// A non-default base URL routes through the staging ingress.
	if gotIngress != stagingIngressKey {
		t.Errorf("got ingress key %q, want staging", gotIngress)
	}
	if gotAuth != "" {
		t.Errorf("anonymous caller sent Authorization %q", gotAuth)
	}
	if resp == nil || resp.Entity == nil || len(resp.Entity.Facts) != 1 {
		t.Fatalf("got %+v, want one derived fact", resp)
	}
	if resp.Entity.Facts[0] != "Enjoys hiking" {
		t.Errorf("got fact %q", resp.Entity.Facts[0])
	}
}

func TestAugment_SendsBearerWhenConfigured(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.APIKey = "secret-key"
	c := newAPIClient(cfg, nopLogger)
	if _, err := c.Augment(context.Background(), sampleAugmentationRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret-key" {
		t.Errorf("got Authorization %q", gotAuth)
	}
}

func TestAugment_EmptyBodyMeansNothingToContribute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	resp, err := c.Augment(context.Background(), sampleAugmentationRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != nil {
		t.Errorf("got %+v, want nil response", resp)
	}
}

func TestAugment_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"entity":{"facts":["recovered"]}}`))
	}))
	defer srv.Close()

	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	resp, err := c.Augment(context.Background(), sampleAugmentationRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("got %d requests, want 2", hits.Load())
	}
	if resp == nil || resp.Entity == nil {
		t.Fatal("expected decoded response after retry")
	}
}

func TestAugment_ExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	_, err := c.Augment(context.Background(), sampleAugmentationRequest())
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != http.StatusServiceUnavailable {
		t.Fatalf("got %v, want 503 HTTPError", err)
	}
	// numBackoff sleeps allow numBackoff+1 attempts.
	if hits.Load() != 3 {
		t.Errorf("got %d requests, want 3", hits.Load())
	}
}

func TestAugment_ClientErrorDoesNotRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	_, err := c.Augment(context.Background(), sampleAugmentationRequest())
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.Status != http.StatusBadRequest {
		t.Fatalf("got %v, want 400 HTTPError", err)
	}
	if hits.Load() != 1 {
		t.Errorf("got %d requests, want 1 (no retry on 4xx)", hits.Load())
	}
}

func TestAugment_AnonymousQuota(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"message": "come back tomorrow"})
	}))
	defer srv.Close()

	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	_, err := c.Augment(context.Background(), sampleAugmentationRequest())
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("got %v, want QuotaExceededError", err)
	}
	if quota.Error() != "come back tomorrow" {
		t.Errorf("got %q, want the service message", quota.Error())
	}
}

func TestAugment_AnonymousQuotaDefaultMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	_, err := c.Augment(context.Background(), sampleAugmentationRequest())
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("got %v, want QuotaExceededError", err)
	}
	if quota.Error() != defaultQuotaMessage {
		t.Errorf("got %q, want default message", quota.Error())
	}
}

func TestAugment_AuthenticatedQuotaSkipsQuietly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	cfg := testAPIConfig(srv.URL)
	cfg.APIKey = "paid-key"
	c := newAPIClient(cfg, nopLogger)
	resp, err := c.Augment(context.Background(), sampleAugmentationRequest())
	if err != nil {
		t.Fatalf("got %v, want nil for authenticated 429", err)
	}
	if resp != nil {
		t.Errorf("got %+v, want nil response", resp)
	}
}

func TestAugment_RequestBodyShape(t *testing.T) {
	var got augmentationRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
	}))
	defer srv.Close()

	req := sampleAugmentationRequest()
	summary := "prior summary"
	req.Conversation.Summary = &summary
	c := newAPIClient(testAPIConfig(srv.URL), nopLogger)
	if _, err := c.Augment(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Conversation.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(got.Conversation.Messages))
	}
	if got.Conversation.Summary == nil || *got.Conversation.Summary != "prior summary" {
		t.Error("summary did not survive the wire")
	}
	if got.Meta.SDK.Lang != "go" || got.Meta.SDK.Version != Version {
		t.Errorf("got sdk %+v", got.Meta.SDK)
	}
	if got.Meta.Storage.Dialect != DialectSQLite {
		t.Errorf("got dialect %q", got.Meta.Storage.Dialect)
	}
}

func TestAugmentationResponse_TriplesUnderEitherKey(t *testing.T) {
	var resp augmentationResponse
	body := `{"entity":{
		"triples":[{"subject":{"name":"Ada","type":"Person"},"predicate":"likes","object":{"name":"Go","type":"Language"}}],
		"semantic_triples":[{"subject":{"name":"Ada","type":"Person"},"predicate":"uses","object":{"name":"Vim","type":"Tool"}}]
	}}`
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Entity.Triples) != 1 || len(resp.Entity.SemanticTriples) != 1 {
		t.Errorf("got %d/%d triples, want 1/1", len(resp.Entity.Triples), len(resp.Entity.SemanticTriples))
	}
}

func TestAugmentationResponse_Empty(t *testing.T) {
	var nilResp *augmentationResponse
	if !nilResp.empty() {
		t.Error("nil response should be empty")
	}
	if !(&augmentationResponse{}).empty() {
		t.Error("zero response should be empty")
	}
	full := &augmentationResponse{Conversation: &struct {
		Summary string `json:"summary"`
	}{Summary: "s"}}
	if full.empty() {
		t.Error("response with a conversation block is not empty")
	}
}
