package memori

import (
	"os"
	"sync"
	"time"
)

// Version is the SDK version reported in payload metadata.
const Version = "0.3.0"

const (
	defaultAPIBaseURL = "https://api.memorilabs.ai"

	// Ingress keys for the augmentation service. The anonymous key is
	// rate-limited per IP; overriding the base URL via MEMORI_API_URL_BASE
	// switches to the staging ingress key.
	anonymousIngressKey = "96a7ea3e-11c2-428c-b9ae-5a168363dc80"
	stagingIngressKey   = "c18b1022-7fe2-42af-ab01-b1f9139184f0"
)

// Config carries the tunables for a [Memori] instance. Zero values are
// filled from [DefaultConfig]; fields may be overridden with
// [WithConfig] before Open returns.
type Config struct {
	// APIKey authenticates augmentation requests. Empty means anonymous
	// access, subject to per-IP quota.
	APIKey string

	// APIBaseURL is the augmentation service root.
	APIBaseURL string

	// CollectorBaseURL is the payload collector root, used only when
	// Enterprise is set.
	CollectorBaseURL string

	// EntityID and ProcessID are the external attribution identifiers,
	// set via [Memori.Attribution]. At most 100 characters each.
	EntityID  string
	ProcessID string

	// RecallEmbeddingsLimit caps how many stored embeddings one recall
	// search loads for scoring.
	RecallEmbeddingsLimit int

	// RecallFactsLimit is the default number of facts a recall returns.
	RecallFactsLimit int

	// RecallRelevanceThreshold is the minimum cosine similarity for a
	// recalled fact to be injected into an outbound request.
	RecallRelevanceThreshold float32

	// RequestBackoffFactor scales the exponential delay between
	// augmentation request retries, in seconds.
	RequestBackoffFactor float64

	// RequestNumBackoff is the number of retry sleeps after a failed
	// augmentation request.
	RequestNumBackoff int

	// RequestTimeout bounds collector deliveries.
	RequestTimeout time.Duration

	// SessionTimeoutMinutes is the inactivity window after which a new
	// exchange rolls over to a fresh conversation.
	SessionTimeoutMinutes int

	// AugmentationWorkers caps how many derivation tasks run at once.
	AugmentationWorkers int

	// Enterprise enables payload delivery to the collector.
	Enterprise bool

	// TestMode suppresses all network egress; collector payloads are
	// logged instead of sent.
	TestMode bool
}

// DefaultConfig returns the standard configuration, with overrides read
// from the MEMORI_API_KEY, MEMORI_API_URL_BASE, MEMORI_COLLECTOR_URL_BASE,
// MEMORI_ENTERPRISE and MEMORI_TEST_MODE environment variables.
func DefaultConfig() Config {
	cfg := Config{
		APIKey:                   os.Getenv("MEMORI_API_KEY"),
		APIBaseURL:               defaultAPIBaseURL,
		CollectorBaseURL:         defaultAPIBaseURL,
		RecallEmbeddingsLimit:    1000,
		RecallFactsLimit:         5,
		RecallRelevanceThreshold: 0.1,
		RequestBackoffFactor:     1,
		RequestNumBackoff:        5,
		RequestTimeout:           5 * time.Second,
		SessionTimeoutMinutes:    30,
		AugmentationWorkers:      50,
		Enterprise:               os.Getenv("MEMORI_ENTERPRISE") == "1",
	}
	if base := os.Getenv("MEMORI_API_URL_BASE"); base != "" {
		cfg.APIBaseURL = base
	}
	if base := os.Getenv("MEMORI_COLLECTOR_URL_BASE"); base != "" {
		cfg.CollectorBaseURL = base
	}
	if _, ok := os.LookupEnv("MEMORI_TEST_MODE"); ok {
		cfg.TestMode = true
	}
	return cfg
}

// anonymous reports whether augmentation requests carry no caller key.
func (c Config) anonymous() bool { return c.APIKey == "" }

// ingressKey returns the service ingress key matching the configured
// base URL.
func (c Config) ingressKey() string {
	if c.APIBaseURL != defaultAPIBaseURL {
		return stagingIngressKey
	}
	return anonymousIngressKey
}

func (c Config) sessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// --- Identity cache ---

// cache holds the surrogate ids resolved during the current session.
// Zero means unresolved. A fresh session replaces the whole cache;
// conversation rollover clears only the conversation id.
type cache struct {
	mu             sync.Mutex
	entityID       int64
	processID      int64
	sessionID      int64
	conversationID int64
	lastActivity   time.Time
}

func (c *cache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entityID = 0
	c.processID = 0
	c.sessionID = 0
	c.conversationID = 0
	c.lastActivity = time.Time{}
}

func (c *cache) snapshot() (entityID, processID, sessionID, conversationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityID, c.processID, c.sessionID, c.conversationID
}

func (c *cache) conversation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

func (c *cache) store(entityID, processID, sessionID, conversationID int64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entityID = entityID
	c.processID = processID
	c.sessionID = sessionID
	c.conversationID = conversationID
	c.lastActivity = now
}

func (c *cache) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
}

// expireIfStale clears the cached conversation when the inactivity
// window has elapsed, so the next exchange starts a fresh conversation
// instead of injecting stale history.
func (c *cache) expireIfStale(now time.Time, timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conversationID == 0 || c.lastActivity.IsZero() {
		return false
	}
	if now.Sub(c.lastActivity) <= timeout {
		return false
	}
	c.conversationID = 0
	return true
}
