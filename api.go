package memori

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

const augmentationRoute = "sdk/augmentation"

// augmentationRequest is the derivation request sent to the service.
// The wire shape is fixed; field order follows the service contract.
type augmentationRequest struct {
	Conversation augmentationConversation `json:"conversation"`
	Meta         augmentationMeta         `json:"meta"`
}

type augmentationConversation struct {
	Messages []Message `json:"messages"`
	Summary  *string   `json:"summary"`
}

type augmentationMeta struct {
	LLM     augmentationLLM     `json:"llm"`
	SDK     augmentationSDK     `json:"sdk"`
	Storage augmentationStorage `json:"storage"`
}

type augmentationLLM struct {
	Model augmentationModel `json:"model"`
}

type augmentationModel struct {
	Provider string `json:"provider"`
	Version  string `json:"version"`
}

type augmentationSDK struct {
	Lang    string `json:"lang"`
	Version string `json:"version"`
}

type augmentationStorage struct {
	Cockroach bool    `json:"cockroachdb"`
	Dialect   Dialect `json:"dialect"`
}

// augmentationResponse is the service's derivation result. Triples
// arrive under either key depending on service version; both are
// honored.
type augmentationResponse struct {
	Conversation *struct {
		Summary string `json:"summary"`
	} `json:"conversation"`
	Entity *struct {
		Facts           []string       `json:"facts"`
		Triples         []wireTriple   `json:"triples"`
		SemanticTriples []wireTriple   `json:"semantic_triples"`
	} `json:"entity"`
	Process *struct {
		Attributes []string `json:"attributes"`
	} `json:"process"`
}

func (r *augmentationResponse) empty() bool {
	return r == nil || (r.Conversation == nil && r.Entity == nil && r.Process == nil)
}

type wireTriple struct {
	Subject   *wireNode `json:"subject"`
	Predicate string    `json:"predicate"`
	Object    *wireNode `json:"object"`
}

type wireNode struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// apiClient talks to the remote augmentation service. Requests that
// fail with a transport error or a 5xx are retried with exponential
// backoff; everything else returns on the first attempt.
type apiClient struct {
	baseURL    string
	apiKey     string
	ingressKey string
	anonymous  bool
	numBackoff int
	factor     float64
	http       *http.Client
	logger     *slog.Logger
}

func newAPIClient(cfg Config, logger *slog.Logger) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		apiKey:     cfg.APIKey,
		ingressKey: cfg.ingressKey(),
		anonymous:  cfg.anonymous(),
		numBackoff: cfg.RequestNumBackoff,
		factor:     cfg.RequestBackoffFactor,
		http:       &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Augment submits one derivation request. A nil response with nil error
// means the service had nothing to contribute (or an authenticated
// caller is over quota, which skips derivation without failing the
// exchange). Anonymous callers over quota get a [QuotaExceededError].
func (c *apiClient) Augment(ctx context.Context, req *augmentationRequest) (*augmentationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("api: encode augmentation request: %w", err)
	}
	for attempt := 0; ; attempt++ {
		resp, retryable, err := c.post(ctx, augmentationRoute, body)
		if err == nil || !retryable || attempt >= c.numBackoff {
			return resp, err
		}
		delay := time.Duration(c.factor * math.Pow(2, float64(attempt)) * float64(time.Second))
		c.logger.Debug("api: retrying augmentation", "attempt", attempt+1, "backoff", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *apiClient) post(ctx context.Context, route string, body []byte) (resp *augmentationResponse, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+route, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Memori-API-Key", c.ingressKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("api: post %s: %w", route, err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, true, fmt.Errorf("api: read response: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		if c.anonymous {
			return nil, false, &QuotaExceededError{Message: quotaMessage(data)}
		}
		return nil, false, nil
	case res.StatusCode >= 500:
		return nil, true, &HTTPError{Status: res.StatusCode, Body: string(data)}
	case res.StatusCode >= 400:
		return nil, false, &HTTPError{Status: res.StatusCode, Body: string(data)}
	}

	if len(data) == 0 {
		return nil, false, nil
	}
	var out augmentationResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false, fmt.Errorf("api: decode response: %w", err)
	}
	return &out, false, nil
}

// quotaMessage extracts the service's quota message from a 429 body;
// empty falls through to the default signup text.
func quotaMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Message
}
