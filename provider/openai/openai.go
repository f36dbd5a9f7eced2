// Package openai provides a chat completions client with conversational
// memory built in. Installing a handle makes every call run the memory
// pipeline: recalled facts and prior conversation turns are injected
// into the outbound request, and the completed exchange is persisted
// and queued for fact derivation.
//
// The client speaks the OpenAI chat completions API and works against
// any compatible service (OpenAI, Groq, Together, Mistral, Ollama,
// vLLM, LM Studio) via WithBaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	memori "github.com/memorilabs/memori-go"
)

// DefaultBaseURL is the OpenAI API base. Override with WithBaseURL for
// compatible services; the /chat/completions path is appended
// automatically.
const DefaultBaseURL = "https://api.openai.com/v1"

// method keys the payload adapter that parses this client's exchanges.
const method = "chat.completions.create"

// Client is a chat completions client. The zero value is not usable;
// construct with New. A Client is safe for concurrent use after Install.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	title   string
	http    *http.Client

	temperature *float64
	topP        *float64
	maxTokens   int

	ic        *memori.Interceptor
	installed bool
}

// Option configures a Client at New time.
type Option func(*Client)

// WithBaseURL points the client at an OpenAI-compatible service, e.g.
// "http://localhost:11434/v1" for Ollama.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client (timeouts, proxies).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTitle labels stored exchanges with a deployment name ("groq",
// "ollama"). The wire identity stays "openai", so payload parsing is
// unaffected.
func WithTitle(title string) Option {
	return func(c *Client) { c.title = title }
}

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = &t }
}

// WithTopP sets nucleus sampling sent with every request.
func WithTopP(p float64) Option {
	return func(c *Client) { c.topP = &p }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// New creates a client for the given model. apiKey may be empty for
// local services that skip authentication.
func New(apiKey, model string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		title:   "openai",
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider key.
func (c *Client) Name() string { return "openai" }

// Install attaches a memory handle. The first install wins; later calls
// and nil handles are no-ops, so repeated registration cannot stack the
// pipeline.
func (c *Client) Install(m *memori.Memori) {
	if c.installed || m == nil {
		return
	}
	c.ic = m.Interceptor()
	c.installed = true
}

// --- Wire types ---

// chatRequest is the outbound chat completions body.
type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []memori.Message `json:"messages"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
	Temperature   *float64         `json:"temperature,omitempty"`
	TopP          *float64         `json:"top_p,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatResponse is the chat completions response. Plain calls fill
// Choices with Message entries; accumulated streams carry one Delta
// entry per received chunk, the way the wire delivered them.
type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Model   string   `json:"model,omitempty"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion choice.
type Choice struct {
	Index        int            `json:"index"`
	Message      *ChoiceMessage `json:"message,omitempty"`
	Delta        *ChoiceMessage `json:"delta,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// ChoiceMessage carries choice content, for both message and delta forms.
type ChoiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// Usage is the token accounting block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Text returns the assistant's reply: the first choice's message
// content, or for an accumulated stream the concatenation of every
// delta fragment.
func (r *ChatResponse) Text() string {
	var fragments strings.Builder
	for _, choice := range r.Choices {
		if choice.Message != nil {
			return choice.Message.Content
		}
		if choice.Delta != nil {
			fragments.WriteString(choice.Delta.Content)
		}
	}
	return fragments.String()
}

// --- Calls ---

// Create sends a non-streaming chat completion and returns the full
// response. With a handle installed the memory pipeline runs around the
// request; a persistence failure surfaces as an error even though the
// completion itself succeeded.
func (c *Client) Create(ctx context.Context, messages []memori.Message) (*ChatResponse, error) {
	start := time.Now()
	prep := c.prepare(ctx, messages)

	raw, err := json.Marshal(c.buildBody(prep.Messages, false))
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	resp, err := c.sendHTTP(ctx, raw)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.httpErr(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: read response: %w", err)
	}

	var out ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	if err := c.record(ctx, prep, raw, data, out.Text(), start); err != nil {
		return nil, err
	}
	return &out, nil
}

// Chat sends the messages and returns the assistant's reply text.
func (c *Client) Chat(ctx context.Context, messages []memori.Message) (string, error) {
	resp, err := c.Create(ctx, messages)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// prepare runs the pre-call pipeline when a handle is installed;
// otherwise the caller's messages pass through untouched.
func (c *Client) prepare(ctx context.Context, messages []memori.Message) memori.Prepared {
	if c.ic == nil {
		return memori.Prepared{Messages: messages}
	}
	return c.ic.Before(ctx, memori.FamilyMessages, messages, "")
}

// record hands the completed exchange to the post-call pipeline.
// rawQuery and rawResponse are the wire bodies exactly as sent and
// received.
func (c *Client) record(ctx context.Context, prep memori.Prepared, rawQuery, rawResponse json.RawMessage, assistantText string, start time.Time) error {
	if c.ic == nil {
		return nil
	}
	info := memori.ClientInfo{Provider: "openai", Title: c.title, Version: c.model}
	return c.ic.After(ctx, info, method, prep, rawQuery, rawResponse, assistantText, start, time.Now())
}

func (c *Client) buildBody(messages []memori.Message, stream bool) chatRequest {
	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		TopP:        c.topP,
		MaxTokens:   c.maxTokens,
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return body
}

// sendHTTP posts the marshaled body to the chat completions endpoint.
func (c *Client) sendHTTP(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}
	return resp, nil
}

// httpErr drains a failed response into a typed error.
func (c *Client) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &memori.HTTPError{Status: resp.StatusCode, Body: string(body)}
}

var _ memori.Provider = (*Client)(nil)
