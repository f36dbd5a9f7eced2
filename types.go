package memori

import "encoding/json"

// --- Canonical exchange types ---

// Message is one conversation turn in canonical form: the shape every
// provider payload is reduced to before persistence or augmentation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Content string `json:"content"`
}

// ResponseItem is one part of a formatted provider response. Type carries
// the provider's part kind ("text" for plain completions).
type ResponseItem struct {
	Role string `json:"role"`
	Text string `json:"text"`
	Type string `json:"type"`
}

// ClientInfo identifies the provider client that produced an exchange.
type ClientInfo struct {
	Provider string `json:"provider"` // adapter registry key, e.g. "openai"
	Title    string `json:"title"`    // client library name
	Version  string `json:"version"`  // model identifier, e.g. "gpt-4o"
}

// --- Canonical payload (one intercepted exchange) ---

// Payload is the canonical record of one exchange, synthesized by the
// interceptor after the provider call completes. The writer persists it,
// the collector ships it, and augmentation input is derived from it.
type Payload struct {
	Attribution  PayloadAttribution  `json:"attribution"`
	Conversation PayloadConversation `json:"conversation"`
	Meta         PayloadMeta         `json:"meta"`
	Session      PayloadSession      `json:"session"`
	Time         PayloadTime         `json:"time"`

	// Method is the provider method that produced the exchange
	// (e.g. "chat.completions.create"). Registry key, never on the wire.
	Method string `json:"-"`
}

type PayloadAttribution struct {
	Entity  PayloadPrincipal `json:"entity"`
	Process PayloadPrincipal `json:"process"`
}

type PayloadPrincipal struct {
	ID string `json:"id"`
}

// PayloadConversation holds the provider-shaped request and response as
// raw JSON; the adapter registry interprets them. InjectedCount is the
// number of leading messages the interceptor prepended to the outbound
// query; adapters drop that prefix so injected turns are never
// re-persisted.
type PayloadConversation struct {
	Client        ClientInfo      `json:"client"`
	Query         json.RawMessage `json:"query"`
	Response      json.RawMessage `json:"response"`
	InjectedCount int             `json:"_memori_injected_count,omitempty"`
}

type PayloadMeta struct {
	API  PayloadAPI  `json:"api"`
	Fnfg PayloadFnfg `json:"fnfg"`
	SDK  PayloadSDK  `json:"sdk"`
}

type PayloadAPI struct {
	Key string `json:"key"`
}

// PayloadFnfg tracks the fire-and-forget delivery state of the payload.
// The collector rewrites it when the first delivery attempt fails.
type PayloadFnfg struct {
	Exc    *string `json:"exc"`
	Status string  `json:"status"` // "succeeded" or "recovered"
}

type PayloadSDK struct {
	Client  string `json:"client"`
	Version string `json:"version"`
}

type PayloadSession struct {
	UUID string `json:"uuid"`
}

// PayloadTime records wall-clock bounds of the provider call in Unix
// seconds with fractional precision.
type PayloadTime struct {
	End   float64 `json:"end"`
	Start float64 `json:"start"`
}

// --- Knowledge graph types ---

// Node is one endpoint of a semantic triple. Type is stored lowercased.
type Node struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Triple is one subject-predicate-object statement about an entity,
// derived by augmentation and persisted to the knowledge graph.
type Triple struct {
	Subject   Node   `json:"subject"`
	Predicate string `json:"predicate"`
	Object    Node   `json:"object"`
}

// --- Storage row types ---

// Conversation is one dialog unit, rollover-gated by the session timeout.
type Conversation struct {
	ID          int64
	UUID        string
	SessionID   int64
	Summary     string
	DateCreated int64 // Unix seconds
}

// ConversationMessage is one persisted utterance.
type ConversationMessage struct {
	Role    string
	Content string
}

// FactEmbedding pairs a stored fact id with its raw embedding as read
// from the store: packed little-endian bytes, a legacy JSON string, or a
// native float array depending on the row's vintage and dialect.
type FactEmbedding struct {
	ID        int64
	Embedding any
}

// FactRow pairs a stored fact id with its content.
type FactRow struct {
	ID      int64
	Content string
}

// RecalledFact is one stored fact returned by the recall engine, with
// its cosine similarity to the query.
type RecalledFact struct {
	ID         int64   `json:"id"`
	Content    string  `json:"content"`
	Similarity float32 `json:"similarity"`
}

// --- Augmentation input ---

// AugmentationInput is the unit of work handed to the augmentation pool:
// one completed exchange reduced to what derivation needs. EntityID and
// ProcessID are the application-supplied external ids; each task resolves
// them to surrogate ids on its own connection.
type AugmentationInput struct {
	ConversationID int64
	EntityID       string
	ProcessID      string
	Messages       []Message // as sent, with any recall block stripped
	SystemPrompt   string    // caller system prompt, recall block stripped
	Client         ClientInfo
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: "user", Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: "system", Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}
