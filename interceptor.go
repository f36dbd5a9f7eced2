package memori

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

const (
	memoriContextOpen  = "<memori_context>"
	memoriContextClose = "</memori_context>"
)

// Family says where a provider carries the system prompt: inside the
// messages array (OpenAI-compatible APIs) or in a dedicated top-level
// field (Anthropic-shaped APIs). It decides how recall context and
// conversation history are injected.
type Family int

const (
	FamilyMessages Family = iota
	FamilySystem
)

// Prepared is the outbound request state after injection: the message
// list and system prompt to send, and how many leading messages the
// pipeline prepended. Provider clients send exactly this and hand it
// back to [Interceptor.After] unchanged.
type Prepared struct {
	Messages      []Message
	System        string
	InjectedCount int

	family Family
}

// Interceptor runs the memory pipeline around provider calls. Provider
// clients obtain one through [Memori.Interceptor] when installed.
type Interceptor struct {
	m *Memori
}

// Interceptor returns the hook surface provider clients run their calls
// through.
func (m *Memori) Interceptor() *Interceptor { return &Interceptor{m: m} }

// Before prepares an outbound request: it drops expired conversation
// state, injects recalled facts relevant to the latest user turn, and
// prepends prior conversation history. Memory failures degrade to
// sending the caller's request untouched; Before never blocks a call.
func (ic *Interceptor) Before(ctx context.Context, family Family, messages []Message, system string) Prepared {
	m := ic.m
	if m.cache.expireIfStale(m.now(), m.cfg.sessionTimeout()) {
		m.logger.Debug("interceptor: conversation expired, starting fresh")
	}
	prep := Prepared{
		Messages: append([]Message(nil), messages...),
		System:   system,
		family:   family,
	}
	ic.injectRecalledFacts(ctx, &prep)
	ic.injectConversationHistory(ctx, &prep)
	return prep
}

// injectRecalledFacts adds a recall context block for the latest user
// turn. FamilySystem appends the block to the system field; otherwise it
// extends the leading system message or inserts one.
func (ic *Interceptor) injectRecalledFacts(ctx context.Context, prep *Prepared) {
	m := ic.m
	entityExternal, _ := m.attribution()
	if entityExternal == "" {
		return
	}
	query := lastUserMessage(prep.Messages)
	if query == "" {
		return
	}
	recalled, err := m.Recall(ctx, query, m.cfg.RecallFactsLimit)
	if err != nil {
		m.logger.Warn("interceptor: recall failed, skipping context injection", "error", err)
		return
	}
	facts := make([]string, 0, len(recalled))
	for _, fact := range recalled {
		if fact.Similarity >= m.cfg.RecallRelevanceThreshold {
			facts = append(facts, fact.Content)
		}
	}
	if len(facts) == 0 {
		return
	}
	block := buildRecallBlock(facts)
	if prep.family == FamilySystem {
		prep.System += block
		return
	}
	if len(prep.Messages) > 0 && prep.Messages[0].Role == "system" {
		prep.Messages[0].Content += block
		return
	}
	lead := SystemMessage(strings.TrimLeft(block, "\n"))
	prep.Messages = append([]Message{lead}, prep.Messages...)
}

// injectConversationHistory prepends the current conversation's stored
// messages. InjectedCount records the unfiltered history length so the
// writer can drop exactly that prefix when persisting.
func (ic *Interceptor) injectConversationHistory(ctx context.Context, prep *Prepared) {
	m := ic.m
	conversationID := m.cache.conversation()
	if conversationID == 0 {
		return
	}
	var history []ConversationMessage
	err := m.store.withConnection(ctx, func(d Driver) error {
		var err error
		history, err = d.ReadConversationMessages(ctx, conversationID)
		return err
	})
	if err != nil {
		m.logger.Warn("interceptor: history read failed, skipping injection", "conversation_id", conversationID, "error", err)
		return
	}
	if len(history) == 0 {
		return
	}
	prep.InjectedCount = len(history)
	injected := make([]Message, 0, len(history)+len(prep.Messages))
	for _, msg := range history {
		if prep.family == FamilySystem && msg.Role == "system" {
			continue
		}
		injected = append(injected, Message{Role: msg.Role, Content: msg.Content})
	}
	prep.Messages = append(injected, prep.Messages...)
}

// After records one completed provider call: it synthesizes the
// canonical payload, persists the exchange, ships it to the collector
// when enterprise delivery is on, and enqueues fact derivation.
// rawQuery and rawResponse are the wire bodies exactly as sent and
// received; assistantText is the provider's extracted reply. The
// returned error is a persistence failure or a stored augmentation
// quota error, both surfaced to the provider call's caller.
func (ic *Interceptor) After(ctx context.Context, client ClientInfo, method string, prep Prepared, rawQuery, rawResponse json.RawMessage, assistantText string, start, end time.Time) error {
	m := ic.m
	entityExternal, processExternal := m.attribution()
	p := &Payload{
		Attribution: PayloadAttribution{
			Entity:  PayloadPrincipal{ID: entityExternal},
			Process: PayloadPrincipal{ID: processExternal},
		},
		Conversation: PayloadConversation{
			Client:        client,
			Query:         rawQuery,
			Response:      rawResponse,
			InjectedCount: prep.InjectedCount,
		},
		Meta: PayloadMeta{
			API:  PayloadAPI{Key: m.cfg.APIKey},
			Fnfg: PayloadFnfg{Status: "succeeded"},
			SDK:  PayloadSDK{Client: "go", Version: Version},
		},
		Session: PayloadSession{UUID: m.sessionID()},
		Time:    PayloadTime{Start: unixSeconds(start), End: unixSeconds(end)},
		Method:  method,
	}

	if err := m.persistExchange(ctx, p); err != nil {
		return err
	}
	m.deliverPayload(p)

	if entityExternal == "" && processExternal == "" {
		return nil
	}
	input := AugmentationInput{
		ConversationID: m.cache.conversation(),
		EntityID:       entityExternal,
		ProcessID:      processExternal,
		Messages:       augmentationMessages(prep.Messages, assistantText),
		SystemPrompt:   extractSystemPrompt(prep),
		Client:         client,
	}
	return m.pool.enqueue(input)
}

// buildRecallBlock renders recalled facts as the context block attached
// to the system prompt.
func buildRecallBlock(facts []string) string {
	var b strings.Builder
	b.WriteString("\n\n")
	b.WriteString(memoriContextOpen)
	b.WriteString("\nOnly use the relevant context if it is relevant to the user's query. Relevant context about the user:\n")
	for i, fact := range facts {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(fact)
	}
	b.WriteByte('\n')
	b.WriteString(memoriContextClose)
	return b.String()
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	return ""
}

// augmentationMessages builds the derivation transcript: the as-sent
// messages with any recall context stripped from system turns, plus the
// assistant reply. A system turn that was pure recall context is dropped.
func augmentationMessages(sent []Message, assistantText string) []Message {
	out := make([]Message, 0, len(sent)+1)
	for _, msg := range sent {
		if msg.Role == "system" {
			if idx := strings.Index(msg.Content, memoriContextOpen); idx >= 0 {
				prefix := msg.Content[:idx]
				if strings.TrimSpace(prefix) == "" {
					continue
				}
				msg.Content = prefix
			}
		}
		out = append(out, msg)
	}
	return append(out, AssistantMessage(assistantText))
}

// extractSystemPrompt recovers the caller-authored system prompt from
// the as-sent request, minus any recall context block.
func extractSystemPrompt(prep Prepared) string {
	if prep.family == FamilySystem {
		return trimmedBeforeMarker(prep.System)
	}
	if len(prep.Messages) > 0 && prep.Messages[0].Role == "system" {
		return trimmedBeforeMarker(prep.Messages[0].Content)
	}
	return ""
}

func trimmedBeforeMarker(content string) string {
	if idx := strings.Index(content, memoriContextOpen); idx >= 0 {
		content = content[:idx]
	}
	return strings.TrimSpace(content)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
