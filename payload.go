package memori

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PayloadAdapter reduces one provider's wire shapes to canonical form.
// FormatQuery returns the caller-authored messages of the outbound query
// with any interceptor-injected prefix removed; FormatResponse flattens
// the provider response into ordered items.
type PayloadAdapter interface {
	FormatQuery(p *Payload) ([]Message, error)
	FormatResponse(p *Payload) ([]ResponseItem, error)
}

// payloadAdapters maps "provider/method" to the adapter that understands
// that call's wire shapes.
var payloadAdapters = map[string]PayloadAdapter{
	"openai/chat.completions.create": openaiChatAdapter{},
	"anthropic/messages.create":      anthropicMessagesAdapter{},
}

func adapterFor(p *Payload) (PayloadAdapter, error) {
	provider := p.Conversation.Client.Provider
	if a, ok := payloadAdapters[provider+"/"+p.Method]; ok {
		return a, nil
	}
	return nil, &ErrPayloadAdapter{Provider: provider, Method: p.Method}
}

// queryMessages decodes the messages array of a provider query and drops
// the injected prefix.
func queryMessages(raw json.RawMessage, injected int) ([]Message, error) {
	var q struct {
		Messages []Message `json:"messages"`
	}
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, fmt.Errorf("decode query: %w", err)
	}
	if injected < 0 {
		injected = 0
	}
	if injected >= len(q.Messages) {
		return nil, nil
	}
	return q.Messages[injected:], nil
}

// --- OpenAI chat completions ---

type openaiChatAdapter struct{}

func (openaiChatAdapter) FormatQuery(p *Payload) ([]Message, error) {
	msgs, err := queryMessages(p.Conversation.Query, p.Conversation.InjectedCount)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return msgs, nil
}

// FormatResponse handles both completion shapes: plain responses carry
// choice.message, stream-accumulated ones may still carry choice.delta.
// Delta fragments concatenate into a single text item whose role comes
// from the first fragment that names one.
func (openaiChatAdapter) FormatResponse(p *Payload) ([]ResponseItem, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Role    string  `json:"role"`
				Content *string `json:"content"`
			} `json:"message"`
			Delta struct {
				Role    string  `json:"role"`
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(p.Conversation.Response, &resp); err != nil {
		return nil, fmt.Errorf("openai: decode response: %w", err)
	}
	var items []ResponseItem
	var fragments strings.Builder
	role := ""
	sawDelta := false
	for _, choice := range resp.Choices {
		if choice.Message.Content != nil {
			items = append(items, ResponseItem{Role: choice.Message.Role, Text: *choice.Message.Content, Type: "text"})
			continue
		}
		if role == "" && choice.Delta.Role != "" {
			role = choice.Delta.Role
		}
		if choice.Delta.Content != nil && *choice.Delta.Content != "" {
			sawDelta = true
			fragments.WriteString(*choice.Delta.Content)
		}
	}
	if sawDelta {
		items = append(items, ResponseItem{Role: role, Text: fragments.String(), Type: "text"})
	}
	return items, nil
}

// --- Anthropic messages ---

type anthropicMessagesAdapter struct{}

func (anthropicMessagesAdapter) FormatQuery(p *Payload) ([]Message, error) {
	msgs, err := queryMessages(p.Conversation.Query, p.Conversation.InjectedCount)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	return msgs, nil
}

func (anthropicMessagesAdapter) FormatResponse(p *Payload) ([]ResponseItem, error) {
	var resp struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(p.Conversation.Response, &resp); err != nil {
		return nil, fmt.Errorf("anthropic: decode response: %w", err)
	}
	items := make([]ResponseItem, 0, len(resp.Content))
	for _, block := range resp.Content {
		items = append(items, ResponseItem{Role: resp.Role, Text: block.Text, Type: block.Type})
	}
	return items, nil
}
