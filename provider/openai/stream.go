package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	memori "github.com/memorilabs/memori-go"
)

// CreateStream sends a streaming chat completion, forwarding each text
// fragment to ch as it arrives. The channel is closed when the stream
// ends. The returned response is the stream accumulated chunk by chunk:
// choices concatenate across chunks, scalar fields keep the last value
// seen, so the recorded exchange preserves the wire's delta form.
//
// Callers should read from ch in a separate goroutine.
func (c *Client) CreateStream(ctx context.Context, messages []memori.Message, ch chan<- string) (*ChatResponse, error) {
	start := time.Now()
	prep := c.prepare(ctx, messages)

	raw, err := json.Marshal(c.buildBody(prep.Messages, true))
	if err != nil {
		close(ch)
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	resp, err := c.sendHTTP(ctx, raw)
	if err != nil {
		close(ch)
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		close(ch)
		return nil, c.httpErr(resp)
	}

	// readStream closes ch when done.
	acc, err := readStream(ctx, resp.Body, ch)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(acc)
	if err != nil {
		return nil, fmt.Errorf("openai: encode accumulated response: %w", err)
	}
	if err := c.record(ctx, prep, raw, data, acc.Text(), start); err != nil {
		return nil, err
	}
	return acc, nil
}

// ChatStream streams the assistant's reply fragments into ch and
// returns the accumulated text.
func (c *Client) ChatStream(ctx context.Context, messages []memori.Message, ch chan<- string) (string, error) {
	resp, err := c.CreateStream(ctx, messages, ch)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// readStream consumes an SSE chat completions stream, forwarding delta
// content to ch and accumulating the chunks into a single response.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func readStream(ctx context.Context, body io.Reader, ch chan<- string) (*ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	acc := &ChatResponse{}
	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.ID != "" {
			acc.ID = chunk.ID
		}
		if chunk.Model != "" {
			acc.Model = chunk.Model
		}
		// Usage arrives on the final chunk (or a usage-only chunk).
		if chunk.Usage != nil {
			acc.Usage = chunk.Usage
		}

		for _, choice := range chunk.Choices {
			acc.Choices = append(acc.Choices, choice)
			if choice.Delta == nil || choice.Delta.Content == "" {
				continue
			}
			select {
			case ch <- choice.Delta.Content:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("openai: read stream: %w", err)
	}
	return acc, nil
}
