package memori

import "context"

// Provider is the provider-neutral chat surface the bundled clients
// share. Implementations live in subpackages (provider/openai,
// provider/anthropic); once a handle is installed every call runs the
// memory pipeline around the underlying API request.
type Provider interface {
	// Chat sends a conversation turn and returns the assistant's reply.
	Chat(ctx context.Context, messages []Message) (string, error)
	// ChatStream streams reply fragments into ch, closing it when the
	// stream ends, and returns the accumulated reply.
	ChatStream(ctx context.Context, messages []Message, ch chan<- string) (string, error)
	// Install attaches a memory handle. The first call wins; installing
	// again or installing nil is a no-op.
	Install(m *Memori)
	// Name returns the provider key (e.g. "openai", "anthropic").
	Name() string
}
