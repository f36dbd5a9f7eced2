package memori

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// DefaultEmbeddingDim is the vector width used for zero-vector fallbacks
// when no embedder is configured or the configured one fails.
const DefaultEmbeddingDim = 768

// Embedder converts text into fixed-width vectors for similarity search.
// Implementations live in subpackages (see embedder/openaiembed); any
// model service can be adapted by implementing these three methods.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the width of the vectors Embed returns.
	Dimensions() int
	// Name identifies the model; it keys the process-wide embedder cache.
	Name() string
}

var embedderCache sync.Map // model name → Embedder

// CachedEmbedder returns the process-wide embedder registered under
// name, constructing it with build on first use. Construction failures
// are not cached, so a later call may retry.
func CachedEmbedder(name string, build func() (Embedder, error)) (Embedder, error) {
	if e, ok := embedderCache.Load(name); ok {
		return e.(Embedder), nil
	}
	e, err := build()
	if err != nil {
		return nil, fmt.Errorf("embeddings: load model %q: %w", name, err)
	}
	actual, _ := embedderCache.LoadOrStore(name, e)
	return actual.(Embedder), nil
}

// embeddings wraps an Embedder with the degradation rules recall and
// augmentation rely on: empty inputs are dropped before embedding, and
// any failure yields zero vectors instead of an error so memory features
// degrade without breaking the provider call.
type embeddings struct {
	embedder Embedder // nil when no model is configured
	logger   *slog.Logger
}

func (e *embeddings) dimensions() int {
	if e.embedder != nil {
		if d := e.embedder.Dimensions(); d > 0 {
			return d
		}
	}
	return DefaultEmbeddingDim
}

// encode embeds every non-empty text. The result has one vector per kept
// text; callers that need positional pairing must tolerate a shorter
// result when inputs contained empty strings.
func (e *embeddings) encode(ctx context.Context, texts []string) [][]float32 {
	kept := texts[:0:0]
	for _, t := range texts {
		if t != "" {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	if e.embedder == nil {
		return zeroVectors(len(kept), e.dimensions())
	}
	vecs, err := e.embedder.Embed(ctx, kept)
	if err != nil || len(vecs) != len(kept) {
		e.logger.Warn("embeddings: encode failed, falling back to zero vectors", "model", e.embedder.Name(), "count", len(kept), "error", err)
		return zeroVectors(len(kept), e.dimensions())
	}
	return vecs
}

func zeroVectors(n, dim int) [][]float32 {
	vecs := make([][]float32, n)
	for i := range vecs {
		vecs[i] = make([]float32, dim)
	}
	return vecs
}

// PackEmbedding serializes a vector as little-endian float32 bytes, the
// storage format for embedding columns across all dialects.
func PackEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

// ParseEmbedding decodes a stored embedding regardless of vintage:
// packed little-endian bytes, a legacy JSON array string, or a native
// float slice.
func ParseEmbedding(raw any) ([]float32, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []byte:
		if len(v)%4 != 0 {
			return nil, fmt.Errorf("embeddings: packed length %d not a multiple of 4", len(v))
		}
		vec := make([]float32, len(v)/4)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(v[4*i:]))
		}
		return vec, nil
	case string:
		var vec []float32
		if err := json.Unmarshal([]byte(v), &vec); err != nil {
			return nil, fmt.Errorf("embeddings: decode json array: %w", err)
		}
		return vec, nil
	case []float32:
		return v, nil
	case []float64:
		vec := make([]float32, len(v))
		for i, f := range v {
			vec[i] = float32(f)
		}
		return vec, nil
	case []any:
		vec := make([]float32, len(v))
		for i, item := range v {
			f, ok := item.(float64)
			if !ok {
				return nil, fmt.Errorf("embeddings: element %d is %T, not a number", i, item)
			}
			vec[i] = float32(f)
		}
		return vec, nil
	default:
		return nil, fmt.Errorf("embeddings: unsupported storage type %T", raw)
	}
}
