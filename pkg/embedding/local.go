package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/memory-mesh/memory-mesh/pkg/vectormath"
)

// Local is a deterministic hash-projection encoder. Each token is folded
// into the vector via the hashing trick (index and sign derived from the
// token hash), then the vector is L2-normalized. Identical texts always
// produce identical unit vectors, and texts sharing tokens land near
// each other, which is enough for the engine's own pipeline and tests.
// It is the default encoder when no model runtime is wired in.
type Local struct {
	dim int
}

// NewLocal creates a Local encoder of the given dimension.
func NewLocal(dim int) (*Local, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	return &Local{dim: dim}, nil
}

// Dim returns the configured vector width.
func (e *Local) Dim() int { return e.dim }

// Encode maps text onto a unit vector. The zero text maps to a fixed
// basis vector so downstream cosine math stays defined.
func (e *Local) Encode(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		vec[0] = 1
		return vec, nil
	}

	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()

		// Three projections per token spread collisions without losing
		// determinism.
		for round := 0; round < 3; round++ {
			idx := int(sum % uint64(e.dim))
			if sum&(1<<63) != 0 {
				vec[idx] -= 1
			} else {
				vec[idx] += 1
			}
			sum = sum*0x100000001b3 + uint64(round) + 1
		}
	}

	return vectormath.NormalizeL2(vec), nil
}

// EncodeBatch encodes texts sequentially, checking for cancellation
// between items.
func (e *Local) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vec, err := e.Encode(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("encode item %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}
