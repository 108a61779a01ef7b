// Package embedding defines the encoder boundary: the engine treats the
// embedding model as a pluggable dependency that turns text into dense
// vectors of a fixed dimension.
package embedding

import (
	"context"
)

// Encoder produces dense vectors for text. Implementations must be safe
// for concurrent use.
type Encoder interface {
	// Encode returns a vector of exactly Dim() components.
	Encode(ctx context.Context, text string) ([]float32, error)

	// EncodeBatch encodes texts in order. It honors context cancellation
	// between items and returns the error of the first failing item.
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim is the vector width this encoder produces.
	Dim() int
}
