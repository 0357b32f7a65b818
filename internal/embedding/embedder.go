// Package embedding turns request text into fixed-dimension vectors for the
// similarity cache, and counts tokens for the router's local-tier input
// gate. Both are built on the tiktoken tokenizer so the same text always
// produces the same vector and the same count.
package embedding

import (
	"fmt"
	"math"

	"github.com/tiktoken-go/tokenizer"
)

// Dim is the dimension of vectors produced by the embedder.
const Dim = 256

// Vector is an L2-normalized embedding of a piece of text.
type Vector []float64

// Embedder produces vectors and token counts from text.
type Embedder struct {
	codec tokenizer.Codec
}

// New creates an embedder backed by the cl100k_base encoding.
func New() (*Embedder, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &Embedder{codec: codec}, nil
}

// Embed hashes the text's token ids into a fixed-dimension vector and
// normalizes it. Token order is ignored; repeated tokens add weight. This is
// a bag-of-tokens signature, not a semantic embedding: near-identical
// phrasings of the same headline land close together, which is what the
// similarity cache needs.
func (e *Embedder) Embed(text string) (Vector, error) {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize text: %w", err)
	}

	v := make(Vector, Dim)
	for _, id := range ids {
		bucket := id % Dim
		// Alternate sign by a second hash bit so common tokens don't
		// pull every vector toward the same orthant.
		if (id/Dim)%2 == 0 {
			v[bucket]++
		} else {
			v[bucket]--
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	if norm == 0 {
		return v, nil
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] /= norm
	}
	return v, nil
}

// CountTokens returns the number of tokens in text.
func (e *Embedder) CountTokens(text string) (int, error) {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("failed to tokenize text: %w", err)
	}
	return len(ids), nil
}

// Cosine returns the cosine similarity of two vectors of equal length.
// Inputs produced by Embed are already normalized, so this is a dot product
// guarded by the norms for safety with zero vectors.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
