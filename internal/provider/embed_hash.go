package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder embeds text offline by feature hashing lowercased word
// unigrams and bigrams into a fixed number of buckets. Texts sharing words
// get a positive cosine similarity; it has no notion of synonyms.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder with dims buckets (256 when <= 0).
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

// Dimensions returns the vector length.
func (h *HashEmbedder) Dimensions() int {
	return h.dims
}

// Embed implements Embedder. The result is L2-normalized.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil, ErrEmptyPrompt
	}

	vec := make([]float32, h.dims)
	for i, w := range words {
		h.add(vec, w, 1)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w, 0.5)
		}
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := float32(math.Sqrt(sum))
	if norm == 0 {
		return vec, nil
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

func (h *HashEmbedder) add(vec []float32, feature string, weight float32) {
	f := fnv.New32a()
	f.Write([]byte(feature))
	sum := f.Sum32()
	// The high bit picks a sign so unrelated collisions tend to cancel.
	if sum&(1<<31) != 0 {
		weight = -weight
	}
	vec[int(sum%uint32(h.dims))] += weight
}
