package memory

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/talgya/chorus/internal/narrative"
)

// Embedder turns text into a vector for semantic recall.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultDims is the HashEmbedder vector size.
const DefaultDims = 256

// HashEmbedder is a local bag-of-words embedder: content words are hashed into
// signed buckets and the vector is L2-normalized. Texts sharing words score high.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dims
	if dims <= 0 {
		dims = DefaultDims
	}
	v := make([]float32, dims)
	for _, w := range narrative.ContentWords(text) {
		f := fnv.New64a()
		f.Write([]byte(w))
		sum := f.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		v[sum%uint64(dims)] += sign
	}
	normalize(v)
	return v, nil
}

func normalize(v []float32) {
	var n float64
	for _, x := range v {
		n += float64(x) * float64(x)
	}
	if n == 0 {
		return
	}
	n = math.Sqrt(n)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
}

// Cosine returns the cosine similarity of a and b, 0 when either is empty or they differ in length.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
