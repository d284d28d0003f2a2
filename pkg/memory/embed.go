package memory

import (
	"math"
	"strings"
	"unicode"
)

// tokenize splits text into lowercase alphanumeric tokens.
func tokenize(text string) []string {
	lower := strings.ToLower(text)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalized collapses text to its lowercase alphanumeric tokens.
func normalized(text string) string {
	return strings.Join(tokenize(text), " ")
}

// termVectors builds bag-of-words term-frequency vectors for a and b over
// their shared vocabulary, each L2-normalised.
func termVectors(a, b string) ([]float32, []float32) {
	vocab := make(map[string]int)
	count := func(text string) map[int]int {
		tf := make(map[int]int)
		for _, t := range tokenize(text) {
			idx, ok := vocab[t]
			if !ok {
				idx = len(vocab)
				vocab[t] = idx
			}
			tf[idx]++
		}
		return tf
	}
	ta, tb := count(a), count(b)
	if len(ta) == 0 || len(tb) == 0 {
		return nil, nil
	}

	va := make([]float32, len(vocab))
	vb := make([]float32, len(vocab))
	for i, n := range ta {
		va[i] = float32(n)
	}
	for i, n := range tb {
		vb[i] = float32(n)
	}
	normalize32(va)
	normalize32(vb)
	return va, vb
}

// normalize32 normalizes a float32 vector to unit length in place.
func normalize32(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// If vectors have different lengths, the shorter one is zero-padded conceptually.
// Returns 0 if either vector is nil or empty.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	minLen := min(len(a), len(b))
	var dot, normA, normB float64
	for i := range minLen {
		av, bv := float64(a[i]), float64(b[i])
		dot += av * bv
		normA += av * av
		normB += bv * bv
	}
	for _, av := range a[minLen:] {
		normA += float64(av) * float64(av)
	}
	for _, bv := range b[minLen:] {
		normB += float64(bv) * float64(bv)
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// Similar reports whether two values are near-duplicates: equal after
// normalisation, or with term-vector cosine similarity above 0.95.
func Similar(a, b string) bool {
	na, nb := normalized(a), normalized(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	va, vb := termVectors(a, b)
	return CosineSimilarity(va, vb) > 0.95
}
