// Package embedding normalizes query texts and produces fixed-dimension
// vectors for similarity search. The scoring model is pluggable; the core
// only depends on the Embedder contract.
package embedding

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"
)

// Embedder turns a query text into a fixed-dimension vector. Implementations
// may call out to a real model; the stub below keeps the core runnable
// without one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// Normalize canonicalizes a query text: trimmed, lowercased, inner
// whitespace collapsed to single spaces. This must produce exactly the text
// the storage-side dedup expression hashes, or similarity search diverges
// from storage dedup.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(query))), " ")
}

// QueryHash returns the md5 hex digest of the normalized query, matching the
// SQL expression md5(lower(regexp_replace(trim(q), '\s+', ' ', 'g'))).
func QueryHash(query string) string {
	sum := md5.Sum([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}

// StubEmbedder derives deterministic unit vectors from the query hash. Two
// queries with equal normalized text always map to the same vector, so
// upserts stay idempotent and tests stay reproducible.
type StubEmbedder struct {
	dim int
}

// NewStubEmbedder constructs a stub with the given vector dimension.
func NewStubEmbedder(dim int) *StubEmbedder {
	if dim <= 0 {
		dim = 384
	}
	return &StubEmbedder{dim: dim}
}

// Embed produces the placeholder vector for a query text.
func (e *StubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	seed := md5.Sum([]byte(Normalize(text)))
	vec := make([]float32, e.dim)

	// Expand the digest into dim pseudo-random components via splitmix64.
	state := binary.BigEndian.Uint64(seed[:8]) ^ binary.BigEndian.Uint64(seed[8:])
	var norm float64
	for i := range vec {
		state += 0x9e3779b97f4a7c15
		z := state
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		v := float64(int64(z)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// Dim reports the vector dimension.
func (e *StubEmbedder) Dim() int {
	return e.dim
}
