// Package embedding provides the memoizing embedding cache shared by
// both memory layers. Embeddings are keyed by a content hash of the
// exact text, so identical text always resolves to the same vector
// without a second provider call, regardless of which layer asked.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/dgraph-io/ristretto"

	"github.com/recallkit/recall-go/core"
)

// Cache wraps an Embedder with content-hash memoization.
// A nil provider yields a cache that reports not ready; dependents
// must check IsReady and degrade instead of calling through.
type Cache struct {
	provider core.Embedder
	cache    *ristretto.Cache
}

// New creates a Cache around provider. provider may be nil when no
// embedding capability is configured.
func New(provider core.Embedder) (*Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,  // ~10x expected unique texts
		MaxCost:     64 << 20, // vectors are cost = bytes
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Cache{provider: provider, cache: cache}, nil
}

// IsReady reports whether an embedding provider is configured.
func (c *Cache) IsReady() bool {
	return c.provider != nil
}

// Dimensions returns the provider's vector size, or 0 when not ready.
func (c *Cache) Dimensions() int {
	if c.provider == nil {
		return 0
	}
	return c.provider.Dimensions()
}

// Hash returns the deterministic content fingerprint used as the
// cache and dedup key for text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding for text, from cache when possible.
func (c *Cache) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("embedding provider not configured")
	}

	key := Hash(text)
	if v, ok := c.cache.Get(key); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed text: %w", err)
	}

	c.cache.Set(key, vec, int64(len(vec)*4))
	c.cache.Wait()
	return vec, nil
}

// EmbedBatch embeds texts preserving input order. Cached texts are
// served locally; only the uncached subset goes to the provider in a
// single call. A provider failure fails the whole batch.
func (c *Cache) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if c.provider == nil {
		return nil, fmt.Errorf("embedding provider not configured")
	}

	result := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	for i, text := range texts {
		if v, ok := c.cache.Get(Hash(text)); ok {
			if vec, ok := v.([]float32); ok {
				result[i] = vec
				continue
			}
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}

	if len(missing) == 0 {
		return result, nil
	}

	log.Printf("[EMBED] Batch of %d: %d cached, %d to embed", len(texts), len(texts)-len(missing), len(missing))

	vecs, err := c.provider.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embed batch: got %d vectors for %d texts", len(vecs), len(missing))
	}

	for j, vec := range vecs {
		result[missingIdx[j]] = vec
		c.cache.Set(Hash(missing[j]), vec, int64(len(vec)*4))
	}
	c.cache.Wait()

	return result, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Returns 0 when either vector has zero norm; errors when dimensions
// differ.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Candidate is one vector considered by TopK.
type Candidate struct {
	ID     string
	Vector []float32
}

// Scored is a ranked TopK result.
type Scored struct {
	ID    string
	Score float64
}

// TopK ranks candidates by cosine similarity to query, drops scores
// below minScore, sorts descending and truncates to k. Candidates
// whose dimensions do not match the query are skipped.
func TopK(query []float32, candidates []Candidate, k int, minScore float64) []Scored {
	scored := make([]Scored, 0, len(candidates))
	for _, cand := range candidates {
		score, err := CosineSimilarity(query, cand.Vector)
		if err != nil {
			continue
		}
		if score < minScore {
			continue
		}
		scored = append(scored, Scored{ID: cand.ID, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
