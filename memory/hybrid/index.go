// Package hybrid implements retrieval across both memory layers: a
// per-chat embedding manifest spanning short-term and long-term text,
// queried by fusing vector similarity with keyword overlap into one
// ranked result set.
package hybrid

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/recallkit/recall-go/core"
	"github.com/recallkit/recall-go/memory/embedding"
)

// KeywordSearcher is the long-term fallback used when embeddings are
// unavailable. Implemented by the long-term store.
type KeywordSearcher interface {
	KeywordSearch(ctx context.Context, chatID, query string, limit int) []KeywordResult
}

// KeywordResult is one lexical fallback hit.
type KeywordResult struct {
	ID        string
	Text      string
	Score     float64
	CreatedAt time.Time
}

// Config holds fusion weights and result defaults.
type Config struct {
	// SemanticWeight and KeywordWeight combine the two signals:
	// combined = SemanticWeight*semantic + KeywordWeight*keyword,
	// with a missing signal treated as 0.
	SemanticWeight float64
	KeywordWeight  float64

	DefaultMaxResults int
	DefaultMinScore   float64
}

// DefaultConfig returns the 0.7/0.3 fusion policy.
var DefaultConfig = &Config{
	SemanticWeight:    0.7,
	KeywordWeight:     0.3,
	DefaultMaxResults: 5,
	DefaultMinScore:   0.3,
}

// manifest is the persisted per-chat index state.
type manifest struct {
	ChatID      string                `json:"chat_id"`
	Entries     []core.EmbeddingEntry `json:"entries"`
	LastUpdated time.Time             `json:"last_updated"`
}

// Index maintains the per-chat manifests and answers fused queries.
// Manifests are persisted on every mutation and cached in-process,
// populated lazily and never expired.
type Index struct {
	docs    core.DocStore
	embed   *embedding.Cache
	keyword KeywordSearcher
	config  *Config

	mu    sync.Mutex
	cache map[string]*manifest
}

// New creates an Index. keyword may be nil; the embeddings-down
// fallback then returns nothing.
func New(docs core.DocStore, embed *embedding.Cache, keyword KeywordSearcher, config *Config) *Index {
	if config == nil {
		config = DefaultConfig
	}
	return &Index{
		docs:    docs,
		embed:   embed,
		keyword: keyword,
		config:  config,
		cache:   make(map[string]*manifest),
	}
}

func (idx *Index) key(chatID string) string {
	return "embeddings/" + chatID
}

func (idx *Index) load(ctx context.Context, chatID string) *manifest {
	if m, ok := idx.cache[chatID]; ok {
		return m
	}

	m := &manifest{ChatID: chatID}
	if idx.docs != nil {
		raw, ok, err := idx.docs.Get(ctx, idx.key(chatID))
		if err != nil {
			log.Printf("[HYBRID] Failed to load manifest for chat=%s: %v", chatID, err)
		} else if ok {
			if err := json.Unmarshal(raw, m); err != nil {
				log.Printf("[HYBRID] Corrupt manifest for chat=%s, starting empty: %v", chatID, err)
				m = &manifest{ChatID: chatID}
			}
		}
	}
	idx.cache[chatID] = m
	return m
}

func (idx *Index) persist(ctx context.Context, m *manifest) error {
	if idx.docs == nil {
		return nil
	}
	m.LastUpdated = time.Now()
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := idx.docs.Put(ctx, idx.key(m.ChatID), raw); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}

// Item is one text offered for indexing.
type Item struct {
	Text string
}

// Index embeds each item not already present in the chat's manifest
// (by content hash, so indexing is idempotent) and appends it tagged
// with source. No-op when the embedding capability is not ready; an
// embedding failure aborts only this call.
func (idx *Index) Index(ctx context.Context, chatID string, items []Item, source core.IndexSource) error {
	if idx.embed == nil || !idx.embed.IsReady() {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	m := idx.load(ctx, chatID)
	seen := make(map[string]bool, len(m.Entries))
	for _, e := range m.Entries {
		seen[e.TextHash] = true
	}

	var texts []string
	var hashes []string
	for _, item := range items {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		h := embedding.Hash(text)
		if seen[h] {
			continue
		}
		seen[h] = true
		texts = append(texts, text)
		hashes = append(hashes, h)
	}
	if len(texts) == 0 {
		return nil
	}

	vecs, err := idx.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("index chat %s: %w", chatID, err)
	}

	now := time.Now()
	for i, text := range texts {
		m.Entries = append(m.Entries, core.EmbeddingEntry{
			ID:        uuid.New().String(),
			Text:      text,
			TextHash:  hashes[i],
			Embedding: vecs[i],
			Source:    source,
			CreatedAt: now,
		})
	}

	return idx.persist(ctx, m)
}

// SearchOptions tunes one query.
type SearchOptions struct {
	MaxResults int
	MinScore   float64

	// Sources restricts which layers are searched; empty means both.
	Sources []core.IndexSource
}

// SearchResult is one fused hit.
type SearchResult struct {
	ID        string
	Text      string
	Score     float64
	Source    core.IndexSource
	CreatedAt time.Time
}

// Search answers a query by fusing semantic similarity with keyword
// overlap. With embeddings unavailable it falls back to a keyword-only
// search over the long-term layer.
func (idx *Index) Search(ctx context.Context, chatID, query string, opts SearchOptions) []SearchResult {
	max := opts.MaxResults
	if max <= 0 {
		max = idx.config.DefaultMaxResults
	}
	minScore := opts.MinScore
	if minScore == 0 {
		minScore = idx.config.DefaultMinScore
	}

	if idx.embed == nil || !idx.embed.IsReady() {
		return idx.keywordFallback(ctx, chatID, query, max)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	m := idx.load(ctx, chatID)
	entries := filterSources(m.Entries, opts.Sources)
	if len(entries) == 0 {
		return []SearchResult{}
	}

	queryVec, err := idx.embed.Embed(ctx, query)
	if err != nil {
		log.Printf("[HYBRID] Failed to embed query for chat=%s, using keyword fallback: %v", chatID, err)
		return idx.keywordFallback(ctx, chatID, query, max)
	}

	byID := make(map[string]core.EmbeddingEntry, len(entries))
	candidates := make([]embedding.Candidate, 0, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
		candidates = append(candidates, embedding.Candidate{ID: e.ID, Vector: e.Embedding})
	}

	// Over-fetch semantic candidates with no floor; the floor applies
	// to the fused score, not either signal alone.
	semantic := make(map[string]float64)
	for _, hit := range embedding.TopK(queryVec, candidates, 2*max, 0) {
		semantic[hit.ID] = hit.Score
	}

	words := queryWords(query)
	keyword := make(map[string]float64)
	for _, e := range entries {
		if score := keywordScore(words, e.Text); score > 0 {
			keyword[e.ID] = score
		}
	}

	union := make(map[string]bool, len(semantic)+len(keyword))
	for id := range semantic {
		union[id] = true
	}
	for id := range keyword {
		union[id] = true
	}

	results := make([]SearchResult, 0, len(union))
	for id := range union {
		combined := idx.config.SemanticWeight*semantic[id] + idx.config.KeywordWeight*keyword[id]
		if combined < minScore {
			continue
		}
		e := byID[id]
		results = append(results, SearchResult{
			ID:        e.ID,
			Text:      e.Text,
			Score:     combined,
			Source:    e.Source,
			CreatedAt: e.CreatedAt,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	if len(results) > max {
		results = results[:max]
	}
	return results
}

// keywordFallback answers with the long-term keyword matcher only;
// short-term text cannot be searched without embeddings.
func (idx *Index) keywordFallback(ctx context.Context, chatID, query string, limit int) []SearchResult {
	if idx.keyword == nil {
		return []SearchResult{}
	}
	hits := idx.keyword.KeywordSearch(ctx, chatID, query, limit)
	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{
			ID:        hit.ID,
			Text:      hit.Text,
			Score:     hit.Score,
			Source:    core.IndexLongTerm,
			CreatedAt: hit.CreatedAt,
		})
	}
	return results
}

// RemoveShortTerm strips every short-term entry from the chat's
// manifest. Called after compaction, when the underlying messages no
// longer exist verbatim.
func (idx *Index) RemoveShortTerm(ctx context.Context, chatID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m := idx.load(ctx, chatID)
	kept := m.Entries[:0]
	removed := 0
	for _, e := range m.Entries {
		if e.Source == core.IndexShortTerm {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return nil
	}
	m.Entries = kept
	log.Printf("[HYBRID] Removed %d short-term entries for chat=%s", removed, chatID)
	return idx.persist(ctx, m)
}

// Clear drops the chat's entire manifest.
func (idx *Index) Clear(ctx context.Context, chatID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.cache, chatID)
	if idx.docs == nil {
		return nil
	}
	return idx.docs.Delete(ctx, idx.key(chatID))
}

// Stats summarizes a chat's manifest.
type Stats struct {
	Total     int
	ShortTerm int
	LongTerm  int
}

// Stats returns entry counts for the chat.
func (idx *Index) Stats(ctx context.Context, chatID string) Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m := idx.load(ctx, chatID)
	st := Stats{Total: len(m.Entries)}
	for _, e := range m.Entries {
		switch e.Source {
		case core.IndexShortTerm:
			st.ShortTerm++
		case core.IndexLongTerm:
			st.LongTerm++
		}
	}
	return st
}

func filterSources(entries []core.EmbeddingEntry, sources []core.IndexSource) []core.EmbeddingEntry {
	if len(sources) == 0 {
		return entries
	}
	want := make(map[core.IndexSource]bool, len(sources))
	for _, s := range sources {
		want[s] = true
	}
	out := make([]core.EmbeddingEntry, 0, len(entries))
	for _, e := range entries {
		if want[e.Source] {
			out = append(out, e)
		}
	}
	return out
}

// queryWords normalizes a query to lowercase words longer than two
// characters.
func queryWords(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 2 {
			words = append(words, f)
		}
	}
	return words
}

// keywordScore is matched query words over total query words.
func keywordScore(words []string, text string) float64 {
	if len(words) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	matched := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	return float64(matched) / float64(len(words))
}
