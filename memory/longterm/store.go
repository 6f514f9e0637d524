// Package longterm implements the durable fact layer: deduplicated
// entries persisted in a vector store, searched semantically or by
// keyword, and fed by LLM fact extraction.
package longterm

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/recallkit/recall-go/core"
	"github.com/recallkit/recall-go/memory/embedding"
)

// Config holds long-term store tuning.
type Config struct {
	// DuplicateThreshold is the cosine distance below which a new
	// entry is considered a duplicate of its nearest neighbor and
	// silently rejected.
	DuplicateThreshold float64

	// DefaultMaxResults caps Search results when the caller does not
	// ask for a specific count.
	DefaultMaxResults int
}

// DefaultConfig returns sensible defaults.
var DefaultConfig = &Config{
	DuplicateThreshold: 0.1,
	DefaultMaxResults:  5,
}

// Store is the long-term memory layer. Every operation degrades to an
// empty or false result when the vector backend or the embedding
// provider is unavailable; unavailability is never surfaced as an
// error.
type Store struct {
	vectors core.VectorStore
	embed   *embedding.Cache
	model   core.LanguageModel
	config  *Config
}

// New creates a long-term store. vectors and model may be nil when the
// corresponding capability is not configured.
func New(vectors core.VectorStore, embed *embedding.Cache, model core.LanguageModel, config *Config) *Store {
	if config == nil {
		config = DefaultConfig
	}
	return &Store{
		vectors: vectors,
		embed:   embed,
		model:   model,
		config:  config,
	}
}

// Ready reports whether both the vector backend and the embedding
// provider are usable.
func (s *Store) Ready() bool {
	return s.vectors != nil && s.vectors.Ready() && s.embed != nil && s.embed.IsReady()
}

// EntryInput is the caller-supplied part of a new entry. ID, source
// and creation time are assigned by the store.
type EntryInput struct {
	Content  string
	Category core.Category
	Tags     []string
	Metadata map[string]any
}

// Add creates a new entry. The returned bool reports whether the entry
// was actually persisted: false means the backend was unavailable, the
// embedding failed, or a near-duplicate already exists (duplicate
// rejection is silent to avoid fact bloat). The constructed entry is
// returned either way so callers can inspect the assigned ID.
func (s *Store) Add(ctx context.Context, chatID string, in EntryInput, source core.EntrySource) (*core.Entry, bool) {
	entry := &core.Entry{
		ID:        uuid.New().String(),
		Content:   in.Content,
		Category:  in.Category,
		Source:    source,
		CreatedAt: time.Now(),
		Tags:      in.Tags,
		Metadata:  in.Metadata,
	}

	if !s.Ready() {
		log.Printf("[LONGTERM] Backend unavailable, not persisting entry for chat=%s", chatID)
		return entry, false
	}

	vec, err := s.embed.Embed(ctx, entry.Content)
	if err != nil {
		log.Printf("[LONGTERM] Failed to embed entry: %v", err)
		return entry, false
	}

	// Duplicate suppression: nearest neighbor closer than the
	// threshold means this content is already known.
	neighbors, err := s.vectors.Search(ctx, chatID, vec, 1, nil)
	if err != nil {
		log.Printf("[LONGTERM] Duplicate check failed, persisting anyway: %v", err)
	} else if len(neighbors) > 0 && neighbors[0].Distance < s.config.DuplicateThreshold {
		log.Printf("[LONGTERM] Rejecting duplicate (distance=%.4f) for chat=%s", neighbors[0].Distance, chatID)
		return entry, false
	}

	doc := encodeEntry(entry, vec)
	if err := s.vectors.Add(ctx, chatID, doc); err != nil {
		log.Printf("[LONGTERM] Failed to persist entry: %v", err)
		return entry, false
	}

	return entry, true
}

// Get returns the entry with the given id, or nil when absent or the
// backend is down.
func (s *Store) Get(ctx context.Context, chatID, id string) *core.Entry {
	if s.vectors == nil || !s.vectors.Ready() {
		return nil
	}
	doc, err := s.vectors.Get(ctx, chatID, id)
	if err != nil || doc == nil {
		return nil
	}
	entry := decodeEntry(doc.ID, doc.Content, doc.Metadata)
	return &entry
}

// List returns every entry for the chat, oldest first. Empty when the
// backend is down.
func (s *Store) List(ctx context.Context, chatID string) []core.Entry {
	if s.vectors == nil || !s.vectors.Ready() {
		return []core.Entry{}
	}
	docs, err := s.vectors.List(ctx, chatID)
	if err != nil {
		log.Printf("[LONGTERM] List failed: %v", err)
		return []core.Entry{}
	}

	entries := make([]core.Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, decodeEntry(doc.ID, doc.Content, doc.Metadata))
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries
}

// GetByCategory returns the chat's entries in the given category.
func (s *Store) GetByCategory(ctx context.Context, chatID string, category core.Category) []core.Entry {
	all := s.List(ctx, chatID)
	entries := make([]core.Entry, 0, len(all))
	for _, e := range all {
		if e.Category == category {
			entries = append(entries, e)
		}
	}
	return entries
}

// EntryUpdate is a partial update. Nil fields are left unchanged;
// Metadata is shallow-merged (new keys overwrite, others preserved).
// ID and CreatedAt are immutable.
type EntryUpdate struct {
	Content  *string
	Category *core.Category
	Tags     []string
	Metadata map[string]any
}

// Update applies upd to the entry with the given id and re-persists
// it. Returns nil when the entry is absent or the backend is down.
func (s *Store) Update(ctx context.Context, chatID, id string, upd EntryUpdate) *core.Entry {
	if s.vectors == nil || !s.vectors.Ready() {
		return nil
	}
	doc, err := s.vectors.Get(ctx, chatID, id)
	if err != nil || doc == nil {
		return nil
	}
	entry := decodeEntry(doc.ID, doc.Content, doc.Metadata)

	vec := doc.Embedding
	if upd.Content != nil && *upd.Content != entry.Content {
		entry.Content = *upd.Content
		if s.embed == nil || !s.embed.IsReady() {
			log.Printf("[LONGTERM] Cannot re-embed updated content, embedder unavailable")
			return nil
		}
		vec, err = s.embed.Embed(ctx, entry.Content)
		if err != nil {
			log.Printf("[LONGTERM] Failed to re-embed updated content: %v", err)
			return nil
		}
	}
	if upd.Category != nil {
		entry.Category = *upd.Category
	}
	if upd.Tags != nil {
		entry.Tags = upd.Tags
	}
	if len(upd.Metadata) > 0 {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			entry.Metadata[k] = v
		}
	}

	if err := s.vectors.Update(ctx, chatID, encodeEntry(&entry, vec)); err != nil {
		log.Printf("[LONGTERM] Failed to persist update: %v", err)
		return nil
	}
	return &entry
}

// Delete removes the entry with the given id. False when absent or the
// backend is down.
func (s *Store) Delete(ctx context.Context, chatID, id string) bool {
	if s.vectors == nil || !s.vectors.Ready() {
		return false
	}
	doc, err := s.vectors.Get(ctx, chatID, id)
	if err != nil || doc == nil {
		return false
	}
	if err := s.vectors.Delete(ctx, chatID, id); err != nil {
		log.Printf("[LONGTERM] Delete failed: %v", err)
		return false
	}
	return true
}

// ClearAll drops every entry for the chat.
func (s *Store) ClearAll(ctx context.Context, chatID string) bool {
	if s.vectors == nil || !s.vectors.Ready() {
		return false
	}
	if err := s.vectors.Clear(ctx, chatID); err != nil {
		log.Printf("[LONGTERM] Clear failed: %v", err)
		return false
	}
	return true
}

// SearchOptions tunes a semantic Search.
type SearchOptions struct {
	MaxResults int
	MinScore   float64

	// Category narrows the backend query before the nearest-neighbor
	// search runs.
	Category core.Category
}

// Result is one scored search hit.
type Result struct {
	Entry core.Entry
	Score float64
}

// Search embeds query and returns the nearest entries converted to
// similarity scores (1 - cosine distance), filtered by MinScore.
// Empty when the backend or embedder is unavailable.
func (s *Store) Search(ctx context.Context, chatID, query string, opts SearchOptions) []Result {
	if !s.Ready() {
		return []Result{}
	}

	max := opts.MaxResults
	if max <= 0 {
		max = s.config.DefaultMaxResults
	}

	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		log.Printf("[LONGTERM] Failed to embed query: %v", err)
		return []Result{}
	}

	var where map[string]string
	if opts.Category != "" {
		where = map[string]string{"category": string(opts.Category)}
	}

	hits, err := s.vectors.Search(ctx, chatID, vec, max, where)
	if err != nil {
		log.Printf("[LONGTERM] Search failed: %v", err)
		return []Result{}
	}

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		score := 1 - hit.Distance
		if score < opts.MinScore {
			continue
		}
		results = append(results, Result{
			Entry: decodeEntry(hit.ID, hit.Content, hit.Metadata),
			Score: score,
		})
	}
	return results
}

// KeywordSearch is the lexical matcher used when embeddings are
// unavailable: entries are scored by the fraction of query words
// (lowercased, longer than two characters) found in their content.
func (s *Store) KeywordSearch(ctx context.Context, chatID, query string, limit int) []Result {
	if s.vectors == nil || !s.vectors.Ready() {
		return []Result{}
	}
	if limit <= 0 {
		limit = s.config.DefaultMaxResults
	}

	words := queryWords(query)
	if len(words) == 0 {
		return []Result{}
	}

	results := make([]Result, 0)
	for _, entry := range s.List(ctx, chatID) {
		score := keywordScore(words, entry.Content)
		if score == 0 {
			continue
		}
		results = append(results, Result{Entry: entry, Score: score})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// queryWords normalizes a query into lowercase words longer than two
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

// keywordScore returns matched words / total words for text.
func keywordScore(words []string, text string) float64 {
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

// Storage encoding. The vector backend restricts metadata values to
// plain strings, so tags and the free-form metadata map travel as
// embedded JSON blobs.

func encodeEntry(entry *core.Entry, vec []float32) core.VectorDocument {
	md := map[string]string{
		"category":   string(entry.Category),
		"source":     string(entry.Source),
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	if len(entry.Tags) > 0 {
		if b, err := json.Marshal(entry.Tags); err == nil {
			md["tags"] = string(b)
		}
	}
	if len(entry.Metadata) > 0 {
		if b, err := json.Marshal(entry.Metadata); err == nil {
			md["meta"] = string(b)
		}
	}
	return core.VectorDocument{
		ID:        entry.ID,
		Content:   entry.Content,
		Embedding: vec,
		Metadata:  md,
	}
}

func decodeEntry(id, content string, md map[string]string) core.Entry {
	entry := core.Entry{
		ID:       id,
		Content:  content,
		Category: core.Category(md["category"]),
		Source:   core.EntrySource(md["source"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, md["created_at"]); err == nil {
		entry.CreatedAt = ts
	}
	if raw, ok := md["tags"]; ok {
		if err := json.Unmarshal([]byte(raw), &entry.Tags); err != nil {
			log.Printf("[LONGTERM] Malformed tags for entry=%s, dropping: %v", id, err)
			entry.Tags = nil
		}
	}
	entry.Metadata = map[string]any{}
	if raw, ok := md["meta"]; ok {
		if err := json.Unmarshal([]byte(raw), &entry.Metadata); err != nil {
			log.Printf("[LONGTERM] Malformed metadata for entry=%s, using empty map: %v", id, err)
			entry.Metadata = map[string]any{}
		}
	}
	return entry
}
