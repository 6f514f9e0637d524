package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/recallkit/recall-go/core"
	"github.com/recallkit/recall-go/memory/embedding"
	"github.com/recallkit/recall-go/memory/hybrid"
	"github.com/recallkit/recall-go/memory/longterm"
	"github.com/recallkit/recall-go/memory/shortterm"
)

// Config holds the memory policy knobs.
type Config struct {
	// MaxMessages caps the short-term window; exceeding it triggers
	// compaction.
	MaxMessages int

	// KeepRecent is how many trailing messages survive compaction.
	KeepRecent int

	// DuplicateThreshold is the cosine distance below which a new
	// long-term entry is rejected as a duplicate.
	DuplicateThreshold float64

	// MinScore is the minimum fused score for retrieval [0.0-1.0].
	// Local embedders score lower than API models; 0.3 is tuned for
	// all-MiniLM-class vectors.
	MinScore float64

	// MaxResults caps retrieval output.
	MaxResults int
}

// DefaultConfig returns the default policy.
var DefaultConfig = &Config{
	MaxMessages:        16,
	KeepRecent:         8,
	DuplicateThreshold: 0.1,
	MinScore:           0.3,
	MaxResults:         5,
}

// Manager composes the memory layers behind one agent-facing surface.
// The layers remain addressable for callers that need them directly.
type Manager struct {
	config *Config

	ShortTerm *shortterm.Store
	LongTerm  *longterm.Store
	Index     *hybrid.Index
}

// NewManager wires the subsystem. embedder, vectors and model may each
// be nil; the corresponding features then degrade (keyword-only
// search, no persistence, trim-only compaction) instead of failing.
func NewManager(docs core.DocStore, vectors core.VectorStore, embedder core.Embedder, model core.LanguageModel, config *Config) (*Manager, error) {
	if config == nil {
		config = DefaultConfig
	}

	cache, err := embedding.New(embedder)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	lt := longterm.New(vectors, cache, model, &longterm.Config{
		DuplicateThreshold: config.DuplicateThreshold,
		DefaultMaxResults:  config.MaxResults,
	})

	var summarizer shortterm.Summarizer
	if model != nil {
		summarizer = shortterm.NewLLMSummarizer(model)
	}
	st := shortterm.New(docs, lt, summarizer, &shortterm.Config{
		MaxMessages: config.MaxMessages,
		KeepRecent:  config.KeepRecent,
	})

	idx := hybrid.New(docs, cache, keywordAdapter{lt}, &hybrid.Config{
		SemanticWeight:    hybrid.DefaultConfig.SemanticWeight,
		KeywordWeight:     hybrid.DefaultConfig.KeywordWeight,
		DefaultMaxResults: config.MaxResults,
		DefaultMinScore:   config.MinScore,
	})

	// Compacted messages no longer exist verbatim, so their manifest
	// rows must go too.
	st.OnCompact = func(ctx context.Context, chatID string) {
		if err := idx.RemoveShortTerm(ctx, chatID); err != nil {
			log.Printf("[MEMORY] Failed to prune short-term index for chat=%s: %v", chatID, err)
		}
	}

	return &Manager{
		config:    config,
		ShortTerm: st,
		LongTerm:  lt,
		Index:     idx,
	}, nil
}

// Record stores one conversational exchange: both turns are appended
// to the short-term window and indexed for hybrid retrieval. Indexing
// is best-effort; an indexing failure never fails the turn.
func (m *Manager) Record(ctx context.Context, chatID, userMessage, assistantResponse string) error {
	if err := m.ShortTerm.Append(ctx, chatID, core.RoleUser, userMessage, nil); err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}
	if err := m.ShortTerm.Append(ctx, chatID, core.RoleAssistant, assistantResponse, nil); err != nil {
		return fmt.Errorf("append assistant turn: %w", err)
	}

	items := []hybrid.Item{{Text: userMessage}, {Text: assistantResponse}}
	if err := m.Index.Index(ctx, chatID, items, core.IndexShortTerm); err != nil {
		log.Printf("[MEMORY] Failed to index exchange for chat=%s: %v", chatID, err)
	}
	return nil
}

// Retrieve finds memories relevant to query across both layers and
// returns a formatted block ready for prompt injection, or "" when
// nothing relevant is stored.
func (m *Manager) Retrieve(ctx context.Context, chatID, query string) string {
	results := m.Index.Search(ctx, chatID, query, hybrid.SearchOptions{
		MaxResults: m.config.MaxResults,
		MinScore:   m.config.MinScore,
	})
	log.Printf("[MEMORY] Retrieved %d memories for query: %q", len(results), truncateLog(query, 50))
	if len(results) == 0 {
		return ""
	}

	var parts []string
	parts = append(parts, "=== RELEVANT MEMORIES ===")
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("%d. [%s] %s", i+1, r.Source, r.Text))
	}
	return strings.Join(parts, "\n")
}

// Memorize creates a long-term entry with source=manual and, when
// persisted, makes it retrievable through the hybrid index.
func (m *Manager) Memorize(ctx context.Context, chatID string, in longterm.EntryInput) (*core.Entry, bool) {
	entry, saved := m.LongTerm.Add(ctx, chatID, in, core.SourceManual)
	if saved {
		if err := m.Index.Index(ctx, chatID, []hybrid.Item{{Text: entry.Content}}, core.IndexLongTerm); err != nil {
			log.Printf("[MEMORY] Failed to index new entry for chat=%s: %v", chatID, err)
		}
	}
	return entry, saved
}

// Forget deletes a long-term entry.
func (m *Manager) Forget(ctx context.Context, chatID, id string) bool {
	return m.LongTerm.Delete(ctx, chatID, id)
}

// Reset clears the chat's short-term window (salvaging facts first,
// best-effort) and prunes its short-term index rows.
func (m *Manager) Reset(ctx context.Context, chatID string) error {
	if err := m.ShortTerm.Reset(ctx, chatID); err != nil {
		return err
	}
	if err := m.Index.RemoveShortTerm(ctx, chatID); err != nil {
		log.Printf("[MEMORY] Failed to prune short-term index for chat=%s: %v", chatID, err)
	}
	return nil
}

// History returns the chat's short-term window.
func (m *Manager) History(ctx context.Context, chatID string) []core.Message {
	return m.ShortTerm.GetMessages(ctx, chatID)
}

// PromptMessages returns the window mapped for model consumption.
func (m *Manager) PromptMessages(ctx context.Context, chatID string) []shortterm.PromptMessage {
	return m.ShortTerm.ToPromptFormat(ctx, chatID)
}

// Stats returns hybrid-index counts for the chat.
func (m *Manager) Stats(ctx context.Context, chatID string) hybrid.Stats {
	return m.Index.Stats(ctx, chatID)
}

// keywordAdapter exposes the long-term keyword matcher in the shape
// the hybrid index falls back to when embeddings are down.
type keywordAdapter struct {
	lt *longterm.Store
}

func (a keywordAdapter) KeywordSearch(ctx context.Context, chatID, query string, limit int) []hybrid.KeywordResult {
	hits := a.lt.KeywordSearch(ctx, chatID, query, limit)
	out := make([]hybrid.KeywordResult, 0, len(hits))
	for _, hit := range hits {
		out = append(out, hybrid.KeywordResult{
			ID:        hit.Entry.ID,
			Text:      hit.Entry.Content,
			Score:     hit.Score,
			CreatedAt: hit.Entry.CreatedAt,
		})
	}
	return out
}

// truncateLog truncates text for logging.
func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
