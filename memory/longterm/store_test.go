package longterm_test

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallkit/recall-go/core"
	"github.com/recallkit/recall-go/memory/embedding"
	"github.com/recallkit/recall-go/memory/longterm"
)

// vocabEmbedder maps texts onto a fixed vocabulary so similarity is
// predictable: one dimension per vocab word, set when the word occurs.
type vocabEmbedder struct {
	vocab []string
}

func (v vocabEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(v.vocab))
	var norm float64
	for i, w := range v.vocab {
		if strings.Contains(lower, w) {
			vec[i] = 1
			norm++
		}
	}
	if norm > 0 {
		for i := range vec {
			vec[i] /= float32(math.Sqrt(norm))
		}
	}
	return vec, nil
}

func (v vocabEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := v.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (v vocabEmbedder) Dimensions() int { return len(v.vocab) }

// fakeVectorStore is an in-memory core.VectorStore scoring by cosine
// distance.
type fakeVectorStore struct {
	ready bool
	docs  map[string][]core.VectorDocument
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{ready: true, docs: make(map[string][]core.VectorDocument)}
}

func (f *fakeVectorStore) Ready() bool { return f.ready }

func (f *fakeVectorStore) Add(ctx context.Context, chatID string, doc core.VectorDocument) error {
	f.docs[chatID] = append(f.docs[chatID], doc)
	return nil
}

func (f *fakeVectorStore) Get(ctx context.Context, chatID, id string) (*core.VectorDocument, error) {
	for _, doc := range f.docs[chatID] {
		if doc.ID == id {
			d := doc
			return &d, nil
		}
	}
	return nil, nil
}

func (f *fakeVectorStore) List(ctx context.Context, chatID string) ([]core.VectorDocument, error) {
	out := make([]core.VectorDocument, len(f.docs[chatID]))
	copy(out, f.docs[chatID])
	return out, nil
}

func (f *fakeVectorStore) Update(ctx context.Context, chatID string, doc core.VectorDocument) error {
	for i, existing := range f.docs[chatID] {
		if existing.ID == doc.ID {
			f.docs[chatID][i] = doc
			return nil
		}
	}
	return fmt.Errorf("document %s not found", doc.ID)
}

func (f *fakeVectorStore) Delete(ctx context.Context, chatID, id string) error {
	kept := f.docs[chatID][:0]
	for _, doc := range f.docs[chatID] {
		if doc.ID != id {
			kept = append(kept, doc)
		}
	}
	f.docs[chatID] = kept
	return nil
}

func (f *fakeVectorStore) Search(ctx context.Context, chatID string, query []float32, limit int, where map[string]string) ([]core.VectorResult, error) {
	var results []core.VectorResult
	for _, doc := range f.docs[chatID] {
		matches := true
		for k, v := range where {
			if doc.Metadata[k] != v {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}
		sim, err := embedding.CosineSimilarity(query, doc.Embedding)
		if err != nil {
			continue
		}
		results = append(results, core.VectorResult{
			ID:       doc.ID,
			Content:  doc.Content,
			Metadata: doc.Metadata,
			Distance: 1 - sim,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (f *fakeVectorStore) Clear(ctx context.Context, chatID string) error {
	delete(f.docs, chatID)
	return nil
}

// fakeModel returns a canned response.
type fakeModel struct {
	out   string
	err   error
	calls int
}

func (m *fakeModel) Invoke(ctx context.Context, system, prompt string) (string, error) {
	m.calls++
	return m.out, m.err
}

func newTestStore(t *testing.T, vectors core.VectorStore, model core.LanguageModel) *longterm.Store {
	t.Helper()
	cache, err := embedding.New(vocabEmbedder{vocab: []string{"gothenburg", "coffee", "deploy", "budget"}})
	require.NoError(t, err)
	return longterm.New(vectors, cache, model, nil)
}

func TestAddAssignsIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	entry, saved := store.Add(ctx, "chat", longterm.EntryInput{
		Content:  "User lives in Gothenburg",
		Category: core.CategoryFact,
	}, core.SourceAuto)

	require.True(t, saved)
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.CreatedAt.IsZero())
	assert.Equal(t, core.SourceAuto, entry.Source)
}

func TestAddRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	first, saved := store.Add(ctx, "chat", longterm.EntryInput{
		Content:  "User lives in Gothenburg",
		Category: core.CategoryFact,
	}, core.SourceAuto)
	require.True(t, saved)

	second, saved := store.Add(ctx, "chat", longterm.EntryInput{
		Content:  "User lives in Gothenburg",
		Category: core.CategoryFact,
	}, core.SourceAuto)
	assert.False(t, saved, "identical content is a silent duplicate")
	assert.NotNil(t, second)

	entries := store.List(ctx, "chat")
	require.Len(t, entries, 1)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, "User lives in Gothenburg", entries[0].Content)
}

func TestAddKeepsDistinctFacts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	_, saved := store.Add(ctx, "chat", longterm.EntryInput{Content: "User lives in Gothenburg", Category: core.CategoryFact}, core.SourceAuto)
	require.True(t, saved)
	_, saved = store.Add(ctx, "chat", longterm.EntryInput{Content: "User prefers dark roast coffee", Category: core.CategoryPreference}, core.SourceAuto)
	require.True(t, saved)

	assert.Len(t, store.List(ctx, "chat"), 2)
}

func TestSearchScoresAndFilters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	store.Add(ctx, "chat", longterm.EntryInput{Content: "User lives in Gothenburg", Category: core.CategoryFact}, core.SourceAuto)
	store.Add(ctx, "chat", longterm.EntryInput{Content: "User prefers dark roast coffee", Category: core.CategoryPreference}, core.SourceAuto)

	results := store.Search(ctx, "chat", "gothenburg", longterm.SearchOptions{MinScore: 0.3})
	require.Len(t, results, 1)
	assert.Equal(t, "User lives in Gothenburg", results[0].Entry.Content)
	assert.GreaterOrEqual(t, results[0].Score, 0.3)

	// Category narrowing happens before the nearest-neighbor search.
	results = store.Search(ctx, "chat", "coffee", longterm.SearchOptions{Category: core.CategoryFact, MinScore: 0.3})
	assert.Empty(t, results)
	results = store.Search(ctx, "chat", "coffee", longterm.SearchOptions{Category: core.CategoryPreference, MinScore: 0.3})
	require.Len(t, results, 1)
	assert.Equal(t, core.CategoryPreference, results[0].Entry.Category)
}

func TestGetByCategory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	store.Add(ctx, "chat", longterm.EntryInput{Content: "User lives in Gothenburg", Category: core.CategoryFact}, core.SourceAuto)
	store.Add(ctx, "chat", longterm.EntryInput{Content: "User prefers dark roast coffee", Category: core.CategoryPreference}, core.SourceAuto)

	facts := store.GetByCategory(ctx, "chat", core.CategoryFact)
	require.Len(t, facts, 1)
	assert.Equal(t, core.CategoryFact, facts[0].Category)
}

func TestMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	meta := core.FileMetadata("f1", "report.pdf", "/files/report.pdf", "application/pdf", 2048, []string{"q3"}, now, now)
	entry, saved := store.Add(ctx, "chat", longterm.EntryInput{
		Content:  "Stored file report.pdf about the budget",
		Category: core.CategoryFile,
		Tags:     []string{"finance", "q3"},
		Metadata: meta,
	}, core.SourceManual)
	require.True(t, saved)

	got := store.Get(ctx, "chat", entry.ID)
	require.NotNil(t, got)
	assert.Equal(t, []string{"finance", "q3"}, got.Tags)
	assert.Equal(t, "report.pdf", got.Metadata["fileName"])
	assert.Equal(t, "application/pdf", got.Metadata["mimeType"])
	// JSON numbers decode as float64; the value survives either way.
	assert.EqualValues(t, 2048, got.Metadata["size"])
}

func TestMalformedMetadataDegradesToEmpty(t *testing.T) {
	ctx := context.Background()
	vectors := newFakeVectorStore()
	store := newTestStore(t, vectors, nil)

	entry, saved := store.Add(ctx, "chat", longterm.EntryInput{
		Content:  "User lives in Gothenburg",
		Category: core.CategoryFact,
		Metadata: map[string]any{"k": "v"},
	}, core.SourceAuto)
	require.True(t, saved)

	// Corrupt the stored blob behind the store's back.
	vectors.docs["chat"][0].Metadata["meta"] = "{not json"

	got := store.Get(ctx, "chat", entry.ID)
	require.NotNil(t, got)
	assert.Empty(t, got.Metadata, "malformed metadata reads as empty, not as an error")
}

func TestUpdateMergesAndPreservesIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	entry, saved := store.Add(ctx, "chat", longterm.EntryInput{
		Content:  "User lives in Gothenburg",
		Category: core.CategoryFact,
		Metadata: map[string]any{"a": "1", "b": "2"},
	}, core.SourceAuto)
	require.True(t, saved)

	newContent := "User moved to a flat in Gothenburg"
	newCategory := core.CategoryContext
	updated := store.Update(ctx, "chat", entry.ID, longterm.EntryUpdate{
		Content:  &newContent,
		Category: &newCategory,
		Metadata: map[string]any{"b": "3", "c": "4"},
	})
	require.NotNil(t, updated)

	assert.Equal(t, entry.ID, updated.ID)
	assert.True(t, updated.CreatedAt.Equal(entry.CreatedAt), "creation time is immutable")
	assert.Equal(t, newContent, updated.Content)
	assert.Equal(t, core.CategoryContext, updated.Category)
	// Shallow merge: new keys overwrite, others survive.
	assert.Equal(t, "1", updated.Metadata["a"])
	assert.Equal(t, "3", updated.Metadata["b"])
	assert.Equal(t, "4", updated.Metadata["c"])

	got := store.Get(ctx, "chat", entry.ID)
	require.NotNil(t, got)
	assert.Equal(t, newContent, got.Content)
}

func TestUpdateAbsentEntry(t *testing.T) {
	store := newTestStore(t, newFakeVectorStore(), nil)
	assert.Nil(t, store.Update(context.Background(), "chat", "missing", longterm.EntryUpdate{}))
}

func TestDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	entry, _ := store.Add(ctx, "chat", longterm.EntryInput{Content: "User lives in Gothenburg", Category: core.CategoryFact}, core.SourceAuto)
	store.Add(ctx, "chat", longterm.EntryInput{Content: "User prefers dark roast coffee", Category: core.CategoryPreference}, core.SourceAuto)

	require.True(t, store.Delete(ctx, "chat", entry.ID))
	assert.Len(t, store.List(ctx, "chat"), 1)

	require.True(t, store.ClearAll(ctx, "chat"))
	assert.Empty(t, store.List(ctx, "chat"))
}

func TestUnavailableBackendDegrades(t *testing.T) {
	ctx := context.Background()
	down := newFakeVectorStore()
	down.ready = false
	store := newTestStore(t, down, nil)

	entry, saved := store.Add(ctx, "chat", longterm.EntryInput{Content: "x", Category: core.CategoryFact}, core.SourceAuto)
	assert.False(t, saved)
	assert.NotNil(t, entry, "the constructed entry is still returned")

	assert.Empty(t, store.List(ctx, "chat"))
	assert.Nil(t, store.Get(ctx, "chat", "any"))
	assert.Nil(t, store.Update(ctx, "chat", "any", longterm.EntryUpdate{}))
	assert.False(t, store.Delete(ctx, "chat", "any"))
	assert.False(t, store.ClearAll(ctx, "chat"))
	assert.Empty(t, store.Search(ctx, "chat", "x", longterm.SearchOptions{}))
	assert.Empty(t, store.KeywordSearch(ctx, "chat", "x", 5))
	assert.False(t, store.Ready())
}

func TestKeywordSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, newFakeVectorStore(), nil)

	store.Add(ctx, "chat", longterm.EntryInput{Content: "User lives in Gothenburg", Category: core.CategoryFact}, core.SourceAuto)
	store.Add(ctx, "chat", longterm.EntryInput{Content: "User prefers dark roast coffee", Category: core.CategoryPreference}, core.SourceAuto)

	results := store.KeywordSearch(ctx, "chat", "where is Gothenburg", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "User lives in Gothenburg", results[0].Entry.Content)
	// Query words longer than two chars: "where", "gothenburg"; one matches.
	assert.InDelta(t, 0.5, results[0].Score, 1e-9)

	assert.Empty(t, store.KeywordSearch(ctx, "chat", "unrelated terms", 5))
}

func TestExtractFactsParsesAndFilters(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{out: `Here is what I found:
[
  {"content": "User lives in Gothenburg", "category": "fact"},
  {"content": "User prefers dark roast coffee", "category": "preference"},
  {"content": "", "category": "fact"},
  {"content": "   ", "category": "todo"},
  {"content": "User is probably rich", "category": "opinion"},
  {"content": "notes.txt", "category": "file"}
]`}
	store := newTestStore(t, newFakeVectorStore(), model)

	facts := store.ExtractFacts(ctx, "chat", []core.Message{{Role: core.RoleUser, Content: "I live in Gothenburg and prefer dark roast coffee"}})
	require.Len(t, facts, 2)
	assert.Equal(t, core.CategoryFact, facts[0].Category)
	assert.Equal(t, core.CategoryPreference, facts[1].Category)
}

func TestExtractFactsEmptyAndMalformed(t *testing.T) {
	ctx := context.Background()
	msgs := []core.Message{{Role: core.RoleUser, Content: "What's the BTC price?"}}

	store := newTestStore(t, newFakeVectorStore(), &fakeModel{out: "[]"})
	assert.Empty(t, store.ExtractFacts(ctx, "chat", msgs), "transactional query yields nothing")

	store = newTestStore(t, newFakeVectorStore(), &fakeModel{out: "no json here"})
	assert.Empty(t, store.ExtractFacts(ctx, "chat", msgs))

	store = newTestStore(t, newFakeVectorStore(), &fakeModel{out: "[{broken"})
	assert.Empty(t, store.ExtractFacts(ctx, "chat", msgs))

	store = newTestStore(t, newFakeVectorStore(), &fakeModel{err: fmt.Errorf("model down")})
	assert.Empty(t, store.ExtractFacts(ctx, "chat", msgs))

	store = newTestStore(t, newFakeVectorStore(), &fakeModel{out: "[]"})
	assert.Empty(t, store.ExtractFacts(ctx, "chat", nil), "no messages, no model call")
}

func TestExtractAndSaveCountsProcessed(t *testing.T) {
	ctx := context.Background()
	model := &fakeModel{out: `[{"content": "User lives in Gothenburg", "category": "fact"},
		{"content": "User prefers dark roast coffee", "category": "preference"}]`}
	store := newTestStore(t, newFakeVectorStore(), model)
	msgs := []core.Message{{Role: core.RoleUser, Content: "I live in Gothenburg and prefer dark roast coffee"}}

	assert.Equal(t, 2, store.ExtractAndSave(ctx, "chat", msgs, core.SourceCompaction))
	// Second pass: both facts are now duplicates, but the count is
	// facts processed, not facts newly persisted.
	assert.Equal(t, 2, store.ExtractAndSave(ctx, "chat", msgs, core.SourceCompaction))
	assert.Len(t, store.List(ctx, "chat"), 2)

	entries := store.List(ctx, "chat")
	for _, e := range entries {
		assert.Equal(t, core.SourceCompaction, e.Source)
	}
}
