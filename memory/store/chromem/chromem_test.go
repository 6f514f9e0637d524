package chromem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallkit/recall-go/core"
	"github.com/recallkit/recall-go/memory/store/chromem"
)

// Axis-aligned unit vectors make similarity exact: identical axes
// score 1, orthogonal axes score 0.
func unit(axis int) []float32 {
	vec := make([]float32, 4)
	vec[axis] = 1
	return vec
}

func newStore(t *testing.T) *chromem.Store {
	t.Helper()
	store, err := chromem.New()
	require.NoError(t, err)
	require.True(t, store.Ready())
	return store
}

func TestAddGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	doc := core.VectorDocument{
		ID:        "d1",
		Content:   "User lives in Gothenburg",
		Embedding: unit(0),
		Metadata:  map[string]string{"category": "fact"},
	}
	require.NoError(t, store.Add(ctx, "chat", doc))

	got, err := store.Get(ctx, "chat", "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "User lives in Gothenburg", got.Content)
	assert.Equal(t, "fact", got.Metadata["category"])
}

func TestGetAbsentReturnsNil(t *testing.T) {
	store := newStore(t)
	got, err := store.Get(context.Background(), "chat", "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListPreservesInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{
			ID: id, Content: id, Embedding: unit(i),
		}))
	}

	docs, err := store.List(ctx, "chat")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "b", docs[1].ID)
	assert.Equal(t, "c", docs[2].ID)
}

func TestChatsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Add(ctx, "chat-a", core.VectorDocument{ID: "d1", Content: "a", Embedding: unit(0)}))

	docs, err := store.List(ctx, "chat-b")
	require.NoError(t, err)
	assert.Empty(t, docs)

	got, err := store.Get(ctx, "chat-b", "d1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSearchRanksByDistance(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{ID: "close", Content: "close", Embedding: unit(0)}))
	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{ID: "far", Content: "far", Embedding: unit(1)}))

	results, err := store.Search(ctx, "chat", unit(0), 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
	assert.Equal(t, "far", results[1].ID)
	assert.InDelta(t, 1, results[1].Distance, 1e-6)
}

func TestSearchWhereFilter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{
		ID: "f1", Content: "fact", Embedding: unit(0),
		Metadata: map[string]string{"category": "fact"},
	}))
	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{
		ID: "p1", Content: "preference", Embedding: unit(0),
		Metadata: map[string]string{"category": "preference"},
	}))

	// limit exceeds the filtered match count; the retry loop must
	// still produce the single matching document.
	results, err := store.Search(ctx, "chat", unit(0), 2, map[string]string{"category": "preference"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].ID)
}

func TestSearchEmptyCollection(t *testing.T) {
	store := newStore(t)
	results, err := store.Search(context.Background(), "chat", unit(0), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchLimitClampedToCount(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{ID: "only", Content: "only", Embedding: unit(0)}))

	results, err := store.Search(ctx, "chat", unit(0), 10, nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestUpdateReplacesDocument(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{
		ID: "d1", Content: "before", Embedding: unit(0),
		Metadata: map[string]string{"category": "fact"},
	}))
	require.NoError(t, store.Update(ctx, "chat", core.VectorDocument{
		ID: "d1", Content: "after", Embedding: unit(1),
		Metadata: map[string]string{"category": "context"},
	}))

	got, err := store.Get(ctx, "chat", "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "after", got.Content)
	assert.Equal(t, "context", got.Metadata["category"])

	docs, err := store.List(ctx, "chat")
	require.NoError(t, err)
	assert.Len(t, docs, 1, "update must not duplicate the document")
}

func TestDeleteRemovesDocument(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{ID: "d1", Content: "a", Embedding: unit(0)}))
	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{ID: "d2", Content: "b", Embedding: unit(1)}))
	require.NoError(t, store.Delete(ctx, "chat", "d1"))

	got, err := store.Get(ctx, "chat", "d1")
	require.NoError(t, err)
	assert.Nil(t, got)

	docs, err := store.List(ctx, "chat")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "d2", docs[0].ID)
}

func TestClearDropsCollection(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{ID: "d1", Content: "a", Embedding: unit(0)}))
	require.NoError(t, store.Clear(ctx, "chat"))

	docs, err := store.List(ctx, "chat")
	require.NoError(t, err)
	assert.Empty(t, docs)

	// Clearing an untouched chat is a no-op, not an error.
	require.NoError(t, store.Clear(ctx, "never-used"))

	// The chat remains usable after a clear.
	require.NoError(t, store.Add(ctx, "chat", core.VectorDocument{ID: "d2", Content: "b", Embedding: unit(1)}))
	docs, err = store.List(ctx, "chat")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}
