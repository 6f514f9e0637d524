package core

import "context"

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local, offline), or any
// API-backed provider.
//
// Note: consumers reach the Embedder through the embedding cache, not
// directly; the cache owns memoization and readiness probing.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts texts to vectors, preserving input order.
	// A failure fails the whole batch; no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// LanguageModel is the capability used for summarization and fact
// extraction. The subsystem never builds chat completions itself; it
// hands a system policy plus one prompt to the model and consumes the
// returned text.
type LanguageModel interface {
	Invoke(ctx context.Context, system, prompt string) (string, error)
}

// VectorDocument is the unit persisted by a VectorStore. Metadata
// values are restricted to plain strings; structured values must be
// serialized (JSON blobs) before storage and parsed on read.
type VectorDocument struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// VectorResult is one nearest-neighbor hit. Distance is cosine
// distance (1 - cosine similarity), lower is closer.
type VectorResult struct {
	ID       string
	Content  string
	Metadata map[string]string
	Distance float64
}

// VectorStore persists long-term entries with metadata and answers
// nearest-neighbor queries. One collection per chat. The backend may
// be unavailable at any time; callers must probe Ready and degrade
// rather than fail.
type VectorStore interface {
	// Ready reports whether the backend is configured and reachable.
	Ready() bool

	Add(ctx context.Context, chatID string, doc VectorDocument) error
	Get(ctx context.Context, chatID, id string) (*VectorDocument, error)

	// List returns every document in the chat's collection.
	List(ctx context.Context, chatID string) ([]VectorDocument, error)

	Update(ctx context.Context, chatID string, doc VectorDocument) error
	Delete(ctx context.Context, chatID, id string) error

	// Search returns up to limit nearest neighbors of embedding,
	// optionally filtered by exact-match metadata where clauses.
	Search(ctx context.Context, chatID string, embedding []float32, limit int, where map[string]string) ([]VectorResult, error)

	// Clear drops the chat's entire collection.
	Clear(ctx context.Context, chatID string) error
}

// DocStore is the per-key durable store backing short-term windows and
// embedding manifests. Values are opaque encoded blobs; only the
// logical schema is fixed by the callers.
type DocStore interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
