// Package chromem implements the vector-store backend on chromem-go,
// a pure Go embedded vector database. One collection per chat.
package chromem

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/recallkit/recall-go/core"
)

// Store adapts chromem-go to the core.VectorStore contract.
// chromem keeps everything in process memory; Store additionally
// tracks document IDs per collection so List can enumerate what
// chromem itself only exposes by ID.
type Store struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	ids         map[string][]string // chatID -> insertion-ordered doc IDs
}

// New creates an in-memory chromem-backed store.
func New() (*Store, error) {
	return &Store{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		ids:         make(map[string][]string),
	}, nil
}

// Ready reports whether the backend is usable.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

func collectionName(chatID string) string {
	if chatID == "" {
		return "chat-default"
	}
	return "chat-" + chatID
}

// getOrCreateCollection returns the chat's collection, creating it on
// first use.
func (s *Store) getOrCreateCollection(chatID string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, exists := s.collections[chatID]
	s.mu.RUnlock()
	if exists {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double-check after acquiring write lock
	if col, exists := s.collections[chatID]; exists {
		return col, nil
	}

	// Embeddings are always supplied by the caller, so no embedding
	// func and default cosine distance.
	col, err := s.db.GetOrCreateCollection(collectionName(chatID), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	s.collections[chatID] = col
	return col, nil
}

// Add stores a document with its embedding.
func (s *Store) Add(ctx context.Context, chatID string, doc core.VectorDocument) error {
	col, err := s.getOrCreateCollection(chatID)
	if err != nil {
		return err
	}

	err = col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
	if err != nil {
		return fmt.Errorf("add document: %w", err)
	}

	s.mu.Lock()
	s.ids[chatID] = append(s.ids[chatID], doc.ID)
	s.mu.Unlock()
	return nil
}

// Get retrieves a document by ID, nil when absent.
func (s *Store) Get(ctx context.Context, chatID, id string) (*core.VectorDocument, error) {
	col, err := s.getOrCreateCollection(chatID)
	if err != nil {
		return nil, err
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, nil
	}
	return &core.VectorDocument{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	}, nil
}

// List returns every document in the chat's collection in insertion
// order.
func (s *Store) List(ctx context.Context, chatID string) ([]core.VectorDocument, error) {
	s.mu.RLock()
	ids := make([]string, len(s.ids[chatID]))
	copy(ids, s.ids[chatID])
	s.mu.RUnlock()

	docs := make([]core.VectorDocument, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Get(ctx, chatID, id)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

// Update replaces a stored document. chromem has no in-place update,
// so the document is deleted and re-added under the same ID.
func (s *Store) Update(ctx context.Context, chatID string, doc core.VectorDocument) error {
	col, err := s.getOrCreateCollection(chatID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, doc.ID); err != nil {
		return fmt.Errorf("delete for update: %w", err)
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
	if err != nil {
		return fmt.Errorf("re-add document: %w", err)
	}
	return nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, chatID, id string) error {
	col, err := s.getOrCreateCollection(chatID)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}

	s.mu.Lock()
	kept := s.ids[chatID][:0]
	for _, existing := range s.ids[chatID] {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	s.ids[chatID] = kept
	s.mu.Unlock()
	return nil
}

// Search returns the nearest neighbors of embedding. chromem reports
// similarity; the contract wants cosine distance, so hits carry
// 1 - similarity.
func (s *Store) Search(ctx context.Context, chatID string, embedding []float32, limit int, where map[string]string) ([]core.VectorResult, error) {
	col, err := s.getOrCreateCollection(chatID)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= the number of matching documents,
	// which a where filter can shrink below Count. Retry with smaller
	// limits until the query fits.
	if count := col.Count(); limit > count {
		limit = count
	}
	if limit <= 0 {
		return nil, nil
	}

	var results []chromem.Result
	for current := limit; current >= 1; current-- {
		var err error
		results, err = col.QueryEmbedding(ctx, embedding, current, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if current == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	out := make([]core.VectorResult, 0, len(results))
	for _, r := range results {
		out = append(out, core.VectorResult{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Distance: 1 - float64(r.Similarity),
		})
	}
	return out, nil
}

// isInsufficientDocsError reports whether err is chromem complaining
// that nResults exceeds the matching document count.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

// Clear drops the chat's entire collection.
func (s *Store) Clear(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[chatID]; !exists && len(s.ids[chatID]) == 0 {
		return nil
	}
	if err := s.db.DeleteCollection(collectionName(chatID)); err != nil {
		log.Printf("[CHROMEM] Failed to delete collection for chat=%s: %v", chatID, err)
		return fmt.Errorf("delete collection: %w", err)
	}
	delete(s.collections, chatID)
	delete(s.ids, chatID)
	return nil
}
