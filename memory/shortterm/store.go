// Package shortterm implements the rolling per-chat message window and
// its compaction policy. When the window exceeds its cap, an aged
// prefix is replaced by one synthesized summary message after a
// best-effort attempt to salvage durable facts into long-term memory.
package shortterm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/recallkit/recall-go/core"
)

// FactExtractor is the narrow long-term dependency: extract durable
// facts from messages and save them, best-effort. Implemented by the
// long-term store.
type FactExtractor interface {
	ExtractAndSave(ctx context.Context, chatID string, messages []core.Message, source core.EntrySource) int
}

// Summarizer condenses a window of messages into one summary text.
// An empty summary means nothing was deemed important.
type Summarizer interface {
	Summarize(ctx context.Context, messages []core.Message) (string, error)
}

// Config holds the compaction policy.
type Config struct {
	// MaxMessages is the window cap. An append that pushes the window
	// past the cap triggers synchronous compaction.
	MaxMessages int

	// KeepRecent is how many trailing messages survive compaction
	// verbatim, so pronoun references in recent turns stay resolvable.
	KeepRecent int
}

// DefaultConfig returns the default 16/8 policy.
var DefaultConfig = &Config{
	MaxMessages: 16,
	KeepRecent:  8,
}

// Store owns every chat's short-term window. State is persisted to the
// doc store on each mutation and cached in-process, populated lazily
// on first read and never expired.
type Store struct {
	docs      core.DocStore
	extractor FactExtractor
	summarize Summarizer
	config    *Config

	// OnCompact, when set, runs after a window has been compacted.
	// The manager uses it to drop stale short-term rows from the
	// hybrid index.
	OnCompact func(ctx context.Context, chatID string)

	mu    sync.Mutex
	cache map[string]*core.ChatMemory
}

// New creates a short-term store. extractor and summarize may be nil;
// compaction then trims without extraction or summary.
func New(docs core.DocStore, extractor FactExtractor, summarize Summarizer, config *Config) *Store {
	if config == nil {
		config = DefaultConfig
	}
	return &Store{
		docs:      docs,
		extractor: extractor,
		summarize: summarize,
		config:    config,
		cache:     make(map[string]*core.ChatMemory),
	}
}

func (s *Store) key(chatID string) string {
	return "shortterm/" + chatID
}

// load returns the chat's memory, reading through to the doc store on
// first access. Corrupt persisted state degrades to an empty window.
func (s *Store) load(ctx context.Context, chatID string) *core.ChatMemory {
	if m, ok := s.cache[chatID]; ok {
		return m
	}

	m := &core.ChatMemory{ChatID: chatID}
	if s.docs != nil {
		raw, ok, err := s.docs.Get(ctx, s.key(chatID))
		if err != nil {
			log.Printf("[SHORTTERM] Failed to load chat=%s: %v", chatID, err)
		} else if ok {
			if err := json.Unmarshal(raw, m); err != nil {
				log.Printf("[SHORTTERM] Corrupt state for chat=%s, starting empty: %v", chatID, err)
				m = &core.ChatMemory{ChatID: chatID}
			}
		}
	}
	s.cache[chatID] = m
	return m
}

func (s *Store) persist(ctx context.Context, m *core.ChatMemory) error {
	if s.docs == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal chat memory: %w", err)
	}
	if err := s.docs.Put(ctx, s.key(m.ChatID), raw); err != nil {
		return fmt.Errorf("persist chat memory: %w", err)
	}
	return nil
}

// GetMessages returns a copy of the chat's window, oldest first.
func (s *Store) GetMessages(ctx context.Context, chatID string) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.load(ctx, chatID)
	out := make([]core.Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}

// HasMemory reports whether the chat has any messages.
func (s *Store) HasMemory(ctx context.Context, chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load(ctx, chatID).Messages) > 0
}

// Append adds a message with the current timestamp. If the window now
// exceeds the cap, compaction runs synchronously before the state is
// persisted; the cap may only be exceeded transiently inside this
// call.
func (s *Store) Append(ctx context.Context, chatID string, role core.Role, content string, attachments []core.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.load(ctx, chatID)
	m.Messages = append(m.Messages, core.Message{
		Role:        role,
		Content:     content,
		Timestamp:   time.Now(),
		Attachments: attachments,
	})
	m.LastActivity = time.Now()

	compacted := false
	if len(m.Messages) > s.config.MaxMessages {
		m.Messages = s.compact(ctx, chatID, m.Messages)
		compacted = true
	}

	if err := s.persist(ctx, m); err != nil {
		return err
	}
	if compacted && s.OnCompact != nil {
		s.OnCompact(ctx, chatID)
	}
	return nil
}

// Reset clears the chat's window. Existing messages are first offered
// to the fact extractor so otherwise-lost content can seed long-term
// memory; extraction failure never blocks the reset.
func (s *Store) Reset(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.load(ctx, chatID)
	if len(m.Messages) > 0 && s.extractor != nil {
		saved := s.extractor.ExtractAndSave(ctx, chatID, m.Messages, core.SourceCompaction)
		log.Printf("[SHORTTERM] Reset chat=%s, salvaged %d facts", chatID, saved)
	}

	delete(s.cache, chatID)
	if s.docs != nil {
		if err := s.docs.Delete(ctx, s.key(chatID)); err != nil {
			return fmt.Errorf("delete chat memory: %w", err)
		}
	}
	return nil
}

// PromptMessage is a message mapped for model consumption.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToPromptFormat maps the window for a downstream model: user turns
// become "human", assistant turns "ai", and summaries a clearly
// labeled "system" context entry.
func (s *Store) ToPromptFormat(ctx context.Context, chatID string) []PromptMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.load(ctx, chatID)
	out := make([]PromptMessage, 0, len(m.Messages))
	for _, msg := range m.Messages {
		switch msg.Role {
		case core.RoleSummary:
			out = append(out, PromptMessage{
				Role:    "system",
				Content: "Summary of earlier conversation: " + msg.Content,
			})
		case core.RoleUser:
			out = append(out, PromptMessage{Role: "human", Content: msg.Content})
		case core.RoleAssistant:
			out = append(out, PromptMessage{Role: "ai", Content: msg.Content})
		}
	}
	return out
}
