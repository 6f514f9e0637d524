package core

import "time"

// Role identifies who produced a short-term message.
type Role string

const (
	// RoleUser marks a message written by the human.
	RoleUser Role = "user"

	// RoleAssistant marks a message written by the agent.
	RoleAssistant Role = "assistant"

	// RoleSummary marks a synthetic message produced by compaction.
	// At most one summary sits at the head of a chat's window.
	RoleSummary Role = "summary"
)

// Attachment is an opaque file descriptor carried on a message.
// The memory subsystem stores and returns attachments but never
// interprets them.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message is one entry in a chat's rolling short-term window.
type Message struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// ChatMemory is the persisted short-term state for one chat.
// Owned exclusively by the short-term store; mutated only through
// append, compaction and reset.
type ChatMemory struct {
	ChatID       string    `json:"chat_id"`
	Messages     []Message `json:"messages"`
	LastActivity time.Time `json:"last_activity"`
}

// Category classifies a long-term entry.
type Category string

const (
	CategoryFact       Category = "fact"
	CategoryPreference Category = "preference"
	CategoryDecision   Category = "decision"
	CategoryContext    Category = "context"
	CategoryTodo       Category = "todo"
	CategoryFile       Category = "file"
)

// ValidCategory reports whether c is one of the recognized categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryFact, CategoryPreference, CategoryDecision,
		CategoryContext, CategoryTodo, CategoryFile:
		return true
	}
	return false
}

// EntrySource records how a long-term entry came to exist.
type EntrySource string

const (
	// SourceAuto marks entries extracted from live conversation.
	SourceAuto EntrySource = "auto"

	// SourceManual marks entries the user asked the agent to remember.
	SourceManual EntrySource = "manual"

	// SourceCompaction marks entries salvaged from an evicted
	// short-term window.
	SourceCompaction EntrySource = "compaction"
)

// Entry is one durable long-term memory.
// ID and CreatedAt are assigned by the long-term store and never
// change afterwards; Content, Category, Tags and Metadata may be
// updated in place.
type Entry struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Category  Category       `json:"category"`
	Source    EntrySource    `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
	Tags      []string       `json:"tags,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// FileMetadata builds the structured metadata payload for a
// CategoryFile entry. Categories define their own payload shape; this
// is the only one the core ships a constructor for.
func FileMetadata(fileID, fileName, filePath, mimeType string, size int64, tags []string, uploadedAt, memorizedAt time.Time) map[string]any {
	return map[string]any{
		"fileId":      fileID,
		"fileName":    fileName,
		"filePath":    filePath,
		"mimeType":    mimeType,
		"size":        size,
		"tags":        tags,
		"uploadedAt":  uploadedAt.Format(time.RFC3339),
		"memorizedAt": memorizedAt.Format(time.RFC3339),
	}
}

// IndexSource tells which memory layer an embedding-manifest entry
// came from.
type IndexSource string

const (
	IndexShortTerm IndexSource = "short-term"
	IndexLongTerm  IndexSource = "long-term"
)

// EmbeddingEntry is one row of a chat's hybrid-search manifest.
// Append-only except for bulk removal of short-term rows after
// compaction and full clears.
type EmbeddingEntry struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	TextHash  string      `json:"text_hash"`
	Embedding []float32   `json:"embedding"`
	Source    IndexSource `json:"source"`
	CreatedAt time.Time   `json:"created_at"`
}
