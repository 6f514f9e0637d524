package longterm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/recallkit/recall-go/core"
)

// extractionSystem is the conservative extraction policy. Only facts
// the user explicitly stated qualify; questions and transactional
// requests must not be turned into memories. An empty array is the
// expected common case.
const extractionSystem = `You extract durable facts from a conversation transcript.

Rules:
- Only extract information the user explicitly stated about themselves,
  their preferences, their decisions, or their ongoing context.
- Never infer facts from questions or transactional requests
  ("what's the BTC price?" states nothing worth remembering).
- Prefer returning nothing over guessing.

Respond with a JSON array only, no prose. Each element:
{"content": "<one self-contained statement>", "category": "<fact|preference|decision|context|todo>"}

Return [] when the transcript contains nothing durable.`

// ExtractFacts asks the language model for durable facts in messages.
// Malformed or missing output yields an empty result; items with an
// unrecognized category or empty content are filtered out. Never
// returns an error: extraction is always best-effort.
func (s *Store) ExtractFacts(ctx context.Context, chatID string, messages []core.Message) []EntryInput {
	if s.model == nil || len(messages) == 0 {
		return nil
	}

	prompt := fmt.Sprintf("Transcript:\n%s", transcript(messages))
	out, err := s.model.Invoke(ctx, extractionSystem, prompt)
	if err != nil {
		log.Printf("[LONGTERM] Fact extraction failed for chat=%s: %v", chatID, err)
		return nil
	}

	facts := parseFacts(out)
	if len(facts) > 0 {
		log.Printf("[LONGTERM] Extracted %d facts for chat=%s", len(facts), chatID)
	}
	return facts
}

// ExtractAndSave extracts facts and adds each with the given source
// tag. The returned count is the number of valid facts processed;
// duplicates that were silently rejected by Add still count.
func (s *Store) ExtractAndSave(ctx context.Context, chatID string, messages []core.Message, source core.EntrySource) int {
	facts := s.ExtractFacts(ctx, chatID, messages)
	processed := 0
	for _, fact := range facts {
		s.Add(ctx, chatID, fact, source)
		processed++
	}
	return processed
}

// transcript renders messages as role-prefixed lines.
func transcript(messages []core.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

type extractedFact struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// parseFacts pulls the first JSON array out of the model output and
// keeps only items with a recognized category and non-empty content.
func parseFacts(out string) []EntryInput {
	start := strings.Index(out, "[")
	end := strings.LastIndex(out, "]")
	if start < 0 || end <= start {
		return nil
	}

	var raw []extractedFact
	if err := json.Unmarshal([]byte(out[start:end+1]), &raw); err != nil {
		log.Printf("[LONGTERM] Malformed extraction output, ignoring: %v", err)
		return nil
	}

	facts := make([]EntryInput, 0, len(raw))
	for _, item := range raw {
		content := strings.TrimSpace(item.Content)
		category := core.Category(item.Category)
		// Extraction recognizes the five textual categories; file
		// entries are only ever created from attachment metadata.
		if content == "" || !core.ValidCategory(category) || category == core.CategoryFile {
			continue
		}
		facts = append(facts, EntryInput{Content: content, Category: category})
	}
	return facts
}
