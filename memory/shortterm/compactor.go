package shortterm

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/recallkit/recall-go/core"
)

// compact shrinks a window that exceeded the cap. The trailing
// KeepRecent messages always survive verbatim; the aged prefix is
// offered to the fact extractor, then replaced by a single summary
// message. Extraction and summarization are both best-effort: any
// failure falls back to the recent tail alone so the conversation is
// never blocked.
func (s *Store) compact(ctx context.Context, chatID string, messages []core.Message) []core.Message {
	keep := s.config.KeepRecent
	if keep > len(messages) {
		keep = len(messages)
	}
	cut := len(messages) - keep
	if cut <= 0 {
		return messages
	}

	toSummarize := messages[:cut]
	recent := messages[cut:]

	log.Printf("[SHORTTERM] Compacting chat=%s: summarizing %d, keeping %d", chatID, len(toSummarize), len(recent))

	if s.extractor != nil {
		saved := s.extractor.ExtractAndSave(ctx, chatID, toSummarize, core.SourceCompaction)
		if saved > 0 {
			log.Printf("[SHORTTERM] Salvaged %d facts from evicted window for chat=%s", saved, chatID)
		}
	}

	if s.summarize == nil {
		return recent
	}
	summary, err := s.summarize.Summarize(ctx, toSummarize)
	if err != nil {
		log.Printf("[SHORTTERM] Summarization failed for chat=%s, dropping evicted window: %v", chatID, err)
		return recent
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		// Nothing deemed important; trim without a synthetic message.
		return recent
	}

	out := make([]core.Message, 0, len(recent)+1)
	out = append(out, core.Message{
		Role:      core.RoleSummary,
		Content:   summary,
		Timestamp: time.Now(),
	})
	out = append(out, recent...)
	return out
}

// summarySystem instructs the model to compress a transcript into the
// few sentences a future turn would need.
const summarySystem = `You condense the beginning of a conversation so the rest of it can continue without the full transcript.

Write a compact summary covering what was discussed, what was decided, and any details later turns may refer back to. Respond with the summary text only. Respond with an empty string if nothing is worth carrying forward.`

// LLMSummarizer implements Summarizer on top of the language-model
// capability.
type LLMSummarizer struct {
	model core.LanguageModel
}

// NewLLMSummarizer wraps model as a Summarizer.
func NewLLMSummarizer(model core.LanguageModel) *LLMSummarizer {
	return &LLMSummarizer{model: model}
}

// Summarize renders the messages as a transcript and asks the model
// for a summary.
func (l *LLMSummarizer) Summarize(ctx context.Context, messages []core.Message) (string, error) {
	if l.model == nil {
		return "", fmt.Errorf("language model not configured")
	}

	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}

	return l.model.Invoke(ctx, summarySystem, "Transcript:\n"+b.String())
}
