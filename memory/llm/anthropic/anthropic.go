// Package anthropic implements the language-model capability on the
// Anthropic SDK. The memory subsystem uses it for summarization and
// fact extraction only.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/recallkit/recall-go/core"
)

// Config configures the model adapter.
type Config struct {
	// Model is the Claude model name. Defaults to claude-3-5-haiku-latest:
	// summarization and extraction are cheap background work.
	Model string

	// MaxTokens caps the response size. Default 1024.
	MaxTokens int64
}

// Model is a core.LanguageModel backed by the Anthropic API.
type Model struct {
	client *sdk.Client
	config Config
}

var _ core.LanguageModel = (*Model)(nil)

// New wraps client as a LanguageModel.
func New(client *sdk.Client, config Config) *Model {
	if config.Model == "" {
		config.Model = "claude-3-5-haiku-latest"
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 1024
	}
	return &Model{client: client, config: config}
}

// Invoke sends one user prompt under a system policy and returns the
// concatenated text of the response.
func (m *Model) Invoke(ctx context.Context, system, prompt string) (string, error) {
	resp, err := m.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(m.config.Model),
		MaxTokens: m.config.MaxTokens,
		System: []sdk.TextBlockParam{
			{Text: system},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
