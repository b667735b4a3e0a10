// Package anthropic adapts Anthropic's Claude API to the classifier and
// drafter collaborator interfaces.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/inboxflow/inboxflow/flow/collab"
)

// DefaultModel is used when no model is specified.
const DefaultModel = "claude-3-5-sonnet-20241022"

// Client implements collab.Classifier and collab.Drafter on Claude.
//
// Safe for concurrent use after creation; the underlying SDK client handles
// concurrent requests.
//
// Example:
//
//	c := anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), "")
//	cls, err := c.Classify(ctx, content, categories)
type Client struct {
	client *anthropic.Client
	model  string
}

// New creates a Claude-backed classifier/drafter. An empty model selects
// DefaultModel.
func New(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, model: model}
}

// Classify implements collab.Classifier.
func (c *Client) Classify(ctx context.Context, content collab.Content, categories []string) (collab.Classification, error) {
	text, err := c.complete(ctx, "classify", collab.ClassifyPrompt(content, categories))
	if err != nil {
		return collab.Classification{}, err
	}
	return collab.ParseClassification(text, categories)
}

// Draft implements collab.Drafter.
func (c *Client) Draft(ctx context.Context, content collab.Content, retrievalContext string) (string, error) {
	text, err := c.complete(ctx, "draft", collab.DraftPrompt(content, retrievalContext))
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", collab.NewError(collab.KindInvalidInput, "draft", "model returned empty reply", nil)
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, op, prompt string) (string, error) {
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", collab.NewError(collab.KindTimeout, op, "request cancelled or timed out", err)
		}
		return "", collab.MapProviderError("anthropic", op, err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
