// Package openai adapts OpenAI's chat completions API to the classifier and
// drafter collaborator interfaces.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/inboxflow/inboxflow/flow/collab"
)

// DefaultModel is used when no model is specified.
const DefaultModel = "gpt-4o-mini"

// Client implements collab.Classifier and collab.Drafter on OpenAI chat
// completions. Safe for concurrent use.
type Client struct {
	client *openai.Client
	model  string
}

// New creates an OpenAI-backed classifier/drafter. An empty model selects
// DefaultModel.
func New(apiKey, model string) *Client {
	if model == "" {
		model = DefaultModel
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client, model: model}
}

// Classify implements collab.Classifier. JSON mode keeps the response
// parseable without fence stripping.
func (c *Client) Classify(ctx context.Context, content collab.Content, categories []string) (collab.Classification, error) {
	text, err := c.complete(ctx, "classify", collab.ClassifyPrompt(content, categories), true)
	if err != nil {
		return collab.Classification{}, err
	}
	return collab.ParseClassification(text, categories)
}

// Draft implements collab.Drafter.
func (c *Client) Draft(ctx context.Context, content collab.Content, retrievalContext string) (string, error) {
	text, err := c.complete(ctx, "draft", collab.DraftPrompt(content, retrievalContext), false)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", collab.NewError(collab.KindInvalidInput, "draft", "model returned empty reply", nil)
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, op, prompt string, jsonMode bool) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfString: openai.String(prompt),
					},
				},
			},
		},
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", collab.NewError(collab.KindTimeout, op, "request cancelled or timed out", err)
		}
		return "", collab.MapProviderError("openai", op, err)
	}
	if len(completion.Choices) == 0 {
		return "", collab.NewError(collab.KindUnavailable, op, "empty completion response", nil)
	}
	return completion.Choices[0].Message.Content, nil
}
