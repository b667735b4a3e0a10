// Package google adapts Google's Gemini API to the classifier and drafter
// collaborator interfaces.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/inboxflow/inboxflow/flow/collab"
)

// DefaultModel is used when no model is specified.
const DefaultModel = "gemini-1.5-flash"

// Client implements collab.Classifier and collab.Drafter on Gemini.
// Close releases the underlying gRPC connection.
type Client struct {
	client *genai.Client
	model  string
}

// New creates a Gemini-backed classifier/drafter. An empty model selects
// DefaultModel.
func New(ctx context.Context, apiKey, model string) (*Client, error) {
	if model == "" {
		model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{client: client, model: model}, nil
}

// Close releases the client's resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Classify implements collab.Classifier. The response schema pins the JSON
// shape so parsing never has to dig JSON out of prose.
func (c *Client) Classify(ctx context.Context, content collab.Content, categories []string) (collab.Classification, error) {
	model := c.client.GenerativeModel(c.model)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"category":       {Type: genai.TypeString},
			"priority_score": {Type: genai.TypeInteger},
			"reasoning":      {Type: genai.TypeString},
			"needs_response": {Type: genai.TypeBoolean},
		},
		Required: []string{"category", "priority_score", "reasoning", "needs_response"},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(collab.ClassifyPrompt(content, categories)))
	if err != nil {
		return collab.Classification{}, mapError("classify", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return collab.Classification{}, collab.NewError(collab.KindInvalidInput, "classify", err.Error(), nil)
	}
	return collab.ParseClassification(text, categories)
}

// Draft implements collab.Drafter.
func (c *Client) Draft(ctx context.Context, content collab.Content, retrievalContext string) (string, error) {
	model := c.client.GenerativeModel(c.model)
	resp, err := model.GenerateContent(ctx, genai.Text(collab.DraftPrompt(content, retrievalContext)))
	if err != nil {
		return "", mapError("draft", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return "", collab.NewError(collab.KindInvalidInput, "draft", err.Error(), nil)
	}
	return text, nil
}

// responseText flattens the first candidate's text parts. Gemini reports
// safety blocks through FinishReason rather than an error.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("empty response")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("response blocked by safety filter")
	}
	if cand.Content == nil {
		return "", fmt.Errorf("response has no content")
	}
	var text string
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text += string(t)
		}
	}
	if text == "" {
		return "", fmt.Errorf("response has no text parts")
	}
	return text, nil
}

func mapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return collab.NewError(collab.KindTimeout, op, "request cancelled or timed out", err)
	}
	return collab.MapProviderError("google", op, err)
}
