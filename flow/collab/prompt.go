package collab

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Prompt construction and response parsing shared by the provider-backed
// classifiers and drafters. Each provider formats requests its own way but
// they all ask the same questions and parse the same JSON shape.

// ClassifyPrompt builds the classification prompt for content against the
// offered categories.
func ClassifyPrompt(content Content, categories []string) string {
	var sb strings.Builder
	sb.WriteString("You are an email triage assistant. Classify the email below.\n\n")
	sb.WriteString("Available categories: ")
	sb.WriteString(strings.Join(categories, ", "))
	sb.WriteString("\n\nEmail:\n")
	writeContent(&sb, content)
	sb.WriteString("\nRespond with a JSON object with these fields:\n")
	sb.WriteString("- category: exactly one of the available categories\n")
	sb.WriteString("- priority_score: integer 0-100, how urgently the owner should see this\n")
	sb.WriteString("- reasoning: one sentence explaining the choice\n")
	sb.WriteString("- needs_response: boolean, whether the email asks something of the owner\n\n")
	sb.WriteString("Return ONLY the JSON object, no markdown, no extra text.")
	return sb.String()
}

// DraftPrompt builds the reply-drafting prompt. retrievalContext carries
// prior correspondence or knowledge-base snippets and may be empty.
func DraftPrompt(content Content, retrievalContext string) string {
	var sb strings.Builder
	sb.WriteString("You are drafting an email reply on behalf of the recipient.\n\n")
	sb.WriteString("Email to reply to:\n")
	writeContent(&sb, content)
	if retrievalContext != "" {
		sb.WriteString("\nRelevant context from prior correspondence:\n")
		sb.WriteString(retrievalContext)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWrite a concise, polite reply addressing what the sender asked. ")
	sb.WriteString("Return ONLY the reply body, no subject line, no signature placeholders.")
	return sb.String()
}

func writeContent(sb *strings.Builder, content Content) {
	fmt.Fprintf(sb, "From: %s\n", content.From)
	fmt.Fprintf(sb, "To: %s\n", content.To)
	fmt.Fprintf(sb, "Subject: %s\n\n", content.Subject)
	sb.WriteString(content.Body)
	sb.WriteString("\n")
}

// ParseClassification parses a model's classification response. It tolerates
// markdown code fences and leading or trailing prose around the JSON object.
func ParseClassification(text string, categories []string) (Classification, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var raw struct {
		Category      string `json:"category"`
		PriorityScore int    `json:"priority_score"`
		Reasoning     string `json:"reasoning"`
		NeedsResponse bool   `json:"needs_response"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end == -1 || start >= end {
			return Classification{}, NewError(KindInvalidInput, "parse_classification", "no JSON object in model response", err)
		}
		if jerr := json.Unmarshal([]byte(text[start:end+1]), &raw); jerr != nil {
			return Classification{}, NewError(KindInvalidInput, "parse_classification", "malformed JSON in model response", jerr)
		}
	}

	category := ""
	for _, cat := range categories {
		if strings.EqualFold(cat, raw.Category) {
			category = cat
			break
		}
	}
	if category == "" {
		return Classification{}, NewError(KindInvalidInput, "parse_classification",
			fmt.Sprintf("model chose unknown category %q", raw.Category), nil)
	}

	score := raw.PriorityScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Classification{
		Category:      category,
		PriorityScore: score,
		Reasoning:     raw.Reasoning,
		NeedsResponse: raw.NeedsResponse,
	}, nil
}

// MapProviderError classifies a provider SDK error into an Error with the
// right kind, keyed off the error text. The SDKs expose status codes only in
// strings, so matching goes by substring the way the HTTP layer phrases them.
func MapProviderError(provider, op string, err error) *Error {
	msg := strings.ToLower(err.Error())
	kind := KindUnavailable
	switch {
	case strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		kind = KindTimeout
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "too many requests"):
		kind = KindRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication") || strings.Contains(msg, "api key") || strings.Contains(msg, "api_key"):
		kind = KindUnauthorized
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid_request") || strings.Contains(msg, "invalid request"):
		kind = KindInvalidInput
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		kind = KindBlocked
	case strings.Contains(msg, "safety") || strings.Contains(msg, "blocked"):
		kind = KindBlocked
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") || strings.Contains(msg, "504") || strings.Contains(msg, "overloaded") || strings.Contains(msg, "unavailable") || strings.Contains(msg, "connection"):
		kind = KindUnavailable
	}
	return NewError(kind, op, provider+" request failed", err)
}
