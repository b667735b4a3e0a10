package flow

import (
	"context"
	"strings"

	"github.com/inboxflow/inboxflow/flow/collab"
)

// FallbackClassifier is the deterministic rule-based classifier used when
// the classification collaborator exhausts its retries. Classification must
// always produce some result so downstream routing stays well-defined; an
// instance never fails solely because the classifier is unavailable.
//
// The heuristics are deliberately simple: keyword buckets per category plus
// a needs-response detector. They are not meant to rival the collaborator,
// only to keep the pipeline moving.
type FallbackClassifier struct {
	// DefaultCategory is proposed when no keyword bucket matches.
	// Empty means "Inbox".
	DefaultCategory string

	// Keywords maps a category to the keywords that select it. When nil, a
	// built-in table is used.
	Keywords map[string][]string
}

// builtinKeywords is the default category keyword table.
var builtinKeywords = map[string][]string{
	"Work":       {"meeting", "deadline", "project", "report", "invoice"},
	"Finance":    {"payment", "receipt", "bank", "statement", "transfer"},
	"Newsletter": {"unsubscribe", "newsletter", "digest", "weekly update"},
	"Travel":     {"flight", "booking", "reservation", "itinerary", "hotel"},
}

// needsResponseHints are phrases suggesting the sender expects a reply.
var needsResponseHints = []string{
	"please reply", "please respond", "let me know", "could you", "can you",
	"would you", "waiting for your", "rsvp", "get back to me",
}

// Classify implements collab.Classifier. It never returns an error.
func (f *FallbackClassifier) Classify(_ context.Context, content collab.Content, categories []string) (collab.Classification, error) {
	text := strings.ToLower(content.Subject + " " + content.Body)

	keywords := f.Keywords
	if keywords == nil {
		keywords = builtinKeywords
	}

	category := ""
	bestHits := 0
	for cat, words := range keywords {
		if len(categories) > 0 && !containsString(categories, cat) {
			continue
		}
		hits := 0
		for _, w := range words {
			if strings.Contains(text, w) {
				hits++
			}
		}
		// Ties resolve to the lexicographically smaller category so the
		// fallback stays deterministic across runs.
		if hits > bestHits || (hits == bestHits && hits > 0 && cat < category) {
			bestHits = hits
			category = cat
		}
	}
	if category == "" {
		category = f.DefaultCategory
	}
	if category == "" {
		category = "Inbox"
	}

	needsResponse := strings.Contains(text, "?")
	for _, hint := range needsResponseHints {
		if needsResponse {
			break
		}
		needsResponse = strings.Contains(text, hint)
	}

	// Modest fixed score: heuristic results should not trigger immediate
	// delivery on their own.
	return collab.Classification{
		Category:      category,
		PriorityScore: 30,
		Reasoning:     "rule-based fallback (classifier unavailable)",
		NeedsResponse: needsResponse,
		Fallback:      true,
	}, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
