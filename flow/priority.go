package flow

import "strings"

// Priority routing is a cross-cutting policy consulted at notification time:
// the score decides whether the approval message goes out immediately or is
// marked for batched delivery. It never changes the graph topology.

// DefaultPriorityThreshold is the score at or above which notifications are
// sent immediately.
const DefaultPriorityThreshold = 70

// maxPriorityScore bounds the weighted rule sum.
const maxPriorityScore = 100

// PriorityRuleKind selects what part of the item a rule matches against.
type PriorityRuleKind string

const (
	// RuleSenderDomain matches the domain part of the sender address.
	RuleSenderDomain PriorityRuleKind = "sender_domain"

	// RuleSender matches the full sender address (user-configured VIPs).
	RuleSender PriorityRuleKind = "sender"

	// RuleKeyword matches a keyword in subject or body.
	RuleKeyword PriorityRuleKind = "keyword"
)

// PriorityRule is one weighted match contributing to the priority score.
type PriorityRule struct {
	Kind    PriorityRuleKind
	Pattern string
	Weight  int
}

// PriorityPolicy computes a bounded [0,100] score from weighted rule matches
// and compares it against the threshold. Equal-to-threshold counts as
// immediate.
type PriorityPolicy struct {
	// Rules are the weighted matches. Empty rules mean score 0.
	Rules []PriorityRule

	// Threshold is the immediate-delivery cutoff; zero means the default.
	Threshold int
}

// Score computes the priority score for an item, capped at 100.
func (p PriorityPolicy) Score(content Payload) int {
	score := 0
	sender := strings.ToLower(content.From)
	subject := strings.ToLower(content.Subject)
	body := strings.ToLower(content.Body)

	for _, rule := range p.Rules {
		pattern := strings.ToLower(rule.Pattern)
		switch rule.Kind {
		case RuleSenderDomain:
			if at := strings.LastIndex(sender, "@"); at >= 0 && sender[at+1:] == pattern {
				score += rule.Weight
			}
		case RuleSender:
			if sender == pattern {
				score += rule.Weight
			}
		case RuleKeyword:
			if strings.Contains(subject, pattern) || strings.Contains(body, pattern) {
				score += rule.Weight
			}
		}
		if score >= maxPriorityScore {
			return maxPriorityScore
		}
	}
	return score
}

// Immediate reports whether a score warrants immediate delivery.
func (p PriorityPolicy) Immediate(score int) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultPriorityThreshold
	}
	return score >= threshold
}

// Evaluate computes the policy outcome once for an instance. The result is
// written into the payload (with PolicyEvaluated set) so re-evaluation after
// resume is unnecessary; callers must skip evaluation when PolicyEvaluated
// is already true.
func (p PriorityPolicy) Evaluate(payload Payload) (score int, immediate bool) {
	// A score the classifier already produced takes part in the decision;
	// rules add on top of it.
	score = payload.PriorityScore + p.Score(payload)
	if score > maxPriorityScore {
		score = maxPriorityScore
	}
	return score, p.Immediate(score)
}
