package scraper

import (
	"sort"
	"strings"
)

// Classifier assigns a best-effort category hint to extracted records by
// keyword match over content and hashtags. The hint is advisory; a user
// override through the API is authoritative and never reclassified.
type Classifier struct {
	rules map[string][]string
	order []string
}

// DefaultRules returns the built-in category keyword table
func DefaultRules() map[string][]string {
	return map[string][]string{
		"tech":     {"golang", "programming", "software", "developer", "opensource", "ai", "llm"},
		"finance":  {"stocks", "crypto", "bitcoin", "market", "trading", "invest"},
		"news":     {"breaking", "report", "announced", "election"},
		"sports":   {"game", "match", "season", "league", "championship"},
	}
}

// NewClassifier builds a classifier from a category keyword table. Categories
// are matched in sorted order so ties resolve deterministically.
func NewClassifier(rules map[string][]string) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	order := make([]string, 0, len(rules))
	for category := range rules {
		order = append(order, category)
	}
	sort.Strings(order)
	return &Classifier{rules: rules, order: order}
}

// Classify returns the first category whose keywords appear in the content
// or hashtags, or empty when nothing matches.
func (c *Classifier) Classify(content string, hashtags []string) string {
	haystack := strings.ToLower(content)
	for _, tag := range hashtags {
		haystack += " " + strings.ToLower(strings.TrimPrefix(tag, "#"))
	}

	for _, category := range c.order {
		for _, keyword := range c.rules[category] {
			if strings.Contains(haystack, strings.ToLower(keyword)) {
				return category
			}
		}
	}
	return ""
}
