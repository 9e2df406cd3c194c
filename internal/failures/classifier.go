// Package failures classifies failure reasons and aggregates failed spans
// into ranked statistics.
package failures

import (
	"strings"

	"github.com/fentz26/conductor/internal/models"
)

// Rule maps a reason code to a reason kind. A code ending in "*" matches
// by prefix. Matching is case-insensitive.
type Rule struct {
	Code string            `koanf:"code" json:"code"`
	Kind models.ReasonKind `koanf:"kind" json:"kind"`
}

func (r Rule) matches(code string) bool {
	pattern := strings.ToUpper(r.Code)
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(code, strings.TrimSuffix(pattern, "*"))
	}
	return code == pattern
}

// DefaultRules returns the built-in classification table.
func DefaultRules() []Rule {
	return []Rule{
		{Code: "TIMEOUT", Kind: models.ReasonTransient},
		{Code: "NETWORK*", Kind: models.ReasonTransient},
		{Code: "CONNECTION*", Kind: models.ReasonTransient},
		{Code: "UPSTREAM_5*", Kind: models.ReasonTransient},
		{Code: "RATE_LIMIT*", Kind: models.ReasonResource},
		{Code: "QUOTA*", Kind: models.ReasonResource},
		{Code: "OOM", Kind: models.ReasonResource},
		{Code: "NO_CAPACITY", Kind: models.ReasonResource},
		{Code: "DISK_FULL", Kind: models.ReasonResource},
		{Code: "AUTH*", Kind: models.ReasonConfig},
		{Code: "CONFIG*", Kind: models.ReasonConfig},
		{Code: "MISSING_*", Kind: models.ReasonConfig},
		{Code: "PERMISSION_DENIED", Kind: models.ReasonConfig},
		{Code: "INVALID_INPUT", Kind: models.ReasonPersistent},
		{Code: "ASSERTION*", Kind: models.ReasonPersistent},
		{Code: "TEST_FAILURE*", Kind: models.ReasonPersistent},
		{Code: "NOT_FOUND", Kind: models.ReasonPersistent},
	}
}

// Classifier assigns reason kinds to failed, blocked and retrying spans.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier. A nil rule set uses DefaultRules.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Classify returns the kind for a reason. An explicit valid kind always
// wins, including an explicit UNKNOWN. Otherwise the first matching rule
// decides, and no match yields UNKNOWN.
func (c *Classifier) Classify(code *string, kind models.ReasonKind) models.ReasonKind {
	if kind.Valid() {
		return kind
	}
	if code == nil || *code == "" {
		return models.ReasonUnknown
	}
	upper := strings.ToUpper(*code)
	for _, r := range c.rules {
		if r.matches(upper) {
			return r.Kind
		}
	}
	return models.ReasonUnknown
}
