package report

import (
	"strings"

	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/models"
)

// Validation rule codes.
const (
	RuleEmptySummary          = "empty_summary"
	RuleTruncatedSummary      = "truncated_summary"
	RuleImplausibleHighlights = "implausible_highlights"
)

// Validate checks a model summary against the evidence it claims to
// describe. Every violated rule is collected; an empty slice means the
// summary passed.
func Validate(summary models.StatusSummary, bundle evidence.Bundle) []models.ReviewIssue {
	var issues []models.ReviewIssue

	text := strings.TrimSpace(summary.SummaryText)
	if text == "" {
		issues = append(issues, models.ReviewIssue{
			Code:    RuleEmptySummary,
			Message: "summary text is empty or whitespace-only",
		})
	}
	if strings.HasSuffix(text, "...") || strings.HasSuffix(text, "…") {
		issues = append(issues, models.ReviewIssue{
			Code:    RuleTruncatedSummary,
			Message: "summary text appears truncated",
		})
	}
	if len(summary.Highlights) > 5*bundle.FactCount() {
		issues = append(issues, models.ReviewIssue{
			Code:    RuleImplausibleHighlights,
			Message: "more highlights than the evidence plausibly supports",
		})
	}
	return issues
}
