package statusmodel

import (
	"context"
	"fmt"
	"strings"

	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/models"
)

const maxListedItems = 5

// Heuristic is the deterministic local backend. The same bundle always
// produces the same summary.
type Heuristic struct{}

func NewHeuristic() *Heuristic { return &Heuristic{} }

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) SummariseRepository(ctx context.Context, bundle evidence.Bundle) (models.StatusSummary, error) {
	counts := map[evidence.WorkType]int{}
	var features, bugs []string
	for _, group := range bundle.Groups {
		counts[group.WorkType] += len(group.Facts)
		for _, fact := range group.Facts {
			title := fact.Title
			if title == "" {
				title = fmt.Sprintf("%s at %s", fact.EventType, fact.OccurredAt.Format("2006-01-02"))
			}
			title = firstLine(title)
			switch group.WorkType {
			case evidence.WorkFeature:
				features = append(features, title)
			case evidence.WorkBug:
				bugs = append(bugs, title)
			}
		}
	}
	total := bundle.FactCount()

	summary := models.StatusSummary{
		Status: models.StatusOnTrack,
		SummaryText: fmt.Sprintf("%s saw %d changes between %s and %s: %d feature, %d bug, %d refactor, %d chore.",
			bundle.Repository.ExternalID(), total,
			bundle.WindowStart.Format("2006-01-02"), bundle.WindowEnd.Format("2006-01-02"),
			counts[evidence.WorkFeature], counts[evidence.WorkBug],
			counts[evidence.WorkRefactor], counts[evidence.WorkChore]),
		Highlights: cap5(features),
		Risks:      nil,
		NextSteps:  nil,
	}

	// Bug-dominated windows read as at-risk; a window with nothing but bug
	// work is blocked.
	if counts[evidence.WorkBug]*2 > total {
		summary.Status = models.StatusAtRisk
	}
	if counts[evidence.WorkBug] == total && total > 0 {
		summary.Status = models.StatusBlocked
	}
	for _, bug := range cap5(bugs) {
		summary.Risks = append(summary.Risks, "Unresolved defect work: "+bug)
	}
	if summary.Status != models.StatusOnTrack {
		summary.NextSteps = append(summary.NextSteps, "Review open defect work before planning new features.")
	}
	return summary, nil
}

func cap5(items []string) []string {
	if len(items) > maxListedItems {
		return items[:maxListedItems]
	}
	return items
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
