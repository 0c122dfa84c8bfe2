// Package report generates status reports: window planning, model
// invocation, validation with bounded retries, persistence with coverage, and
// Markdown rendering into configured sinks.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/repoledger/repoledger/internal/models"
)

const dateLayout = "2006-01-02"

// RenderMarkdown produces the human-readable artefact for a persisted
// report. Empty sections are omitted.
func RenderMarkdown(repo models.Repository, rep models.Report) string {
	var summary models.StatusSummary
	// The machine summary is written by us; a decode failure leaves the
	// optional sections empty rather than failing the render.
	_ = json.Unmarshal(rep.MachineSummary, &summary)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s — Status report (%s to %s)\n\n",
		repo.ExternalID(),
		rep.WindowStart.UTC().Format(dateLayout),
		rep.WindowEnd.UTC().Format(dateLayout))
	fmt.Fprintf(&b, "**Status:** %s\n\n", rep.Status)

	b.WriteString("## Summary\n\n")
	b.WriteString(strings.TrimSpace(rep.HumanText))
	b.WriteString("\n")

	writeSection(&b, "Highlights", summary.Highlights)
	writeSection(&b, "Risks", summary.Risks)
	writeSection(&b, "Next steps", summary.NextSteps)

	fmt.Fprintf(&b, "\n*Generated %s by %s for window %s/%s — report %s*\n",
		rep.GeneratedAt.UTC().Format(time.RFC3339),
		rep.Model,
		rep.WindowStart.UTC().Format(dateLayout),
		rep.WindowEnd.UTC().Format(dateLayout),
		rep.ID)
	return b.String()
}

func writeSection(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", heading)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
