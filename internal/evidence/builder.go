// Package evidence assembles the input bundle for a status-model invocation:
// the uncovered event facts of a reporting window, grouped by work type, plus
// recent report context.
package evidence

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/gold"
	"github.com/repoledger/repoledger/internal/models"
	"github.com/repoledger/repoledger/internal/silver"
)

// WorkType buckets facts by the kind of work they represent.
type WorkType string

const (
	WorkFeature  WorkType = "feature"
	WorkBug      WorkType = "bug"
	WorkRefactor WorkType = "refactor"
	WorkChore    WorkType = "chore"
)

// workTypeOrder fixes group ordering so rebuilt bundles are identical.
var workTypeOrder = []WorkType{WorkFeature, WorkBug, WorkRefactor, WorkChore}

// Fact is one piece of evidence: the event fact plus the fields the grouping
// heuristic extracted from its normalised payload.
type Fact struct {
	ID         uuid.UUID `json:"id"`
	EventType  string    `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt"`
	Title      string    `json:"title,omitempty"`
	Labels     []string  `json:"labels,omitempty"`
	WorkType   WorkType  `json:"workType"`
}

// Group is the facts of one work type, in (occurred_at, id) order.
type Group struct {
	WorkType WorkType `json:"workType"`
	Facts    []Fact   `json:"facts"`
}

// Bundle is the immutable model input for one reporting window. Building it
// twice from the same stores yields an identical value.
type Bundle struct {
	Repository  models.Repository `json:"repository"`
	WindowStart time.Time         `json:"windowStart"`
	WindowEnd   time.Time         `json:"windowEnd"`
	Groups      []Group           `json:"groups"`
	// PreviousReports holds up to two prior repository reports, newest
	// first, for model context.
	PreviousReports []models.Report `json:"previousReports,omitempty"`
}

// FactCount totals facts across groups.
func (b Bundle) FactCount() int {
	n := 0
	for _, g := range b.Groups {
		n += len(g.Facts)
	}
	return n
}

// FactIDs returns every fact id in group order; this is what report coverage
// records.
func (b Bundle) FactIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, b.FactCount())
	for _, g := range b.Groups {
		for _, f := range g.Facts {
			out = append(out, f.ID)
		}
	}
	return out
}

// Empty reports whether the window produced no uncovered facts.
func (b Bundle) Empty() bool { return b.FactCount() == 0 }

// Builder reads silver facts and gold coverage.
type Builder struct {
	silver silver.Store
	gold   gold.Store
}

func NewBuilder(sv silver.Store, gd gold.Store) *Builder {
	return &Builder{silver: sv, gold: gd}
}

// Build assembles the bundle for repo over [windowStart, windowEnd). Facts
// already covered by a repository-scoped report are excluded; coverage from
// project or estate reports does not suppress anything.
func (b *Builder) Build(ctx context.Context, repo models.Repository, windowStart, windowEnd time.Time) (Bundle, error) {
	facts, err := b.silver.ListEventFacts(ctx, repo.ID, windowStart, windowEnd)
	if err != nil {
		return Bundle{}, err
	}
	covered, err := b.gold.ListCoveredFactIDs(ctx, repo.ID)
	if err != nil {
		return Bundle{}, err
	}

	grouped := map[WorkType][]Fact{}
	for _, fact := range facts {
		if _, ok := covered[fact.ID]; ok {
			continue
		}
		ev, err := extract(fact)
		if err != nil {
			return Bundle{}, err
		}
		grouped[ev.WorkType] = append(grouped[ev.WorkType], ev)
	}

	bundle := Bundle{
		Repository:  repo,
		WindowStart: windowStart.UTC(),
		WindowEnd:   windowEnd.UTC(),
	}
	for _, wt := range workTypeOrder {
		facts := grouped[wt]
		if len(facts) == 0 {
			continue
		}
		sort.Slice(facts, func(i, j int) bool {
			if !facts[i].OccurredAt.Equal(facts[j].OccurredAt) {
				return facts[i].OccurredAt.Before(facts[j].OccurredAt)
			}
			return facts[i].ID.String() < facts[j].ID.String()
		})
		bundle.Groups = append(bundle.Groups, Group{WorkType: wt, Facts: facts})
	}

	previous, err := b.gold.ListRecentRepositoryReports(ctx, repo.ID, 2)
	if err != nil {
		return Bundle{}, err
	}
	bundle.PreviousReports = previous
	return bundle, nil
}

// extract pulls the heuristic inputs out of the normalised payload.
func extract(fact models.EventFact) (Fact, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(fact.NormalisedPayload, &payload); err != nil {
		return Fact{}, faults.Wrap(faults.DataIntegrity, err, "unmarshal normalised payload of fact %s", fact.ID)
	}

	ev := Fact{
		ID:         fact.ID,
		EventType:  fact.EventType,
		OccurredAt: fact.OccurredAt,
	}
	if title, ok := payload["title"].(string); ok {
		ev.Title = title
	} else if msg, ok := payload["message"].(string); ok {
		ev.Title = msg
	}
	if raw, ok := payload["labels"].([]interface{}); ok {
		for _, l := range raw {
			if s, ok := l.(string); ok {
				ev.Labels = append(ev.Labels, s)
			}
		}
	}
	ev.WorkType = Classify(ev.Title, ev.Labels, fact.EventType)
	return ev, nil
}

// Classify buckets a change by labels first, then conventional-commit style
// title prefixes. Anything unmatched is a chore, except documentation
// changes which always are.
func Classify(title string, labels []string, eventType string) WorkType {
	if eventType == models.EventTypeDocChange {
		return WorkChore
	}
	for _, label := range labels {
		switch strings.ToLower(label) {
		case "bug", "defect", "regression":
			return WorkBug
		case "enhancement", "feature":
			return WorkFeature
		case "refactor", "tech-debt", "cleanup":
			return WorkRefactor
		}
	}
	lower := strings.ToLower(strings.TrimSpace(title))
	switch {
	case strings.HasPrefix(lower, "feat"):
		return WorkFeature
	case strings.HasPrefix(lower, "fix"), strings.HasPrefix(lower, "bug"):
		return WorkBug
	case strings.HasPrefix(lower, "refactor"):
		return WorkRefactor
	}
	return WorkChore
}
