package silver

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/repoledger/repoledger/internal/bronze"
	"github.com/repoledger/repoledger/internal/canonical"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/metrics"
	"github.com/repoledger/repoledger/internal/models"
)

// Projector consumes pending bronze rows in (occurred_at, id) order and
// applies their silver projections. Projection is deterministic: re-running
// over the same raw event yields a byte-identical normalised payload.
type Projector struct {
	bronze bronze.Store
	store  Store
	log    *logrus.Entry
}

func NewProjector(b bronze.Store, s Store, log *logrus.Entry) *Projector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Projector{bronze: b, store: s, log: log}
}

// ProcessPending projects up to batchSize pending raw events. It returns the
// number of events it consumed (including ones marked failed).
func (p *Projector) ProcessPending(ctx context.Context, batchSize int) (int, error) {
	events, err := p.bronze.ListUnprocessed(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, raw := range events {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := p.processOne(ctx, raw); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (p *Projector) processOne(ctx context.Context, raw models.RawEvent) error {
	proj, err := BuildProjection(raw)
	if err != nil {
		// Unprojectable events are terminal; record the reason and move on.
		p.log.WithFields(logrus.Fields{
			"raw_event": raw.ID,
			"type":      raw.EventType,
			"reason":    err.Error(),
		}).Warn("raw event rejected by projector")
		return p.bronze.MarkFailed(ctx, raw.ID, string(faults.KindOf(err)))
	}

	outcome, err := p.store.Apply(ctx, raw, proj)
	if err != nil {
		return err
	}
	metrics.EventsProjected.Inc()
	if outcome == AppliedDrift {
		metrics.ProjectionDrift.Inc()
		p.log.WithFields(logrus.Fields{
			"raw_event": raw.ID,
			"type":      raw.EventType,
		}).Error("projection drift detected; silver left unchanged")
	}
	return nil
}

// BuildProjection computes the deterministic silver projection of a raw
// event. It never touches storage.
func BuildProjection(raw models.RawEvent) (Projection, error) {
	owner, name, err := splitExternalID(raw.RepoExternalID)
	if err != nil {
		return Projection{}, err
	}

	proj := Projection{
		RepoOwner:      owner,
		RepoName:       name,
		DefaultBranch:  payloadString(raw.Payload, "branch"),
		EventType:      raw.EventType,
		RepoExternalID: raw.RepoExternalID,
		OccurredAt:     raw.OccurredAt.UTC(),
	}

	var view map[string]interface{}
	switch raw.EventType {
	case models.EventTypeCommit:
		sha := payloadString(raw.Payload, "sha")
		if sha == "" {
			return Projection{}, faults.New(faults.UnsupportedPayloadType, "commit event missing sha")
		}
		c := models.Commit{
			SHA:         sha,
			Message:     payloadString(raw.Payload, "message"),
			AuthorLogin: payloadString(raw.Payload, "author"),
			CommittedAt: payloadTime(raw.Payload, "committed_at", raw.OccurredAt),
		}
		proj.Commit = &c
		view = map[string]interface{}{
			"kind":         models.EventTypeCommit,
			"sha":          c.SHA,
			"message":      c.Message,
			"author":       c.AuthorLogin,
			"committed_at": c.CommittedAt,
		}

	case models.EventTypePullRequest:
		number, ok := payloadInt(raw.Payload, "number")
		if !ok {
			return Projection{}, faults.New(faults.UnsupportedPayloadType, "pull_request event missing number")
		}
		pr := models.PullRequest{
			Number:      number,
			Title:       payloadString(raw.Payload, "title"),
			State:       defaultString(payloadString(raw.Payload, "state"), "open"),
			AuthorLogin: payloadString(raw.Payload, "author"),
			Labels:      payloadStrings(raw.Payload, "labels"),
			OpenedAt:    payloadTime(raw.Payload, "opened_at", raw.OccurredAt),
			MergedAt:    payloadTimePtr(raw.Payload, "merged_at"),
			ClosedAt:    payloadTimePtr(raw.Payload, "closed_at"),
		}
		proj.PullRequest = &pr
		view = map[string]interface{}{
			"kind":      models.EventTypePullRequest,
			"number":    int64(pr.Number),
			"title":     pr.Title,
			"state":     pr.State,
			"author":    pr.AuthorLogin,
			"labels":    pr.Labels,
			"opened_at": pr.OpenedAt,
			"merged_at": pr.MergedAt,
			"closed_at": pr.ClosedAt,
		}

	case models.EventTypeIssue:
		number, ok := payloadInt(raw.Payload, "number")
		if !ok {
			return Projection{}, faults.New(faults.UnsupportedPayloadType, "issue event missing number")
		}
		is := models.Issue{
			Number:      number,
			Title:       payloadString(raw.Payload, "title"),
			State:       defaultString(payloadString(raw.Payload, "state"), "open"),
			AuthorLogin: payloadString(raw.Payload, "author"),
			Labels:      payloadStrings(raw.Payload, "labels"),
			OpenedAt:    payloadTime(raw.Payload, "opened_at", raw.OccurredAt),
			ClosedAt:    payloadTimePtr(raw.Payload, "closed_at"),
		}
		proj.Issue = &is
		view = map[string]interface{}{
			"kind":      models.EventTypeIssue,
			"number":    int64(is.Number),
			"title":     is.Title,
			"state":     is.State,
			"author":    is.AuthorLogin,
			"labels":    is.Labels,
			"opened_at": is.OpenedAt,
			"closed_at": is.ClosedAt,
		}

	case models.EventTypeDocChange:
		sha := payloadString(raw.Payload, "commit_sha")
		path := payloadString(raw.Payload, "path")
		if sha == "" || path == "" {
			return Projection{}, faults.New(faults.UnsupportedPayloadType, "doc_change event missing commit_sha or path")
		}
		dc := models.DocumentationChange{
			CommitSHA:  sha,
			Path:       path,
			ChangeType: payloadString(raw.Payload, "change_type"),
			ChangedAt:  payloadTime(raw.Payload, "changed_at", raw.OccurredAt),
		}
		proj.DocChange = &dc
		view = map[string]interface{}{
			"kind":        models.EventTypeDocChange,
			"commit_sha":  dc.CommitSHA,
			"path":        dc.Path,
			"change_type": dc.ChangeType,
			"changed_at":  dc.ChangedAt,
		}

	default:
		return Projection{}, faults.New(faults.UnsupportedPayloadType, "unrecognised event type %q", raw.EventType)
	}

	view["repo"] = raw.RepoExternalID
	view["occurred_at"] = raw.OccurredAt
	normalised, err := canonical.MarshalCanonical(view)
	if err != nil {
		return Projection{}, err
	}
	proj.NormalisedPayload = normalised
	return proj, nil
}

func splitExternalID(ext string) (owner, name string, err error) {
	parts := strings.SplitN(ext, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", faults.New(faults.UnknownRepository, "repo_external_id %q is not owner/name", ext)
	}
	return parts[0], parts[1], nil
}

func payloadString(payload map[string]interface{}, key string) string {
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func payloadInt(payload map[string]interface{}, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}

func payloadStrings(payload map[string]interface{}, key string) []string {
	raw, ok := payload[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func payloadTime(payload map[string]interface{}, key string, fallback time.Time) time.Time {
	if t := payloadTimePtr(payload, key); t != nil {
		return *t
	}
	return fallback.UTC()
}

func payloadTimePtr(payload map[string]interface{}, key string) *time.Time {
	s, ok := payload[key].(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}
