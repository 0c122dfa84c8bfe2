// Package models contains the canonical entities of the medallion store:
// bronze raw events, silver projections and gold report metadata.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StreamKind names one of the per-repository ingestion streams.
type StreamKind string

const (
	StreamCommits      StreamKind = "commits"
	StreamPullRequests StreamKind = "pull_requests"
	StreamIssues       StreamKind = "issues"
	StreamDocChanges   StreamKind = "doc_changes"
)

// StreamKinds is the fixed processing order used by the ingestion worker.
var StreamKinds = []StreamKind{StreamCommits, StreamPullRequests, StreamIssues, StreamDocChanges}

// Raw event event types recognised by the projector.
const (
	EventTypeCommit      = "commit"
	EventTypePullRequest = "pull_request"
	EventTypeIssue       = "issue"
	EventTypeDocChange   = "doc_change"
)

// RawEventStatus tracks bronze row lifecycle. Rows are never mutated beyond
// the processed markers.
type RawEventStatus string

const (
	RawEventPending         RawEventStatus = "pending"
	RawEventProcessed       RawEventStatus = "processed"
	RawEventProcessedFailed RawEventStatus = "processed_failed"
)

// RawEvent is an immutable bronze row holding the source payload verbatim.
type RawEvent struct {
	ID             uuid.UUID              `json:"id"`
	SourceSystem   string                 `json:"sourceSystem"`
	EventType      string                 `json:"eventType"`
	SourceEventID  string                 `json:"sourceEventId,omitempty"`
	RepoExternalID string                 `json:"repoExternalId,omitempty"`
	OccurredAt     time.Time              `json:"occurredAt"`
	IngestedAt     time.Time              `json:"ingestedAt"`
	Payload        map[string]interface{} `json:"payload"`
	DedupeKey      string                 `json:"dedupeKey"`
	Status         RawEventStatus         `json:"status"`
	FailureReason  string                 `json:"failureReason,omitempty"`
	ProcessedAt    *time.Time             `json:"processedAt,omitempty"`
}

// EventFact is the silver staging row recording one processed raw event.
// NormalisedPayload is canonical JSON and must be byte-stable under replay.
type EventFact struct {
	ID                uuid.UUID `json:"id"`
	RawEventID        uuid.UUID `json:"rawEventId"`
	EventType         string    `json:"eventType"`
	RepositoryID      uuid.UUID `json:"repositoryId"`
	RepoExternalID    string    `json:"repoExternalId,omitempty"`
	OccurredAt        time.Time `json:"occurredAt"`
	NormalisedPayload []byte    `json:"normalisedPayload"`
}

// Repository is the silver registry row for a managed repository.
type Repository struct {
	ID                    uuid.UUID  `json:"id"`
	Owner                 string     `json:"owner"`
	Name                  string     `json:"name"`
	DefaultBranch         string     `json:"defaultBranch"`
	DocumentationPaths    []string   `json:"documentationPaths,omitempty"`
	IngestionEnabled      bool       `json:"ingestionEnabled"`
	CatalogueRepositoryID *string    `json:"catalogueRepositoryId,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// ExternalID renders the owner/name form used by raw events.
func (r Repository) ExternalID() string { return r.Owner + "/" + r.Name }

// Commit is the canonical projection of a commit event.
type Commit struct {
	ID           uuid.UUID `json:"id"`
	RepositoryID uuid.UUID `json:"repositoryId"`
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	AuthorLogin  string    `json:"authorLogin,omitempty"`
	CommittedAt  time.Time `json:"committedAt"`
}

// PullRequest is the canonical projection of a pull_request event.
type PullRequest struct {
	ID           uuid.UUID  `json:"id"`
	RepositoryID uuid.UUID  `json:"repositoryId"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	AuthorLogin  string     `json:"authorLogin,omitempty"`
	Labels       []string   `json:"labels,omitempty"`
	OpenedAt     time.Time  `json:"openedAt"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
}

// Issue is the canonical projection of an issue event.
type Issue struct {
	ID           uuid.UUID  `json:"id"`
	RepositoryID uuid.UUID  `json:"repositoryId"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	AuthorLogin  string     `json:"authorLogin,omitempty"`
	Labels       []string   `json:"labels,omitempty"`
	OpenedAt     time.Time  `json:"openedAt"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
}

// DocumentationChange records one documentation path touched by a commit.
// Deduplicated on (repository, commit SHA, path).
type DocumentationChange struct {
	ID           uuid.UUID `json:"id"`
	RepositoryID uuid.UUID `json:"repositoryId"`
	CommitSHA    string    `json:"commitSha"`
	Path         string    `json:"path"`
	ChangeType   string    `json:"changeType,omitempty"`
	ChangedAt    time.Time `json:"changedAt"`
}

// IngestionOffset is the per-(repository, stream) watermark row.
type IngestionOffset struct {
	RepositoryID uuid.UUID  `json:"repositoryId"`
	Stream       StreamKind `json:"stream"`
	Watermark    time.Time  `json:"watermark"`
	Cursor       string     `json:"cursor,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ReportScope is the level a report covers.
type ReportScope string

const (
	ScopeRepository ReportScope = "repository"
	ScopeProject    ReportScope = "project"
	ScopeEstate     ReportScope = "estate"
)

// StatusValue is the model's overall assessment.
type StatusValue string

const (
	StatusOnTrack StatusValue = "on_track"
	StatusAtRisk  StatusValue = "at_risk"
	StatusBlocked StatusValue = "blocked"
	StatusUnknown StatusValue = "unknown"
)

// ModelUsage carries token accounting reported by a model backend.
type ModelUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// StatusSummary is the structured output of a status model invocation.
type StatusSummary struct {
	Status      StatusValue `json:"status"`
	SummaryText string      `json:"summaryText"`
	Highlights  []string    `json:"highlights,omitempty"`
	Risks       []string    `json:"risks,omitempty"`
	NextSteps   []string    `json:"nextSteps,omitempty"`
	Usage       *ModelUsage `json:"usage,omitempty"`
}

// Report is a gold row: one generated status report over a half-open window.
type Report struct {
	ID             uuid.UUID       `json:"id"`
	Scope          ReportScope     `json:"scope"`
	RepositoryID   *uuid.UUID      `json:"repositoryId,omitempty"`
	ProjectID      *string         `json:"projectId,omitempty"`
	WindowStart    time.Time       `json:"windowStart"`
	WindowEnd      time.Time       `json:"windowEnd"`
	Model          string          `json:"model"`
	Status         StatusValue     `json:"status"`
	HumanText      string          `json:"humanText"`
	MachineSummary json.RawMessage `json:"machineSummary"`
	ModelLatencyMS *int64          `json:"modelLatencyMs,omitempty"`
	Usage          *ModelUsage     `json:"usage,omitempty"`
	GeneratedAt    time.Time       `json:"generatedAt"`
}

// ReviewState tracks whether a failed-validation marker has been handled.
type ReviewState string

const (
	ReviewPending  ReviewState = "pending"
	ReviewResolved ReviewState = "resolved"
)

// ReviewIssue is one validation rule violation.
type ReviewIssue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReportReview records a report run that exhausted validation retries.
// Unique per (repository, window).
type ReportReview struct {
	ID           uuid.UUID     `json:"id"`
	RepositoryID uuid.UUID     `json:"repositoryId"`
	WindowStart  time.Time     `json:"windowStart"`
	WindowEnd    time.Time     `json:"windowEnd"`
	Attempts     int           `json:"attempts"`
	Issues       []ReviewIssue `json:"issues"`
	State        ReviewState   `json:"state"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}
