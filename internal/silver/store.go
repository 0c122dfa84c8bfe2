// Package silver holds the canonical entity layer: repositories, commits,
// pull requests, issues, documentation changes and the event facts staging
// table. All writes are deterministic upserts keyed by natural keys so that
// replay and concurrent workers converge on identical rows.
package silver

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/repoledger/repoledger/internal/models"
)

// ErrNotFound is returned when a requested silver resource cannot be located.
var ErrNotFound = errors.New("not found")

// Projection is the full silver-side effect of one raw event.
type Projection struct {
	RepoOwner     string
	RepoName      string
	DefaultBranch string // empty means leave existing (or default main on create)

	Commit      *models.Commit
	PullRequest *models.PullRequest
	Issue       *models.Issue
	DocChange   *models.DocumentationChange

	EventType         string
	RepoExternalID    string
	OccurredAt        time.Time
	NormalisedPayload []byte
}

// ApplyOutcome describes what Apply did with a projection.
type ApplyOutcome int

const (
	// AppliedCreated means the event fact was newly inserted.
	AppliedCreated ApplyOutcome = iota
	// AppliedExisting means an identical fact already existed (replay or a
	// concurrent worker won the insert race); the raw event is still marked
	// processed.
	AppliedExisting
	// AppliedDrift means a fact existed with a different normalised payload.
	// Silver is left untouched and the raw event is marked processed_failed.
	AppliedDrift
)

// Store is the silver persistence contract.
type Store interface {
	// Apply executes the projection of one raw event in a single transaction:
	// repository upsert, entity upsert, event fact insert and the raw event
	// processed marker. Drift is detected before any silver write.
	Apply(ctx context.Context, raw models.RawEvent, proj Projection) (ApplyOutcome, error)

	GetRepositoryByName(ctx context.Context, owner, name string) (models.Repository, error)
	GetRepositoryByID(ctx context.Context, id uuid.UUID) (models.Repository, error)

	// ListEventFacts returns facts for a repository with occurred_at in
	// [start, end), ordered by (occurred_at, id).
	ListEventFacts(ctx context.Context, repoID uuid.UUID, start, end time.Time) ([]models.EventFact, error)

	Ping(ctx context.Context) error
}
