package silver_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/repoledger/repoledger/internal/bronze"
	"github.com/repoledger/repoledger/internal/models"
	"github.com/repoledger/repoledger/internal/silver"
)

func ingestCommit(t *testing.T, store bronze.Store, repo, sha string, occurred time.Time) models.RawEvent {
	t.Helper()
	raw, _, err := store.Ingest(context.Background(), bronze.Envelope{
		SourceSystem:   "github",
		EventType:      models.EventTypeCommit,
		SourceEventID:  sha,
		RepoExternalID: repo,
		OccurredAt:     occurred,
		Payload:        map[string]interface{}{"sha": sha, "message": "init"},
	})
	require.NoError(t, err)
	return raw
}

func TestProcessPendingProjectsCommit(t *testing.T) {
	ctx := context.Background()
	b := bronze.NewMemoryStore()
	s := silver.NewMemoryStore(b)
	projector := silver.NewProjector(b, s, nil)

	occurred := time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC)
	raw := ingestCommit(t, b, "octo/reef", "abc", occurred)

	n, err := projector.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	repo, err := s.GetRepositoryByName(ctx, "octo", "reef")
	require.NoError(t, err)
	require.Equal(t, "main", repo.DefaultBranch)
	require.False(t, repo.IngestionEnabled)
	require.Nil(t, repo.CatalogueRepositoryID)

	commit, ok := s.CommitBySHA(repo.ID, "abc")
	require.True(t, ok)
	require.Equal(t, "init", commit.Message)

	facts, err := s.ListEventFacts(ctx, repo.ID, occurred.Add(-time.Hour), occurred.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, raw.ID, facts[0].RawEventID)

	stored, ok := b.Get(raw.ID)
	require.True(t, ok)
	require.Equal(t, models.RawEventProcessed, stored.Status)
	require.NotNil(t, stored.ProcessedAt)
}

func TestProjectionIsDeterministic(t *testing.T) {
	b := bronze.NewMemoryStore()
	occurred := time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC)
	raw := ingestCommit(t, b, "octo/reef", "abc", occurred)

	p1, err := silver.BuildProjection(raw)
	require.NoError(t, err)
	p2, err := silver.BuildProjection(raw)
	require.NoError(t, err)
	require.True(t, bytes.Equal(p1.NormalisedPayload, p2.NormalisedPayload),
		"re-projection produced different bytes: %s vs %s", p1.NormalisedPayload, p2.NormalisedPayload)
}

func TestReplayCreatesNoExtraRows(t *testing.T) {
	ctx := context.Background()
	b := bronze.NewMemoryStore()
	s := silver.NewMemoryStore(b)
	projector := silver.NewProjector(b, s, nil)

	occurred := time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC)
	ingestCommit(t, b, "octo/reef", "abc", occurred)

	_, err := projector.ProcessPending(ctx, 10)
	require.NoError(t, err)

	// Replay the same envelope: bronze dedupes, nothing new to project.
	ingestCommit(t, b, "octo/reef", "abc", occurred)
	n, err := projector.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	repos, commits, _, _, _, facts := s.Counts()
	require.Equal(t, 1, repos)
	require.Equal(t, 1, commits)
	require.Equal(t, 1, facts)
}

func TestDriftMarksRawEventFailed(t *testing.T) {
	ctx := context.Background()
	b := bronze.NewMemoryStore()
	s := silver.NewMemoryStore(b)

	occurred := time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC)
	raw := ingestCommit(t, b, "octo/reef", "abc", occurred)

	proj, err := silver.BuildProjection(raw)
	require.NoError(t, err)
	outcome, err := s.Apply(ctx, raw, proj)
	require.NoError(t, err)
	require.Equal(t, silver.AppliedCreated, outcome)

	// Simulate a projection-rule change: same raw event, different bytes.
	altered := proj
	altered.NormalisedPayload = append([]byte(nil), proj.NormalisedPayload...)
	altered.NormalisedPayload[0] ^= 0xFF

	outcome, err = s.Apply(ctx, raw, altered)
	require.NoError(t, err)
	require.Equal(t, silver.AppliedDrift, outcome)

	stored, ok := b.Get(raw.ID)
	require.True(t, ok)
	require.Equal(t, models.RawEventProcessedFailed, stored.Status)
	require.Equal(t, "DRIFT", stored.FailureReason)
}

func TestConcurrentProjectionYieldsOneFact(t *testing.T) {
	ctx := context.Background()
	b := bronze.NewMemoryStore()
	s := silver.NewMemoryStore(b)

	occurred := time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC)
	raw := ingestCommit(t, b, "octo/reef", "abc", occurred)
	proj, err := silver.BuildProjection(raw)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Apply(ctx, raw, proj)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	_, _, _, _, _, facts := s.Counts()
	require.Equal(t, 1, facts)
	stored, _ := b.Get(raw.ID)
	require.Equal(t, models.RawEventProcessed, stored.Status)
}

func TestUnrecognisedEventTypeMarkedFailed(t *testing.T) {
	ctx := context.Background()
	b := bronze.NewMemoryStore()
	s := silver.NewMemoryStore(b)
	projector := silver.NewProjector(b, s, nil)

	raw, _, err := b.Ingest(ctx, bronze.Envelope{
		SourceSystem:   "github",
		EventType:      "deployment",
		RepoExternalID: "octo/reef",
		OccurredAt:     time.Date(2024, 7, 7, 12, 0, 0, 0, time.UTC),
		Payload:        map[string]interface{}{"id": "1"},
	})
	require.NoError(t, err)

	n, err := projector.ProcessPending(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stored, _ := b.Get(raw.ID)
	require.Equal(t, models.RawEventProcessedFailed, stored.Status)
}

func TestBranchFromPayloadUpdatesRepository(t *testing.T) {
	ctx := context.Background()
	b := bronze.NewMemoryStore()
	s := silver.NewMemoryStore(b)
	projector := silver.NewProjector(b, s, nil)

	raw, _, err := b.Ingest(ctx, bronze.Envelope{
		SourceSystem:   "github",
		EventType:      models.EventTypeCommit,
		SourceEventID:  "def",
		RepoExternalID: "octo/reef",
		OccurredAt:     time.Date(2024, 7, 8, 9, 0, 0, 0, time.UTC),
		Payload:        map[string]interface{}{"sha": "def", "message": "trunk", "branch": "trunk"},
	})
	require.NoError(t, err)
	_ = raw

	_, err = projector.ProcessPending(ctx, 10)
	require.NoError(t, err)

	repo, err := s.GetRepositoryByName(ctx, "octo", "reef")
	require.NoError(t, err)
	require.Equal(t, "trunk", repo.DefaultBranch)
}
