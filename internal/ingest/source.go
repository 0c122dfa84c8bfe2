package ingest

import (
	"context"
	"time"

	"github.com/repoledger/repoledger/internal/models"
)

// SourceItem is one event fetched from the remote source, ready to become a
// bronze envelope.
type SourceItem struct {
	EventType     string
	SourceEventID string
	OccurredAt    time.Time
	Payload       map[string]interface{}
}

// Page is one fetch of a stream. NextCursor is empty when no pages remain;
// otherwise it resumes the listing where this page stopped.
type Page struct {
	Items      []SourceItem
	NextCursor string
}

// RemoteSource fetches repository activity. Implementations classify their
// failures with the faults taxonomy: 5xx and transport errors as REMOTE_5XX,
// 4xx as REMOTE_4XX and response-shape surprises as SCHEMA_DRIFT.
type RemoteSource interface {
	// Name identifies the source system recorded on bronze rows.
	Name() string

	// FetchPage lists items with occurred_at strictly after since, resuming
	// from cursor when non-empty. Across a full listing (first call through
	// the call whose NextCursor is empty) items must arrive in non-decreasing
	// occurred_at order; the worker advances its watermark page by page and a
	// newer-first source would skip everything behind the first page on
	// cursor loss. An empty page means the stream is drained, so sources
	// whose filtering can empty a page skip ahead internally. limit is a
	// budget hint: implementations with positional cursors may return a full
	// page beyond it rather than shift their page boundaries.
	FetchPage(ctx context.Context, repo models.Repository, stream models.StreamKind, since time.Time, cursor string, limit int) (Page, error)
}
