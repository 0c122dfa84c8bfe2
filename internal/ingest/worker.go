package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/repoledger/repoledger/internal/bronze"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/locks"
	"github.com/repoledger/repoledger/internal/metrics"
	"github.com/repoledger/repoledger/internal/models"
	"github.com/repoledger/repoledger/internal/signals"
)

// Failure categories recorded on a failed run.
const (
	CategoryTransient     = "transient"
	CategoryClientError   = "client_error"
	CategorySchemaDrift   = "schema_drift"
	CategoryConfiguration = "configuration"
	CategoryConnectivity  = "database_connectivity"
	CategoryIntegrity     = "data_integrity"
	CategoryDatabase      = "database_error"
	CategoryUnknown       = "unknown"
)

// RunState is the per-run lifecycle. A run is idle until started, running
// while streams are pulled, and settles as succeeded or failed.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
)

// StreamResult summarises one stream within a run.
type StreamResult struct {
	Stream       models.StreamKind `json:"stream"`
	Appended     int               `json:"appended"`
	Deduplicated int               `json:"deduplicated"`
	Truncated    bool              `json:"truncated"`
	Skipped      bool              `json:"skipped"`
}

// RunResult summarises one ingestion run over all streams of a repository.
type RunResult struct {
	Repository      string         `json:"repository"`
	State           RunState       `json:"state"`
	FailureCategory string         `json:"failureCategory,omitempty"`
	Streams         []StreamResult `json:"streams"`
}

// Appended totals new bronze rows across streams.
func (r RunResult) Appended() int {
	n := 0
	for _, s := range r.Streams {
		n += s.Appended
	}
	return n
}

// Options tunes the worker.
type Options struct {
	MaxEventsPerRun int
	Lookback        time.Duration
	PollInterval    time.Duration
	RetryAttempts   uint64 // transient fetch retries per page
}

func (o *Options) defaults() {
	if o.MaxEventsPerRun <= 0 {
		o.MaxEventsPerRun = 500
	}
	if o.Lookback <= 0 {
		o.Lookback = 30 * 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.RetryAttempts == 0 {
		o.RetryAttempts = 2
	}
}

// Worker pulls remote activity into bronze, stream by stream, advancing
// watermarks only after rows are appended.
type Worker struct {
	bronze  bronze.Store
	offsets OffsetStore
	source  RemoteSource
	locks   *locks.KeyedMutex
	pub     signals.Publisher
	log     *logrus.Entry
	opts    Options
	now     func() time.Time

	mu       sync.RWMutex
	lastRuns map[string]RunResult
}

func NewWorker(store bronze.Store, offsets OffsetStore, source RemoteSource, km *locks.KeyedMutex, pub signals.Publisher, log *logrus.Entry, opts Options) *Worker {
	opts.defaults()
	if km == nil {
		km = locks.NewKeyedMutex()
	}
	if pub == nil {
		pub = signals.NopPublisher{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Worker{
		bronze:  store,
		offsets: offsets,
		source:  source,
		locks:   km,
		pub:     pub,
		log:     log,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },

		lastRuns: make(map[string]RunResult),
	}
}

// LastRun returns the outcome of the most recent ingestion run for the
// repository, keyed by owner/name.
func (w *Worker) LastRun(repository string) (RunResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	res, ok := w.lastRuns[repository]
	return res, ok
}

func (w *Worker) recordRun(res RunResult) {
	w.mu.Lock()
	w.lastRuns[res.Repository] = res
	w.mu.Unlock()
}

// SetClock overrides the worker clock; test use only.
func (w *Worker) SetClock(now func() time.Time) { w.now = now }

// IngestRepository runs one ingestion pass over every stream of repo. The
// returned RunResult always carries per-stream counts for the streams that
// ran; on error the run state is failed with a category and no watermark
// beyond the last appended page has moved.
func (w *Worker) IngestRepository(ctx context.Context, repo models.Repository) (RunResult, error) {
	result := RunResult{Repository: repo.ExternalID(), State: RunRunning}
	log := w.log.WithField("repository", repo.ExternalID())

	for _, stream := range models.StreamKinds {
		sr, err := w.ingestStream(ctx, repo, stream)
		result.Streams = append(result.Streams, sr)
		if err != nil {
			result.State = RunFailed
			result.FailureCategory = categorize(err)
			w.recordRun(result)
			metrics.IngestionRuns.WithLabelValues(result.FailureCategory).Inc()
			log.WithError(err).WithFields(logrus.Fields{
				"stream":   stream,
				"category": result.FailureCategory,
			}).Error("ingestion run failed")
			return result, err
		}
		if sr.Truncated {
			metrics.StreamsTruncated.Inc()
			if perr := w.pub.Publish(ctx, signals.Signal{
				Name:       signals.StreamTruncated,
				Repository: repo.ExternalID(),
				Stream:     string(stream),
				At:         w.now(),
			}); perr != nil {
				log.WithError(perr).Warn("publish stream.truncated")
			}
		}
	}

	result.State = RunSucceeded
	w.recordRun(result)
	metrics.IngestionRuns.WithLabelValues("succeeded").Inc()
	log.WithField("appended", result.Appended()).Info("ingestion run succeeded")
	return result, nil
}

func (w *Worker) ingestStream(ctx context.Context, repo models.Repository, stream models.StreamKind) (StreamResult, error) {
	sr := StreamResult{Stream: stream}

	key := repo.ExternalID() + "/" + string(stream)
	if !w.locks.TryAcquire(key) {
		sr.Skipped = true
		return sr, nil
	}
	defer w.locks.Release(key)

	off, found, err := w.offsets.Get(ctx, repo.ID, stream)
	if err != nil {
		return sr, err
	}
	if !found {
		off = models.IngestionOffset{
			RepositoryID: repo.ID,
			Stream:       stream,
			Watermark:    w.now().Add(-w.opts.Lookback),
		}
	}

	budget := w.opts.MaxEventsPerRun
	watermark := off.Watermark
	cursor := off.Cursor

	for budget > 0 {
		page, err := w.fetchWithRetry(ctx, repo, stream, watermark, cursor, budget)
		if err != nil {
			return sr, err
		}
		if len(page.Items) == 0 {
			// Stream drained: drop any stale cursor.
			if found || cursor != "" {
				if err := w.offsets.Upsert(ctx, models.IngestionOffset{
					RepositoryID: repo.ID, Stream: stream, Watermark: watermark,
				}); err != nil {
					return sr, err
				}
			}
			return sr, nil
		}

		pageMax := watermark
		for _, item := range page.Items {
			_, created, err := w.bronze.Ingest(ctx, bronze.Envelope{
				SourceSystem:   w.source.Name(),
				EventType:      item.EventType,
				SourceEventID:  item.SourceEventID,
				RepoExternalID: repo.ExternalID(),
				OccurredAt:     item.OccurredAt,
				Payload:        item.Payload,
			})
			if err != nil {
				return sr, err
			}
			if created {
				sr.Appended++
				metrics.EventsIngested.WithLabelValues(string(stream)).Inc()
			} else {
				sr.Deduplicated++
				metrics.EventsDeduplicated.WithLabelValues(string(stream)).Inc()
			}
			if item.OccurredAt.After(pageMax) {
				pageMax = item.OccurredAt
			}
			budget--
		}

		watermark = pageMax
		cursor = page.NextCursor
		if err := w.offsets.Upsert(ctx, models.IngestionOffset{
			RepositoryID: repo.ID, Stream: stream, Watermark: watermark, Cursor: cursor,
		}); err != nil {
			return sr, err
		}

		if cursor == "" {
			return sr, nil
		}
		if budget <= 0 {
			// More pages remain but the run budget is spent; the kept
			// cursor lets the next run resume here.
			sr.Truncated = true
			return sr, nil
		}
	}
	return sr, nil
}

// fetchWithRetry retries transient source failures with exponential backoff;
// everything else surfaces immediately.
func (w *Worker) fetchWithRetry(ctx context.Context, repo models.Repository, stream models.StreamKind, since time.Time, cursor string, limit int) (Page, error) {
	var page Page
	backoff := retry.WithMaxRetries(w.opts.RetryAttempts, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		page, err = w.source.FetchPage(ctx, repo, stream, since, cursor, limit)
		if faults.Transient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return page, err
}

// categorize maps a classified error onto the run failure category.
func categorize(err error) string {
	switch faults.KindOf(err) {
	case faults.Remote5xx, faults.Timeout:
		return CategoryTransient
	case faults.Remote4xx:
		return CategoryClientError
	case faults.SchemaDrift:
		return CategorySchemaDrift
	case faults.MissingConfig:
		return CategoryConfiguration
	case faults.DatabaseConnectivity:
		return CategoryConnectivity
	case faults.DataIntegrity:
		return CategoryIntegrity
	case faults.DatabaseError:
		return CategoryDatabase
	}
	return CategoryUnknown
}

// RepositoryLister names the registry dependency of the poll loop.
type RepositoryLister interface {
	ListActive(ctx context.Context, limit, offset int) ([]models.Repository, error)
}

// RunWorker polls the registry and ingests every active repository until the
// context is cancelled. Per-repository failures are logged and do not stop
// the loop.
func (w *Worker) RunWorker(ctx context.Context, repos RepositoryLister) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx, repos)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Worker) runOnce(ctx context.Context, repos RepositoryLister) {
	const pageSize = 100
	for offset := 0; ; offset += pageSize {
		batch, err := repos.ListActive(ctx, pageSize, offset)
		if err != nil {
			w.log.WithError(err).Error("list active repositories")
			return
		}
		for _, repo := range batch {
			if ctx.Err() != nil {
				return
			}
			if _, err := w.IngestRepository(ctx, repo); err != nil {
				continue // already logged with its category
			}
		}
		if len(batch) < pageSize {
			return
		}
	}
}
