package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/gold"
	"github.com/repoledger/repoledger/internal/locks"
	"github.com/repoledger/repoledger/internal/metrics"
	"github.com/repoledger/repoledger/internal/models"
	"github.com/repoledger/repoledger/internal/signals"
	"github.com/repoledger/repoledger/internal/silver"
	"github.com/repoledger/repoledger/internal/statusmodel"
)

// ErrRunInProgress is returned when a reporting run for the repository is
// already in flight.
var ErrRunInProgress = errors.New("reporting run already in progress")

// ValidationError carries the review row left behind by a run that exhausted
// its validation attempts.
type ValidationError struct {
	Review models.ReportReview
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("report validation failed after %d attempts (review %s)", e.Review.Attempts, e.Review.ID)
}

// Options tunes the orchestrator.
type Options struct {
	WindowDays  int
	MaxAttempts int
}

func (o *Options) defaults() {
	if o.WindowDays <= 0 {
		o.WindowDays = 7
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
}

// Orchestrator drives one reporting run: window planning, evidence assembly,
// model invocation, validation and persistence.
type Orchestrator struct {
	silver  silver.Store
	gold    gold.Store
	builder *evidence.Builder
	model   statusmodel.Model
	sink    Sink // nil disables rendering
	pub     signals.Publisher
	locks   *locks.KeyedMutex
	log     *logrus.Entry
	opts    Options
	now     func() time.Time
}

func NewOrchestrator(sv silver.Store, gd gold.Store, builder *evidence.Builder, model statusmodel.Model, sink Sink, pub signals.Publisher, log *logrus.Entry, opts Options) *Orchestrator {
	opts.defaults()
	if pub == nil {
		pub = signals.NopPublisher{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Orchestrator{
		silver:  sv,
		gold:    gd,
		builder: builder,
		model:   model,
		sink:    sink,
		pub:     pub,
		locks:   locks.NewKeyedMutex(),
		log:     log,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the orchestrator clock; test use only.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// ComputeNextWindow returns the half-open window the next report would
// cover: the previous report's window_end through now, or the configured
// window length when the repository has no reports yet.
func (o *Orchestrator) ComputeNextWindow(ctx context.Context, repoID uuid.UUID) (start, end time.Time, err error) {
	latest, found, err := o.gold.LatestRepositoryReport(ctx, repoID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	var prev *models.Report
	if found {
		prev = &latest
	}
	start, end = gold.WindowFor(prev, o.now(), o.opts.WindowDays)
	return start, end, nil
}

// RunForName resolves owner/name and runs a report. Unknown repositories
// surface as UNKNOWN_REPOSITORY.
func (o *Orchestrator) RunForName(ctx context.Context, owner, name string) (*models.Report, error) {
	repo, err := o.silver.GetRepositoryByName(ctx, owner, name)
	if errors.Is(err, silver.ErrNotFound) {
		return nil, faults.New(faults.UnknownRepository, "repository %s/%s not registered", owner, name)
	}
	if err != nil {
		return nil, err
	}
	return o.run(ctx, repo)
}

// RunForRepository runs a report for the repository id. It returns nil with
// no error when the window is empty of evidence (nothing to report) and a
// *ValidationError when the model output never passed validation.
func (o *Orchestrator) RunForRepository(ctx context.Context, repoID uuid.UUID) (*models.Report, error) {
	repo, err := o.silver.GetRepositoryByID(ctx, repoID)
	if errors.Is(err, silver.ErrNotFound) {
		return nil, faults.New(faults.UnknownRepository, "repository %s not registered", repoID)
	}
	if err != nil {
		return nil, err
	}
	return o.run(ctx, repo)
}

func (o *Orchestrator) run(ctx context.Context, repo models.Repository) (*models.Report, error) {
	key := "report/" + repo.ExternalID()
	if !o.locks.TryAcquire(key) {
		return nil, ErrRunInProgress
	}
	defer o.locks.Release(key)

	log := o.log.WithField("repository", repo.ExternalID())

	windowStart, windowEnd, err := o.ComputeNextWindow(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	if !windowEnd.After(windowStart) {
		// The previous report already reaches now; running again would
		// produce an empty or inverted window.
		return nil, nil
	}

	bundle, err := o.builder.Build(ctx, repo, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if bundle.Empty() {
		log.WithFields(logrus.Fields{
			"window_start": windowStart,
			"window_end":   windowEnd,
		}).Info("no uncovered evidence in window")
		return nil, nil
	}

	summary, latencyMS, issues, attempts, err := o.invokeUntilValid(ctx, bundle)
	if err != nil {
		return nil, err
	}
	if len(issues) > 0 {
		review, uerr := o.gold.UpsertReview(ctx, models.ReportReview{
			RepositoryID: repo.ID,
			WindowStart:  windowStart,
			WindowEnd:    windowEnd,
			Attempts:     attempts,
			Issues:       issues,
		})
		if uerr != nil {
			return nil, uerr
		}
		metrics.ValidationFailures.Inc()
		log.WithFields(logrus.Fields{
			"review":   review.ID,
			"attempts": attempts,
		}).Warn("report validation exhausted")
		return nil, &ValidationError{Review: review}
	}

	machineSummary, err := json.Marshal(summary)
	if err != nil {
		return nil, faults.Wrap(faults.DataIntegrity, err, "marshal summary")
	}
	repoID := repo.ID
	rep := models.Report{
		ID:             uuid.New(),
		Scope:          models.ScopeRepository,
		RepositoryID:   &repoID,
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		Model:          o.model.Name(),
		Status:         summary.Status,
		HumanText:      summary.SummaryText,
		MachineSummary: machineSummary,
		ModelLatencyMS: &latencyMS,
		Usage:          summary.Usage,
		GeneratedAt:    o.now(),
	}
	if err := o.gold.CreateReportWithCoverage(ctx, rep, bundle.FactIDs()); err != nil {
		return nil, err
	}
	metrics.ReportsGenerated.WithLabelValues(string(models.ScopeRepository)).Inc()

	// Rendering happens strictly after the report is committed; a sink
	// failure leaves the report in place.
	if o.sink != nil {
		markdown := RenderMarkdown(repo, rep)
		if err := o.sink.WriteReport(ctx, markdown, SinkMetadata{
			Owner:       repo.Owner,
			Name:        repo.Name,
			ReportID:    rep.ID,
			GeneratedAt: rep.GeneratedAt,
		}); err != nil {
			log.WithError(err).Error("write report artefact")
		}
	}

	if perr := o.pub.Publish(ctx, signals.Signal{
		Name:       signals.ReportGenerated,
		Repository: repo.ExternalID(),
		At:         rep.GeneratedAt,
		Details: map[string]interface{}{
			"report_id": rep.ID.String(),
			"status":    string(rep.Status),
		},
	}); perr != nil {
		log.WithError(perr).Warn("publish report.generated")
	}

	log.WithFields(logrus.Fields{
		"report": rep.ID,
		"status": rep.Status,
		"facts":  bundle.FactCount(),
	}).Info("report generated")
	return &rep, nil
}

// invokeUntilValid calls the model up to MaxAttempts times, measuring
// wall-clock latency, until validation passes. The issues of the final
// failed attempt are returned when every attempt is rejected.
func (o *Orchestrator) invokeUntilValid(ctx context.Context, bundle evidence.Bundle) (models.StatusSummary, int64, []models.ReviewIssue, int, error) {
	var (
		summary   models.StatusSummary
		latencyMS int64
		issues    []models.ReviewIssue
	)
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		started := time.Now()
		var err error
		summary, err = o.model.SummariseRepository(ctx, bundle)
		latencyMS = time.Since(started).Milliseconds()
		if err != nil {
			return models.StatusSummary{}, 0, nil, attempt, err
		}
		issues = Validate(summary, bundle)
		if len(issues) == 0 {
			return summary, latencyMS, nil, attempt, nil
		}
		o.log.WithFields(logrus.Fields{
			"repository": bundle.Repository.ExternalID(),
			"attempt":    attempt,
			"issues":     len(issues),
		}).Warn("model summary failed validation")
	}
	return summary, latencyMS, issues, o.opts.MaxAttempts, nil
}
