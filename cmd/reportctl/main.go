// Command reportctl is the operational companion to the repoledger service:
// schema migration, catalogue sync, one-shot ingestion and reporting, and lag
// inspection, all against the same configuration.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/repoledger/repoledger/internal/bronze"
	"github.com/repoledger/repoledger/internal/catalogue"
	"github.com/repoledger/repoledger/internal/config"
	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/faults"
	"github.com/repoledger/repoledger/internal/gold"
	"github.com/repoledger/repoledger/internal/health"
	"github.com/repoledger/repoledger/internal/ingest"
	"github.com/repoledger/repoledger/internal/locks"
	"github.com/repoledger/repoledger/internal/registry"
	"github.com/repoledger/repoledger/internal/report"
	"github.com/repoledger/repoledger/internal/schema"
	"github.com/repoledger/repoledger/internal/signals"
	"github.com/repoledger/repoledger/internal/silver"
	"github.com/repoledger/repoledger/internal/statusmodel"
)

const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: reportctl <command> [args]

commands:
  migrate                     apply the database schema
  sync-catalogue <estate>     reconcile the repository registry from the catalogue
  ingest <owner/name>         run one ingestion pass for a repository
  report <owner/name>         generate a status report for a repository
  lag                         print ingestion lag for all active repositories
`)
}

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitConfig
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	log := logrus.NewEntry(logger)

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reportctl: %v\n", err)
		return exitConfig
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "reportctl: DATABASE_URL is required")
		return exitConfig
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reportctl: db open: %v\n", err)
		return exitError
	}
	defer db.Close()

	app := &app{ctx: ctx, cfg: cfg, db: db, log: log}

	var cmdErr error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "migrate":
		cmdErr = app.migrate()
	case "sync-catalogue":
		if len(args) != 1 {
			usage()
			return exitConfig
		}
		cmdErr = app.syncCatalogue(args[0])
	case "ingest":
		if len(args) != 1 {
			usage()
			return exitConfig
		}
		cmdErr = app.ingest(args[0])
	case "report":
		if len(args) != 1 {
			usage()
			return exitConfig
		}
		cmdErr = app.report(args[0])
	case "lag":
		cmdErr = app.lag()
	default:
		usage()
		return exitConfig
	}

	if cmdErr != nil {
		fmt.Fprintf(os.Stderr, "reportctl: %v\n", cmdErr)
		if faults.IsKind(cmdErr, faults.MissingConfig) {
			return exitConfig
		}
		return exitError
	}
	return exitOK
}

type app struct {
	ctx context.Context
	cfg *config.Config
	db  *sql.DB
	log *logrus.Entry
}

func (a *app) migrate() error {
	if err := schema.Migrate(a.ctx, a.db); err != nil {
		return err
	}
	fmt.Println("schema up to date")
	return nil
}

func (a *app) syncCatalogue(estate string) error {
	src, err := catalogue.NewFileSource(a.cfg.CataloguePath)
	if err != nil {
		return err
	}
	reg := registry.New(registry.NewPGStore(a.db), src, a.log)
	res, err := reg.SyncFromCatalogue(a.ctx, estate)
	if err != nil {
		return err
	}
	fmt.Printf("estate %s: %d created, %d updated, %d disabled\n", estate, res.Created, res.Updated, res.Disabled)
	return nil
}

func (a *app) ingest(repoName string) error {
	owner, name, err := splitRepoName(repoName)
	if err != nil {
		return err
	}
	silverStore := silver.NewPGStore(a.db)
	repo, err := silverStore.GetRepositoryByName(a.ctx, owner, name)
	if errors.Is(err, silver.ErrNotFound) {
		return fmt.Errorf("repository %s/%s not registered; run sync-catalogue first", owner, name)
	}
	if err != nil {
		return err
	}

	source := ingest.NewGitHubSource(a.ctx, a.cfg.RemoteSourceToken)
	worker := ingest.NewWorker(bronze.NewPGStore(a.db), ingest.NewPGOffsetStore(a.db), source,
		locks.NewKeyedMutex(), signals.NopPublisher{}, a.log, ingest.Options{
			MaxEventsPerRun: a.cfg.IngestionMaxEventsPerRun,
			Lookback:        a.cfg.Lookback(),
		})
	res, err := worker.IngestRepository(a.ctx, repo)
	if err != nil {
		return err
	}
	for _, sr := range res.Streams {
		fmt.Printf("%s: appended=%d deduplicated=%d truncated=%v skipped=%v\n",
			sr.Stream, sr.Appended, sr.Deduplicated, sr.Truncated, sr.Skipped)
	}

	projector := silver.NewProjector(bronze.NewPGStore(a.db), silverStore, a.log)
	for {
		n, err := projector.ProcessPending(a.ctx, 100)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

func (a *app) report(repoName string) error {
	owner, name, err := splitRepoName(repoName)
	if err != nil {
		return err
	}

	silverStore := silver.NewPGStore(a.db)
	goldStore := gold.NewPGStore(a.db)
	model, err := statusmodel.New(a.cfg)
	if err != nil {
		return err
	}

	var sink report.Sink
	if a.cfg.SinkEnabled() {
		fs, err := report.NewFSSink(a.cfg.ReportSinkBasePath)
		if err != nil {
			return err
		}
		sink = fs
	}

	orch := report.NewOrchestrator(silverStore, goldStore,
		evidence.NewBuilder(silverStore, goldStore), model, sink, signals.NopPublisher{}, a.log,
		report.Options{WindowDays: a.cfg.ReportingWindowDays, MaxAttempts: a.cfg.ValidationMaxAttempts})

	rep, err := orch.RunForName(a.ctx, owner, name)
	if err != nil {
		var verr *report.ValidationError
		if errors.As(err, &verr) {
			fmt.Printf("validation failed after %d attempts; review %s recorded\n",
				verr.Review.Attempts, verr.Review.ID)
			for _, issue := range verr.Review.Issues {
				fmt.Printf("  %s: %s\n", issue.Code, issue.Message)
			}
			return errors.New("report not persisted")
		}
		return err
	}
	if rep == nil {
		fmt.Println("no uncovered evidence in the window; nothing to report")
		return nil
	}
	fmt.Printf("report %s generated: status=%s window=%s/%s\n",
		rep.ID, rep.Status,
		rep.WindowStart.Format(time.RFC3339), rep.WindowEnd.Format(time.RFC3339))
	return nil
}

func (a *app) lag() error {
	reg := registry.New(registry.NewPGStore(a.db), nil, a.log)
	svc := health.NewService(ingest.NewPGOffsetStore(a.db), reg, a.cfg.IngestionStalledThreshold)
	lags, err := svc.LagAll(a.ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(lags)
}

func splitRepoName(s string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("repository must be owner/name, got %q", s)
	}
	return owner, name, nil
}
