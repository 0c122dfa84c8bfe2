package main

import (
	"context"
	"database/sql"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/repoledger/repoledger/internal/bronze"
	"github.com/repoledger/repoledger/internal/catalogue"
	"github.com/repoledger/repoledger/internal/config"
	"github.com/repoledger/repoledger/internal/evidence"
	"github.com/repoledger/repoledger/internal/gold"
	"github.com/repoledger/repoledger/internal/health"
	"github.com/repoledger/repoledger/internal/httpserver"
	"github.com/repoledger/repoledger/internal/ingest"
	"github.com/repoledger/repoledger/internal/locks"
	"github.com/repoledger/repoledger/internal/registry"
	"github.com/repoledger/repoledger/internal/report"
	"github.com/repoledger/repoledger/internal/schema"
	"github.com/repoledger/repoledger/internal/signals"
	"github.com/repoledger/repoledger/internal/silver"
	"github.com/repoledger/repoledger/internal/statusmodel"
)

func main() {
	runIngest := flag.Bool("run-ingest", false, "start the background ingestion worker")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.WithError(err).Fatal("config load")
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	log := logrus.NewEntry(logger)

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db open")
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.WithError(err).Fatal("db ping")
	}
	pingCancel()

	if err := schema.Migrate(ctx, db); err != nil {
		log.WithError(err).Fatal("schema migrate")
	}
	log.Info("schema up to date")

	bronzeStore := bronze.NewPGStore(db)
	silverStore := silver.NewPGStore(db)
	goldStore := gold.NewPGStore(db)
	offsets := ingest.NewPGOffsetStore(db)

	var catSource catalogue.Source
	if cfg.CataloguePath != "" {
		catSource, err = catalogue.NewFileSource(cfg.CataloguePath)
		if err != nil {
			log.WithError(err).Fatal("catalogue source init")
		}
	}
	reg := registry.New(registry.NewPGStore(db), catSource, log)
	if catSource != nil {
		res, err := reg.SyncFromCatalogue(ctx, cfg.EstateKey)
		if err != nil {
			log.WithError(err).Fatal("catalogue sync")
		}
		log.WithFields(logrus.Fields{
			"estate":  cfg.EstateKey,
			"created": res.Created,
			"updated": res.Updated,
		}).Info("catalogue synced")
	}

	var pub signals.Publisher = signals.NopPublisher{}
	if cfg.SignalsEnabled() {
		kp, err := signals.NewKafkaPublisher(signals.KafkaPublisherConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.WithError(err).Fatal("kafka publisher init")
		}
		defer kp.Close()
		pub = kp
		log.WithFields(logrus.Fields{
			"brokers": cfg.KafkaBrokers,
			"topic":   cfg.KafkaTopic,
		}).Info("signal publisher initialized")
	}

	var sinks report.MultiSink
	if cfg.SinkEnabled() {
		fs, err := report.NewFSSink(cfg.ReportSinkBasePath)
		if err != nil {
			log.WithError(err).Fatal("report sink init")
		}
		sinks = append(sinks, fs)
	}
	if cfg.ReportArchiveS3Bucket != "" {
		s3, err := report.NewS3Sink(ctx, cfg.ReportArchiveS3Bucket, cfg.ReportArchiveS3Prefix)
		if err != nil {
			log.WithError(err).Fatal("s3 sink init")
		}
		sinks = append(sinks, s3)
		log.WithField("bucket", cfg.ReportArchiveS3Bucket).Info("s3 report archive enabled")
	}
	var sink report.Sink
	if len(sinks) > 0 {
		sink = sinks
	}

	model, err := statusmodel.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("status model init")
	}
	log.WithField("model", model.Name()).Info("status model ready")

	builder := evidence.NewBuilder(silverStore, goldStore)
	orch := report.NewOrchestrator(silverStore, goldStore, builder, model, sink, pub, log, report.Options{
		WindowDays:  cfg.ReportingWindowDays,
		MaxAttempts: cfg.ValidationMaxAttempts,
	})

	projector := silver.NewProjector(bronzeStore, silverStore, log)
	lagSvc := health.NewService(offsets, reg, cfg.IngestionStalledThreshold)

	if shouldRunIngest(*runIngest) {
		source := ingest.NewGitHubSource(ctx, cfg.RemoteSourceToken)
		worker := ingest.NewWorker(bronzeStore, offsets, source, locks.NewKeyedMutex(), pub, log, ingest.Options{
			MaxEventsPerRun: cfg.IngestionMaxEventsPerRun,
			Lookback:        cfg.Lookback(),
			PollInterval:    cfg.IngestionPollInterval,
		})
		go func() {
			if err := worker.RunWorker(ctx, reg); err != nil && err != context.Canceled {
				log.WithError(err).Error("ingestion worker exited")
			}
		}()
		go runProjector(ctx, projector, log)
		lagSvc.AttachRunSource(worker)
		log.Info("ingestion worker started")
	}

	server := httpserver.New(orch, lagSvc, goldStore, log)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	waitForShutdown(cancel, httpServer, log)
}

// runProjector drains pending raw events into the fact tables on a short
// poll. Projection is idempotent, so overlapping runs after a crash are safe.
func runProjector(ctx context.Context, p *silver.Projector, log *logrus.Entry) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.ProcessPending(ctx, 100)
			if err != nil {
				log.WithError(err).Warn("projection pass failed")
				continue
			}
			if n > 0 {
				log.WithField("processed", n).Debug("projected raw events")
			}
		}
	}
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server, log *logrus.Entry) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("graceful shutdown failed")
	}
}

func shouldRunIngest(flagValue bool) bool {
	if flagValue {
		return true
	}
	if v := os.Getenv("INGESTION_WORKER"); v != "" {
		enabled, err := strconv.ParseBool(v)
		return err == nil && enabled
	}
	return false
}
