// Command engine is the AP invoice processing engine's long-running
// process: it wires the durable store, job fabric, outbox relay, scheduled
// tasks and SLO core together and drives invoices through the workflow
// runner until shutdown.
//
// The extraction, destination and master-data collaborators this process
// wires are the deterministic in-memory fakes from internal/connectors:
// spec.md §1 puts the real OCR/parser, accounting-system and vendor
// master-data systems out of scope, so this binary runs end-to-end against
// stand-ins rather than leaving those seams unfilled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/approval"
	"github.com/pesio-ai/ap-invoice-engine/internal/connectors"
	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/exceptions"
	"github.com/pesio-ai/ap-invoice-engine/internal/export"
	"github.com/pesio-ai/ap-invoice-engine/internal/idempotency"
	"github.com/pesio-ai/ap-invoice-engine/internal/jobs"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/config"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/logging"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/store"
	"github.com/pesio-ai/ap-invoice-engine/internal/repository"
	"github.com/pesio-ai/ap-invoice-engine/internal/slo"
	"github.com/pesio-ai/ap-invoice-engine/internal/validation"
	"github.com/pesio-ai/ap-invoice-engine/internal/workflow"
)

func main() {
	log := logging.New(logging.Config{
		Level:       envOr("LOG_LEVEL", "info"),
		Environment: envOr("ENVIRONMENT", "production"),
		ServiceName: "ap-invoice-engine",
		Version:     envOr("VERSION", "dev"),
	})

	if err := run(log); err != nil {
		log.Error().Err(err).Msg("engine exited with error")
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := store.Open(ctx, cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	nc, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}
	defer nc.Drain()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("creating jetstream context: %w", err)
	}

	// Repositories (C2).
	invoiceRepo := repository.NewInvoiceRepository(db)
	validationRepo := repository.NewValidationRepository(db)
	exceptionRepo := repository.NewExceptionRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	gateRepo := repository.NewPolicyGateRepository(db)
	jobRepo := repository.NewJobRepository(db)
	idemRepo := repository.NewIdempotencyRepository(db)
	exportRepo := repository.NewStagedExportRepository(db)
	sloRepo := repository.NewSLORepository(db)

	// External collaborators (§6), stood in with deterministic in-memory
	// fakes; a real deployment swaps these constructor calls for adapters
	// wrapping actual OCR, accounting and master-data clients.
	extractionProvider := connectors.NewInMemoryExtractionProvider()
	destinationConnector := connectors.NewInMemoryDestinationConnector()
	masterData := connectors.NewInMemoryMasterData()

	extractor := connectors.NewExtractionAdapter(extractionProvider, connectors.ThresholdConfidencePatcher{}, cfg.Validation.AutoApproveConfidence, log)
	destination := connectors.NewDestinationAdapter(destinationConnector)
	lookups := connectors.NewMasterDataAdapter(masterData)

	tolerance, err := decimal.NewFromString(cfg.Validation.Tolerance)
	if err != nil {
		return fmt.Errorf("parsing validation tolerance: %w", err)
	}
	duplicateAmountVariance, err := decimal.NewFromString(cfg.Validation.DuplicateAmountVariance)
	if err != nil {
		return fmt.Errorf("parsing duplicate amount variance: %w", err)
	}
	validationEngine := validation.NewEngine(validation.Context{
		Tolerance:               tolerance,
		AutoApproveConfidence:   cfg.Validation.AutoApproveConfidence,
		Lookups:                 lookups,
		DuplicateAmountVariance: duplicateAmountVariance,
		DuplicateDateWindowDays: cfg.Validation.DuplicateDateWindowDays,
	})

	exceptionMgr := exceptions.NewManager(exceptionRepo)
	gateEvaluator := approval.NewGateEvaluator(gateRepo)
	roleLevels := approval.StaticRoleLevels{"clerk": 1, "manager": 2, "controller": 3, "cfo": 4}
	approvalChain := approval.NewChain(approvalRepo, roleLevels)
	stepTemplates := workflow.MapStepTemplates{
		"standard_approval": {
			{StepIndex: 0, ApproverPrincipal: "manager", RequiredRoleLevel: 2},
		},
		"high_value_approval": {
			{StepIndex: 0, ApproverPrincipal: "manager", RequiredRoleLevel: 2},
			{StepIndex: 1, ApproverPrincipal: "controller", RequiredRoleLevel: 3},
		},
	}

	runner := workflow.New(invoiceRepo, validationRepo, extractor, validationEngine, exceptionMgr, gateEvaluator, approvalChain, stepTemplates)

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer redisClient.Close()
	idemMgr := idempotency.NewManager(idemRepo).WithLock(idempotency.NewRedisLock(redisClient, "ap-invoice-engine:idem:"))
	exportMgr := export.NewManager(exportRepo, destination, idemMgr).WithRoleLevels(roleLevels)
	sloEngine := slo.New(sloRepo, log).WithMetrics(slo.NewMetrics("ap_invoice_engine"))
	sloAggregator := slo.NewAggregator(sloRepo, sloEngine)

	if err := sloEngine.Seed(ctx, domain.DefaultSLODefinitions()); err != nil {
		return fmt.Errorf("seeding slo definitions: %w", err)
	}

	fabric := jobs.NewFabric(jobRepo, nc)

	advance := advanceHandler(fabric, runner, log)
	processingPool := jobs.NewPool(jobRepo, domain.QueueProcessing, cfg.Worker.Concurrency, advance, log).
		WithWakeSignal(nc)

	postExport := postExportHandler(exportMgr, log)
	exportPool := jobs.NewPool(jobRepo, domain.QueueExport, cfg.Worker.Concurrency, postExport, log).
		WithWakeSignal(nc)

	relay := jobs.NewRelay(db, js, log)
	scheduler := jobs.NewScheduler(log)

	if _, err := scheduler.Add(jobs.ScheduleSLIHourly, "sli_hourly", func(ctx context.Context) error {
		return sloAggregator.MeasureHourly(ctx, time.Now())
	}); err != nil {
		return fmt.Errorf("registering sli_hourly task: %w", err)
	}
	if _, err := scheduler.Add(jobs.ScheduleSLIDaily, "sli_daily", func(ctx context.Context) error {
		return sloAggregator.MeasureDaily(ctx, time.Now())
	}); err != nil {
		return fmt.Errorf("registering sli_daily task: %w", err)
	}
	if _, err := scheduler.Add(jobs.ScheduleIdempotencySweep, "idempotency_sweep", func(ctx context.Context) error {
		_, err := idemMgr.Sweep(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("registering idempotency_sweep task: %w", err)
	}
	if _, err := scheduler.Add(jobs.ScheduleDLQMonitor, "dlq_monitor", func(ctx context.Context) error {
		return logDeadLetterDepth(ctx, jobRepo, log)
	}); err != nil {
		return fmt.Errorf("registering dlq_monitor task: %w", err)
	}
	if _, err := scheduler.Add(jobs.ScheduleEscalationSweep, "escalation_sweep", func(ctx context.Context) error {
		count, err := approvalChain.RunEscalationSweep(ctx, time.Now(), nextLevelTarget(roleLevels))
		if err != nil {
			return err
		}
		if count > 0 {
			log.Info().Int("escalated", count).Msg("escalated overdue approval steps")
		}
		return nil
	}); err != nil {
		return fmt.Errorf("registering escalation_sweep task: %w", err)
	}
	if _, err := scheduler.Add(jobs.ScheduleCFODigest, "cfo_digest", func(ctx context.Context) error {
		return cfoDigestHandler(ctx, jobRepo, sloRepo, log)
	}); err != nil {
		return fmt.Errorf("registering cfo_digest task: %w", err)
	}

	scheduler.Start()
	defer scheduler.Stop()

	go relay.Run(ctx, time.Second)
	go processingPool.Run(ctx)
	go exportPool.Run(ctx)
	go serveMetrics(ctx, envOr("METRICS_ADDR", ":9090"), log)

	log.Info().Msg("engine started")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")
	return nil
}

// serveMetrics exposes the SLO core's Prometheus registry at /metrics
// until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Warn().Err(err).Msg("metrics server stopped")
	}
}

func logDeadLetterDepth(ctx context.Context, jobRepo *repository.JobRepository, log zerolog.Logger) error {
	for _, queue := range []string{domain.QueueIngestion, domain.QueueProcessing, domain.QueueValidation, domain.QueueExport, domain.QueueMaintenance} {
		depth, err := jobRepo.DepthByState(ctx, queue, domain.JobDead)
		if err != nil {
			return err
		}
		if depth > 0 {
			log.Warn().Str("queue", queue).Int("dead_letter_depth", depth).Msg("dead letters present")
		}
	}
	return nil
}

// nextLevelTarget builds an approval.ResolveEscalationTarget from the
// configured static role levels: an overdue step escalates to whichever
// configured principal holds the lowest role level that still exceeds the
// step's required level, i.e. the next rung up the chain.
func nextLevelTarget(levels approval.StaticRoleLevels) approval.ResolveEscalationTarget {
	return func(step domain.ApprovalStep) (string, bool) {
		target := ""
		targetLevel := 0
		for principal, level := range levels {
			if level <= step.RequiredRoleLevel {
				continue
			}
			if target == "" || level < targetLevel {
				target = principal
				targetLevel = level
			}
		}
		return target, target != ""
	}
}

// cfoDigestHandler runs the §4.4 cfo_digest task: it logs the configured
// SLO definition count and the current dead-letter depth across every
// queue as the digest's headline numbers. The digest's exact content is an
// open question (§9); this handler only guarantees the task itself runs on
// schedule.
func cfoDigestHandler(ctx context.Context, jobRepo *repository.JobRepository, sloRepo *repository.SLORepository, log zerolog.Logger) error {
	defs, err := sloRepo.Definitions(ctx)
	if err != nil {
		return err
	}

	deadLetters := 0
	for _, queue := range []string{domain.QueueIngestion, domain.QueueProcessing, domain.QueueValidation, domain.QueueExport, domain.QueueMaintenance} {
		depth, err := jobRepo.DepthByState(ctx, queue, domain.JobDead)
		if err != nil {
			return err
		}
		deadLetters += depth
	}

	log.Info().Int("slo_definitions", len(defs)).Int("dead_letters", deadLetters).Msg("cfo digest")
	return nil
}

// advanceHandler builds the single job handler that drives the workflow
// runner forward one step per invocation, re-enqueueing itself while the
// invoice remains in a state Advance can progress unattended. Ready and
// Exception are left un-looped: both wait on an external actor (an
// approval decision, an exception resolution) rather than on another
// Advance call, per internal/workflow.Runner's own step documentation.
func advanceHandler(fabric *jobs.Fabric, runner *workflow.Runner, log zerolog.Logger) jobs.Handler {
	return func(ctx context.Context, job *domain.Job) error {
		var payload struct {
			InvoiceID string `json:"invoice_id"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		invoiceID := idgen.ID(payload.InvoiceID)

		newState, err := runner.Advance(ctx, invoiceID)
		if err != nil {
			return err
		}

		switch newState {
		case domain.StateParsed, domain.StateValidated:
			_, err := fabric.Enqueue(ctx, domain.QueueProcessing, "advance_invoice", payload)
			return err
		default:
			log.Debug().Str("invoice_id", string(invoiceID)).Str("state", string(newState)).Msg("invoice advance settled, awaiting external input or terminal")
			return nil
		}
	}
}

// postExportHandler invokes the idempotent destination post for a staged
// export prepared and approved outside this process (the review decision
// is an operator action, not a job-fabric step). A connector failure
// transitions the export to failed and returns the error, so the fabric's
// retry policy re-drives Post on the next attempt.
func postExportHandler(exportMgr *export.Manager, log zerolog.Logger) jobs.Handler {
	return func(ctx context.Context, job *domain.Job) error {
		var payload struct {
			StagedExportID string `json:"staged_export_id"`
			PostedBy       string `json:"posted_by"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return err
		}
		se, err := exportMgr.Post(ctx, idgen.ID(payload.StagedExportID), payload.PostedBy)
		if err != nil {
			return err
		}
		log.Info().Str("staged_export_id", payload.StagedExportID).Str("status", string(se.Status)).Msg("export post settled")
		return nil
	}
}
