// Package pipeline chains the four link stages and persists each run's outcomes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/joblink-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/metrics"
)

// Validator resolves submitted URLs.
type Validator interface {
	ValidateLinks(ctx context.Context, batch []links.SubmittedLink) links.ValidationResult
}

// SafetyChecker screens validated URLs against threat lists.
type SafetyChecker interface {
	CheckSafety(ctx context.Context, batch []links.ValidatedLink) links.SafetyResult
}

// Scraper renders scanned URLs to visible text.
type Scraper interface {
	ScrapeLinks(ctx context.Context, batch []links.ScannedLink) links.ScrapeResult
}

// Extractor turns scraped text into job metadata.
type Extractor interface {
	ExtractMetadata(ctx context.Context, batch []links.ScrapedLink) links.ExtractionResult
}

// Stages holds the four pipeline stages in execution order.
type Stages struct {
	Validator Validator
	Safety    SafetyChecker
	Scraper   Scraper
	Extractor Extractor
}

// LinkStore reads eligible links and records outcomes.
type LinkStore interface {
	ListEligible(ctx context.Context, q links.EligibilityQuery) ([]links.SubmittedLink, error)
	SaveOutcome(ctx context.Context, outcome links.Outcome) error
}

// BlobStore archives scraped text and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes outcome events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher digests archived text.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Config controls link selection and outcome fan-out.
type Config struct {
	BatchSize int `mapstructure:"batch_size"`
	// RetryInterval is the minimum time between attempts on the same link.
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxLongRetry  int           `mapstructure:"max_long_retry"`
	// Topic receives one event per outcome. Empty disables publishing.
	Topic string `mapstructure:"topic"`
	// ArchivePrefix is the blob path prefix for scraped text.
	ArchivePrefix string `mapstructure:"archive_prefix"`
}

// BatchResult is the in-memory outcome of one batch.
type BatchResult struct {
	Extracted []links.MetadataExtractedLink
	Failed    []links.FailedProcessedLink
}

// RunSummary reports what a run did.
type RunSummary struct {
	RunID         string                     `json:"run_id"`
	StartedAt     time.Time                  `json:"started_at"`
	FinishedAt    time.Time                  `json:"finished_at"`
	Selected      int                        `json:"selected"`
	Extracted     int                        `json:"extracted"`
	Failed        int                        `json:"failed"`
	ByStatus      map[links.LinkStatus]int   `json:"by_status"`
	ByStage       map[links.FailureStage]int `json:"by_stage"`
	PersistErrors int                        `json:"persist_errors"`
	PublishErrors int                        `json:"publish_errors"`
	ArchiveErrors int                        `json:"archive_errors"`
	// Skipped counts links whose failure was a cancellation; they keep their stored state.
	Skipped       int                        `json:"skipped"`
	Error         string                     `json:"error,omitempty"`
}

// OutcomeEvent is the payload published for each processed link.
type OutcomeEvent struct {
	RunID string `json:"run_id"`
	links.Outcome
}

// Attributes are attached to the published message for subscriber filtering.
func (e OutcomeEvent) Attributes() map[string]string {
	attrs := map[string]string{
		"run_id":  e.RunID,
		"link_id": e.LinkID,
		"status":  string(e.Status),
	}
	if e.FailureStage != links.FailureStageNone {
		attrs["failure_stage"] = string(e.FailureStage)
	}
	return attrs
}

// Orchestrator runs batches through the stages and records their outcomes.
type Orchestrator struct {
	cfg       Config
	stages    Stages
	guard     Guard
	store     LinkStore
	blobs     BlobStore
	publisher Publisher
	hasher    Hasher
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	last   RunSummary
	hasRun bool
}

// Deps bundles the Orchestrator's collaborators. Blobs and Publisher are
// optional; Guard and Hasher default to a LocalGuard and SHA-256.
type Deps struct {
	Stages    Stages
	Guard     Guard
	Store     LinkStore
	Blobs     BlobStore
	Publisher Publisher
	Hasher    Hasher
	Clock     Clock
	IDs       IDGenerator
	Logger    *zap.Logger
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Stages.Validator == nil || deps.Stages.Safety == nil ||
		deps.Stages.Scraper == nil || deps.Stages.Extractor == nil {
		return nil, fmt.Errorf("all four stages are required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if deps.Guard == nil {
		deps.Guard = NewLocalGuard()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxLongRetry <= 0 {
		cfg.MaxLongRetry = links.DefaultMaxLongRetry
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "scraped"
	}
	return &Orchestrator{
		cfg:       cfg,
		stages:    deps.Stages,
		guard:     deps.Guard,
		store:     deps.Store,
		blobs:     deps.Blobs,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    deps.Logger.Named("pipeline"),
	}, nil
}

// ProcessBatch runs batch through validation, safety, scraping and extraction.
// It performs no storage writes. A link failing a stage does not reach later stages.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batch []links.SubmittedLink) BatchResult {
	var out BatchResult
	if len(batch) == 0 {
		return out
	}

	stageCtx, span := startStage(ctx, "validate", len(batch))
	validated := o.stages.Validator.ValidateLinks(stageCtx, batch)
	endStage(span, len(validated.Failed))
	out.Failed = append(out.Failed, validated.Failed...)

	stageCtx, span = startStage(ctx, "safety", len(validated.Validated))
	scanned := o.stages.Safety.CheckSafety(stageCtx, validated.Validated)
	endStage(span, len(scanned.Failed))
	out.Failed = append(out.Failed, scanned.Failed...)

	stageCtx, span = startStage(ctx, "scrape", len(scanned.Scanned))
	scraped := o.stages.Scraper.ScrapeLinks(stageCtx, scanned.Scanned)
	endStage(span, len(scraped.Failed))
	out.Failed = append(out.Failed, scraped.Failed...)

	stageCtx, span = startStage(ctx, "extract", len(scraped.Scraped))
	extracted := o.stages.Extractor.ExtractMetadata(stageCtx, scraped.Scraped)
	endStage(span, len(extracted.Failed))
	out.Failed = append(out.Failed, extracted.Failed...)
	out.Extracted = extracted.Extracted
	return out
}

var tracer = otel.Tracer("github.com/JakeFAU/joblink-pipeline/internal/pipeline")

func startStage(ctx context.Context, stage string, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pipeline.stage."+stage, trace.WithAttributes(
		attribute.String("stage", stage),
		attribute.Int("links", size),
	))
}

func endStage(span trace.Span, failed int) {
	span.SetAttributes(attribute.Int("failed", failed))
	span.End()
}

// Run holds the guard for one full run: select eligible links, process them,
// then persist, archive and publish each outcome. It returns ErrRunInProgress
// when another run holds the guard.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	defer release()

	runID, err := o.ids.NewID()
	if err != nil {
		metrics.ObserveRun("error")
		return RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	return o.execute(ctx, runID)
}

// Start acquires the guard and runs in the background, returning the run ID.
// ctx must outlive the run.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return "", err
	}
	runID, err := o.ids.NewID()
	if err != nil {
		release()
		metrics.ObserveRun("error")
		return "", fmt.Errorf("generate run id: %w", err)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		if _, err := o.execute(ctx, runID); err != nil {
			o.logger.Error("pipeline run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()
	return runID, nil
}

// Wait blocks until background runs started with Start finish.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// LastRun returns the summary of the most recent run, if any.
func (o *Orchestrator) LastRun() (RunSummary, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last, o.hasRun
}

func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	release, err := o.guard.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			metrics.ObserveRun("skipped")
			o.logger.Info("pipeline run skipped, another run holds the guard")
			return nil, err
		}
		metrics.ObserveRun("error")
		return nil, err
	}
	metrics.SetRunInProgress(true)
	return func() {
		metrics.SetRunInProgress(false)
		release()
	}, nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string) (summary RunSummary, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_id", runID)))
	defer func() {
		span.SetAttributes(
			attribute.Int("selected", summary.Selected),
			attribute.Int("extracted", summary.Extracted),
			attribute.Int("failed", summary.Failed),
		)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	logger := o.logger.With(zap.String("run_id", runID))
	summary = RunSummary{
		RunID:     runID,
		StartedAt: o.clock.Now(),
		ByStatus:  make(map[links.LinkStatus]int),
		ByStage:   make(map[links.FailureStage]int),
	}

	if o.store == nil {
		return o.finish(logger, summary, fmt.Errorf("link store is not configured"))
	}
	batch, err := o.store.ListEligible(ctx, links.EligibilityQuery{
		MaxAttempts:     o.cfg.MaxLongRetry,
		AttemptedBefore: summary.StartedAt.Add(-o.cfg.RetryInterval),
		Limit:           o.cfg.BatchSize,
	})
	if err != nil {
		return o.finish(logger, summary, fmt.Errorf("list eligible links: %w", err))
	}
	summary.Selected = len(batch)
	if len(batch) == 0 {
		logger.Info("no eligible links")
		return o.finish(logger, summary, nil)
	}
	logger.Info("pipeline run started", zap.Int("links", len(batch)))

	// A selected batch runs to completion. Cancelling ctx stops new runs, not
	// this one; each stage bounds its own calls with timeouts.
	work := context.WithoutCancel(ctx)
	result := o.ProcessBatch(work, batch)
	at := o.clock.Now()

	outcomes := make([]links.Outcome, 0, len(result.Extracted)+len(result.Failed))
	for _, link := range result.Extracted {
		outcomes = append(outcomes, links.ExtractedOutcome(link, at))
	}
	for _, f := range result.Failed {
		if errors.Is(f.Err, context.Canceled) {
			summary.Skipped++
			logger.Warn("link cancelled, leaving it for the next run",
				zap.String("link_id", f.OriginalRequest.ID),
				zap.String("stage", string(f.FailureStage)),
				zap.Error(f.Err))
			continue
		}
		outcomes = append(outcomes, links.FailedOutcome(f, at))
		summary.Failed++
	}
	summary.Extracted = len(result.Extracted)

	for _, outcome := range outcomes {
		summary.ByStatus[outcome.Status]++
		if outcome.FailureStage != links.FailureStageNone {
			summary.ByStage[outcome.FailureStage]++
		}
		o.record(work, logger, runID, outcome, &summary)
	}
	return o.finish(logger, summary, nil)
}

// record archives, persists and publishes one outcome. Failures are logged and counted.
func (o *Orchestrator) record(ctx context.Context, logger *zap.Logger, runID string, outcome links.Outcome, summary *RunSummary) {
	fields := []zap.Field{
		zap.String("link_id", outcome.LinkID),
		zap.String("url", outcome.OriginalURL),
		zap.String("status", string(outcome.Status)),
	}
	if err := outcome.Validate(); err != nil {
		summary.PersistErrors++
		logger.Error("refusing to persist inconsistent outcome", append(fields, zap.Error(err))...)
		return
	}

	if outcome.ScrapedText != "" {
		o.archive(ctx, logger, fields, &outcome, summary)
	}

	if err := o.store.SaveOutcome(ctx, outcome); err != nil {
		summary.PersistErrors++
		logger.Error("persist outcome failed", append(fields, zap.Error(err))...)
		return
	}

	if o.publisher != nil && o.cfg.Topic != "" {
		if _, err := o.publisher.Publish(ctx, o.cfg.Topic, OutcomeEvent{RunID: runID, Outcome: outcome}); err != nil {
			summary.PublishErrors++
			logger.Warn("publish outcome failed", append(fields, zap.Error(err))...)
		}
	}
}

// archive stores scraped text under prefix/<link id>/<sha256>.txt, so a page
// that renders identically across retries is written once per link.
func (o *Orchestrator) archive(ctx context.Context, logger *zap.Logger, fields []zap.Field, outcome *links.Outcome, summary *RunSummary) {
	digest, err := o.hasher.Hash([]byte(outcome.ScrapedText))
	if err != nil {
		summary.ArchiveErrors++
		logger.Warn("hash scraped text failed", append(fields, zap.Error(err))...)
		return
	}
	outcome.TextHash = digest
	if o.blobs == nil {
		return
	}
	path := fmt.Sprintf("%s/%s/%s.txt", strings.TrimSuffix(o.cfg.ArchivePrefix, "/"), outcome.LinkID, digest)
	uri, err := o.blobs.PutObject(ctx, path, "text/plain; charset=utf-8", strings.NewReader(outcome.ScrapedText))
	if err != nil {
		summary.ArchiveErrors++
		logger.Warn("archive scraped text failed", append(fields, zap.Error(err))...)
		return
	}
	outcome.TextURI = uri
}

func (o *Orchestrator) finish(logger *zap.Logger, summary RunSummary, err error) (RunSummary, error) {
	summary.FinishedAt = o.clock.Now()
	result := "completed"
	if err != nil {
		summary.Error = err.Error()
		result = "error"
		logger.Error("pipeline run aborted", zap.Error(err))
	} else {
		logger.Info("pipeline run finished",
			zap.Int("selected", summary.Selected),
			zap.Int("extracted", summary.Extracted),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("persist_errors", summary.PersistErrors),
			zap.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
		)
	}
	metrics.ObserveRun(result)

	o.mu.Lock()
	o.last = summary
	o.hasRun = true
	o.mu.Unlock()
	return summary, err
}
