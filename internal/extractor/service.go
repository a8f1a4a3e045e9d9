// Package extractor converts scraped page text into structured job metadata
// with a generative model.
package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/metrics"
	"github.com/JakeFAU/joblink-pipeline/internal/retry"
)

const stageName = "extraction"

// Config controls model calls and fan-out.
type Config struct {
	Retry retry.Policy
	// Timeout bounds each model call.
	Timeout time.Duration
	// MaxInputChars caps the page text embedded in the prompt.
	MaxInputChars int
	MaxParallel   int
	Vocabularies  links.Vocabularies
}

// Service extracts metadata for scraped links.
type Service struct {
	gen       Generator
	exec      *retry.Executor
	cfg       Config
	longRetry links.LongRetryPolicy
	logger    *zap.Logger
}

// New builds a Service. Zero-valued vocabularies fall back to the defaults.
func New(cfg Config, gen Generator, exec *retry.Executor, longRetry links.LongRetryPolicy, logger *zap.Logger) *Service {
	if exec == nil {
		exec = retry.NewExecutor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := links.DefaultVocabularies()
	if len(cfg.Vocabularies.Location.Values) == 0 {
		cfg.Vocabularies.Location = defaults.Location
	}
	if len(cfg.Vocabularies.JobFunction.Values) == 0 {
		cfg.Vocabularies.JobFunction = defaults.JobFunction
	}
	if len(cfg.Vocabularies.JobType.Values) == 0 {
		cfg.Vocabularies.JobType = defaults.JobType
	}
	return &Service{
		gen:       gen,
		exec:      exec,
		cfg:       cfg,
		longRetry: longRetry,
		logger:    logger.Named("extractor"),
	}
}

// GenerateMetadata asks the model for metadata about text scraped from url.
// Empty and unparseable responses are returned without retrying.
func (s *Service) GenerateMetadata(ctx context.Context, text, url string) (links.ExtractedMetadata, error) {
	prompt := buildPrompt(text, url, s.cfg.Vocabularies, s.cfg.MaxInputChars)

	var fallbacks fallbackFields
	md, err := retry.Do(ctx, s.exec, s.cfg.Retry, func(ctx context.Context) (links.ExtractedMetadata, error) {
		raw, err := s.generate(ctx, prompt)
		if err != nil {
			return links.ExtractedMetadata{}, err
		}
		if strings.TrimSpace(raw) == "" {
			return links.ExtractedMetadata{}, links.ErrAIResponseEmpty
		}
		var md links.ExtractedMetadata
		md, fallbacks, err = parseMetadata(raw, s.cfg.Vocabularies)
		return md, err
	}, retryable)
	if err != nil {
		return links.ExtractedMetadata{}, err
	}
	for _, field := range fallbacks {
		metrics.ObserveEnumFallback(field)
		s.logger.Info("enum value fell back to default",
			zap.String("url", url),
			zap.String("field", field),
		)
	}
	return md, nil
}

func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	return s.gen.Generate(ctx, prompt)
}

func retryable(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	switch {
	case errors.Is(err, links.ErrAIResponseEmpty),
		errors.Is(err, ErrIncompleteMetadata),
		errors.Is(err, context.Canceled),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr):
		return false
	default:
		return true
	}
}

// ExtractMetadata extracts metadata for every link concurrently. An empty batch
// makes no model calls.
func (s *Service) ExtractMetadata(ctx context.Context, batch []links.ScrapedLink) links.ExtractionResult {
	var result links.ExtractionResult
	if len(batch) == 0 {
		s.logger.Warn("no scraped links to extract")
		return result
	}
	start := time.Now()
	defer func() { metrics.ObserveStageDuration(stageName, time.Since(start)) }()

	mds := make([]links.ExtractedMetadata, len(batch))
	errs := make([]error, len(batch))
	var g errgroup.Group
	if s.cfg.MaxParallel > 0 {
		g.SetLimit(s.cfg.MaxParallel)
	}
	for i, link := range batch {
		g.Go(func() error {
			mds[i], errs[i] = s.extractOne(ctx, link)
			return nil
		})
	}
	_ = g.Wait()

	for i, link := range batch {
		if errs[i] != nil {
			f := s.longRetry.Fail(link.SubmittedLink, link.URL, link.ScrapedText, links.FailureStageExtraction, errs[i])
			result.Failed = append(result.Failed, f)
			metrics.ObserveLink(stageName, string(f.Status))
			s.logger.Warn("metadata extraction failed",
				zap.String("link_id", link.ID),
				zap.String("url", link.URL),
				zap.String("status", string(f.Status)),
				zap.Error(errs[i]),
			)
			continue
		}
		result.Extracted = append(result.Extracted, links.MetadataExtractedLink{
			ScrapedLink:  link,
			Metadata:     mds[i],
			Status:       links.StatusPendingAdminReview,
			FailureStage: links.FailureStageNone,
		})
		metrics.ObserveLink(stageName, string(links.StatusPendingAdminReview))
	}
	return result
}

func (s *Service) extractOne(ctx context.Context, link links.ScrapedLink) (md links.ExtractedMetadata, err error) {
	defer func() {
		if r := recover(); r != nil {
			md, err = links.ExtractedMetadata{}, &links.ExtractionError{URL: link.URL, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()
	md, err = s.GenerateMetadata(ctx, link.ScrapedText, link.URL)
	if err != nil {
		return links.ExtractedMetadata{}, &links.ExtractionError{URL: link.URL, Cause: err}
	}
	return md, nil
}
