// Package validator resolves submitted URLs to their final destination and
// rejects dead or rate-limited links before they reach the costlier stages.
package validator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/metrics"
	"github.com/JakeFAU/joblink-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/joblink-pipeline/internal/retry"
)

const stageName = "validation"

// Config controls validation retries and fan-out.
type Config struct {
	Retry           retry.Policy
	NoRetryStatuses []int
	// MaxParallel bounds concurrent validations; zero means unbounded.
	MaxParallel int
}

// Service validates submitted links.
type Service struct {
	resolver  Resolver
	exec      *retry.Executor
	cfg       Config
	noRetry   map[int]struct{}
	longRetry links.LongRetryPolicy
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

// New builds a Service. limiter may be nil.
func New(
	cfg Config,
	resolver Resolver,
	exec *retry.Executor,
	longRetry links.LongRetryPolicy,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *Service {
	if exec == nil {
		exec = retry.NewExecutor()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	statuses := cfg.NoRetryStatuses
	if statuses == nil {
		statuses = []int{429}
	}
	noRetry := make(map[int]struct{}, len(statuses))
	for _, code := range statuses {
		noRetry[code] = struct{}{}
	}
	return &Service{
		resolver:  resolver,
		exec:      exec,
		cfg:       cfg,
		noRetry:   noRetry,
		longRetry: longRetry,
		limiter:   limiter,
		logger:    logger.Named("validator"),
	}
}

// ValidateLink resolves rawURL to its final URL. A malformed URL fails with
// links.ErrInvalidURL before any network call.
func (s *Service) ValidateLink(ctx context.Context, rawURL string) (string, error) {
	u, err := links.ParseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}
	target := u.String()
	return retry.Do(ctx, s.exec, s.cfg.Retry, func(ctx context.Context) (string, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx, target); err != nil {
				return "", &links.ValidationError{URL: target, Cause: err}
			}
		}
		return s.resolver.Resolve(ctx, target)
	}, s.shouldRetry)
}

func (s *Service) shouldRetry(err error) bool {
	if errors.Is(err, links.ErrInvalidURL) {
		return false
	}
	var verr *links.ValidationError
	if errors.As(err, &verr) {
		if _, blocked := s.noRetry[verr.StatusCode]; blocked {
			return false
		}
	}
	return true
}

// ValidateLinks validates every link concurrently. A failure never affects
// sibling links; every input lands in exactly one of the result slices.
func (s *Service) ValidateLinks(ctx context.Context, batch []links.SubmittedLink) links.ValidationResult {
	var result links.ValidationResult
	if len(batch) == 0 {
		return result
	}
	start := time.Now()
	defer func() { metrics.ObserveStageDuration(stageName, time.Since(start)) }()

	type outcome struct {
		validated *links.ValidatedLink
		failed    *links.FailedProcessedLink
	}
	outcomes := make([]outcome, len(batch))

	var g errgroup.Group
	if s.cfg.MaxParallel > 0 {
		g.SetLimit(s.cfg.MaxParallel)
	}
	for i, link := range batch {
		g.Go(func() error {
			v, f := s.validateOne(ctx, link)
			outcomes[i] = outcome{validated: v, failed: f}
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.validated != nil {
			result.Validated = append(result.Validated, *o.validated)
			metrics.ObserveLink(stageName, "passed")
			continue
		}
		result.Failed = append(result.Failed, *o.failed)
		metrics.ObserveLink(stageName, string(o.failed.Status))
	}
	return result
}

func (s *Service) validateOne(ctx context.Context, link links.SubmittedLink) (v *links.ValidatedLink, f *links.FailedProcessedLink) {
	defer func() {
		if r := recover(); r != nil {
			failed := s.longRetry.Fail(link, "", "", links.FailureStageValidation,
				&links.ValidationError{URL: link.OriginalURL, Cause: fmt.Errorf("panic: %v", r)})
			v, f = nil, &failed
		}
	}()

	finalURL, err := s.ValidateLink(ctx, link.OriginalURL)
	if err != nil {
		var verr *links.ValidationError
		if !errors.As(err, &verr) {
			err = &links.ValidationError{URL: link.OriginalURL, Cause: err}
		}
		failed := s.longRetry.Fail(link, "", "", links.FailureStageValidation, err)
		s.logger.Warn("link validation failed",
			zap.String("link_id", link.ID),
			zap.String("url", link.OriginalURL),
			zap.String("status", string(failed.Status)),
			zap.Error(err),
		)
		return nil, &failed
	}
	s.logger.Debug("link validated",
		zap.String("link_id", link.ID),
		zap.String("url", link.OriginalURL),
		zap.String("final_url", finalURL),
	)
	return &links.ValidatedLink{SubmittedLink: link, URL: finalURL}, nil
}
