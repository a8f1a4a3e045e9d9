// Package safety screens validated links against a threat-intelligence source
// before they are rendered in a browser.
package safety

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

const (
	stageName  = "safety"
	limiterKey = "safebrowsing"
)

// Config controls lookup retries, timeouts, and fan-out.
type Config struct {
	Retry retry.Policy
	// Timeout bounds each individual lookup call.
	Timeout     time.Duration
	MaxParallel int
}

// Service classifies links as safe or malicious.
type Service struct {
	matcher   ThreatMatcher
	exec      *retry.Executor
	cfg       Config
	longRetry links.LongRetryPolicy
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

// New builds a Service. limiter may be nil.
func New(
	cfg Config,
	matcher ThreatMatcher,
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
	return &Service{
		matcher:   matcher,
		exec:      exec,
		cfg:       cfg,
		longRetry: longRetry,
		limiter:   limiter,
		logger:    logger.Named("safety"),
	}
}

// CheckLink returns nil for a safe link. Otherwise the error is a
// *links.MaliciousLinkError whose Kind says whether the link was reported or
// the lookup itself failed.
func (s *Service) CheckLink(ctx context.Context, rawURL string) error {
	if _, err := links.ParseHTTPURL(rawURL); err != nil {
		return &links.MaliciousLinkError{URL: rawURL, Kind: links.SafetyCheckFailed, Cause: err}
	}
	matches, err := retry.Do(ctx, s.exec, s.cfg.Retry, func(ctx context.Context) ([]links.ThreatMatch, error) {
		return s.lookup(ctx, rawURL)
	}, nil)
	if err != nil {
		return &links.MaliciousLinkError{URL: rawURL, Kind: links.SafetyCheckFailed, Cause: err}
	}
	if len(matches) > 0 {
		return &links.MaliciousLinkError{URL: rawURL, Kind: links.MaliciousReported, Matches: matches}
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, rawURL string) ([]links.ThreatMatch, error) {
	if s.limiter != nil {
		if err := s.limiter.WaitKey(ctx, limiterKey); err != nil {
			return nil, err
		}
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	return s.matcher.FindThreatMatches(ctx, rawURL)
}

// CheckSafety checks every link concurrently. No link's failure cancels or
// delays its siblings.
func (s *Service) CheckSafety(ctx context.Context, batch []links.ValidatedLink) links.SafetyResult {
	var result links.SafetyResult
	if len(batch) == 0 {
		return result
	}
	start := time.Now()
	defer func() { metrics.ObserveStageDuration(stageName, time.Since(start)) }()

	failures := make([]*links.FailedProcessedLink, len(batch))
	var g errgroup.Group
	if s.cfg.MaxParallel > 0 {
		g.SetLimit(s.cfg.MaxParallel)
	}
	for i, link := range batch {
		g.Go(func() error {
			failures[i] = s.checkOne(ctx, link)
			return nil
		})
	}
	_ = g.Wait()

	for i, failed := range failures {
		if failed == nil {
			result.Scanned = append(result.Scanned, batch[i])
			metrics.ObserveLink(stageName, "passed")
			continue
		}
		result.Failed = append(result.Failed, *failed)
		metrics.ObserveLink(stageName, string(failed.Status))
	}
	return result
}

func (s *Service) checkOne(ctx context.Context, link links.ValidatedLink) (failed *links.FailedProcessedLink) {
	defer func() {
		if r := recover(); r != nil {
			f := s.longRetry.Fail(link.SubmittedLink, link.URL, "", links.FailureStageVirus,
				&links.MaliciousLinkError{URL: link.URL, Kind: links.SafetyCheckFailed, Cause: fmt.Errorf("panic: %v", r)})
			failed = &f
		}
	}()

	err := s.CheckLink(ctx, link.URL)
	if err == nil {
		return nil
	}
	f := s.longRetry.Fail(link.SubmittedLink, link.URL, "", links.FailureStageVirus, err)
	fields := []zap.Field{
		zap.String("link_id", link.ID),
		zap.String("url", link.URL),
		zap.String("status", string(f.Status)),
	}
	var mal *links.MaliciousLinkError
	if errors.As(err, &mal) && mal.Kind == links.MaliciousReported {
		s.logger.Warn("link reported malicious", append(fields, zap.Any("matches", mal.Matches))...)
	} else {
		s.logger.Warn("safety check failed", append(fields, zap.Error(err))...)
	}
	return &f
}
