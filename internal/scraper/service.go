// Package scraper renders safe links in a headless browser and captures the
// visible page text for extraction.
package scraper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/metrics"
)

const stageName = "scraping"

// Config controls scraping fan-out.
type Config struct {
	// MaxParallel bounds the number of open tabs; zero means one per link.
	MaxParallel int
}

// Service scrapes a batch of links with one shared browser.
type Service struct {
	launcher  Launcher
	cfg       Config
	longRetry links.LongRetryPolicy
	logger    *zap.Logger
}

// New builds a Service.
func New(cfg Config, launcher Launcher, longRetry links.LongRetryPolicy, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		launcher:  launcher,
		cfg:       cfg,
		longRetry: longRetry,
		logger:    logger.Named("scraper"),
	}
}

// ScrapeLinks renders every link in its own page of a single browser. The
// browser is launched only for a non-empty batch and closed once, after every
// page has been closed.
func (s *Service) ScrapeLinks(ctx context.Context, batch []links.ScannedLink) links.ScrapeResult {
	var result links.ScrapeResult
	if len(batch) == 0 {
		return result
	}
	start := time.Now()
	defer func() { metrics.ObserveStageDuration(stageName, time.Since(start)) }()

	browser, err := s.launcher.Launch(ctx)
	if err != nil {
		s.logger.Error("browser launch failed", zap.Int("links", len(batch)), zap.Error(err))
		for _, link := range batch {
			f := s.fail(link, &links.ScrapingError{URL: link.URL, Cause: fmt.Errorf("launch browser: %w", err)})
			result.Failed = append(result.Failed, f)
			metrics.ObserveLink(stageName, string(f.Status))
		}
		return result
	}

	texts := make([]string, len(batch))
	errs := make([]error, len(batch))
	var g errgroup.Group
	if s.cfg.MaxParallel > 0 {
		g.SetLimit(s.cfg.MaxParallel)
	}
	for i, link := range batch {
		g.Go(func() error {
			texts[i], errs[i] = s.scrapeOne(ctx, browser, link)
			return nil
		})
	}
	_ = g.Wait()

	if err := browser.Close(); err != nil {
		s.logger.Warn("browser close failed", zap.Error(err))
	}

	for i, link := range batch {
		if errs[i] != nil {
			f := s.fail(link, errs[i])
			result.Failed = append(result.Failed, f)
			metrics.ObserveLink(stageName, string(f.Status))
			s.logger.Warn("link scraping failed",
				zap.String("link_id", link.ID),
				zap.String("url", link.URL),
				zap.String("status", string(f.Status)),
				zap.Error(errs[i]),
			)
			continue
		}
		result.Scraped = append(result.Scraped, links.ScrapedLink{ScannedLink: link, ScrapedText: texts[i]})
		metrics.ObserveLink(stageName, "passed")
	}
	return result
}

func (s *Service) fail(link links.ScannedLink, err error) links.FailedProcessedLink {
	return s.longRetry.Fail(link.SubmittedLink, link.URL, "", links.FailureStageScraping, err)
}

// scrapeOne owns one page for its whole life: open, use, close.
func (s *Service) scrapeOne(ctx context.Context, browser Browser, link links.ScannedLink) (text string, err error) {
	page, err := browser.NewPage(ctx)
	if err != nil {
		return "", &links.ScrapingError{URL: link.URL, Cause: fmt.Errorf("open page: %w", err)}
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			s.logger.Warn("page close failed", zap.String("link_id", link.ID), zap.Error(cerr))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			text, err = "", &links.ScrapingError{URL: link.URL, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := page.Navigate(ctx, link.URL); err != nil {
		return "", &links.ScrapingError{URL: link.URL, Cause: err}
	}
	raw, err := page.VisibleText(ctx)
	if err != nil {
		return "", &links.ScrapingError{URL: link.URL, Cause: err}
	}
	text = strings.TrimSpace(raw)
	if text == "" {
		return "", &links.ScrapingError{URL: link.URL, Cause: links.ErrEmptyPage}
	}
	s.logger.Debug("link scraped",
		zap.String("link_id", link.ID),
		zap.String("url", link.URL),
		zap.Int("chars", len(text)),
	)
	return text, nil
}
