package validator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
)

// Resolver follows redirects for a URL and returns where it finally lands.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// ResolverConfig controls the redirect-following collector.
type ResolverConfig struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

// CollyResolver implements Resolver with a Colly collector.
type CollyResolver struct {
	cfg           ResolverConfig
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type resolveState struct {
	finalURL   string
	statusCode int
	err        error
}

// NewCollyResolver builds a CollyResolver.
func NewCollyResolver(cfg ResolverConfig) *CollyResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// Clones share the backend http.Client, so its timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	maxRedirects := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})

	return &CollyResolver{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Resolve issues a GET for rawURL and reports the final URL on a 2xx response.
// Non-2xx responses and transport failures come back as *links.ValidationError.
func (r *CollyResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	state := &resolveState{}
	collector := r.buildCollector(state)
	if err := r.runCollector(ctx, collector, rawURL); err != nil {
		return "", &links.ValidationError{URL: rawURL, Cause: err}
	}
	if state.err != nil {
		return "", &links.ValidationError{URL: rawURL, StatusCode: state.statusCode, Cause: state.err}
	}
	if state.statusCode < 200 || state.statusCode > 299 {
		return "", &links.ValidationError{
			URL:        rawURL,
			StatusCode: state.statusCode,
			Cause:      errors.New(http.StatusText(state.statusCode)),
		}
	}
	return state.finalURL, nil
}

func (r *CollyResolver) buildCollector(state *resolveState) *colly.Collector {
	collector := r.baseCollector.Clone()
	configureHooks(collector, state)
	return collector
}

func configureHooks(hooks collectorHooks, state *resolveState) {
	hooks.OnResponse(func(resp *colly.Response) {
		state.statusCode = resp.StatusCode
		state.finalURL = resp.Request.URL.String()
	})
	hooks.OnError(func(resp *colly.Response, err error) {
		if resp != nil {
			state.statusCode = resp.StatusCode
		}
		state.err = err
	})
}

func (r *CollyResolver) runCollector(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("resolve canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
