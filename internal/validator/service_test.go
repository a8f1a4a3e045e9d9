package validator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/retry"
)

type countingResolver struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(rawURL string, call int) (string, error)
}

func (r *countingResolver) Resolve(_ context.Context, rawURL string) (string, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[rawURL]++
	call := r.calls[rawURL]
	r.mu.Unlock()
	return r.fn(rawURL, call)
}

func (r *countingResolver) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

func noSleepExecutor() *retry.Executor {
	return retry.NewExecutor(retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func newService(resolver Resolver, retries int) *Service {
	return New(
		Config{Retry: retry.Policy{Retries: retries, Factor: 2, MinTimeout: time.Millisecond}},
		resolver,
		noSleepExecutor(),
		links.NewLongRetryPolicy(4),
		nil,
		nil,
	)
}

func TestValidateLinkRejectsMalformedURLWithoutNetwork(t *testing.T) {
	t.Parallel()

	resolver := &countingResolver{fn: func(string, int) (string, error) { return "", nil }}
	svc := newService(resolver, 3)

	for _, raw := range []string{"not-a-valid-url", "", "ftp://example.com/file", "https://"} {
		_, err := svc.ValidateLink(context.Background(), raw)
		require.ErrorIs(t, err, links.ErrInvalidURL, "raw=%q", raw)
	}
	require.Zero(t, resolver.total())
}

func TestValidateLinkFollowsRedirects(t *testing.T) {
	t.Parallel()

	var (
		hits      atomic.Int32
		userAgent atomic.Value
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/hop", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/hop", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/jobs/42", http.StatusFound)
	})
	mux.HandleFunc("/jobs/42", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		userAgent.Store(r.UserAgent())
		_, _ = w.Write([]byte("<html><body>Backend Engineer</body></html>"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	retries := 0
	exec := retry.NewExecutor(
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
		retry.WithRetryHook(func(int, error, time.Duration) { retries++ }),
	)
	resolver := NewCollyResolver(ResolverConfig{UserAgent: "joblink-test/1.0", Timeout: 5 * time.Second, MaxRedirects: 5})
	svc := New(Config{Retry: retry.Policy{Retries: 3}}, resolver, exec, links.NewLongRetryPolicy(4), nil, nil)

	finalURL, err := svc.ValidateLink(context.Background(), server.URL+"/short")
	require.NoError(t, err)
	require.Equal(t, server.URL+"/jobs/42", finalURL)
	require.Equal(t, int32(3), hits.Load())
	require.Equal(t, "joblink-test/1.0", userAgent.Load())
	require.Zero(t, retries)
}

func TestValidateLinkRedirectLimit(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop?n="+r.URL.Query().Get("n")+"x", http.StatusFound)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	resolver := NewCollyResolver(ResolverConfig{Timeout: 5 * time.Second, MaxRedirects: 2})
	_, err := resolver.Resolve(context.Background(), server.URL+"/loop")

	var verr *links.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Error(), "stopped after 2 redirects")
}

func TestValidateLinkDoesNotRetryRateLimited(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	resolver := NewCollyResolver(ResolverConfig{Timeout: 5 * time.Second})
	svc := newService(resolver, 3)

	_, err := svc.ValidateLink(context.Background(), server.URL+"/busy")
	var verr *links.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, http.StatusTooManyRequests, verr.StatusCode)
	require.Equal(t, int32(1), hits.Load())
}

func TestValidateLinkRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	resolver := NewCollyResolver(ResolverConfig{Timeout: 5 * time.Second})
	svc := newService(resolver, 2)

	_, err := svc.ValidateLink(context.Background(), server.URL)
	var verr *links.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, http.StatusBadGateway, verr.StatusCode)
	require.Equal(t, int32(3), hits.Load())
}

func TestValidateLinksIsolatesFailures(t *testing.T) {
	t.Parallel()

	resolver := &countingResolver{fn: func(rawURL string, _ int) (string, error) {
		if rawURL == "https://dead.example/job" {
			return "", &links.ValidationError{URL: rawURL, StatusCode: 404, Cause: errors.New("Not Found")}
		}
		return rawURL + "?resolved=1", nil
	}}
	svc := newService(resolver, 1)

	batch := []links.SubmittedLink{
		{ID: "ok", OriginalURL: "https://live.example/job", AttemptsCount: 0},
		{ID: "dead", OriginalURL: "https://dead.example/job", AttemptsCount: 1},
		{ID: "exhausted", OriginalURL: "https://dead.example/job", AttemptsCount: 4},
		{ID: "bad", OriginalURL: "not-a-valid-url", AttemptsCount: 0},
	}
	result := svc.ValidateLinks(context.Background(), batch)

	require.Len(t, result.Validated, 1)
	require.Len(t, result.Failed, 3)
	require.Equal(t, "ok", result.Validated[0].ID)
	require.Equal(t, "https://live.example/job?resolved=1", result.Validated[0].URL)

	byID := map[string]links.FailedProcessedLink{}
	for _, f := range result.Failed {
		require.Equal(t, links.FailureStageValidation, f.FailureStage)
		byID[f.OriginalRequest.ID] = f
	}
	require.Equal(t, links.StatusPendingRetry, byID["dead"].Status)
	require.Equal(t, links.StatusPipelineFailed, byID["exhausted"].Status)
	require.Equal(t, links.StatusPendingRetry, byID["bad"].Status)
	require.ErrorIs(t, byID["bad"].Err, links.ErrInvalidURL)
}

func TestValidateLinksEmptyBatch(t *testing.T) {
	t.Parallel()

	resolver := &countingResolver{fn: func(string, int) (string, error) { return "", nil }}
	result := newService(resolver, 3).ValidateLinks(context.Background(), nil)
	require.Empty(t, result.Validated)
	require.Empty(t, result.Failed)
	require.Zero(t, resolver.total())
}

func TestValidateLinksConcurrentWithCollyResolver(t *testing.T) {
	t.Parallel()

	var busyHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/short/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/hop/"+r.URL.Path[len("/short/"):], http.StatusMovedPermanently)
	})
	mux.HandleFunc("/hop/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/jobs/"+r.URL.Path[len("/hop/"):], http.StatusFound)
	})
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>Job</body></html>"))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, _ *http.Request) {
		busyHits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	resolver := NewCollyResolver(ResolverConfig{UserAgent: "joblink-test/1.0", Timeout: 5 * time.Second, MaxRedirects: 5})
	svc := New(
		Config{Retry: retry.Policy{Retries: 3, Factor: 2, MinTimeout: time.Millisecond}, MaxParallel: 8},
		resolver,
		noSleepExecutor(),
		links.NewLongRetryPolicy(4),
		nil,
		nil,
	)

	batch := make([]links.SubmittedLink, 0, 9)
	for i := range 8 {
		id := fmt.Sprintf("job%d", i)
		batch = append(batch, links.SubmittedLink{ID: id, OriginalURL: server.URL + "/short/" + id})
	}
	batch = append(batch, links.SubmittedLink{ID: "busy", OriginalURL: server.URL + "/busy", AttemptsCount: 4})

	result := svc.ValidateLinks(context.Background(), batch)
	require.Len(t, result.Validated, 8)
	for _, v := range result.Validated {
		require.Equal(t, server.URL+"/jobs/"+v.ID, v.URL)
	}
	require.Len(t, result.Failed, 1)
	require.Equal(t, "busy", result.Failed[0].OriginalRequest.ID)
	require.Equal(t, links.StatusPipelineFailed, result.Failed[0].Status)
	require.Equal(t, int32(1), busyHits.Load())
}
