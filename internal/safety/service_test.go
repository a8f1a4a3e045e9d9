package safety

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
	"github.com/JakeFAU/joblink-pipeline/internal/retry"
)

type fakeMatcher struct {
	mu      sync.Mutex
	calls   map[string]int
	matches map[string][]links.ThreatMatch
	errs    map[string]error
}

func (f *fakeMatcher) FindThreatMatches(_ context.Context, url string) ([]links.ThreatMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	return f.matches[url], nil
}

func (f *fakeMatcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func newTestService(m ThreatMatcher, retries int) *Service {
	exec := retry.NewExecutor(retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return New(
		Config{Retry: retry.Policy{Retries: retries, Factor: 3, MinTimeout: time.Second, MaxTimeout: 10 * time.Second}},
		m, exec, links.NewLongRetryPolicy(4), nil, nil,
	)
}

func validated(id, url string, attempts int) links.ValidatedLink {
	return links.ValidatedLink{
		SubmittedLink: links.SubmittedLink{ID: id, OriginalURL: url, AttemptsCount: attempts},
		URL:           url,
	}
}

func TestCheckSafetyPartitionsVerdicts(t *testing.T) {
	t.Parallel()

	matcher := &fakeMatcher{
		matches: map[string][]links.ThreatMatch{
			"https://evil.example/job": {{ThreatType: "MALWARE", PlatformType: "ANY_PLATFORM", URL: "https://evil.example/job"}},
		},
		errs: map[string]error{
			"https://flaky.example/job": errors.New("503 backend unavailable"),
		},
	}
	svc := newTestService(matcher, 2)

	batch := []links.ValidatedLink{
		validated("safe", "https://safe.example/job", 0),
		validated("evil", "https://evil.example/job", 0),
		validated("evil-old", "https://evil.example/job", 9),
		validated("flaky", "https://flaky.example/job", 1),
		validated("flaky-last", "https://flaky.example/job", 4),
	}
	result := svc.CheckSafety(context.Background(), batch)

	require.Len(t, result.Scanned, 1)
	require.Equal(t, "safe", result.Scanned[0].ID)
	require.Len(t, result.Failed, 4)

	byID := map[string]links.FailedProcessedLink{}
	for _, f := range result.Failed {
		require.Equal(t, links.FailureStageVirus, f.FailureStage)
		byID[f.OriginalRequest.ID] = f
	}
	require.Equal(t, links.StatusPipelineRejected, byID["evil"].Status)
	require.Equal(t, links.StatusPipelineRejected, byID["evil-old"].Status)
	require.Equal(t, links.StatusPendingRetry, byID["flaky"].Status)
	require.Equal(t, links.StatusPipelineFailed, byID["flaky-last"].Status)

	var mal *links.MaliciousLinkError
	require.ErrorAs(t, byID["flaky"].Err, &mal)
	require.Equal(t, links.SafetyCheckFailed, mal.Kind)

	// Verdicts are never retried; failed lookups are retried per policy for each link.
	require.Equal(t, 2, matcher.callsFor("https://evil.example/job"))
	require.Equal(t, 6, matcher.callsFor("https://flaky.example/job"))
}

func TestCheckLinkMalformedURLSkipsLookup(t *testing.T) {
	t.Parallel()

	matcher := &fakeMatcher{}
	svc := newTestService(matcher, 3)

	err := svc.CheckLink(context.Background(), "::not a url")
	require.ErrorIs(t, err, links.ErrInvalidURL)
	require.False(t, links.IsMaliciousVerdict(err))
	require.Zero(t, matcher.callsFor("::not a url"))
}

func TestCheckSafetyEmptyBatch(t *testing.T) {
	t.Parallel()

	matcher := &fakeMatcher{}
	result := newTestService(matcher, 1).CheckSafety(context.Background(), []links.ValidatedLink{})
	require.Empty(t, result.Scanned)
	require.Empty(t, result.Failed)
	require.Nil(t, matcher.calls)
}

func TestSafeBrowsingMatcherAgainstFakeAPI(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			key = r.Header.Get("X-Goog-Api-Key")
		}
		if !strings.HasSuffix(r.URL.Path, "/v4/threatMatches:find") || key != "test-key" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"matches":[{"threatType":"SOCIAL_ENGINEERING","platformType":"ANY_PLATFORM","threat":{"url":"https://phish.example/"},"threatEntryType":"URL"}]}`))
	}))
	defer server.Close()

	matcher, err := NewSafeBrowsingMatcher(context.Background(), SafeBrowsingConfig{
		APIKey:   "test-key",
		Endpoint: server.URL + "/",
	})
	require.NoError(t, err)

	matches, err := matcher.FindThreatMatches(context.Background(), "https://phish.example/")
	require.NoError(t, err)
	require.Equal(t, []links.ThreatMatch{{
		ThreatType:   "SOCIAL_ENGINEERING",
		PlatformType: "ANY_PLATFORM",
		URL:          "https://phish.example/",
	}}, matches)

	gotBody := <-bodies
	client, ok := gotBody["client"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "joblink-pipeline", client["clientId"])
}

func TestSafeBrowsingMatcherRequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewSafeBrowsingMatcher(context.Background(), SafeBrowsingConfig{})
	require.Error(t, err)
}
