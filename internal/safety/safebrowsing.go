package safety

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/api/safebrowsing/v4"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
)

// ThreatMatcher looks a URL up in a threat-intelligence source. An empty result
// means no match.
type ThreatMatcher interface {
	FindThreatMatches(ctx context.Context, url string) ([]links.ThreatMatch, error)
}

// SafeBrowsingConfig configures the Google Safe Browsing client.
type SafeBrowsingConfig struct {
	APIKey        string
	ClientID      string
	ClientVersion string
	// Endpoint overrides the API base URL, mainly for tests.
	Endpoint      string
	ThreatTypes   []string
	PlatformTypes []string
}

// SafeBrowsingMatcher implements ThreatMatcher with the Safe Browsing v4 Lookup API.
type SafeBrowsingMatcher struct {
	svc *safebrowsing.Service
	cfg SafeBrowsingConfig
}

// NewSafeBrowsingMatcher builds a matcher backed by threatMatches:find.
func NewSafeBrowsingMatcher(ctx context.Context, cfg SafeBrowsingConfig) (*SafeBrowsingMatcher, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("safe browsing api key is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "joblink-pipeline"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	if len(cfg.ThreatTypes) == 0 {
		cfg.ThreatTypes = []string{"MALWARE", "SOCIAL_ENGINEERING", "UNWANTED_SOFTWARE", "POTENTIALLY_HARMFUL_APPLICATION"}
	}
	if len(cfg.PlatformTypes) == 0 {
		cfg.PlatformTypes = []string{"ANY_PLATFORM"}
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	svc, err := safebrowsing.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create safe browsing client: %w", err)
	}
	return &SafeBrowsingMatcher{svc: svc, cfg: cfg}, nil
}

// FindThreatMatches asks Safe Browsing whether url is on any threat list.
func (m *SafeBrowsingMatcher) FindThreatMatches(ctx context.Context, url string) ([]links.ThreatMatch, error) {
	req := &safebrowsing.GoogleSecuritySafebrowsingV4FindThreatMatchesRequest{
		Client: &safebrowsing.GoogleSecuritySafebrowsingV4ClientInfo{
			ClientId:      m.cfg.ClientID,
			ClientVersion: m.cfg.ClientVersion,
		},
		ThreatInfo: &safebrowsing.GoogleSecuritySafebrowsingV4ThreatInfo{
			ThreatTypes:      m.cfg.ThreatTypes,
			PlatformTypes:    m.cfg.PlatformTypes,
			ThreatEntryTypes: []string{"URL"},
			ThreatEntries: []*safebrowsing.GoogleSecuritySafebrowsingV4ThreatEntry{
				{Url: url},
			},
		},
	}
	resp, err := m.svc.ThreatMatches.Find(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("safe browsing find: %w", err)
	}
	matches := make([]links.ThreatMatch, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match == nil {
			continue
		}
		tm := links.ThreatMatch{
			ThreatType:   match.ThreatType,
			PlatformType: match.PlatformType,
		}
		if match.Threat != nil {
			tm.URL = match.Threat.Url
		}
		matches = append(matches, tm)
	}
	return matches, nil
}
