package memory

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
)

// LinkRecord is the stored state of one submitted link.
type LinkRecord struct {
	links.SubmittedLink
	Status       links.LinkStatus
	FailureStage links.FailureStage
	FinalURL     string
	Metadata     *links.ExtractedMetadata
	Error        string
	TextURI      string
	CreatedAt    time.Time
}

// LinkStore provides an in-memory link store for development and tests.
type LinkStore struct {
	mu    sync.RWMutex
	rows  map[string]*LinkRecord
	order []string
}

// NewLinkStore constructs an empty LinkStore.
func NewLinkStore() *LinkStore {
	return &LinkStore{rows: make(map[string]*LinkRecord)}
}

// Submit adds a link in PENDING_PROCESSING.
func (s *LinkStore) Submit(_ context.Context, id, rawURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[id]; exists {
		return errors.New("link already exists")
	}
	s.rows[id] = &LinkRecord{
		SubmittedLink: links.SubmittedLink{ID: id, OriginalURL: rawURL},
		Status:        links.StatusPendingProcessing,
		CreatedAt:     time.Now().UTC(),
	}
	s.order = append(s.order, id)
	return nil
}

// ListEligible returns eligible links in submission order.
func (s *LinkStore) ListEligible(_ context.Context, q links.EligibilityQuery) ([]links.SubmittedLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []links.SubmittedLink
	for _, id := range s.order {
		row := s.rows[id]
		if !slices.Contains(links.EligibleStatuses, row.Status) {
			continue
		}
		if q.MaxAttempts > 0 && row.AttemptsCount > q.MaxAttempts {
			continue
		}
		if row.LastAttemptAt != nil && !q.AttemptedBefore.IsZero() && !row.LastAttemptAt.Before(q.AttemptedBefore) {
			continue
		}
		link := row.SubmittedLink
		if link.LastAttemptAt != nil {
			at := *link.LastAttemptAt
			link.LastAttemptAt = &at
		}
		out = append(out, link)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// SaveOutcome applies a run outcome to the stored link.
func (s *LinkStore) SaveOutcome(_ context.Context, outcome links.Outcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[outcome.LinkID]
	if !ok {
		return links.ErrLinkNotFound
	}
	at := outcome.AttemptedAt
	row.Status = outcome.Status
	row.FailureStage = outcome.FailureStage
	row.AttemptsCount = max(row.AttemptsCount, outcome.AttemptsCount)
	row.LastAttemptAt = &at
	row.FinalURL = outcome.URL
	row.Metadata = outcome.Metadata
	row.Error = outcome.Error
	row.TextURI = outcome.TextURI
	return nil
}

// Get returns a copy of the stored link.
func (s *LinkStore) Get(_ context.Context, id string) (LinkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return LinkRecord{}, links.ErrLinkNotFound
	}
	return *row, nil
}
