package links

import (
	"fmt"
	"time"
)

// EligibilityQuery selects links that a pipeline run may pick up.
type EligibilityQuery struct {
	// MaxAttempts excludes links whose attempts_count has reached the ceiling.
	MaxAttempts int
	// AttemptedBefore excludes links attempted at or after this instant.
	AttemptedBefore time.Time
	Limit           int
}

// EligibleStatuses are the statuses a run picks up.
var EligibleStatuses = []LinkStatus{StatusPendingProcessing, StatusPendingRetry}

// Outcome is the persisted result of processing one link in one run.
type Outcome struct {
	LinkID        string             `json:"link_id"`
	OriginalURL   string             `json:"original_url"`
	URL           string             `json:"url,omitempty"`
	Status        LinkStatus         `json:"status"`
	FailureStage  FailureStage       `json:"failure_stage,omitempty"`
	AttemptsCount int                `json:"attempts_count"`
	AttemptedAt   time.Time          `json:"attempted_at"`
	Metadata      *ExtractedMetadata `json:"extracted_metadata,omitempty"`
	Error         string             `json:"error,omitempty"`
	// ScrapedText is archived, not persisted in the link row.
	ScrapedText string `json:"-"`
	TextHash    string `json:"text_sha256,omitempty"`
	TextURI     string `json:"text_uri,omitempty"`
}

// ExtractedOutcome converts a successful link into its persisted form.
func ExtractedOutcome(link MetadataExtractedLink, at time.Time) Outcome {
	md := link.Metadata
	return Outcome{
		LinkID:        link.ID,
		OriginalURL:   link.OriginalURL,
		URL:           link.URL,
		Status:        link.Status,
		FailureStage:  link.FailureStage,
		AttemptsCount: NextAttempts(link.AttemptsCount, link.Status),
		AttemptedAt:   at,
		Metadata:      &md,
		ScrapedText:   link.ScrapedText,
	}
}

// FailedOutcome converts a failed link into its persisted form.
func FailedOutcome(f FailedProcessedLink, at time.Time) Outcome {
	return Outcome{
		LinkID:        f.OriginalRequest.ID,
		OriginalURL:   f.OriginalRequest.OriginalURL,
		URL:           f.URL,
		Status:        f.Status,
		FailureStage:  f.FailureStage,
		AttemptsCount: NextAttempts(f.OriginalRequest.AttemptsCount, f.Status),
		AttemptedAt:   at,
		Error:         f.ErrorText(),
		ScrapedText:   f.ScrapedText,
	}
}

// Validate rejects outcomes that would break the status invariant.
func (o Outcome) Validate() error {
	if o.LinkID == "" {
		return fmt.Errorf("outcome link id is required")
	}
	if err := CheckStatusInvariant(o.Status, o.FailureStage); err != nil {
		return fmt.Errorf("link %s: %w", o.LinkID, err)
	}
	return nil
}
