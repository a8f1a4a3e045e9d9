package links

import "fmt"

// DefaultMaxLongRetry is the number of whole pipeline runs a link gets before it is abandoned.
const DefaultMaxLongRetry = 4

// LongRetryPolicy decides whether a failed link gets another pipeline run.
type LongRetryPolicy struct {
	MaxLongRetry int
}

// NewLongRetryPolicy returns a policy with the given ceiling, falling back to DefaultMaxLongRetry.
func NewLongRetryPolicy(maxLongRetry int) LongRetryPolicy {
	if maxLongRetry <= 0 {
		maxLongRetry = DefaultMaxLongRetry
	}
	return LongRetryPolicy{MaxLongRetry: maxLongRetry}
}

// StatusFor maps the attempts already spent on a link to its next status.
func (p LongRetryPolicy) StatusFor(attempts int) LinkStatus {
	if attempts >= p.MaxLongRetry {
		return StatusPipelineFailed
	}
	return StatusPendingRetry
}

// Fail builds the FailedProcessedLink for a per-link failure at stage. A reported
// malicious verdict is terminal regardless of attempts.
func (p LongRetryPolicy) Fail(link SubmittedLink, url, text string, stage FailureStage, err error) FailedProcessedLink {
	status := p.StatusFor(link.AttemptsCount)
	if IsMaliciousVerdict(err) {
		status = StatusPipelineRejected
	}
	return FailedProcessedLink{
		OriginalRequest: link,
		URL:             url,
		ScrapedText:     text,
		Status:          status,
		FailureStage:    stage,
		Err:             err,
	}
}

// IsFailureStatus reports whether status is one the pipeline pairs with a failure stage.
func IsFailureStatus(status LinkStatus) bool {
	switch status {
	case StatusPendingRetry, StatusPipelineFailed, StatusPipelineRejected:
		return true
	default:
		return false
	}
}

// IsKnownStatus reports whether status is a member of the lifecycle.
func IsKnownStatus(status LinkStatus) bool {
	switch status {
	case StatusPendingProcessing, StatusPendingRetry, StatusPipelineRejected, StatusPipelineFailed,
		StatusPendingAdminReview, StatusAdminApproved, StatusAdminRejected:
		return true
	default:
		return false
	}
}

// CheckStatusInvariant verifies that a failure stage is present exactly when the
// status is a failure status.
func CheckStatusInvariant(status LinkStatus, stage FailureStage) error {
	if !IsKnownStatus(status) {
		return fmt.Errorf("unknown link status %q", status)
	}
	hasStage := stage != FailureStageNone
	if hasStage != IsFailureStatus(status) {
		return fmt.Errorf("status %s inconsistent with failure stage %q", status, stage)
	}
	return nil
}

// NextAttempts returns the persisted attempts count after an outcome with the given status.
// Retryable and exhausted failures consume an attempt; rejections and successes do not.
func NextAttempts(current int, status LinkStatus) int {
	switch status {
	case StatusPendingRetry, StatusPipelineFailed:
		return current + 1
	default:
		return current
	}
}
