// Package links defines the core types shared by every pipeline stage.
package links

import "time"

// LinkStatus is the persisted lifecycle state of a submitted link.
type LinkStatus string

// Link status values persisted in the link store.
const (
	StatusPendingProcessing  LinkStatus = "PENDING_PROCESSING"
	StatusPendingRetry       LinkStatus = "PENDING_RETRY"
	StatusPipelineRejected   LinkStatus = "PIPELINE_REJECTED"
	StatusPipelineFailed     LinkStatus = "PIPELINE_FAILED"
	StatusPendingAdminReview LinkStatus = "PENDING_ADMIN_REVIEW"
	StatusAdminApproved      LinkStatus = "ADMIN_APPROVED"
	StatusAdminRejected      LinkStatus = "ADMIN_REJECTED"
)

// FailureStage identifies which pipeline stage produced a failure.
type FailureStage string

// Failure stages. FailureStageNone is persisted as NULL.
const (
	FailureStageNone       FailureStage = ""
	FailureStageValidation FailureStage = "VALIDATION_FAILED"
	FailureStageVirus      FailureStage = "VIRUS_FAILED"
	FailureStageScraping   FailureStage = "SCRAPING_FAILED"
	FailureStageExtraction FailureStage = "EXTRACTION_FAILED"
)

// SubmittedLink is a user-submitted URL selected for a pipeline run.
type SubmittedLink struct {
	ID            string     `json:"id"`
	OriginalURL   string     `json:"original_url"`
	AttemptsCount int        `json:"attempts_count"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
}

// ValidatedLink is a SubmittedLink whose final destination URL is known and reachable.
type ValidatedLink struct {
	SubmittedLink
	URL string `json:"url"`
}

// ScannedLink is a ValidatedLink that passed the safety check.
type ScannedLink = ValidatedLink

// ScrapedLink carries the visible text rendered from a scanned link.
type ScrapedLink struct {
	ScannedLink
	ScrapedText string `json:"scraped_text"`
}

// MetadataExtractedLink is the terminal success of a pipeline run.
type MetadataExtractedLink struct {
	ScrapedLink
	Metadata     ExtractedMetadata `json:"extracted_metadata"`
	Status       LinkStatus        `json:"status"`
	FailureStage FailureStage      `json:"failure_stage,omitempty"`
}

// FailedProcessedLink records a link that left the pipeline at some stage.
type FailedProcessedLink struct {
	OriginalRequest SubmittedLink `json:"original_request"`
	URL             string        `json:"url,omitempty"`
	ScrapedText     string        `json:"scraped_text,omitempty"`
	Status          LinkStatus    `json:"status"`
	FailureStage    FailureStage  `json:"failure_stage"`
	Err             error         `json:"-"`
}

// ErrorText returns the failure cause as a string for persistence.
func (f FailedProcessedLink) ErrorText() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

// JobDescription is the structured body of a job posting.
type JobDescription struct {
	Summary          string   `json:"summary"`
	Responsibilities []string `json:"responsibilities"`
	Requirements     []string `json:"requirements"`
	Benefits         []string `json:"benefits"`
}

// ExtractedMetadata is the structured job posting produced by the extraction stage.
type ExtractedMetadata struct {
	Title       string         `json:"title"`
	Company     string         `json:"company"`
	Location    string         `json:"location"`
	JobFunction string         `json:"job_function"`
	JobType     string         `json:"job_type"`
	DatePosted  *time.Time     `json:"date_posted,omitempty"`
	Description JobDescription `json:"description"`
}

// ValidationResult partitions the outcome of the validation stage.
type ValidationResult struct {
	Validated []ValidatedLink
	Failed    []FailedProcessedLink
}

// SafetyResult partitions the outcome of the safety stage.
type SafetyResult struct {
	Scanned []ScannedLink
	Failed  []FailedProcessedLink
}

// ScrapeResult partitions the outcome of the scraping stage.
type ScrapeResult struct {
	Scraped []ScrapedLink
	Failed  []FailedProcessedLink
}

// ExtractionResult partitions the outcome of the extraction stage.
type ExtractionResult struct {
	Extracted []MetadataExtractedLink
	Failed    []FailedProcessedLink
}
