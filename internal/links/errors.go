package links

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidURL reports a syntactically unusable URL. It is never retried.
	ErrInvalidURL = errors.New("invalid url")
	// ErrAIResponseEmpty reports that the model returned no text.
	ErrAIResponseEmpty = errors.New("ai response empty")
	// ErrEmptyPage reports a page that rendered without visible text.
	ErrEmptyPage = errors.New("page rendered no visible text")
	// ErrLinkNotFound reports an outcome for a link the store does not hold.
	ErrLinkNotFound = errors.New("link not found")
)

// StageError is the closed set of per-link pipeline failures. Only the types in
// this file implement it.
type StageError interface {
	error
	Stage() FailureStage
	Link() string
	stageError()
}

// ValidationError reports an unreachable or erroring URL.
type ValidationError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *ValidationError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Cause != nil:
		return fmt.Sprintf("validate %s: status %d: %v", e.URL, e.StatusCode, e.Cause)
	case e.StatusCode != 0:
		return fmt.Sprintf("validate %s: status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("validate %s: %v", e.URL, e.Cause)
	}
}

// Unwrap exposes the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Cause }

// Stage implements StageError.
func (e *ValidationError) Stage() FailureStage { return FailureStageValidation }

// Link implements StageError.
func (e *ValidationError) Link() string { return e.URL }

func (*ValidationError) stageError() {}

// MaliciousKind distinguishes a threat verdict from a failed lookup.
type MaliciousKind int

// Malicious error kinds.
const (
	// MaliciousReported means the threat source matched the URL. Terminal.
	MaliciousReported MaliciousKind = iota + 1
	// SafetyCheckFailed means the lookup itself failed. Retryable on a later run.
	SafetyCheckFailed
)

func (k MaliciousKind) String() string {
	switch k {
	case MaliciousReported:
		return "reported"
	case SafetyCheckFailed:
		return "check_failed"
	default:
		return "unknown"
	}
}

// ThreatMatch is one entry reported by the threat-intelligence source.
type ThreatMatch struct {
	ThreatType   string `json:"threat_type"`
	PlatformType string `json:"platform_type"`
	URL          string `json:"url"`
}

// MaliciousLinkError reports the safety stage outcome for a link.
type MaliciousLinkError struct {
	URL     string
	Kind    MaliciousKind
	Matches []ThreatMatch
	Cause   error
}

func (e *MaliciousLinkError) Error() string {
	if e.Kind == MaliciousReported {
		types := make([]string, 0, len(e.Matches))
		for _, m := range e.Matches {
			types = append(types, m.ThreatType)
		}
		return fmt.Sprintf("safety %s: reported malicious (%s)", e.URL, strings.Join(types, ","))
	}
	return fmt.Sprintf("safety %s: lookup failed: %v", e.URL, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *MaliciousLinkError) Unwrap() error { return e.Cause }

// Stage implements StageError.
func (e *MaliciousLinkError) Stage() FailureStage { return FailureStageVirus }

// Link implements StageError.
func (e *MaliciousLinkError) Link() string { return e.URL }

func (*MaliciousLinkError) stageError() {}

// ScrapingError reports a render or navigation failure.
type ScrapingError struct {
	URL   string
	Cause error
}

func (e *ScrapingError) Error() string {
	return fmt.Sprintf("scrape %s: %v", e.URL, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *ScrapingError) Unwrap() error { return e.Cause }

// Stage implements StageError.
func (e *ScrapingError) Stage() FailureStage { return FailureStageScraping }

// Link implements StageError.
func (e *ScrapingError) Link() string { return e.URL }

func (*ScrapingError) stageError() {}

// ExtractionError wraps empty-response, JSON-parse and model-call failures.
type ExtractionError struct {
	URL   string
	Cause error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.URL, e.Cause)
}

// Unwrap exposes the underlying cause.
func (e *ExtractionError) Unwrap() error { return e.Cause }

// Stage implements StageError.
func (e *ExtractionError) Stage() FailureStage { return FailureStageExtraction }

// Link implements StageError.
func (e *ExtractionError) Link() string { return e.URL }

func (*ExtractionError) stageError() {}

// IsMaliciousVerdict reports whether err carries a "reported malicious" verdict.
func IsMaliciousVerdict(err error) bool {
	var mal *MaliciousLinkError
	return errors.As(err, &mal) && mal.Kind == MaliciousReported
}
