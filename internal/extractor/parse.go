package extractor

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
)

// ErrIncompleteMetadata reports a response that parsed but lacks a title.
var ErrIncompleteMetadata = errors.New("extracted metadata missing title")

type rawDescription struct {
	Summary          string   `json:"summary"`
	Responsibilities []string `json:"responsibilities"`
	Requirements     []string `json:"requirements"`
	Benefits         []string `json:"benefits"`
}

type rawMetadata struct {
	Title       string         `json:"title"`
	Company     string         `json:"company"`
	Location    string         `json:"location"`
	JobFunction string         `json:"job_function"`
	JobType     string         `json:"job_type"`
	DatePosted  *string        `json:"date_posted"`
	Description rawDescription `json:"description"`
}

// fallbackFields lists the enum fields that fell back to their default.
type fallbackFields []string

// stripCodeFence returns the body of the first markdown fence such as
// ```json ... ```, dropping any prose around it. Unfenced input is only trimmed.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	body := s[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		body = body[nl+1:]
	} else {
		body = strings.TrimPrefix(body, "json")
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// parseMetadata decodes the model output and maps enum fields onto vocab.
func parseMetadata(raw string, vocab links.Vocabularies) (links.ExtractedMetadata, fallbackFields, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return links.ExtractedMetadata{}, nil, links.ErrAIResponseEmpty
	}
	var rm rawMetadata
	if err := json.Unmarshal([]byte(body), &rm); err != nil {
		return links.ExtractedMetadata{}, nil, err
	}
	if strings.TrimSpace(rm.Title) == "" {
		return links.ExtractedMetadata{}, nil, ErrIncompleteMetadata
	}

	var fallbacks fallbackFields
	coerce := func(field, value string, v links.Vocabulary) string {
		out, fellBack := links.CoerceEnum(value, v)
		if fellBack {
			fallbacks = append(fallbacks, field)
		}
		return out
	}

	md := links.ExtractedMetadata{
		Title:       strings.TrimSpace(rm.Title),
		Company:     strings.TrimSpace(rm.Company),
		Location:    coerce("location", rm.Location, vocab.Location),
		JobFunction: coerce("job_function", rm.JobFunction, vocab.JobFunction),
		JobType:     coerce("job_type", rm.JobType, vocab.JobType),
		DatePosted:  parseDate(rm.DatePosted),
		Description: links.JobDescription{
			Summary:          strings.TrimSpace(rm.Description.Summary),
			Responsibilities: nonNil(rm.Description.Responsibilities),
			Requirements:     nonNil(rm.Description.Requirements),
			Benefits:         nonNil(rm.Description.Benefits),
		},
	}
	return md, fallbacks, nil
}

func parseDate(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	value := strings.TrimSpace(*raw)
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
