package extractor

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/joblink-pipeline/internal/links"
)

const promptTemplate = `You extract structured data from job postings.
Read the page text below, taken from %s, and answer with a single JSON object and nothing else.

Schema:
{
  "title": "job title",
  "company": "hiring company",
  "location": one of [%s],
  "job_function": one of [%s],
  "job_type": one of [%s],
  "date_posted": "YYYY-MM-DD" or null,
  "description": {
    "summary": "two or three sentences",
    "responsibilities": ["..."],
    "requirements": ["..."],
    "benefits": ["..."]
  }
}

Use only the listed values for location, job_function and job_type.
Leave a string empty or a list empty when the page does not say.

Page text:
%s
`

func buildPrompt(text, url string, vocab links.Vocabularies, maxChars int) string {
	return fmt.Sprintf(promptTemplate,
		url,
		strings.Join(vocab.Location.Values, ", "),
		strings.Join(vocab.JobFunction.Values, ", "),
		strings.Join(vocab.JobType.Values, ", "),
		truncate(text, maxChars),
	)
}

// truncate cuts s to at most maxChars runes. Non-positive maxChars disables the cut.
func truncate(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
