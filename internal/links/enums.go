package links

import "strings"

// Vocabulary is an allowed set of enum values and the value used when a raw string
// matches none of them.
type Vocabulary struct {
	Values   []string `mapstructure:"values"`
	Fallback string   `mapstructure:"fallback"`
}

// Contains reports whether v lists value, ignoring case.
func (v Vocabulary) Contains(value string) bool {
	_, ok := v.lookup(value)
	return ok
}

func (v Vocabulary) lookup(raw string) (string, bool) {
	needle := normalizeEnum(raw)
	for _, candidate := range v.Values {
		if normalizeEnum(candidate) == needle {
			return candidate, true
		}
	}
	return "", false
}

// CoerceEnum maps raw onto the vocabulary. Matching ignores case, surrounding space,
// and treats spaces and hyphens as underscores. When nothing matches it returns the
// fallback and true.
func CoerceEnum(raw string, vocab Vocabulary) (string, bool) {
	if raw != "" {
		if value, ok := vocab.lookup(raw); ok {
			return value, false
		}
	}
	return vocab.Fallback, true
}

func normalizeEnum(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// Vocabularies groups the enum sets used in prompts and response coercion.
type Vocabularies struct {
	Location    Vocabulary `mapstructure:"location"`
	JobFunction Vocabulary `mapstructure:"job_function"`
	JobType     Vocabulary `mapstructure:"job_type"`
}

// DefaultVocabularies returns the built-in enum sets.
func DefaultVocabularies() Vocabularies {
	return Vocabularies{
		Location: Vocabulary{
			Values: []string{
				"REMOTE", "NORTH_AMERICA", "EUROPE", "ASIA_PACIFIC",
				"LATIN_AMERICA", "MIDDLE_EAST_AFRICA", "UNKNOWN",
			},
			Fallback: "UNKNOWN",
		},
		JobFunction: Vocabulary{
			Values: []string{
				"SOFTWARE_ENGINEERING", "DATA_SCIENCE", "PRODUCT_MANAGEMENT", "DESIGN",
				"DEVOPS", "QUANTITATIVE", "SECURITY", "OTHER",
			},
			Fallback: "OTHER",
		},
		JobType: Vocabulary{
			Values:   []string{"INTERNSHIP", "FULL_TIME", "PART_TIME", "CONTRACT", "GRADUATE"},
			Fallback: "FULL_TIME",
		},
	}
}
