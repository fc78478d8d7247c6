package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"offer-catalog-engine/internal/models"
)

var externalIDRegex = regexp.MustCompile(`^[!-~]{1,256}$`)

const (
	// MaxTitleBytes is the longest title kept; longer ones are cut.
	MaxTitleBytes = 512

	// MaxGeoScopeBytes bounds the free-form geo column.
	MaxGeoScopeBytes = 128

	GeoGlobal = "GLOBAL"
)

var geoAliases = map[string]bool{
	"WORLDWIDE":     true,
	"WORLD":         true,
	"WW":            true,
	"ALL":           true,
	"ANY":           true,
	"INTL":          true,
	"INTERNATIONAL": true,
	"*":             true,
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateSource rejects network names the catalog does not know about.
func ValidateSource(name string) error {
	if name == "" {
		return &ValidationError{Field: "source", Message: "is required"}
	}
	if !models.Source(name).Valid() {
		return &ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", name)}
	}
	return nil
}

// ValidateRawOffer checks a normalized candidate before it is written.
func ValidateRawOffer(raw models.RawOffer) error {
	if raw.ExternalID == "" {
		return &ValidationError{Field: "external_id", Message: "is required"}
	}
	if !externalIDRegex.MatchString(raw.ExternalID) {
		return &ValidationError{Field: "external_id", Message: "must be 1-256 printable characters without spaces"}
	}
	if raw.Title == "" {
		return &ValidationError{Field: "title", Message: "is required"}
	}
	if len(raw.Title) > MaxTitleBytes {
		return &ValidationError{Field: "title", Message: fmt.Sprintf("cannot exceed %d bytes", MaxTitleBytes)}
	}
	if raw.Price < 0 || raw.Commission < 0 || raw.EPC < 0 {
		return &ValidationError{Field: "price", Message: "economic attributes must be non-negative"}
	}
	return nil
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

// NormalizeGeoScope uppercases and strips spaces. Empty input and the common
// worldwide spellings become GLOBAL; any other value, including regions such
// as EU-27 or subdivisions like DE-AT, is stored as given.
func NormalizeGeoScope(s string) string {
	s = strings.ToUpper(strings.Join(strings.Fields(SanitizeString(s)), ""))
	s = strings.Trim(s, ",")
	if s == "" || geoAliases[s] {
		return GeoGlobal
	}
	return Truncate(s, MaxGeoScopeBytes)
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
