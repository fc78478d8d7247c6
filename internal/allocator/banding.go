package allocator

import "strings"

// bandSeparators split a hierarchical category into its top-level segment.
const bandSeparators = "/>|:"

// Banding maps a category to its coarser band.
type Banding struct {
	overrides map[string]string
}

// NewBanding builds a Banding. overrides maps a category (case-insensitive)
// to an explicit band and takes precedence over the derived one.
func NewBanding(overrides map[string]string) Banding {
	m := make(map[string]string, len(overrides))
	for category, band := range overrides {
		category = strings.ToLower(strings.TrimSpace(category))
		band = strings.ToLower(strings.TrimSpace(band))
		if category == "" || band == "" {
			continue
		}
		m[category] = band
	}
	return Banding{overrides: m}
}

// Band returns the band of category.
func (b Banding) Band(category string) string {
	key := strings.ToLower(strings.TrimSpace(category))
	if band, ok := b.overrides[key]; ok {
		return band
	}
	if i := strings.IndexAny(key, bandSeparators); i >= 0 {
		if head := strings.TrimSpace(key[:i]); head != "" {
			return head
		}
	}
	return key
}
