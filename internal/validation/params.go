package validation

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"offer-catalog-engine/internal/models"
)

// Bound is the accepted [Min, Max] range of a tunable and its Default.
type Bound struct {
	Min     int
	Max     int
	Default int
}

// Clamp forces v into the bound.
func (b Bound) Clamp(v int) int {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

var (
	SourceCapBound           = Bound{Min: 1, Max: 5000, Default: 250}
	CategoryCapBound         = Bound{Min: 1, Max: 5000, Default: 60}
	MerchantCapBound         = Bound{Min: 1, Max: 1000, Default: 6}
	MerchantCategoryCapBound = Bound{Min: 1, Max: 1000, Default: 3}
	CategoryBandCapBound     = Bound{Min: 1, Max: 10000, Default: 150}
	StaleDaysBound           = Bound{Min: 1, Max: 180, Default: 14}
	CooldownDaysBound        = Bound{Min: 2, Max: 365, Default: 45}
	LinkCheckLimitBound      = Bound{Min: 0, Max: 2000, Default: 200}
	HeadTimeoutMsBound       = Bound{Min: 250, Max: 15000, Default: 4000}
	IngestLimitBound         = Bound{Min: 1, Max: 5000, Default: 500}
)

// Params is the union of every tunable accepted by the cron endpoints.
type Params struct {
	Caps           models.Caps
	StaleDays      int
	CooldownDays   int
	LinkCheckLimit int
	HeadTimeoutMs  int
	IngestLimit    int
}

// DefaultParams returns every tunable at its default.
func DefaultParams() Params {
	return Params{
		Caps: models.Caps{
			Source:           SourceCapBound.Default,
			Category:         CategoryCapBound.Default,
			Merchant:         MerchantCapBound.Default,
			MerchantCategory: MerchantCategoryCapBound.Default,
			CategoryBand:     CategoryBandCapBound.Default,
		},
		StaleDays:      StaleDaysBound.Default,
		CooldownDays:   CooldownDaysBound.Default,
		LinkCheckLimit: LinkCheckLimitBound.Default,
		HeadTimeoutMs:  HeadTimeoutMsBound.Default,
		IngestLimit:    IngestLimitBound.Default,
	}
}

// ParseParams reads tunables from a query string. Missing or unparsable
// values fall back to the default; everything is clamped, nothing is rejected.
func ParseParams(q url.Values) Params {
	p := DefaultParams()
	p.Caps.Source = intParam(q, "source_cap", p.Caps.Source)
	p.Caps.Category = intParam(q, "category_cap", p.Caps.Category)
	p.Caps.Merchant = intParam(q, "merchant_cap", p.Caps.Merchant)
	p.Caps.MerchantCategory = intParam(q, "merchant_category_cap", p.Caps.MerchantCategory)
	p.Caps.CategoryBand = intParam(q, "category_band_cap", p.Caps.CategoryBand)
	p.StaleDays = intParam(q, "stale_days", p.StaleDays)
	p.CooldownDays = intParam(q, "cooldown_days", p.CooldownDays)
	p.LinkCheckLimit = intParam(q, "link_check_limit", p.LinkCheckLimit)
	p.HeadTimeoutMs = intParam(q, "head_timeout_ms", p.HeadTimeoutMs)
	p.IngestLimit = intParam(q, "limit", p.IngestLimit)
	return p.Clamp()
}

// Clamp returns a copy with every field inside its bound and
// CooldownDays strictly greater than StaleDays.
func (p Params) Clamp() Params {
	p.Caps.Source = SourceCapBound.Clamp(p.Caps.Source)
	p.Caps.Category = CategoryCapBound.Clamp(p.Caps.Category)
	p.Caps.Merchant = MerchantCapBound.Clamp(p.Caps.Merchant)
	p.Caps.MerchantCategory = MerchantCategoryCapBound.Clamp(p.Caps.MerchantCategory)
	p.Caps.CategoryBand = CategoryBandCapBound.Clamp(p.Caps.CategoryBand)
	p.StaleDays = StaleDaysBound.Clamp(p.StaleDays)
	p.CooldownDays = CooldownDaysBound.Clamp(p.CooldownDays)
	if p.CooldownDays <= p.StaleDays {
		p.CooldownDays = p.StaleDays + 1
	}
	p.LinkCheckLimit = LinkCheckLimitBound.Clamp(p.LinkCheckLimit)
	p.HeadTimeoutMs = HeadTimeoutMsBound.Clamp(p.HeadTimeoutMs)
	p.IngestLimit = IngestLimitBound.Clamp(p.IngestLimit)
	return p
}

// HeadTimeout is HeadTimeoutMs as a duration.
func (p Params) HeadTimeout() time.Duration {
	return time.Duration(p.HeadTimeoutMs) * time.Millisecond
}

// Query renders p back into query form, e.g. for logging or forwarding.
func (p Params) Query() url.Values {
	q := url.Values{}
	q.Set("source_cap", strconv.Itoa(p.Caps.Source))
	q.Set("category_cap", strconv.Itoa(p.Caps.Category))
	q.Set("merchant_cap", strconv.Itoa(p.Caps.Merchant))
	q.Set("merchant_category_cap", strconv.Itoa(p.Caps.MerchantCategory))
	q.Set("category_band_cap", strconv.Itoa(p.Caps.CategoryBand))
	q.Set("stale_days", strconv.Itoa(p.StaleDays))
	q.Set("cooldown_days", strconv.Itoa(p.CooldownDays))
	q.Set("link_check_limit", strconv.Itoa(p.LinkCheckLimit))
	q.Set("head_timeout_ms", strconv.Itoa(p.HeadTimeoutMs))
	q.Set("limit", strconv.Itoa(p.IngestLimit))
	return q
}

// intParam reads key as an int. Values beyond the int range saturate to
// math.MinInt or math.MaxInt so Clamp still lands on the matching bound.
func intParam(q url.Values, key string, def int) int {
	raw := strings.TrimSpace(SanitizeString(q.Get(key)))
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err == nil {
		return i
	}
	if errors.Is(err, strconv.ErrRange) {
		if strings.HasPrefix(raw, "-") {
			return math.MinInt
		}
		return math.MaxInt
	}
	// Tolerate float-ish input such as "12.0" from loosely typed schedulers.
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return def
	}
	switch {
	case math.IsNaN(f):
		return def
	case f >= math.MaxInt:
		return math.MaxInt
	case f <= math.MinInt:
		return math.MinInt
	}
	return int(f)
}
