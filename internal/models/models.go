package models

import "time"

// Source identifies the affiliate network an offer was observed on.
type Source string

const (
	SourceDigistore   Source = "digistore"
	SourceMyLead      Source = "mylead"
	SourceWarriorPlus Source = "warriorplus"
	SourceClickBank   Source = "clickbank"
	SourceJVZoo       Source = "jvzoo"
	SourceEverflow    Source = "everflow"
	SourceImpact      Source = "impact"
	SourceAwin        Source = "awin"
	SourceCJ          Source = "cj"
	SourceShareASale  Source = "shareasale"
)

var knownSources = map[Source]bool{
	SourceDigistore:   true,
	SourceMyLead:      true,
	SourceWarriorPlus: true,
	SourceClickBank:   true,
	SourceJVZoo:       true,
	SourceEverflow:    true,
	SourceImpact:      true,
	SourceAwin:        true,
	SourceCJ:          true,
	SourceShareASale:  true,
}

// Valid reports whether s is one of the supported networks.
func (s Source) Valid() bool {
	return knownSources[s]
}

// DeadReason records why an offer was retired.
type DeadReason string

const (
	DeadStaleNotSeen DeadReason = "stale_not_seen"
	DeadCooldown     DeadReason = "cooldown_45d"
	DeadHTTP404      DeadReason = "http_404"
	DeadHTTP410      DeadReason = "http_410"
)

// Valid reports whether r is a known dead reason.
func (r DeadReason) Valid() bool {
	switch r {
	case DeadStaleNotSeen, DeadCooldown, DeadHTTP404, DeadHTTP410:
		return true
	}
	return false
}

// Offer is one catalog row, keyed by (Source, ExternalID).
type Offer struct {
	ID            string      `json:"id"`
	Source        Source      `json:"source"`
	ExternalID    string      `json:"external_id"`
	CanonicalHash string      `json:"canonical_hash"`
	Title         string      `json:"title"`
	Category      string      `json:"category"`
	Merchant      string      `json:"merchant"`
	GeoScope      string      `json:"geo_scope"`
	Score         float64     `json:"score"`
	EPC           float64     `json:"epc"`
	Commission    float64     `json:"commission"`
	Price         float64     `json:"price"`
	Currency      string      `json:"currency"`
	ProductURL    string      `json:"product_url"`
	LandingURL    string      `json:"landing_url"`
	IsActive      bool        `json:"is_active"`
	IsApproved    bool        `json:"is_approved"`
	WinnerTier    *int        `json:"winner_tier"`
	DeadReason    *DeadReason `json:"dead_reason"`
	DeadAt        *time.Time  `json:"dead_at,omitempty"`
	LastSeenAt    time.Time   `json:"last_seen_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Destination returns the outbound URL, preferring the landing page.
func (o Offer) Destination() string {
	if o.LandingURL != "" {
		return o.LandingURL
	}
	return o.ProductURL
}

// RawOffer is a candidate row as produced by a source adapter, before normalization.
type RawOffer struct {
	ExternalID string
	Title      string
	Category   string
	Merchant   string
	GeoScope   string
	Score      float64
	EPC        float64
	Commission float64
	Price      float64
	Currency   string
	ProductURL string
	LandingURL string
}

// Caps bounds the number of active winners per dimension value.
type Caps struct {
	Source           int `json:"source_cap"`
	Category         int `json:"category_cap"`
	Merchant         int `json:"merchant_cap"`
	MerchantCategory int `json:"merchant_category_cap"`
	CategoryBand     int `json:"category_band_cap"`
}

// WinnerUpdate is the allocator's decided state for one row. Applying it
// always clears dead_reason.
type WinnerUpdate struct {
	ID         string
	IsActive   bool
	WinnerTier *int
}

// ProbeTarget is an active offer selected for the dead-link check.
type ProbeTarget struct {
	ID  string
	URL string
}

// DeadLink is a confirmed dead destination.
type DeadLink struct {
	ID     string
	Reason DeadReason
	Status int
}

// LiveFilter narrows ListLive.
type LiveFilter struct {
	Category string
	Limit    int
}

// SourceResult is the ingestion outcome for a single adapter.
type SourceResult struct {
	Source   Source `json:"source"`
	Fetched  int    `json:"fetched"`
	Upserted int    `json:"upserted"`
	Skipped  int    `json:"skipped"`
	Error    string `json:"error,omitempty"`
}

// IngestSummary aggregates one ingestion run.
type IngestSummary struct {
	Sources  []SourceResult `json:"sources"`
	Fetched  int            `json:"fetched"`
	Upserted int            `json:"upserted"`
	Skipped  int            `json:"skipped"`
	Errors   []string       `json:"errors"`
	Disabled bool           `json:"disabled,omitempty"`
}

// WinnerSummary aggregates one allocator pass.
type WinnerSummary struct {
	Considered int  `json:"considered"`
	Eligible   int  `json:"eligible"`
	Deduped    int  `json:"deduped"`
	Admitted   int  `json:"admitted"`
	Rejected   int  `json:"rejected"`
	Untouched  int  `json:"untouched"`
	Changed    int  `json:"changed"`
	Caps       Caps `json:"caps"`
}

// MaintenanceSummary aggregates one sweep.
type MaintenanceSummary struct {
	StaleDays       int      `json:"stale_days"`
	CooldownDays    int      `json:"cooldown_days"`
	StaleRetired    int64    `json:"stale_retired"`
	CooldownRetired int64    `json:"cooldown_retired"`
	TiersCleared    int64    `json:"tiers_cleared"`
	Probed          int      `json:"probed"`
	DeadLinks       int64    `json:"dead_links"`
	Inconclusive    int      `json:"inconclusive"`
	Errors          []string `json:"errors"`
}

// PipelineSummary aggregates the three stages of one orchestrated run.
type PipelineSummary struct {
	RunID       string              `json:"run_id"`
	Ingest      *IngestSummary      `json:"ingest,omitempty"`
	Winners     *WinnerSummary      `json:"winners,omitempty"`
	Maintenance *MaintenanceSummary `json:"maintenance,omitempty"`
	FailedStage string              `json:"failed_stage,omitempty"`
}

// ErrorResponse is the body of error and health responses.
type ErrorResponse struct {
	OK     bool   `json:"ok"`
	TookMs int64  `json:"tookMs"`
	Error  string `json:"error,omitempty"`
}
