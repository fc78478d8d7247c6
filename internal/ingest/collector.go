// Package ingest pulls offers from the configured affiliate networks and
// upserts them into the offer store.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"offer-catalog-engine/internal/canonical"
	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/models"
	"offer-catalog-engine/internal/validation"
)

const (
	defaultCategory = "uncategorized"
	defaultMerchant = "unknown"
)

// Store is the slice of the offer store the collector writes to.
type Store interface {
	UpsertOffers(ctx context.Context, offers []models.Offer, seenAt time.Time) (int, error)
}

// Options configures a Collector.
type Options struct {
	// DefaultApproved is the moderation flag given to rows seen for the first time.
	DefaultApproved bool
	Logger          *logger.Logger
	Now             func() time.Time
}

// Collector runs every source adapter and persists what they return.
type Collector struct {
	store           Store
	sources         []Source
	defaultApproved bool
	logger          *logger.Logger
	now             func() time.Time
}

// NewCollector creates a new collector.
func NewCollector(store Store, sources []Source, opts Options) *Collector {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Collector{
		store:           store,
		sources:         sources,
		defaultApproved: opts.DefaultApproved,
		logger:          opts.Logger,
		now:             opts.Now,
	}
}

// Run fetches up to limit rows per source and upserts them with
// last_seen_at = now. A failing adapter is recorded and skipped; a store
// failure aborts the run.
func (c *Collector) Run(ctx context.Context, limit int) (models.IngestSummary, error) {
	summary := models.IngestSummary{
		Sources: make([]models.SourceResult, 0, len(c.sources)),
		Errors:  []string{},
	}

	for _, src := range c.sources {
		result := models.SourceResult{Source: src.Name()}
		log := c.logger.With("source", string(src.Name()))

		raws, err := src.Fetch(ctx, limit)
		if err != nil {
			result.Error = err.Error()
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", src.Name(), err))
			summary.Sources = append(summary.Sources, result)
			log.Warn("source fetch failed", "error", err)
			continue
		}
		if limit > 0 && len(raws) > limit {
			raws = raws[:limit]
		}
		result.Fetched = len(raws)

		offers := make([]models.Offer, 0, len(raws))
		for _, raw := range raws {
			o, err := c.normalize(src.Name(), raw)
			if err != nil {
				result.Skipped++
				log.Debug("skipping offer", "external_id", raw.ExternalID, "reason", err)
				continue
			}
			offers = append(offers, o)
		}

		n, err := c.store.UpsertOffers(ctx, offers, c.now())
		if err != nil {
			result.Error = err.Error()
			summary.Sources = append(summary.Sources, result)
			addResult(&summary, result)
			return summary, fmt.Errorf("failed to upsert offers for %s: %w", src.Name(), err)
		}
		result.Upserted = n

		summary.Sources = append(summary.Sources, result)
		addResult(&summary, result)
		log.Info("source ingested", "fetched", result.Fetched, "upserted", result.Upserted, "skipped", result.Skipped)
	}

	return summary, nil
}

func addResult(s *models.IngestSummary, r models.SourceResult) {
	s.Fetched += r.Fetched
	s.Upserted += r.Upserted
	s.Skipped += r.Skipped
}

// normalize cleans a raw adapter row into a storable offer.
func (c *Collector) normalize(source models.Source, raw models.RawOffer) (models.Offer, error) {
	raw.ExternalID = validation.SanitizeString(raw.ExternalID)
	raw.Title = validation.Truncate(strings.Join(strings.Fields(validation.SanitizeString(raw.Title)), " "), validation.MaxTitleBytes)
	raw.Category = strings.ToLower(validation.SanitizeString(raw.Category))
	raw.Merchant = strings.ToLower(validation.SanitizeString(raw.Merchant))
	raw.GeoScope = validation.NormalizeGeoScope(raw.GeoScope)
	raw.Currency = strings.ToUpper(validation.SanitizeString(raw.Currency))
	raw.ProductURL = validation.SanitizeString(raw.ProductURL)
	raw.LandingURL = validation.SanitizeString(raw.LandingURL)

	if raw.Category == "" {
		raw.Category = defaultCategory
	}
	if raw.Merchant == "" {
		raw.Merchant = defaultMerchant
	}

	if err := validation.ValidateRawOffer(raw); err != nil {
		return models.Offer{}, err
	}

	o := models.Offer{
		Source:     source,
		ExternalID: raw.ExternalID,
		Title:      raw.Title,
		Category:   raw.Category,
		Merchant:   raw.Merchant,
		GeoScope:   raw.GeoScope,
		Score:      raw.Score,
		EPC:        raw.EPC,
		Commission: raw.Commission,
		Price:      raw.Price,
		Currency:   raw.Currency,
		ProductURL: raw.ProductURL,
		LandingURL: raw.LandingURL,
		IsApproved: c.defaultApproved,
	}
	o.CanonicalHash = canonical.Hash(o.Title, o.Merchant, o.Destination())
	return o, nil
}
