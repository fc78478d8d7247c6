package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"

	"offer-catalog-engine/internal/config"
	"offer-catalog-engine/internal/httpretry"
	"offer-catalog-engine/internal/models"
)

// maxFeedBytes bounds a single feed response.
const maxFeedBytes = 32 << 20

// Source is one affiliate network adapter.
type Source interface {
	Name() models.Source
	Fetch(ctx context.Context, limit int) ([]models.RawOffer, error)
}

// StaticSource serves a fixed set of rows.
type StaticSource struct {
	name models.Source
	rows []models.RawOffer
	err  error
}

// NewStaticSource returns a source that always yields rows, or err if set.
func NewStaticSource(name models.Source, rows []models.RawOffer, err error) *StaticSource {
	return &StaticSource{name: name, rows: rows, err: err}
}

func (s *StaticSource) Name() models.Source { return s.name }

func (s *StaticSource) Fetch(ctx context.Context, limit int) ([]models.RawOffer, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit > 0 && len(s.rows) > limit {
		return s.rows[:limit], nil
	}
	return s.rows, nil
}

// feedOffer is the wire shape of a JSON offer feed entry.
type feedOffer struct {
	ID         string      `json:"id"`
	ExternalID string      `json:"external_id"`
	Title      string      `json:"title"`
	Category   string      `json:"category"`
	Merchant   string      `json:"merchant"`
	GeoScope   string      `json:"geo_scope"`
	Geo        string      `json:"geo"`
	Score      json.Number `json:"score"`
	EPC        json.Number `json:"epc"`
	Commission json.Number `json:"commission"`
	Price      json.Number `json:"price"`
	Currency   string      `json:"currency"`
	ProductURL string      `json:"product_url"`
	LandingURL string      `json:"landing_url"`
}

func (f feedOffer) raw() models.RawOffer {
	id := f.ExternalID
	if id == "" {
		id = f.ID
	}
	geo := f.GeoScope
	if geo == "" {
		geo = f.Geo
	}
	return models.RawOffer{
		ExternalID: id,
		Title:      f.Title,
		Category:   f.Category,
		Merchant:   f.Merchant,
		GeoScope:   geo,
		Score:      number(f.Score),
		EPC:        number(f.EPC),
		Commission: number(f.Commission),
		Price:      number(f.Price),
		Currency:   f.Currency,
		ProductURL: f.ProductURL,
		LandingURL: f.LandingURL,
	}
}

func number(n json.Number) float64 {
	v, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0
	}
	return v
}

// JSONFeedSource reads a JSON array of offers, or an object with an "offers"
// array, from an HTTP endpoint.
type JSONFeedSource struct {
	name         models.Source
	url          string
	apiKey       string
	apiKeyHeader string
	userAgent    string
	client       httpretry.HTTPDoer
}

// NewJSONFeedSource creates a JSON feed adapter.
func NewJSONFeedSource(name models.Source, feedURL, apiKey, apiKeyHeader, userAgent string, client httpretry.HTTPDoer) *JSONFeedSource {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &JSONFeedSource{
		name:         name,
		url:          feedURL,
		apiKey:       apiKey,
		apiKeyHeader: apiKeyHeader,
		userAgent:    userAgent,
		client:       client,
	}
}

func (s *JSONFeedSource) Name() models.Source { return s.name }

func (s *JSONFeedSource) Fetch(ctx context.Context, limit int) ([]models.RawOffer, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid feed url: %w", err)
	}
	if limit > 0 {
		q := u.Query()
		q.Set("limit", strconv.Itoa(limit))
		u.RawQuery = q.Encode()
	}

	body, err := get(ctx, s.client, u.String(), s.userAgent, "application/json", func(req *http.Request) {
		if s.apiKey != "" {
			req.Header.Set(s.apiKeyHeader, s.apiKey)
		}
	})
	if err != nil {
		return nil, err
	}

	var entries []feedOffer
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &entries)
	} else {
		var envelope struct {
			Offers []feedOffer `json:"offers"`
		}
		err = json.Unmarshal(body, &envelope)
		entries = envelope.Offers
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode feed: %w", err)
	}

	out := make([]models.RawOffer, 0, len(entries))
	for _, e := range entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e.raw())
	}
	return out, nil
}

// RSSFeedSource reads RSS or Atom product feeds. Each item becomes one offer:
// guid (or link) is the external id, the first category the category, the
// author the merchant and the link the product url.
type RSSFeedSource struct {
	name      models.Source
	url       string
	userAgent string
	client    httpretry.HTTPDoer
	parser    *gofeed.Parser
}

// NewRSSFeedSource creates an RSS/Atom feed adapter.
func NewRSSFeedSource(name models.Source, feedURL, userAgent string, client httpretry.HTTPDoer) *RSSFeedSource {
	return &RSSFeedSource{
		name:      name,
		url:       feedURL,
		userAgent: userAgent,
		client:    client,
		parser:    gofeed.NewParser(),
	}
}

func (s *RSSFeedSource) Name() models.Source { return s.name }

func (s *RSSFeedSource) Fetch(ctx context.Context, limit int) ([]models.RawOffer, error) {
	body, err := get(ctx, s.client, s.url, s.userAgent, "application/rss+xml, application/atom+xml, application/xml", nil)
	if err != nil {
		return nil, err
	}

	feed, err := s.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	out := make([]models.RawOffer, 0, len(feed.Items))
	for _, item := range feed.Items {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, rawFromItem(feed, item))
	}
	return out, nil
}

func rawFromItem(feed *gofeed.Feed, item *gofeed.Item) models.RawOffer {
	raw := models.RawOffer{
		ExternalID: item.GUID,
		Title:      item.Title,
		ProductURL: item.Link,
	}
	if raw.ExternalID == "" {
		raw.ExternalID = item.Link
	}
	if len(item.Categories) > 0 {
		raw.Category = item.Categories[0]
	}
	switch {
	case item.Author != nil && item.Author.Name != "":
		raw.Merchant = item.Author.Name
	case len(item.Authors) > 0 && item.Authors[0] != nil:
		raw.Merchant = item.Authors[0].Name
	default:
		raw.Merchant = feed.Title
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "text/html") {
			raw.LandingURL = enc.URL
			break
		}
	}
	return raw
}

func get(ctx context.Context, client httpretry.HTTPDoer, target, userAgent, accept string, decorate func(*http.Request)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", accept)
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	return body, nil
}

// BuildSources constructs adapters from configuration. Unknown source names
// or kinds are rejected.
func BuildSources(cfgs []config.SourceConfig, userAgent string, client httpretry.HTTPDoer) ([]Source, error) {
	sources := make([]Source, 0, len(cfgs))
	for _, c := range cfgs {
		name := models.Source(c.Name)
		if !name.Valid() {
			return nil, fmt.Errorf("unknown ingest source %q", c.Name)
		}
		switch c.Kind {
		case "json":
			sources = append(sources, NewJSONFeedSource(name, c.URL, c.APIKey, c.APIKeyHeader, userAgent, client))
		case "rss":
			sources = append(sources, NewRSSFeedSource(name, c.URL, userAgent, client))
		default:
			return nil, fmt.Errorf("ingest source %s: unsupported kind %q", c.Name, c.Kind)
		}
	}
	return sources, nil
}
