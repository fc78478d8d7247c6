package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offer-catalog-engine/internal/canonical"
	"offer-catalog-engine/internal/config"
	"offer-catalog-engine/internal/database"
	"offer-catalog-engine/internal/httpretry"
	"offer-catalog-engine/internal/models"
	"offer-catalog-engine/internal/validation"
)

var fixedNow = time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.NewDB(database.DriverSQLite, filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCollector_IsolatesAdapterFailures(t *testing.T) {
	db := setupTestDB(t)

	good := NewStaticSource(models.SourceMyLead, []models.RawOffer{
		{ExternalID: "1", Title: "  Keto   Guide ", Category: "Health/Diet", Merchant: "ACME", ProductURL: "https://acme.com/keto?utm_source=x"},
		{ExternalID: "2", Title: "Yoga Course", GeoScope: "us, ca", ProductURL: "https://acme.com/yoga", Score: 4},
		{ExternalID: "", Title: "no id"},
	}, nil)
	broken := NewStaticSource(models.SourceAwin, nil, errors.New("upstream 503"))

	c := NewCollector(db, []Source{broken, good}, Options{DefaultApproved: true, Now: func() time.Time { return fixedNow }})
	summary, err := c.Run(context.Background(), 100)
	require.NoError(t, err)

	require.Len(t, summary.Sources, 2)
	assert.Equal(t, "upstream 503", summary.Sources[0].Error)
	assert.Equal(t, 3, summary.Sources[1].Fetched)
	assert.Equal(t, 2, summary.Upserted)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"awin: upstream 503"}, summary.Errors)

	keto, err := db.GetOfferByKey(context.Background(), models.SourceMyLead, "1")
	require.NoError(t, err)
	assert.Equal(t, "Keto Guide", keto.Title)
	assert.Equal(t, "health/diet", keto.Category)
	assert.Equal(t, "acme", keto.Merchant)
	assert.Equal(t, "GLOBAL", keto.GeoScope)
	assert.Equal(t, canonical.Hash("Keto Guide", "acme", "https://acme.com/keto?utm_source=x"), keto.CanonicalHash)
	assert.True(t, keto.LastSeenAt.Equal(fixedNow))
	assert.True(t, keto.IsApproved)

	yoga, err := db.GetOfferByKey(context.Background(), models.SourceMyLead, "2")
	require.NoError(t, err)
	assert.Equal(t, "US,CA", yoga.GeoScope)
	assert.Equal(t, "uncategorized", yoga.Category)
	assert.Equal(t, "unknown", yoga.Merchant)
}

func TestCollector_RespectsLimit(t *testing.T) {
	var rows []models.RawOffer
	for i := 0; i < 10; i++ {
		rows = append(rows, models.RawOffer{ExternalID: fmt.Sprintf("id-%d", i), Title: "t"})
	}
	store := &recordingStore{}
	c := NewCollector(store, []Source{NewStaticSource(models.SourceCJ, rows, nil)}, Options{})

	summary, err := c.Run(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Fetched)
	assert.Len(t, store.offers, 3)
}

func TestCollector_KeepsFreeFormGeoAndLongTitles(t *testing.T) {
	rows := []models.RawOffer{
		{ExternalID: "ww", Title: "Global Course", GeoScope: "Worldwide"},
		{ExternalID: "eu", Title: "EU Course", GeoScope: "EU-27"},
		{ExternalID: "sub", Title: "DACH Course", GeoScope: "us, uk, de-at"},
		{ExternalID: "long", Title: strings.Repeat("Mega ", 200)},
	}
	store := &recordingStore{}
	c := NewCollector(store, []Source{NewStaticSource(models.SourceDigistore, rows, nil)}, Options{})

	summary, err := c.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Skipped)
	require.Len(t, store.offers, 4)

	byID := map[string]models.Offer{}
	for _, o := range store.offers {
		byID[o.ExternalID] = o
	}
	assert.Equal(t, "GLOBAL", byID["ww"].GeoScope)
	assert.Equal(t, "EU-27", byID["eu"].GeoScope)
	assert.Equal(t, "US,UK,DE-AT", byID["sub"].GeoScope)
	assert.LessOrEqual(t, len(byID["long"].Title), validation.MaxTitleBytes)
	assert.True(t, strings.HasPrefix(byID["long"].Title, "Mega Mega"))
}

type recordingStore struct {
	offers []models.Offer
	err    error
}

func (r *recordingStore) UpsertOffers(ctx context.Context, offers []models.Offer, seenAt time.Time) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	r.offers = append(r.offers, offers...)
	return len(offers), nil
}

func TestCollector_StoreFailureIsFatal(t *testing.T) {
	store := &recordingStore{err: database.ErrStore}
	first := NewStaticSource(models.SourceCJ, []models.RawOffer{{ExternalID: "a", Title: "t"}}, nil)
	second := NewStaticSource(models.SourceAwin, []models.RawOffer{{ExternalID: "b", Title: "t"}}, nil)

	summary, err := NewCollector(store, []Source{first, second}, Options{}).Run(context.Background(), 10)
	assert.ErrorIs(t, err, database.ErrStore)
	assert.Len(t, summary.Sources, 1, "remaining sources are not attempted")
}

func TestCollector_ReingestKeepsAllocatorState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	src := NewStaticSource(models.SourceDigistore, []models.RawOffer{{ExternalID: "x", Title: "t", ProductURL: "https://a.com"}}, nil)

	now := fixedNow
	c := NewCollector(db, []Source{src}, Options{Now: func() time.Time { return now }})
	_, err := c.Run(ctx, 10)
	require.NoError(t, err)

	o, err := db.GetOfferByKey(ctx, models.SourceDigistore, "x")
	require.NoError(t, err)
	tier := 2
	_, err = db.ApplyWinnerSet(ctx, []models.WinnerUpdate{{ID: o.ID, IsActive: true, WinnerTier: &tier}}, now)
	require.NoError(t, err)

	now = fixedNow.Add(time.Hour)
	_, err = c.Run(ctx, 10)
	require.NoError(t, err)

	got, err := db.GetOfferByKey(ctx, models.SourceDigistore, "x")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 2, *got.WinnerTier)
	assert.True(t, got.LastSeenAt.Equal(now))
}

func TestJSONFeedSource(t *testing.T) {
	var gotKey, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Partner-Key")
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"offers":[
			{"id":"a1","title":"Alpha","category":"software","merchant":"m","score":7.5,"price":"19.99","product_url":"https://m.com/a"},
			{"external_id":"b2","title":"Beta","geo":"US","landing_url":"https://m.com/b"},
			{"id":"c3","title":"Gamma"}
		]}`)
	}))
	defer srv.Close()

	src := NewJSONFeedSource(models.SourceEverflow, srv.URL+"/feed", "secret", "X-Partner-Key", "test-agent", srv.Client())
	rows, err := src.Fetch(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "2", gotLimit)
	require.Len(t, rows, 2)
	assert.Equal(t, "a1", rows[0].ExternalID)
	assert.Equal(t, 7.5, rows[0].Score)
	assert.Equal(t, 19.99, rows[0].Price)
	assert.Equal(t, "b2", rows[1].ExternalID)
	assert.Equal(t, "US", rows[1].GeoScope)
}

func TestJSONFeedSource_BareArrayAndErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/array":
			fmt.Fprint(w, `[{"id":"z","title":"Zed"}]`)
		case "/broken":
			fmt.Fprint(w, `{"offers":`)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	rows, err := NewJSONFeedSource(models.SourceImpact, srv.URL+"/array", "", "", "", srv.Client()).Fetch(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, err = NewJSONFeedSource(models.SourceImpact, srv.URL+"/broken", "", "", "", srv.Client()).Fetch(context.Background(), 0)
	assert.Error(t, err)

	_, err = NewJSONFeedSource(models.SourceImpact, srv.URL+"/denied", "", "", "", srv.Client()).Fetch(context.Background(), 0)
	assert.ErrorContains(t, err, "403")
}

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>WarriorPlus Launches</title>
  <link>https://warriorplus.example</link>
  <description>new offers</description>
  <item>
    <title>List Builder Pro</title>
    <link>https://warriorplus.example/o/123</link>
    <guid>wp-123</guid>
    <category>Marketing/Email</category>
  </item>
  <item>
    <title>Traffic Blueprint</title>
    <link>https://warriorplus.example/o/456</link>
  </item>
</channel>
</rss>`

func TestRSSFeedSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssFixture)
	}))
	defer srv.Close()

	src := NewRSSFeedSource(models.SourceWarriorPlus, srv.URL, "", srv.Client())
	rows, err := src.Fetch(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "wp-123", rows[0].ExternalID)
	assert.Equal(t, "List Builder Pro", rows[0].Title)
	assert.Equal(t, "Marketing/Email", rows[0].Category)
	assert.Equal(t, "WarriorPlus Launches", rows[0].Merchant)
	assert.Equal(t, "https://warriorplus.example/o/123", rows[0].ProductURL)

	assert.Equal(t, "https://warriorplus.example/o/456", rows[1].ExternalID, "link stands in for a missing guid")
}

func TestBuildSources(t *testing.T) {
	client := httpretry.NewRetryClient(nil, httpretry.Options{})

	sources, err := BuildSources([]config.SourceConfig{
		{Name: "clickbank", Kind: "json", URL: "https://a"},
		{Name: "awin", Kind: "rss", URL: "https://b"},
	}, "ua", client)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, models.SourceClickBank, sources[0].Name())
	assert.IsType(t, &RSSFeedSource{}, sources[1])

	_, err = BuildSources([]config.SourceConfig{{Name: "nope", Kind: "json", URL: "https://a"}}, "", client)
	assert.Error(t, err)

	_, err = BuildSources([]config.SourceConfig{{Name: "awin", Kind: "csv", URL: "https://a"}}, "", client)
	assert.Error(t, err)
}
