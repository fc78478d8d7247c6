package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offer-catalog-engine/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(DriverSQLite, filepath.Join(t.TempDir(), "offers.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testOffer(externalID string) models.Offer {
	return models.Offer{
		Source:        models.SourceMyLead,
		ExternalID:    externalID,
		CanonicalHash: "hash-" + externalID,
		Title:         "Offer " + externalID,
		Category:      "health/supplements",
		Merchant:      "acme",
		GeoScope:      "GLOBAL",
		Score:         5,
		ProductURL:    "https://acme.com/" + externalID,
		IsApproved:    true,
	}
}

func TestUpsertOffers_InsertsAndRefreshes(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	n, err := db.UpsertOffers(ctx, []models.Offer{testOffer("a"), testOffer("b")}, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first, err := db.GetOfferByKey(ctx, models.SourceMyLead, "a")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.IsActive)
	assert.True(t, first.IsApproved)
	assert.True(t, first.LastSeenAt.Equal(t0))

	t1 := t0.Add(24 * time.Hour)
	refreshed := testOffer("a")
	refreshed.Score = 9
	refreshed.IsApproved = false
	_, err = db.UpsertOffers(ctx, []models.Offer{refreshed}, t1)
	require.NoError(t, err)

	again, err := db.GetOfferByKey(ctx, models.SourceMyLead, "a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "natural key keeps the store identity")
	assert.Equal(t, 9.0, again.Score)
	assert.True(t, again.IsApproved, "moderation flag is not owned by ingestion")
	assert.True(t, again.LastSeenAt.Equal(t1))
	assert.True(t, again.CreatedAt.Equal(t0))
}

func TestUpsertOffers_DoesNotClearAllocatorState(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	_, err := db.UpsertOffers(ctx, []models.Offer{testOffer("a")}, t0)
	require.NoError(t, err)
	o, err := db.GetOfferByKey(ctx, models.SourceMyLead, "a")
	require.NoError(t, err)

	tier := 1
	_, err = db.ApplyWinnerSet(ctx, []models.WinnerUpdate{{ID: o.ID, IsActive: true, WinnerTier: &tier}}, t0)
	require.NoError(t, err)

	_, err = db.UpsertOffers(ctx, []models.Offer{testOffer("a")}, t0.Add(time.Hour))
	require.NoError(t, err)

	got, err := db.GetOfferByKey(ctx, models.SourceMyLead, "a")
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.WinnerTier)
	assert.Equal(t, 1, *got.WinnerTier)
}

func TestRetireStaleAndCooldown(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	_, err := db.UpsertOffers(ctx, []models.Offer{testOffer("old")}, now.AddDate(0, 0, -60))
	require.NoError(t, err)
	_, err = db.UpsertOffers(ctx, []models.Offer{testOffer("mid")}, now.AddDate(0, 0, -20))
	require.NoError(t, err)
	_, err = db.UpsertOffers(ctx, []models.Offer{testOffer("new")}, now.AddDate(0, 0, -1))
	require.NoError(t, err)

	rows, err := db.ListAllocationRows(ctx)
	require.NoError(t, err)
	var updates []models.WinnerUpdate
	for i, r := range rows {
		tier := i + 1
		updates = append(updates, models.WinnerUpdate{ID: r.ID, IsActive: true, WinnerTier: &tier})
	}
	_, err = db.ApplyWinnerSet(ctx, updates, now)
	require.NoError(t, err)

	stale, err := db.RetireStale(ctx, now.AddDate(0, 0, -14), now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stale)

	mid, err := db.GetOfferByKey(ctx, models.SourceMyLead, "mid")
	require.NoError(t, err)
	assert.False(t, mid.IsActive)
	require.NotNil(t, mid.DeadReason)
	assert.Equal(t, models.DeadStaleNotSeen, *mid.DeadReason)
	assert.NotNil(t, mid.WinnerTier, "stale retirement keeps the tier")
	require.NotNil(t, mid.DeadAt)
	assert.True(t, mid.DeadAt.Equal(now))

	retired, cleared, err := db.RetireCooldown(ctx, now.AddDate(0, 0, -45), now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), retired)
	assert.Equal(t, int64(1), cleared)

	old, err := db.GetOfferByKey(ctx, models.SourceMyLead, "old")
	require.NoError(t, err)
	assert.Nil(t, old.WinnerTier)
	assert.Equal(t, models.DeadStaleNotSeen, *old.DeadReason)

	fresh, err := db.GetOfferByKey(ctx, models.SourceMyLead, "new")
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)
}

func TestRetireCooldown_DeactivatesActiveRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	_, err := db.UpsertOffers(ctx, []models.Offer{testOffer("old")}, now.AddDate(0, 0, -50))
	require.NoError(t, err)
	o, err := db.GetOfferByKey(ctx, models.SourceMyLead, "old")
	require.NoError(t, err)
	tier := 3
	_, err = db.ApplyWinnerSet(ctx, []models.WinnerUpdate{{ID: o.ID, IsActive: true, WinnerTier: &tier}}, now)
	require.NoError(t, err)

	retired, _, err := db.RetireCooldown(ctx, now.AddDate(0, 0, -45), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), retired)

	got, err := db.GetOfferByKey(ctx, models.SourceMyLead, "old")
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.WinnerTier)
	assert.Equal(t, models.DeadCooldown, *got.DeadReason)
}

func TestProbeTargetsAndDeadLinks(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	landing := testOffer("landing")
	landing.LandingURL = "https://acme.com/lp"
	noURL := testOffer("nourl")
	noURL.ProductURL = ""
	_, err := db.UpsertOffers(ctx, []models.Offer{landing, noURL, testOffer("plain")}, now)
	require.NoError(t, err)

	rows, err := db.ListAllocationRows(ctx)
	require.NoError(t, err)
	var updates []models.WinnerUpdate
	for _, r := range rows {
		updates = append(updates, models.WinnerUpdate{ID: r.ID, IsActive: true})
	}
	_, err = db.ApplyWinnerSet(ctx, updates, now)
	require.NoError(t, err)

	targets, err := db.ListProbeTargets(ctx, 10)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	urls := map[string]bool{}
	for _, tg := range targets {
		urls[tg.URL] = true
	}
	assert.True(t, urls["https://acme.com/lp"], "landing url wins over product url")
	assert.True(t, urls["https://acme.com/plain"])

	none, err := db.ListProbeTargets(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := db.RetireDeadLinks(ctx, []models.DeadLink{{ID: targets[0].ID, Reason: models.DeadHTTP410, Status: 410}}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = db.RetireDeadLinks(ctx, []models.DeadLink{{ID: targets[0].ID, Reason: models.DeadHTTP404, Status: 404}}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "already retired rows are left alone")
}

func TestListLive_RequiresActiveAndApproved(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	unapproved := testOffer("unapproved")
	unapproved.IsApproved = false
	_, err := db.UpsertOffers(ctx, []models.Offer{testOffer("ok"), unapproved, testOffer("inactive")}, now)
	require.NoError(t, err)

	ok, err := db.GetOfferByKey(ctx, models.SourceMyLead, "ok")
	require.NoError(t, err)
	un, err := db.GetOfferByKey(ctx, models.SourceMyLead, "unapproved")
	require.NoError(t, err)
	one, two := 1, 2
	_, err = db.ApplyWinnerSet(ctx, []models.WinnerUpdate{
		{ID: ok.ID, IsActive: true, WinnerTier: &one},
		{ID: un.ID, IsActive: true, WinnerTier: &two},
	}, now)
	require.NoError(t, err)

	live, err := db.ListLive(ctx, models.LiveFilter{})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "ok", live[0].ExternalID)

	live, err = db.ListLive(ctx, models.LiveFilter{Category: "other"})
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestApplyWinnerSet_RollsBackOnFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	db := NewWithConn(conn, DriverPostgres)
	one := 1

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`UPDATE offers SET`)
	prep.ExpectExec().WithArgs(true, int64(1), sqlmock.AnyArg(), "a").WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs(false, nil, sqlmock.AnyArg(), "b").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = db.ApplyWinnerSet(context.Background(), []models.WinnerUpdate{
		{ID: "a", IsActive: true, WinnerTier: &one},
		{ID: "b", IsActive: false},
	}, time.Now())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyWinnerSet_BeginFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	db := NewWithConn(conn, DriverPostgres)
	mock.ExpectBegin().WillReturnError(errors.New("dial tcp: refused"))

	_, err = db.ApplyWinnerSet(context.Background(), []models.WinnerUpdate{{ID: "a"}}, time.Now())
	assert.ErrorIs(t, err, ErrStore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetireStale_RowsAffectedFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	db := NewWithConn(conn, DriverPostgres)
	mock.ExpectExec(`UPDATE offers SET`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver: rows affected unsupported")))

	now := time.Now()
	n, err := db.RetireStale(context.Background(), now.Add(-72*time.Hour), now)
	assert.Zero(t, n)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorContains(t, err, "retire stale")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	_, err := NewDB("mysql", "x")
	assert.Error(t, err)
}
