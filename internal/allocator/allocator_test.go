package allocator

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offer-catalog-engine/internal/models"
)

var baseTime = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func wideCaps() models.Caps {
	return models.Caps{Source: 1000, Category: 1000, Merchant: 1000, MerchantCategory: 1000, CategoryBand: 1000}
}

func offer(id string, score float64) models.Offer {
	return models.Offer{
		ID:            id,
		Source:        models.SourceClickBank,
		CanonicalHash: "hash-" + id,
		Category:      "health/supplements",
		Merchant:      "merchant-" + id,
		Score:         score,
		ProductURL:    "https://example.com/" + id,
		LastSeenAt:    baseTime,
	}
}

func decisionsByID(plan Plan) map[string]Decision {
	m := make(map[string]Decision, len(plan.Decisions))
	for _, d := range plan.Decisions {
		m[d.ID] = d
	}
	return m
}

func TestAllocate_DuplicateHashKeepsHighestScore(t *testing.T) {
	high := offer("a", 9)
	low := offer("b", 7)
	low.CanonicalHash = high.CanonicalHash
	low.Source = models.SourceJVZoo

	plan := Allocate([]models.Offer{low, high}, wideCaps(), NewBanding(nil))
	got := decisionsByID(plan)

	assert.True(t, got["a"].Active)
	assert.False(t, got["b"].Active)
	assert.Nil(t, got["b"].Tier)
	assert.Equal(t, 1, plan.Summary.Deduped)
}

func TestAllocate_DuplicateHashTieBreaks(t *testing.T) {
	older := offer("a", 5)
	older.LastSeenAt = baseTime.Add(-time.Hour)
	newer := offer("b", 5)
	newer.CanonicalHash = older.CanonicalHash

	got := decisionsByID(Allocate([]models.Offer{older, newer}, wideCaps(), NewBanding(nil)))
	assert.True(t, got["b"].Active, "most recently seen wins a score tie")
	assert.False(t, got["a"].Active)

	x := offer("x", 5)
	y := offer("y", 5)
	y.CanonicalHash = x.CanonicalHash

	got = decisionsByID(Allocate([]models.Offer{y, x}, wideCaps(), NewBanding(nil)))
	assert.True(t, got["x"].Active, "lowest id wins a full tie")
	assert.False(t, got["y"].Active)
}

func TestAllocate_MerchantCapAdmitsTopScores(t *testing.T) {
	var rows []models.Offer
	for i, score := range []float64{10, 9, 8, 7, 6} {
		o := offer(fmt.Sprintf("o%d", i), score)
		o.Merchant = "acme"
		rows = append(rows, o)
	}
	caps := wideCaps()
	caps.Merchant = 2

	plan := Allocate(rows, caps, NewBanding(nil))
	got := decisionsByID(plan)

	require.True(t, got["o0"].Active)
	require.True(t, got["o1"].Active)
	assert.Equal(t, 1, *got["o0"].Tier)
	assert.Equal(t, 2, *got["o1"].Tier)
	for _, id := range []string{"o2", "o3", "o4"} {
		assert.False(t, got[id].Active, id)
		assert.Nil(t, got[id].Tier, id)
	}
	assert.Equal(t, 2, plan.Summary.Admitted)
	assert.Equal(t, 3, plan.Summary.Rejected)
}

func TestAllocate_TierIsRankWithinCategory(t *testing.T) {
	a := offer("a", 10)
	b := offer("b", 9)
	b.Category = "software"
	c := offer("c", 8)
	d := offer("d", 7)
	d.Category = "software"

	got := decisionsByID(Allocate([]models.Offer{a, b, c, d}, wideCaps(), NewBanding(nil)))
	assert.Equal(t, 1, *got["a"].Tier)
	assert.Equal(t, 1, *got["b"].Tier)
	assert.Equal(t, 2, *got["c"].Tier)
	assert.Equal(t, 2, *got["d"].Tier)
}

func TestAllocate_RejectedCandidateDoesNotConsumeCaps(t *testing.T) {
	// "b" fails the merchant cap; its category slot must stay free for "c".
	a := offer("a", 10)
	a.Merchant = "acme"
	b := offer("b", 9)
	b.Merchant = "acme"
	c := offer("c", 8)

	caps := wideCaps()
	caps.Merchant = 1
	caps.Category = 2

	got := decisionsByID(Allocate([]models.Offer{a, b, c}, caps, NewBanding(nil)))
	assert.True(t, got["a"].Active)
	assert.False(t, got["b"].Active)
	assert.True(t, got["c"].Active)
}

func TestAllocate_BandCap(t *testing.T) {
	a := offer("a", 10)
	a.Category = "health/supplements"
	b := offer("b", 9)
	b.Category = "health/fitness"
	c := offer("c", 8)
	c.Category = "software"

	caps := wideCaps()
	caps.CategoryBand = 1

	got := decisionsByID(Allocate([]models.Offer{a, b, c}, caps, NewBanding(nil)))
	assert.True(t, got["a"].Active)
	assert.False(t, got["b"].Active, "same band as a")
	assert.True(t, got["c"].Active)
}

func TestAllocate_RetiredRowsUntouchedUntilReingested(t *testing.T) {
	dead := models.DeadHTTP404
	deadAt := baseTime

	retired := offer("retired", 10)
	retired.DeadReason = &dead
	retired.DeadAt = &deadAt
	retired.LastSeenAt = baseTime.Add(-time.Hour)

	revived := offer("revived", 9)
	revived.DeadReason = &dead
	revived.DeadAt = &deadAt
	revived.LastSeenAt = baseTime.Add(time.Hour)

	plan := Allocate([]models.Offer{retired, revived}, wideCaps(), NewBanding(nil))
	got := decisionsByID(plan)

	_, decided := got["retired"]
	assert.False(t, decided)
	assert.True(t, got["revived"].Active)
	assert.Equal(t, 1, plan.Summary.Untouched)
}

func TestAllocate_EmptyDestinationIsIneligible(t *testing.T) {
	o := offer("a", 10)
	o.ProductURL = ""
	o.IsActive = true
	tier := 1
	o.WinnerTier = &tier

	plan := Allocate([]models.Offer{o}, wideCaps(), NewBanding(nil))
	got := decisionsByID(plan)
	assert.False(t, got["a"].Active)
	assert.Nil(t, got["a"].Tier)
	assert.Equal(t, 0, plan.Summary.Eligible)
}

func TestChanges_SkipsRowsAlreadyInState(t *testing.T) {
	tier := 1
	a := offer("a", 10)
	a.IsActive = true
	a.WinnerTier = &tier
	b := offer("b", 9)
	b.Merchant = a.Merchant

	caps := wideCaps()
	caps.Merchant = 1
	rows := []models.Offer{a, b}

	assert.Empty(t, Changes(rows, Allocate(rows, caps, NewBanding(nil))))

	caps.Merchant = 2
	updates := Changes(rows, Allocate(rows, caps, NewBanding(nil)))
	require.Len(t, updates, 1)
	assert.Equal(t, "b", updates[0].ID)
	assert.True(t, updates[0].IsActive)
	assert.Equal(t, 2, *updates[0].WinnerTier)
}

func randomRows(r *rand.Rand, n int) []models.Offer {
	sources := []models.Source{models.SourceClickBank, models.SourceJVZoo, models.SourceAwin}
	categories := []string{"health/a", "health/b", "software/x", "home", "finance:loans"}
	rows := make([]models.Offer, n)
	for i := range rows {
		o := models.Offer{
			ID:            fmt.Sprintf("id-%04d", i),
			Source:        sources[r.Intn(len(sources))],
			CanonicalHash: fmt.Sprintf("h%d", r.Intn(n/2+1)),
			Category:      categories[r.Intn(len(categories))],
			Merchant:      fmt.Sprintf("m%d", r.Intn(8)),
			Score:         float64(r.Intn(20)),
			LastSeenAt:    baseTime.Add(-time.Duration(r.Intn(48)) * time.Hour),
		}
		if r.Intn(10) > 0 {
			o.ProductURL = "https://example.com/" + o.ID
		}
		rows[i] = o
	}
	return rows
}

func TestAllocate_CapAndDedupInvariants(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	banding := NewBanding(nil)

	for iter := 0; iter < 200; iter++ {
		rows := randomRows(r, 5+r.Intn(80))
		caps := models.Caps{
			Source:           1 + r.Intn(10),
			Category:         1 + r.Intn(10),
			Merchant:         1 + r.Intn(5),
			MerchantCategory: 1 + r.Intn(3),
			CategoryBand:     1 + r.Intn(12),
		}
		plan := Allocate(rows, caps, banding)

		byID := make(map[string]models.Offer, len(rows))
		for _, o := range rows {
			byID[o.ID] = o
		}
		counts := map[string]int{}
		hashes := map[string]int{}
		for _, d := range plan.Decisions {
			if !d.Active {
				assert.Nil(t, d.Tier)
				continue
			}
			o := byID[d.ID]
			counts["s:"+string(o.Source)]++
			counts["c:"+o.Category]++
			counts["m:"+o.Merchant]++
			counts["mc:"+o.Merchant+"/"+o.Category]++
			counts["b:"+banding.Band(o.Category)]++
			hashes[o.CanonicalHash]++
		}
		for key, n := range counts {
			var limit int
			switch key[:2] {
			case "s:":
				limit = caps.Source
			case "c:":
				limit = caps.Category
			case "m:":
				limit = caps.Merchant
			case "mc":
				limit = caps.MerchantCategory
			case "b:":
				limit = caps.CategoryBand
			}
			require.LessOrEqual(t, n, limit, "iteration %d key %s", iter, key)
		}
		for hash, n := range hashes {
			require.LessOrEqual(t, n, 1, "iteration %d hash %s", iter, hash)
		}
	}
}

func TestAllocate_Idempotent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	rows := randomRows(r, 60)
	caps := models.Caps{Source: 8, Category: 5, Merchant: 3, MerchantCategory: 2, CategoryBand: 9}
	banding := NewBanding(nil)

	first := Allocate(rows, caps, banding)

	// apply the plan to the snapshot and allocate again
	applied := make([]models.Offer, len(rows))
	copy(applied, rows)
	decided := decisionsByID(first)
	for i := range applied {
		if d, ok := decided[applied[i].ID]; ok {
			applied[i].IsActive = d.Active
			applied[i].WinnerTier = d.Tier
		}
	}

	second := Allocate(applied, caps, banding)
	assert.Empty(t, Changes(applied, second))

	shuffled := make([]models.Offer, len(rows))
	copy(shuffled, rows)
	r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	assert.ElementsMatch(t, first.Decisions, Allocate(shuffled, caps, banding).Decisions)
}

func TestBanding(t *testing.T) {
	b := NewBanding(map[string]string{"Gadgets": "Electronics"})

	tests := []struct {
		category string
		want     string
	}{
		{"gadgets", "electronics"},
		{"health/supplements", "health"},
		{"Home > Garden", "home"},
		{"finance|loans", "finance"},
		{"travel:flights", "travel"},
		{"software", "software"},
		{"/odd", "/odd"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Band(tt.category), tt.category)
	}
}
