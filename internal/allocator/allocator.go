package allocator

import (
	"sort"

	"offer-catalog-engine/internal/models"
)

// Decision is the allocator's verdict for one row.
type Decision struct {
	ID     string
	Active bool
	Tier   *int
}

// Plan is the outcome of one allocation pass over a snapshot.
type Plan struct {
	Decisions []Decision
	Summary   models.WinnerSummary
}

const (
	dimSource = iota
	dimCategory
	dimMerchant
	dimMerchantCategory
	dimBand
	dimCount
)

// counters tracks admitted winners per dimension value.
type counters struct {
	caps   [dimCount]int
	counts [dimCount]map[string]int
}

func newCounters(caps models.Caps) *counters {
	c := &counters{caps: [dimCount]int{
		dimSource:           caps.Source,
		dimCategory:         caps.Category,
		dimMerchant:         caps.Merchant,
		dimMerchantCategory: caps.MerchantCategory,
		dimBand:             caps.CategoryBand,
	}}
	for i := range c.counts {
		c.counts[i] = make(map[string]int)
	}
	return c
}

// tryAdmit reports whether keys fit under every cap and, if so, counts them.
// A rejected candidate leaves all counters unchanged.
func (c *counters) tryAdmit(keys [dimCount]string) bool {
	for dim, key := range keys {
		if c.counts[dim][key]+1 > c.caps[dim] {
			return false
		}
	}
	for dim, key := range keys {
		c.counts[dim][key]++
	}
	return true
}

// eligibleForReview reports whether the allocator may decide the row at all.
// Rows retired by maintenance stay untouched until ingestion sees them again.
func eligibleForReview(o models.Offer) bool {
	if o.DeadReason == nil {
		return true
	}
	return o.DeadAt != nil && o.LastSeenAt.After(*o.DeadAt)
}

// ranksBefore is the total order used for both dedup and admission:
// score desc, last_seen_at desc, id asc.
func ranksBefore(a, b models.Offer) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.LastSeenAt.Equal(b.LastSeenAt) {
		return a.LastSeenAt.After(b.LastSeenAt)
	}
	return a.ID < b.ID
}

// Allocate computes the winner set for the whole snapshot. It is pure and
// deterministic: the same rows and caps always produce the same plan.
func Allocate(rows []models.Offer, caps models.Caps, banding Banding) Plan {
	plan := Plan{Summary: models.WinnerSummary{Considered: len(rows), Caps: caps}}

	best := make(map[string]models.Offer)
	var losers []models.Offer
	for _, o := range rows {
		if !eligibleForReview(o) {
			plan.Summary.Untouched++
			continue
		}
		if o.Destination() == "" {
			plan.Decisions = append(plan.Decisions, Decision{ID: o.ID})
			continue
		}
		plan.Summary.Eligible++

		key := o.CanonicalHash
		if key == "" {
			key = "id:" + o.ID
		}
		cur, ok := best[key]
		switch {
		case !ok:
			best[key] = o
		case ranksBefore(o, cur):
			losers = append(losers, cur)
			best[key] = o
		default:
			losers = append(losers, o)
		}
	}

	for _, o := range losers {
		plan.Decisions = append(plan.Decisions, Decision{ID: o.ID})
	}
	plan.Summary.Deduped = len(losers)

	candidates := make([]models.Offer, 0, len(best))
	for _, o := range best {
		candidates = append(candidates, o)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return ranksBefore(candidates[i], candidates[j])
	})

	c := newCounters(caps)
	tiers := make(map[string]int)
	for _, o := range candidates {
		keys := [dimCount]string{
			dimSource:           string(o.Source),
			dimCategory:         o.Category,
			dimMerchant:         o.Merchant,
			dimMerchantCategory: o.Merchant + "\x1f" + o.Category,
			dimBand:             banding.Band(o.Category),
		}
		if !c.tryAdmit(keys) {
			plan.Decisions = append(plan.Decisions, Decision{ID: o.ID})
			plan.Summary.Rejected++
			continue
		}
		tiers[o.Category]++
		tier := tiers[o.Category]
		plan.Decisions = append(plan.Decisions, Decision{ID: o.ID, Active: true, Tier: &tier})
		plan.Summary.Admitted++
	}

	return plan
}

// Changes returns the updates needed to move rows to the plan, skipping rows
// already in the decided state.
func Changes(rows []models.Offer, plan Plan) []models.WinnerUpdate {
	byID := make(map[string]models.Offer, len(rows))
	for _, o := range rows {
		byID[o.ID] = o
	}

	var updates []models.WinnerUpdate
	for _, d := range plan.Decisions {
		cur, ok := byID[d.ID]
		if ok && cur.IsActive == d.Active && sameTier(cur.WinnerTier, d.Tier) && cur.DeadReason == nil {
			continue
		}
		updates = append(updates, models.WinnerUpdate{ID: d.ID, IsActive: d.Active, WinnerTier: d.Tier})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].ID < updates[j].ID })
	return updates
}

func sameTier(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
