package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offer-catalog-engine/internal/models"
)

const offerColumns = `id, source, external_id, canonical_hash, title, category, merchant, geo_scope,
	score, epc, commission, price, currency, product_url, landing_url,
	is_active, is_approved, winner_tier, dead_reason, dead_at,
	last_seen_at, created_at, updated_at`

// UpsertOffers inserts or refreshes offers by (source, external_id) in a
// single transaction, stamping last_seen_at = seenAt. Allocator and
// moderation state (is_active, winner_tier, dead_reason, is_approved) of an
// existing row is never modified.
func (db *DB) UpsertOffers(ctx context.Context, offers []models.Offer, seenAt time.Time) (int, error) {
	if len(offers) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin upsert", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`INSERT INTO offers (
		id, source, external_id, canonical_hash, title, category, merchant, geo_scope,
		score, epc, commission, price, currency, product_url, landing_url,
		is_active, is_approved, last_seen_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(source, external_id) DO UPDATE SET
		canonical_hash = excluded.canonical_hash,
		title = excluded.title,
		category = excluded.category,
		merchant = excluded.merchant,
		geo_scope = excluded.geo_scope,
		score = excluded.score,
		epc = excluded.epc,
		commission = excluded.commission,
		price = excluded.price,
		currency = excluded.currency,
		product_url = excluded.product_url,
		landing_url = excluded.landing_url,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`))
	if err != nil {
		return 0, storeErr("prepare upsert", err)
	}
	defer stmt.Close()

	ts := formatTime(seenAt)
	upserted := 0
	for _, o := range offers {
		_, err := stmt.ExecContext(ctx,
			uuid.New().String(),
			string(o.Source),
			o.ExternalID,
			o.CanonicalHash,
			o.Title,
			o.Category,
			o.Merchant,
			o.GeoScope,
			o.Score,
			o.EPC,
			o.Commission,
			o.Price,
			o.Currency,
			o.ProductURL,
			o.LandingURL,
			false,
			o.IsApproved,
			ts,
			ts,
			ts,
		)
		if err != nil {
			return 0, storeErr(fmt.Sprintf("upsert offer %s/%s", o.Source, o.ExternalID), err)
		}
		upserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit upsert", err)
	}

	return upserted, nil
}

// ListAllocationRows returns every row in the store.
func (db *DB) ListAllocationRows(ctx context.Context) ([]models.Offer, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers ORDER BY id`)
	if err != nil {
		return nil, storeErr("query offers", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

// ApplyWinnerSet writes the allocator's decisions in one transaction.
// Either every update lands or none does.
func (db *DB) ApplyWinnerSet(ctx context.Context, updates []models.WinnerUpdate, now time.Time) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin winner set", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`UPDATE offers SET
		is_active = ?, winner_tier = ?, dead_reason = NULL, dead_at = NULL, updated_at = ?
		WHERE id = ?`))
	if err != nil {
		return 0, storeErr("prepare winner set", err)
	}
	defer stmt.Close()

	ts := formatTime(now)
	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.IsActive, nullInt(u.WinnerTier), ts, u.ID); err != nil {
			return 0, storeErr("update winner "+u.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit winner set", err)
	}
	return len(updates), nil
}

// RetireStale deactivates active rows last seen before cutoff. winner_tier is kept.
func (db *DB) RetireStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	ts := formatTime(now)
	res, err := db.conn.ExecContext(ctx, db.rebind(`UPDATE offers SET
		is_active = ?, dead_reason = ?, dead_at = ?, updated_at = ?
		WHERE is_active = ? AND last_seen_at < ?`),
		false, string(models.DeadStaleNotSeen), ts, ts, true, formatTime(cutoff))
	if err != nil {
		return 0, storeErr("retire stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("retire stale", err)
	}
	return n, nil
}

// RetireCooldown deactivates active rows last seen before cutoff, clearing
// their tier, and drops any tier still left on inactive rows past cutoff.
func (db *DB) RetireCooldown(ctx context.Context, cutoff, now time.Time) (retired int64, tiersCleared int64, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, storeErr("begin cooldown", err)
	}
	defer tx.Rollback()

	ts, cut := formatTime(now), formatTime(cutoff)

	res, err := tx.ExecContext(ctx, db.rebind(`UPDATE offers SET
		is_active = ?, dead_reason = ?, dead_at = ?, winner_tier = NULL, updated_at = ?
		WHERE is_active = ? AND last_seen_at < ?`),
		false, string(models.DeadCooldown), ts, ts, true, cut)
	if err != nil {
		return 0, 0, storeErr("retire cooldown", err)
	}
	if retired, err = res.RowsAffected(); err != nil {
		return 0, 0, storeErr("retire cooldown", err)
	}

	res, err = tx.ExecContext(ctx, db.rebind(`UPDATE offers SET
		winner_tier = NULL, updated_at = ?
		WHERE winner_tier IS NOT NULL AND is_active = ? AND last_seen_at < ?`),
		ts, false, cut)
	if err != nil {
		return 0, 0, storeErr("clear cooldown tiers", err)
	}
	if tiersCleared, err = res.RowsAffected(); err != nil {
		return 0, 0, storeErr("clear cooldown tiers", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, storeErr("commit cooldown", err)
	}
	return retired, tiersCleared, nil
}

// ListProbeTargets returns up to limit active rows with a destination,
// most recently updated first.
func (db *DB) ListProbeTargets(ctx context.Context, limit int) ([]models.ProbeTarget, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := db.conn.QueryContext(ctx, db.rebind(`SELECT id, landing_url, product_url
		FROM offers
		WHERE is_active = ? AND (landing_url <> '' OR product_url <> '')
		ORDER BY updated_at DESC, id ASC
		LIMIT ?`), true, limit)
	if err != nil {
		return nil, storeErr("query probe targets", err)
	}
	defer rows.Close()

	var targets []models.ProbeTarget
	for rows.Next() {
		var id, landing, product string
		if err := rows.Scan(&id, &landing, &product); err != nil {
			return nil, storeErr("scan probe target", err)
		}
		o := models.Offer{LandingURL: landing, ProductURL: product}
		targets = append(targets, models.ProbeTarget{ID: id, URL: o.Destination()})
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate probe targets", err)
	}
	return targets, nil
}

// RetireDeadLinks deactivates confirmed dead destinations in one transaction.
// Rows no longer active are left alone.
func (db *DB) RetireDeadLinks(ctx context.Context, links []models.DeadLink, now time.Time) (int64, error) {
	if len(links) == 0 {
		return 0, nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin dead links", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`UPDATE offers SET
		is_active = ?, dead_reason = ?, dead_at = ?, winner_tier = NULL, updated_at = ?
		WHERE id = ? AND is_active = ?`))
	if err != nil {
		return 0, storeErr("prepare dead links", err)
	}
	defer stmt.Close()

	ts := formatTime(now)
	var total int64
	for _, l := range links {
		res, err := stmt.ExecContext(ctx, false, string(l.Reason), ts, ts, l.ID, true)
		if err != nil {
			return 0, storeErr("retire dead link "+l.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storeErr("retire dead link "+l.ID, err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit dead links", err)
	}
	return total, nil
}

// ListLive returns the externally visible catalog: active and approved rows.
func (db *DB) ListLive(ctx context.Context, filter models.LiveFilter) ([]models.Offer, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + offerColumns + ` FROM offers WHERE is_active = ? AND is_approved = ?`
	args := []interface{}{true, true}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY category ASC, winner_tier ASC, score DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, db.rebind(query), args...)
	if err != nil {
		return nil, storeErr("query live offers", err)
	}
	defer rows.Close()
	return scanOffers(rows)
}

// GetOfferByKey loads one row by its natural key.
func (db *DB) GetOfferByKey(ctx context.Context, source models.Source, externalID string) (models.Offer, error) {
	rows, err := db.conn.QueryContext(ctx, db.rebind(`SELECT `+offerColumns+` FROM offers
		WHERE source = ? AND external_id = ?`), string(source), externalID)
	if err != nil {
		return models.Offer{}, storeErr("query offer", err)
	}
	defer rows.Close()

	offers, err := scanOffers(rows)
	if err != nil {
		return models.Offer{}, err
	}
	if len(offers) == 0 {
		return models.Offer{}, sql.ErrNoRows
	}
	return offers[0], nil
}

func scanOffers(rows *sql.Rows) ([]models.Offer, error) {
	var offers []models.Offer
	for rows.Next() {
		var (
			o                                models.Offer
			source                           string
			tier                             sql.NullInt64
			deadReason, deadAt               sql.NullString
			lastSeenAt, createdAt, updatedAt string
		)
		err := rows.Scan(
			&o.ID, &source, &o.ExternalID, &o.CanonicalHash, &o.Title, &o.Category, &o.Merchant, &o.GeoScope,
			&o.Score, &o.EPC, &o.Commission, &o.Price, &o.Currency, &o.ProductURL, &o.LandingURL,
			&o.IsActive, &o.IsApproved, &tier, &deadReason, &deadAt,
			&lastSeenAt, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, storeErr("scan offer", err)
		}
		o.Source = models.Source(source)

		if tier.Valid {
			t := int(tier.Int64)
			o.WinnerTier = &t
		}
		if deadReason.Valid {
			r := models.DeadReason(deadReason.String)
			o.DeadReason = &r
		}
		if deadAt.Valid {
			t, err := parseTime(deadAt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse dead_at: %w", err)
			}
			o.DeadAt = &t
		}
		if o.LastSeenAt, err = parseTime(lastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to parse last_seen_at: %w", err)
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}

		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate offers", err)
	}
	return offers, nil
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}
