// Package sweeper retires offers that went stale, passed the cooldown
// horizon, or point at dead links.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/models"
	"offer-catalog-engine/internal/validation"
)

// ErrSweepFailed is returned when every executed sub-step failed.
var ErrSweepFailed = errors.New("maintenance sweep failed")

// Store is the slice of the offer store the sweeper mutates.
type Store interface {
	RetireStale(ctx context.Context, cutoff, now time.Time) (int64, error)
	RetireCooldown(ctx context.Context, cutoff, now time.Time) (int64, int64, error)
	ListProbeTargets(ctx context.Context, limit int) ([]models.ProbeTarget, error)
	RetireDeadLinks(ctx context.Context, links []models.DeadLink, now time.Time) (int64, error)
}

// Sweeper runs the stale, cooldown and dead-link sub-steps.
type Sweeper struct {
	store  Store
	prober *Prober
	logger *logger.Logger
	now    func() time.Time
}

// New creates a sweeper.
func New(store Store, prober *Prober, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.Nop()
	}
	if prober == nil {
		prober = NewProber(nil, DefaultProbeConcurrency, "", log)
	}
	return &Sweeper{store: store, prober: prober, logger: log, now: time.Now}
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run executes the three sub-steps in order. A failing sub-step is recorded
// in the summary and does not stop the others.
func (s *Sweeper) Run(ctx context.Context, p validation.Params) (models.MaintenanceSummary, error) {
	p = p.Clamp()
	now := s.now()
	summary := models.MaintenanceSummary{
		StaleDays:    p.StaleDays,
		CooldownDays: p.CooldownDays,
		Errors:       []string{},
	}

	var (
		executed int
		failures []error
	)
	record := func(step string, err error) {
		failures = append(failures, fmt.Errorf("%s: %w", step, err))
		summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", step, err))
		s.logger.Error("maintenance step failed", "step", step, "error", err)
	}

	executed++
	staleCutoff := now.AddDate(0, 0, -p.StaleDays)
	if n, err := s.store.RetireStale(ctx, staleCutoff, now); err != nil {
		record("stale", err)
	} else {
		summary.StaleRetired = n
	}

	executed++
	cooldownCutoff := now.AddDate(0, 0, -p.CooldownDays)
	if retired, cleared, err := s.store.RetireCooldown(ctx, cooldownCutoff, now); err != nil {
		record("cooldown", err)
	} else {
		summary.CooldownRetired = retired
		summary.TiersCleared = cleared
	}

	if p.LinkCheckLimit > 0 {
		executed++
		if err := s.probeLinks(ctx, p, now, &summary); err != nil {
			record("dead_links", err)
		}
	}

	s.logger.Info("maintenance sweep finished",
		"stale_retired", summary.StaleRetired,
		"cooldown_retired", summary.CooldownRetired,
		"tiers_cleared", summary.TiersCleared,
		"probed", summary.Probed,
		"dead_links", summary.DeadLinks,
		"inconclusive", summary.Inconclusive,
		"errors", len(summary.Errors),
	)

	if len(failures) == executed {
		return summary, fmt.Errorf("%w: %w", ErrSweepFailed, errors.Join(failures...))
	}
	return summary, nil
}

func (s *Sweeper) probeLinks(ctx context.Context, p validation.Params, now time.Time, summary *models.MaintenanceSummary) error {
	targets, err := s.store.ListProbeTargets(ctx, p.LinkCheckLimit)
	if err != nil {
		return err
	}

	results := s.prober.Probe(ctx, targets, p.HeadTimeout())
	summary.Probed = len(results)

	var dead []models.DeadLink
	for _, r := range results {
		reason, ok := r.DeadReason()
		if !ok {
			summary.Inconclusive++
			if r.Err != nil {
				s.logger.Debug("link probe inconclusive", "offer_id", r.Target.ID, "url", r.Target.URL, "error", r.Err)
			} else if r.Status >= 400 {
				s.logger.Debug("link probe inconclusive", "offer_id", r.Target.ID, "url", r.Target.URL, "status", r.Status)
			}
			continue
		}
		dead = append(dead, models.DeadLink{ID: r.Target.ID, Reason: reason, Status: r.Status})
	}

	n, err := s.store.RetireDeadLinks(ctx, dead, now)
	if err != nil {
		return err
	}
	summary.DeadLinks = n
	return nil
}
