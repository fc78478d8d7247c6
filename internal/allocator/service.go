package allocator

import (
	"context"
	"fmt"
	"time"

	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/models"
)

// Store is the slice of the offer store the allocator needs.
type Store interface {
	ListAllocationRows(ctx context.Context) ([]models.Offer, error)
	ApplyWinnerSet(ctx context.Context, updates []models.WinnerUpdate, now time.Time) (int, error)
}

// Service recomputes and persists the winner set.
type Service struct {
	store   Store
	banding Banding
	logger  *logger.Logger
	now     func() time.Time
}

// NewService creates a new allocator service.
func NewService(store Store, banding Banding, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:   store,
		banding: banding,
		logger:  log,
		now:     time.Now,
	}
}

// WithClock overrides the time source used for updated_at.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Run reads the whole store, allocates under caps and writes the changed
// rows in one transaction. Caps are expected to be clamped already.
func (s *Service) Run(ctx context.Context, caps models.Caps) (models.WinnerSummary, error) {
	rows, err := s.store.ListAllocationRows(ctx)
	if err != nil {
		return models.WinnerSummary{Caps: caps}, fmt.Errorf("failed to load allocation rows: %w", err)
	}

	plan := Allocate(rows, caps, s.banding)
	updates := Changes(rows, plan)

	changed, err := s.store.ApplyWinnerSet(ctx, updates, s.now())
	if err != nil {
		return plan.Summary, fmt.Errorf("failed to apply winner set: %w", err)
	}
	plan.Summary.Changed = changed

	s.logger.Info("winner set applied",
		"considered", plan.Summary.Considered,
		"eligible", plan.Summary.Eligible,
		"deduped", plan.Summary.Deduped,
		"admitted", plan.Summary.Admitted,
		"rejected", plan.Summary.Rejected,
		"untouched", plan.Summary.Untouched,
		"changed", changed,
	)

	return plan.Summary, nil
}
