package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"offer-catalog-engine/internal/cache"
	"offer-catalog-engine/internal/events"
	"offer-catalog-engine/internal/features"
	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/models"
	"offer-catalog-engine/internal/tracing"
	"offer-catalog-engine/internal/validation"
)

// Stage names, as used in routes, events and the run-summary cache.
const (
	StageIngest      = "ingest"
	StageWinners     = "winners"
	StageMaintenance = "maintenance"
	StagePipeline    = "pipeline"
)

// ErrUnknownStage is returned for stage names outside the four above.
var ErrUnknownStage = errors.New("unknown stage")

// StageError is a hard failure of one stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Ingester runs the ingestion collector.
type Ingester interface {
	Run(ctx context.Context, limit int) (models.IngestSummary, error)
}

// Allocator runs the winner allocator.
type Allocator interface {
	Run(ctx context.Context, caps models.Caps) (models.WinnerSummary, error)
}

// Sweeper runs the lifecycle sweep.
type Sweeper interface {
	Run(ctx context.Context, p validation.Params) (models.MaintenanceSummary, error)
}

// Catalog is the read side of the offer store.
type Catalog interface {
	ListLive(ctx context.Context, filter models.LiveFilter) ([]models.Offer, error)
	Ping(ctx context.Context) error
}

// Deps wires a Service. Features, Events, Runs and Tracer are optional.
type Deps struct {
	Ingester  Ingester
	Allocator Allocator
	Sweeper   Sweeper
	Catalog   Catalog
	Features  *features.Manager
	Events    *events.Manager
	Runs      *cache.RunStore
	Tracer    *tracing.Tracer
	Logger    *logger.Logger
}

// Service orchestrates the pipeline stages. It holds no state of its own
// between calls.
type Service struct {
	ingester  Ingester
	allocator Allocator
	sweeper   Sweeper
	catalog   Catalog
	features  *features.Manager
	events    *events.Manager
	runs      *cache.RunStore
	tracer    *tracing.Tracer
	logger    *logger.Logger
	now       func() time.Time
}

// NewService creates a new service instance.
func NewService(d Deps) *Service {
	if d.Features == nil {
		d.Features = features.NewDefaultManager(nil)
	}
	if d.Events == nil {
		d.Events = events.NewManager(false, nil)
	}
	if d.Tracer == nil {
		d.Tracer = tracing.GetTracer()
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	return &Service{
		ingester:  d.Ingester,
		allocator: d.Allocator,
		sweeper:   d.Sweeper,
		catalog:   d.Catalog,
		features:  d.Features,
		events:    d.Events,
		runs:      d.Runs,
		tracer:    d.Tracer,
		logger:    d.Logger,
		now:       time.Now,
	}
}

// RunIngest runs the ingestion stage alone.
func (s *Service) RunIngest(ctx context.Context, p validation.Params) (models.IngestSummary, error) {
	return s.ingest(ctx, newRunID(), p.Clamp())
}

// RunWinners runs the allocator stage alone.
func (s *Service) RunWinners(ctx context.Context, p validation.Params) (models.WinnerSummary, error) {
	return s.winners(ctx, newRunID(), p.Clamp())
}

// RunMaintenance runs the sweeper stage alone.
func (s *Service) RunMaintenance(ctx context.Context, p validation.Params) (models.MaintenanceSummary, error) {
	return s.maintenance(ctx, newRunID(), p.Clamp())
}

// RunPipeline runs ingest, winners and maintenance strictly in order. A hard
// failure stops the remaining stages and is reported in FailedStage.
func (s *Service) RunPipeline(ctx context.Context, p validation.Params) (models.PipelineSummary, error) {
	p = p.Clamp()
	start := s.now()
	summary := models.PipelineSummary{RunID: newRunID()}

	err := s.pipeline(ctx, p, &summary)

	took := s.now().Sub(start)
	s.record(ctx, StagePipeline, summary.RunID, start, summary, err)
	s.events.PublishPipelineCompleted(ctx, summary, took)
	if err != nil {
		s.logger.Error("pipeline aborted", "run_id", summary.RunID, "failed_stage", summary.FailedStage, "error", err)
		return summary, err
	}
	s.logger.Info("pipeline completed", "run_id", summary.RunID, "took_ms", took.Milliseconds())
	return summary, nil
}

func (s *Service) pipeline(ctx context.Context, p validation.Params, summary *models.PipelineSummary) error {
	ingest, err := s.ingest(ctx, summary.RunID, p)
	summary.Ingest = &ingest
	if err != nil {
		summary.FailedStage = StageIngest
		return err
	}

	winners, err := s.winners(ctx, summary.RunID, p)
	summary.Winners = &winners
	if err != nil {
		summary.FailedStage = StageWinners
		return err
	}

	maintenance, err := s.maintenance(ctx, summary.RunID, p)
	summary.Maintenance = &maintenance
	if err != nil {
		summary.FailedStage = StageMaintenance
		return err
	}
	return nil
}

func (s *Service) ingest(ctx context.Context, runID string, p validation.Params) (models.IngestSummary, error) {
	return runStage(s, ctx, StageIngest, runID, func(ctx context.Context) (models.IngestSummary, error) {
		if !s.features.IsEnabled(features.FeatureIngestEnabled) {
			s.logger.Info("ingest disabled by feature flag", "run_id", runID)
			return models.IngestSummary{Sources: []models.SourceResult{}, Errors: []string{}, Disabled: true}, nil
		}
		return s.ingester.Run(ctx, p.IngestLimit)
	})
}

func (s *Service) winners(ctx context.Context, runID string, p validation.Params) (models.WinnerSummary, error) {
	return runStage(s, ctx, StageWinners, runID, func(ctx context.Context) (models.WinnerSummary, error) {
		return s.allocator.Run(ctx, p.Caps)
	})
}

func (s *Service) maintenance(ctx context.Context, runID string, p validation.Params) (models.MaintenanceSummary, error) {
	return runStage(s, ctx, StageMaintenance, runID, func(ctx context.Context) (models.MaintenanceSummary, error) {
		if !s.features.IsEnabled(features.FeatureLinkProbeEnabled) {
			p.LinkCheckLimit = 0
		}
		return s.sweeper.Run(ctx, p)
	})
}

// runStage wraps one stage with a span, a StageError on failure, an event
// and a run-summary record.
func runStage[T any](s *Service, ctx context.Context, stage, runID string, fn func(context.Context) (T, error)) (T, error) {
	start := s.now()
	ctx, span := s.tracer.StartStage(ctx, stage, runID)

	summary, err := fn(ctx)
	took := s.now().Sub(start)
	if err != nil {
		err = &StageError{Stage: stage, Err: err}
		s.events.PublishStageFailed(ctx, runID, stage, took, err)
		s.logger.Error("stage failed", "stage", stage, "run_id", runID, "took_ms", took.Milliseconds(), "error", err)
	} else {
		s.events.PublishStageCompleted(ctx, runID, stage, took, summary)
		s.logger.Info("stage completed", "stage", stage, "run_id", runID, "took_ms", took.Milliseconds())
	}
	tracing.EndStage(span, err)

	s.record(ctx, stage, runID, start, summary, err)
	return summary, err
}

// record stores the stage outcome for /runs/latest. Cache failures are
// logged and otherwise ignored.
func (s *Service) record(ctx context.Context, stage, runID string, start time.Time, summary interface{}, stageErr error) {
	if s.runs == nil || !s.features.IsEnabled(features.FeatureRunSummaryCache) {
		return
	}

	rec := cache.RunRecord{
		Stage:      stage,
		RunID:      runID,
		OK:         stageErr == nil,
		StartedAt:  start.UTC(),
		FinishedAt: s.now().UTC(),
	}
	if stageErr != nil {
		rec.Error = stageErr.Error()
	}
	if raw, err := json.Marshal(summary); err == nil {
		rec.Summary = raw
	}

	if err := s.runs.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record run summary", "stage", stage, "run_id", runID, "error", err)
	}
}

// LatestRun returns the last recorded outcome of stage.
func (s *Service) LatestRun(ctx context.Context, stage string) (cache.RunRecord, error) {
	switch stage {
	case StageIngest, StageWinners, StageMaintenance, StagePipeline:
	default:
		return cache.RunRecord{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if s.runs == nil || !s.features.IsEnabled(features.FeatureRunSummaryCache) {
		return cache.RunRecord{}, cache.ErrNotFound
	}
	return s.runs.Latest(ctx, stage)
}

// LiveOffers returns the externally visible catalog.
func (s *Service) LiveOffers(ctx context.Context, filter models.LiveFilter) ([]models.Offer, error) {
	offers, err := s.catalog.ListLive(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list live offers: %w", err)
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	return offers, nil
}

// Health pings the store.
func (s *Service) Health(ctx context.Context) error {
	return s.catalog.Ping(ctx)
}

func newRunID() string {
	return uuid.New().String()
}
