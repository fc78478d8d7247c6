package events

import (
	"context"
	"sync"
	"time"

	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventStageCompleted is emitted when a pipeline stage finishes without a hard failure
	EventStageCompleted EventType = "stage.completed"
	// EventStageFailed is emitted when a pipeline stage fails hard
	EventStageFailed EventType = "stage.failed"
	// EventPipelineCompleted is emitted once per orchestrated run, failed or not
	EventPipelineCompleted EventType = "pipeline.completed"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// StageData describes one stage outcome.
type StageData struct {
	RunID    string
	Stage    string
	Duration time.Duration
	Summary  interface{}
	Err      error
}

// PipelineData describes a full pipeline run.
type PipelineData struct {
	Summary  models.PipelineSummary
	Duration time.Duration
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *logger.Logger
	wg       sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   log,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish delivers an event to all subscribed handlers asynchronously.
// Handlers are registered with the wait group while the read lock is held,
// so a concurrent Shutdown either sees them or stops them from starting.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	m.mu.RLock()
	if !m.enabled || len(m.handlers[eventType]) == 0 {
		m.mu.RUnlock()
		return
	}
	handlers := m.handlers[eventType]
	m.wg.Add(len(handlers))
	m.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// handlers outlive the request that triggered them
	ctx = context.WithoutCancel(ctx)
	for _, handler := range handlers {
		go func(h Handler) {
			defer m.wg.Done()
			if err := h(ctx, event); err != nil {
				m.logger.Warn("event handler failed", "event", string(event.Type), "error", err)
			}
		}(handler)
	}
}

// PublishStageCompleted publishes a stage completed event.
func (m *Manager) PublishStageCompleted(ctx context.Context, runID, stage string, took time.Duration, summary interface{}) {
	m.Publish(ctx, EventStageCompleted, StageData{RunID: runID, Stage: stage, Duration: took, Summary: summary})
}

// PublishStageFailed publishes a stage failed event.
func (m *Manager) PublishStageFailed(ctx context.Context, runID, stage string, took time.Duration, err error) {
	m.Publish(ctx, EventStageFailed, StageData{RunID: runID, Stage: stage, Duration: took, Err: err})
}

// PublishPipelineCompleted publishes a pipeline completed event.
func (m *Manager) PublishPipelineCompleted(ctx context.Context, summary models.PipelineSummary, took time.Duration) {
	m.Publish(ctx, EventPipelineCompleted, PipelineData{Summary: summary, Duration: took})
}

// Wait blocks until in-flight handlers return.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops delivery and waits for in-flight handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.wg.Wait()
}
