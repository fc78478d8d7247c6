package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offer-catalog-engine/internal/models"
)

func TestManager_DeliversToSubscribers(t *testing.T) {
	m := NewManager(true, nil)

	var (
		mu  sync.Mutex
		got []Event
	)
	m.Subscribe(EventStageFailed, func(ctx context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})

	boom := errors.New("store down")
	m.PublishStageFailed(context.Background(), "run-1", "winners", time.Second, boom)
	m.PublishStageCompleted(context.Background(), "run-1", "ingest", time.Second, nil)
	m.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, EventStageFailed, got[0].Type)
	data := got[0].Data.(StageData)
	assert.Equal(t, "winners", data.Stage)
	assert.ErrorIs(t, data.Err, boom)
}

func TestManager_DisabledDropsEvents(t *testing.T) {
	m := NewManager(false, nil)
	called := false
	m.Subscribe(EventPipelineCompleted, func(ctx context.Context, e Event) error {
		called = true
		return nil
	})
	m.PublishPipelineCompleted(context.Background(), models.PipelineSummary{RunID: "r"}, time.Second)
	m.Wait()
	assert.False(t, called)
}

func TestManager_HandlerSurvivesCanceledRequest(t *testing.T) {
	m := NewManager(true, nil)
	done := make(chan error, 1)
	m.Subscribe(EventPipelineCompleted, func(ctx context.Context, e Event) error {
		done <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.PublishPipelineCompleted(ctx, models.PipelineSummary{}, 0)
	m.Shutdown()

	assert.NoError(t, <-done)
}

func TestManager_ShutdownWaitsForConcurrentPublishers(t *testing.T) {
	m := NewManager(true, nil)

	var (
		mu        sync.Mutex
		started   int
		finished  int
		afterStop bool
		stopped   bool
	)
	m.Subscribe(EventStageCompleted, func(ctx context.Context, e Event) error {
		mu.Lock()
		started++
		if stopped {
			afterStop = true
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		finished++
		mu.Unlock()
		return nil
	})

	var publishers sync.WaitGroup
	for i := 0; i < 8; i++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for j := 0; j < 50; j++ {
				m.PublishStageCompleted(context.Background(), "run", "ingest", 0, nil)
			}
		}()
	}

	time.Sleep(2 * time.Millisecond)
	m.Shutdown()

	mu.Lock()
	stopped = true
	assert.Equal(t, started, finished, "Shutdown returned with handlers still running")
	mu.Unlock()

	publishers.Wait()
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, afterStop, "handler started after Shutdown returned")
}
