package cache

import (
	"context"
	"encoding/json"
	"time"
)

// RunRecord is the last outcome of one stage.
type RunRecord struct {
	Stage      string          `json:"stage"`
	RunID      string          `json:"run_id"`
	OK         bool            `json:"ok"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}

// RunStore keeps the latest RunRecord per stage.
type RunStore struct {
	cache Cache
	ttl   time.Duration
}

// NewRunStore wraps cache. ttl bounds how long a record is kept.
func NewRunStore(c Cache, ttl time.Duration) *RunStore {
	return &RunStore{cache: c, ttl: ttl}
}

func runKey(stage string) string {
	return "runs:latest:" + stage
}

// Record stores rec as the latest run of its stage.
func (s *RunStore) Record(ctx context.Context, rec RunRecord) error {
	return SetJSON(ctx, s.cache, runKey(rec.Stage), rec, s.ttl)
}

// Latest returns the last recorded run of stage, or ErrNotFound.
func (s *RunStore) Latest(ctx context.Context, stage string) (RunRecord, error) {
	var rec RunRecord
	if err := GetJSON(ctx, s.cache, runKey(stage), &rec); err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}
