package sweeper

import (
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/models"
)

// DefaultProbeConcurrency bounds parallel HEAD checks.
const DefaultProbeConcurrency = 8

// ProbeResult is the outcome of one HEAD check. Status is 0 when the request
// did not produce a response.
type ProbeResult struct {
	Target models.ProbeTarget
	Status int
	Err    error
}

// DeadReason maps a probe result to a retirement reason. Only 404 and 410
// are conclusive.
func (r ProbeResult) DeadReason() (models.DeadReason, bool) {
	switch r.Status {
	case http.StatusNotFound:
		return models.DeadHTTP404, true
	case http.StatusGone:
		return models.DeadHTTP410, true
	}
	return "", false
}

// Prober issues HEAD requests with bounded concurrency.
type Prober struct {
	client      *http.Client
	concurrency int
	userAgent   string
	logger      *logger.Logger
}

// NewProber creates a prober. A nil client uses a redirect-following
// http.Client; per-request timeouts are applied through the context.
func NewProber(client *http.Client, concurrency int, userAgent string, log *logger.Logger) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	if concurrency <= 0 {
		concurrency = DefaultProbeConcurrency
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Prober{client: client, concurrency: concurrency, userAgent: userAgent, logger: log}
}

// Probe checks every target and returns results in target order.
func (p *Prober) Probe(ctx context.Context, targets []models.ProbeTarget, timeout time.Duration) []ProbeResult {
	results := make([]ProbeResult, len(targets))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = p.check(ctx, target, timeout)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (p *Prober) check(ctx context.Context, target models.ProbeTarget, timeout time.Duration) ProbeResult {
	result := ProbeResult{Target: target}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, target.URL, nil)
	if err != nil {
		result.Err = err
		return result
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		result.Err = err
		return result
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	result.Status = resp.StatusCode
	return result
}
