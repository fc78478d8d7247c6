// Command runner executes one pipeline stage and prints its summary as JSON.
// It is meant for schedulers that exec a binary instead of calling HTTP.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"offer-catalog-engine/internal/app"
	"offer-catalog-engine/internal/config"
	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/service"
	"offer-catalog-engine/internal/validation"
)

func main() {
	defaults := validation.DefaultParams()

	configFile := flag.String("config", "", "Optional YAML or JSON config file")
	stage := flag.String("stage", service.StagePipeline, "ingest | winners | maintenance | pipeline")
	nowFlag := flag.String("now", "", "RFC3339 instant to run as (default: wall clock)")
	sourceCap := flag.Int("source-cap", defaults.Caps.Source, "Active winners per source")
	categoryCap := flag.Int("category-cap", defaults.Caps.Category, "Active winners per category")
	merchantCap := flag.Int("merchant-cap", defaults.Caps.Merchant, "Active winners per merchant")
	merchantCategoryCap := flag.Int("merchant-category-cap", defaults.Caps.MerchantCategory, "Active winners per merchant and category")
	categoryBandCap := flag.Int("category-band-cap", defaults.Caps.CategoryBand, "Active winners per category band")
	staleDays := flag.Int("stale-days", defaults.StaleDays, "Deactivate offers unseen for this many days")
	cooldownDays := flag.Int("cooldown-days", defaults.CooldownDays, "Clear tiers of offers unseen for this many days")
	linkCheckLimit := flag.Int("link-check-limit", defaults.LinkCheckLimit, "Active offers to probe per run")
	headTimeoutMs := flag.Int("head-timeout-ms", defaults.HeadTimeoutMs, "Per-probe timeout in milliseconds")
	ingestLimit := flag.Int("limit", defaults.IngestLimit, "Rows fetched per source")
	flag.Parse()

	var p validation.Params
	p.Caps.Source = *sourceCap
	p.Caps.Category = *categoryCap
	p.Caps.Merchant = *merchantCap
	p.Caps.MerchantCategory = *merchantCategoryCap
	p.Caps.CategoryBand = *categoryBandCap
	p.StaleDays = *staleDays
	p.CooldownDays = *cooldownDays
	p.LinkCheckLimit = *linkCheckLimit
	p.HeadTimeoutMs = *headTimeoutMs
	p.IngestLimit = *ingestLimit
	p = p.Clamp()

	var opts app.Options
	if *nowFlag != "" {
		now, err := validation.ValidateTimeString(validation.SanitizeString(*nowFlag))
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -now: %v\n", err)
			os.Exit(2)
		}
		opts.Now = func() time.Time { return now.UTC() }
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg, log, opts)
	if err != nil {
		log.Error("failed to initialize application", "error", err)
		log.Sync()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, application.Service, *stage, p)
	stop()
	application.Close()
	os.Exit(code)
}

func run(ctx context.Context, svc *service.Service, stage string, p validation.Params) int {
	start := time.Now()

	var (
		summary interface{}
		err     error
	)
	switch stage {
	case service.StageIngest:
		summary, err = svc.RunIngest(ctx, p)
	case service.StageWinners:
		summary, err = svc.RunWinners(ctx, p)
	case service.StageMaintenance:
		summary, err = svc.RunMaintenance(ctx, p)
	case service.StagePipeline:
		summary, err = svc.RunPipeline(ctx, p)
	default:
		fmt.Fprintf(os.Stderr, "%v: %q\n", service.ErrUnknownStage, stage)
		return 2
	}

	out := map[string]interface{}{
		"ok":      err == nil,
		"tookMs":  time.Since(start).Milliseconds(),
		"stage":   stage,
		"summary": summary,
	}
	if err != nil {
		out["error"] = err.Error()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(out); encErr != nil {
		fmt.Fprintf(os.Stderr, "encode summary: %v\n", encErr)
		return 1
	}
	if err != nil {
		return 1
	}
	return 0
}
