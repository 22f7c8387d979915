package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/mesonet/ncarens-etl/internal/adapter/http"
	"github.com/mesonet/ncarens-etl/internal/adapter/rda"
	"github.com/mesonet/ncarens-etl/internal/archive"
	"github.com/mesonet/ncarens-etl/internal/config"
	"github.com/mesonet/ncarens-etl/internal/dataset"
	"github.com/mesonet/ncarens-etl/internal/decode"
	"github.com/mesonet/ncarens-etl/internal/domain"
	"github.com/mesonet/ncarens-etl/internal/ingest"
	"github.com/mesonet/ncarens-etl/internal/observability"
	"github.com/mesonet/ncarens-etl/internal/planner"
)

func main() {
	jobPath := flag.String("job", "", "path to the TOML job file describing the batch")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	if *jobPath == "" {
		logger.Error("missing -job flag")
		os.Exit(2)
	}
	job, err := config.LoadJob(*jobPath)
	if err != nil {
		logger.Error("failed to load job file", "path", *jobPath, "error", err)
		os.Exit(1)
	}
	dates, err := job.InitDates()
	if err != nil {
		logger.Error("failed to parse job dates", "error", err)
		os.Exit(1)
	}

	members := job.Members
	if len(members) == 0 {
		members = cfg.Members
	}
	hours := job.ForecastHours
	if len(hours) == 0 {
		hours = cfg.ForecastHours
	}
	mode := archive.Append
	switch job.Mode {
	case "overwrite":
		mode = archive.Overwrite
	case "skip":
		mode = archive.SkipExisting
	}

	coords := domain.Coords{Members: cfg.Members, ForecastHours: cfg.ForecastHours}

	client, err := rda.NewClient(cfg.LoginURL, cfg.DataURL, cfg.FetchRetryPause, logger)
	if err != nil {
		logger.Error("failed to build archive client", "error", err)
		os.Exit(1)
	}
	ds := dataset.New(cfg.RootDir, logger)
	plan := planner.New(cfg.RootDir, coords, client, ds,
		cfg.RDAUsername, cfg.RDAPassword, logger, metrics)

	engine := ingest.New(cfg.RootDir, coords, cfg.GridNY, cfg.GridNX,
		decode.NewGrib1Decoder(cfg.Wgrib1Path, logger),
		decode.NewGrib2Decoder(cfg.Wgrib2Path, logger),
		decode.NewDiagsDecoder(logger),
		logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	metrics.BatchRunning.Set(1)
	batchErr := runBatch(ctx, logger, plan, engine, ds, dates, members, hours, job, mode)
	metrics.BatchRunning.Set(0)
	if batchErr != nil && !errors.Is(batchErr, context.Canceled) {
		logger.Error("batch failed", "error", batchErr)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	if batchErr != nil {
		os.Exit(1)
	}
}

// runBatch plans, retrieves, and ingests. Per-run ingest failures are
// logged and the batch moves on; only a canceled context or a planning
// failure stops it.
func runBatch(ctx context.Context, logger *slog.Logger, plan *planner.Planner,
	engine *ingest.Engine, ds *dataset.Dataset,
	dates []time.Time, members, hours []int, job *config.Job, mode archive.Mode) error {

	items, err := plan.Plan(dates, members, hours, job.WithDiags)
	if err != nil {
		return err
	}
	logger.Info("plan built", "files", len(items), "dates", len(dates))

	if err := plan.Retrieve(ctx, items); err != nil {
		return err
	}

	opts := ingest.Options{
		Variables: job.Variables,
		UseDiags:  job.WithDiags,
		SkipGrib:  job.SkipGrib,
		DeleteRaw: job.DeleteRaw,
		Mode:      mode,
	}
	var failed int
	for _, init := range ds.InitDates() {
		if err := ctx.Err(); err != nil {
			return err
		}
		run := domain.NewRun(init)
		logger.Info("ingesting run", "run", run.DateToken())
		if err := engine.IngestRun(ctx, run, members, hours, opts); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.Error("run ingest failed; continuing", "run", run.DateToken(), "error", err)
			failed++
		}
	}
	if failed > 0 {
		logger.Warn("batch finished with failures", "failed_runs", failed)
	}
	return nil
}
