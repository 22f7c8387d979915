// Package planner turns a batch request into an ordered download plan and
// executes it against the upstream archive.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mesonet/ncarens-etl/internal/domain"
	"github.com/mesonet/ncarens-etl/internal/observability"
)

// Fetcher is the download session the plan is executed against.
type Fetcher interface {
	Login(ctx context.Context, username, password string) error
	FetchFile(ctx context.Context, remotePath, localPath string) error
}

// Registry receives every in-window initialization date the planner
// accepts, in request order without duplicates.
type Registry interface {
	RegisterInitDate(init time.Time)
}

// FetchItem is one file of the plan. Remote is relative to the archive's
// data root and carries the compression suffix the server uses; Base is the
// local path without that suffix, which is what ingestion looks for.
type FetchItem struct {
	Run    domain.Run
	Remote string
	Local  string
	Base   string
}

type Planner struct {
	rootDir  string
	coords   domain.Coords
	fetcher  Fetcher
	registry Registry
	username string
	password string
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func New(rootDir string, coords domain.Coords, fetcher Fetcher, registry Registry,
	username, password string, logger *slog.Logger, metrics *observability.Metrics) *Planner {
	return &Planner{
		rootDir:  rootDir,
		coords:   coords,
		fetcher:  fetcher,
		registry: registry,
		username: username,
		password: password,
		logger:   logger,
		metrics:  metrics,
	}
}

// Plan selects the raw files for the given dates, members, and forecast
// hours. Out-of-window dates and unknown members or hours are skipped with
// a warning. Each accepted date is registered and gets its local run
// directory created. Legacy-era GRIB comes gzipped, current-era GRIB plain;
// diagnostics files are always gzipped.
func (p *Planner) Plan(dates []time.Time, members, hours []int, withDiags bool) ([]FetchItem, error) {
	var items []FetchItem
	for _, date := range dates {
		run := domain.NewRun(date)
		if !run.InWindow() {
			p.logger.Warn("init date outside data window; skipping",
				"date", run.Init.Format(time.RFC3339),
				"window_start", domain.DataStart.Format("2006-01-02"),
				"window_end", domain.DataEnd.Format("2006-01-02"))
			continue
		}
		p.registry.RegisterInitDate(run.Init)
		if err := os.MkdirAll(filepath.Join(p.rootDir, run.Dir()), 0o755); err != nil {
			return nil, fmt.Errorf("planner: %w", err)
		}

		for _, member := range members {
			if _, ok := p.coords.MemberIndex(member); !ok {
				p.logger.Warn("member outside configured vocabulary; skipping", "member", member)
				continue
			}
			for _, hour := range hours {
				if _, ok := p.coords.HourIndex(hour); !ok {
					p.logger.Warn("forecast hour outside configured vocabulary; skipping", "hour", hour)
					continue
				}
				if withDiags {
					items = append(items, p.item(run, run.DiagsFile(member, hour), ".gz"))
				}
				suffix := ""
				if run.GribFormat() == domain.FormatLegacyGrib {
					suffix = ".gz"
				}
				items = append(items, p.item(run, run.GribFile(member, hour), suffix))
			}
		}
	}
	p.metrics.FilesPlanned.Add(float64(len(items)))
	return items, nil
}

func (p *Planner) item(run domain.Run, relPath, suffix string) FetchItem {
	return FetchItem{
		Run:    run,
		Remote: filepath.ToSlash(relPath) + suffix,
		Local:  filepath.Join(p.rootDir, relPath) + suffix,
		Base:   filepath.Join(p.rootDir, relPath),
	}
}

// Retrieve executes the plan over one authenticated session. Files already
// present locally, compressed or not, are skipped. A file whose fetch fails
// even after the client's retry is logged and abandoned; the rest of the
// plan continues.
func (p *Planner) Retrieve(ctx context.Context, items []FetchItem) error {
	if err := p.fetcher.Login(ctx, p.username, p.password); err != nil {
		return fmt.Errorf("planner: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if localExists(item.Base) {
			p.logger.Debug("local file exists; skipping", "path", item.Base)
			p.metrics.FilesCached.Inc()
			continue
		}

		p.logger.Info("downloading", "remote", item.Remote)
		start := domain.Clock().Now()
		if err := p.fetcher.FetchFile(ctx, item.Remote, item.Local); err != nil {
			p.logger.Warn("download failed; continuing", "remote", item.Remote, "error", err)
			p.metrics.DownloadErrors.Inc()
			continue
		}
		p.metrics.DownloadDuration.Observe(domain.Clock().Since(start).Seconds())
		p.metrics.FilesDownloaded.Inc()
	}
	return nil
}

// localExists reports whether the file is on disk in either its plain or
// gzipped form.
func localExists(base string) bool {
	if _, err := os.Stat(base); err == nil {
		return true
	}
	_, err := os.Stat(base + ".gz")
	return err == nil
}
