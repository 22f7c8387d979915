// Package ingest normalizes retrieved raw files into canonical per-run
// archives. One IngestRun call drives a single run through decode and
// write; unit-level problems (missing files, undecodable records) are
// logged and skipped so a batch never aborts halfway.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"

	"github.com/mesonet/ncarens-etl/internal/archive"
	"github.com/mesonet/ncarens-etl/internal/decode"
	"github.com/mesonet/ncarens-etl/internal/domain"
	"github.com/mesonet/ncarens-etl/internal/observability"
	"github.com/mesonet/ncarens-etl/internal/paramtable"
)

// missingThreshold marks upstream missing-data encodings; anything above
// it becomes the fill sentinel.
const missingThreshold = 1e30

// Options selects what one ingestion pass writes.
type Options struct {
	Variables []string
	// UseDiags reads the diagnostics NetCDF files alongside the GRIB output.
	UseDiags bool
	// SkipGrib restricts the pass to diagnostics files only.
	SkipGrib bool
	// DeleteRaw removes a unit's raw files once the unit has been processed.
	DeleteRaw bool
	Mode      archive.Mode
}

// Engine ingests runs. The archive layout always spans the full configured
// member and forecast-hour vocabularies; the requested subset only selects
// which units are visited.
type Engine struct {
	rootDir string
	coords  domain.Coords
	ny, nx  int
	grib1   decode.RawDecoder
	grib2   decode.RawDecoder
	diags   decode.RawDecoder
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool
}

func New(rootDir string, coords domain.Coords, ny, nx int,
	grib1, grib2, diags decode.RawDecoder,
	logger *slog.Logger, metrics *observability.Metrics) *Engine {
	e := &Engine{
		rootDir: rootDir,
		coords:  coords,
		ny:      ny,
		nx:      nx,
		grib1:   grib1,
		grib2:   grib2,
		diags:   diags,
		logger:  logger,
		metrics: metrics,
	}
	e.ready.Store(true)
	return e
}

// CheckReadiness reports whether the engine is wired and able to ingest.
func (e *Engine) CheckReadiness() bool {
	return e.ready.Load()
}

// IngestRun processes one run: opens its archive in the requested mode and
// walks the (member, hour) units, decoding and writing each requested
// variable. The context is checked between units so a batch can be
// interrupted cleanly.
func (e *Engine) IngestRun(ctx context.Context, run domain.Run, members, hours []int, opts Options) error {
	if len(opts.Variables) == 0 {
		e.logger.Warn("no variables requested; nothing to ingest", "run", run.DateToken())
		return nil
	}

	start := domain.Clock().Now()
	defer func() {
		e.metrics.RunIngestDuration.Observe(domain.Clock().Since(start).Seconds())
	}()

	gribDecoder := e.grib2
	table := paramtable.Grib2()
	if run.GribFormat() == domain.FormatLegacyGrib {
		gribDecoder = e.grib1
		table = paramtable.Grib1()
	}

	meta := archive.Meta{
		Init:          run.Init,
		Members:       e.coords.Members,
		ForecastHours: e.coords.ForecastHours,
		NY:            e.ny,
		NX:            e.nx,
	}
	path := filepath.Join(e.rootDir, run.ArchiveFile())
	b, err := archive.NewBuilder(path, meta, e.varSpecs(opts.Variables, table), opts.Mode, e.logger)
	if errors.Is(err, archive.ErrExists) {
		e.logger.Info("archive exists; skipping run", "run", run.DateToken(), "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: run %s: %w", run.DateToken(), err)
	}

	for _, member := range members {
		mi, ok := e.coords.MemberIndex(member)
		if !ok {
			e.logger.Warn("member outside configured vocabulary; skipping", "member", member)
			continue
		}
		for _, hour := range hours {
			hi, ok := e.coords.HourIndex(hour)
			if !ok {
				e.logger.Warn("forecast hour outside configured vocabulary; skipping", "hour", hour)
				continue
			}
			if ctx.Err() != nil {
				b.Close()
				return ctx.Err()
			}
			e.ingestUnit(ctx, run, b, gribDecoder, member, hour, mi, hi, opts)
		}
	}

	if err := b.Close(); err != nil {
		return fmt.Errorf("ingest: run %s: %w", run.DateToken(), err)
	}
	if b.Deleted() {
		e.metrics.ArchivesDeleted.Inc()
	} else {
		e.metrics.ArchivesCompleted.Inc()
	}
	return nil
}

// varSpecs carries table metadata into the archive header. A variable
// missing from the run's table generation may still arrive from the
// diagnostics files, so it keeps a bare spec; the other generation's table
// supplies attributes when it knows the name.
func (e *Engine) varSpecs(variables []string, table []paramtable.Row) []archive.VarSpec {
	specs := make([]archive.VarSpec, 0, len(variables))
	for _, name := range variables {
		row, ok := paramtable.Lookup(table, name)
		if !ok {
			row, ok = paramtable.Lookup(paramtable.Grib2(), name)
		}
		if !ok {
			row, _ = paramtable.Lookup(paramtable.Grib1(), name)
		}
		specs = append(specs, archive.VarSpec{Name: name, LongName: row.LongName, Units: row.Units})
	}
	return specs
}

// ingestUnit handles one (member, hour): raw-file resolution, lazy
// geometry initialization, decode, and write.
func (e *Engine) ingestUnit(ctx context.Context, run domain.Run, b *archive.Builder,
	gribDecoder decode.RawDecoder, member, hour, mi, hi int, opts Options) {

	log := e.logger.With("run", run.DateToken(), "member", member, "hour", hour)

	gribPath, gribErr := resolveRaw(filepath.Join(e.rootDir, run.GribFile(member, hour)))
	var diagsPath string
	diagsErr := errors.New("diagnostics not requested")
	if opts.UseDiags {
		diagsPath, diagsErr = resolveRaw(filepath.Join(e.rootDir, run.DiagsFile(member, hour)))
	}

	if !b.CoordsReady() {
		e.initGeometry(ctx, b, log, gribDecoder, gribPath, gribErr, diagsPath, diagsErr)
	}
	if !b.CoordsReady() {
		log.Warn("no grid geometry available yet; skipping unit")
		return
	}

	if !opts.SkipGrib {
		switch {
		case gribErr != nil:
			log.Warn("raw file not found; skipping", "error", gribErr)
		default:
			e.decodeAndWrite(ctx, b, log, gribDecoder, gribPath, mi, hi, opts.Variables)
		}
	}
	if opts.UseDiags {
		if diagsErr != nil {
			log.Warn("diagnostics file not found; skipping", "error", diagsErr)
		} else {
			e.decodeAndWrite(ctx, b, log, e.diags, diagsPath, mi, hi, opts.Variables)
		}
	}

	if opts.DeleteRaw {
		if gribErr == nil {
			os.Remove(gribPath)
		}
		if opts.UseDiags && diagsErr == nil {
			os.Remove(diagsPath)
		}
	}
}

// initGeometry tries the GRIB file first and falls back to diagnostics.
// Legacy GRIB carries no per-cell coordinates, so early legacy units may
// leave the archive uninitialized until a diagnostics file shows up.
func (e *Engine) initGeometry(ctx context.Context, b *archive.Builder, log *slog.Logger,
	gribDecoder decode.RawDecoder, gribPath string, gribErr error, diagsPath string, diagsErr error) {

	type source struct {
		decoder decode.RawDecoder
		path    string
		err     error
	}
	for _, s := range []source{
		{gribDecoder, gribPath, gribErr},
		{e.diags, diagsPath, diagsErr},
	} {
		if s.err != nil {
			continue
		}
		lat, lon, err := s.decoder.Geometry(ctx, s.path)
		if errors.Is(err, decode.ErrNoGeometry) {
			continue
		}
		if err != nil {
			log.Warn("reading grid geometry failed", "format", s.decoder.Kind(), "error", err)
			continue
		}
		if len(lat) != e.ny*e.nx {
			log.Warn("grid geometry has unexpected size",
				"format", s.decoder.Kind(), "cells", len(lat), "want", e.ny*e.nx)
			continue
		}
		if err := b.InitCoords(lat, lon); err != nil {
			log.Error("initializing archive coordinates failed", "error", err)
			return
		}
		log.Info("grid geometry initialized", "format", s.decoder.Kind())
		return
	}
}

func (e *Engine) decodeAndWrite(ctx context.Context, b *archive.Builder, log *slog.Logger,
	decoder decode.RawDecoder, path string, mi, hi int, variables []string) {

	fields, err := decoder.Decode(ctx, path, variables)
	if err != nil {
		log.Warn("decode failed; skipping file", "format", decoder.Kind(), "error", err)
		e.metrics.DecodeErrors.Inc()
		return
	}
	for _, f := range fields {
		if len(f.Values) != e.ny*e.nx {
			log.Warn("decoded field has unexpected size",
				"variable", f.Name, "cells", len(f.Values), "want", e.ny*e.nx)
			e.metrics.DecodeErrors.Inc()
			continue
		}
		for i, v := range f.Values {
			if v > missingThreshold {
				f.Values[i] = archive.FillValue
			}
		}
		if err := b.WriteField(f.Name, mi, hi, f.Values); err != nil {
			log.Warn("writing field failed", "variable", f.Name, "error", err)
			e.metrics.DecodeErrors.Inc()
			continue
		}
		e.metrics.FieldsWritten.Inc()
	}
}

// resolveRaw finds a raw file on disk, decompressing a leftover .gz copy
// in place when that is the only form present.
func resolveRaw(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	gzPath := path + ".gz"
	if _, err := os.Stat(gzPath); err != nil {
		return "", fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}
	if err := gunzip(gzPath, path); err != nil {
		return "", fmt.Errorf("decompress %s: %w", gzPath, err)
	}
	return path, nil
}

func gunzip(gzPath, outPath string) error {
	in, err := os.Open(gzPath)
	if err != nil {
		return err
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return err
	}
	defer zr.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, zr); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(gzPath)
}
