// Package dataset gives read access to a collection of processed per-run
// archives as one logical dataset keyed by initialization date.
package dataset

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"

	"github.com/mesonet/ncarens-etl/internal/archive"
	"github.com/mesonet/ncarens-etl/internal/domain"
	"github.com/mesonet/ncarens-etl/internal/spatial"
)

var (
	// ErrNoInitDates is returned by Open when no initialization dates have
	// been registered.
	ErrNoInitDates = errors.New("no initialization dates registered")
	// ErrNotOpen is returned by operations that need Open to have succeeded.
	ErrNotOpen = errors.New("dataset not open")
	// ErrUnknownCoordinate is returned by Field for an unregistered init
	// date or an out-of-vocabulary member or forecast hour.
	ErrUnknownCoordinate = errors.New("unknown coordinate value")
)

// runHandle is one opened per-run archive.
type runHandle struct {
	run     domain.Run
	osFile  *os.File
	file    *cdf.File
	members []int32
	fhours  []int32
}

// Dataset collects processed archives. Register the wanted init dates
// (the planner does this for retrieved runs), then Open and query.
type Dataset struct {
	rootDir string
	logger  *slog.Logger

	initDates []time.Time
	handles   []runHandle
	open      bool

	ny, nx    int
	variables []string
	lat, lon  []float64
	grid      *spatial.Grid
}

func New(rootDir string, logger *slog.Logger) *Dataset {
	return &Dataset{rootDir: rootDir, logger: logger}
}

// RegisterInitDate adds one initialization date, preserving insertion
// order and dropping duplicates.
func (d *Dataset) RegisterInitDate(init time.Time) {
	init = init.UTC()
	for _, existing := range d.initDates {
		if existing.Equal(init) {
			return
		}
	}
	d.initDates = append(d.initDates, init)
}

// InitDates returns the registered dates in insertion order.
func (d *Dataset) InitDates() []time.Time {
	out := make([]time.Time, len(d.initDates))
	copy(out, d.initDates)
	return out
}

// Open opens the archive of every registered date and verifies they share
// one grid shape. All archives must exist; a missing one fails the open.
func (d *Dataset) Open() error {
	if len(d.initDates) == 0 {
		return fmt.Errorf("dataset: %w", ErrNoInitDates)
	}
	if d.open {
		return errors.New("dataset: already open")
	}

	for _, init := range d.initDates {
		h, err := d.openRun(domain.NewRun(init))
		if err != nil {
			d.closeHandles()
			return err
		}
		d.handles = append(d.handles, h)
		d.logger.Debug("opened archive", "run", h.run.DateToken())
	}
	d.open = true
	return nil
}

func (d *Dataset) openRun(run domain.Run) (runHandle, error) {
	path := filepath.Join(d.rootDir, run.ArchiveFile())
	f, err := os.Open(path)
	if err != nil {
		return runHandle{}, fmt.Errorf("dataset: %w", err)
	}
	cf, err := cdf.Open(f)
	if err != nil {
		f.Close()
		return runHandle{}, fmt.Errorf("dataset: open %s: %w", path, err)
	}

	lens := cf.Header.Lengths("latitude")
	if len(lens) != 2 {
		f.Close()
		return runHandle{}, fmt.Errorf("dataset: %s: latitude is not 2-D", path)
	}
	ny, nx := lens[0], lens[1]
	if d.ny == 0 {
		d.ny, d.nx = ny, nx
	} else if ny != d.ny || nx != d.nx {
		f.Close()
		return runHandle{}, fmt.Errorf("dataset: %s: grid %dx%d does not match %dx%d",
			path, ny, nx, d.ny, d.nx)
	}

	h := runHandle{run: run, osFile: f, file: cf}
	h.members = make([]int32, cf.Header.Lengths("member")[0])
	r := cf.Reader("member", nil, nil)
	if _, err := r.Read(h.members); err != nil {
		f.Close()
		return runHandle{}, fmt.Errorf("dataset: %s: %w", path, err)
	}
	h.fhours = make([]int32, cf.Header.Lengths("fhour")[0])
	r = cf.Reader("fhour", nil, nil)
	if _, err := r.Read(h.fhours); err != nil {
		f.Close()
		return runHandle{}, fmt.Errorf("dataset: %s: %w", path, err)
	}

	for _, v := range cf.Header.Variables() {
		if !archive.IsCoordinate(v) && !containsString(d.variables, v) {
			d.variables = append(d.variables, v)
		}
	}
	return h, nil
}

// Variables lists the data variables present across the open archives.
func (d *Dataset) Variables() ([]string, error) {
	if !d.open {
		return nil, fmt.Errorf("dataset: %w", ErrNotOpen)
	}
	out := make([]string, len(d.variables))
	copy(out, d.variables)
	return out, nil
}

// Field reads the 2-D field of one variable at an initialization date,
// forecast hour, and member.
func (d *Dataset) Field(variable string, initDate time.Time, hour, member int) (*sparse.DenseArray, error) {
	if !d.open {
		return nil, fmt.Errorf("dataset: %w", ErrNotOpen)
	}
	h, err := d.handleFor(initDate)
	if err != nil {
		return nil, err
	}
	if !containsString(varList(h.file), variable) {
		return nil, fmt.Errorf("dataset: variable %s not in archive %s", variable, h.run.DateToken())
	}
	mi := indexOf(h.members, int32(member))
	if mi < 0 {
		return nil, fmt.Errorf("dataset: member %d: %w", member, ErrUnknownCoordinate)
	}
	hi := indexOf(h.fhours, int32(hour))
	if hi < 0 {
		return nil, fmt.Errorf("dataset: forecast hour %d: %w", hour, ErrUnknownCoordinate)
	}

	buf := make([]float32, d.ny*d.nx)
	r := h.file.Reader(variable, []int{0, mi, hi, 0, 0}, []int{1, mi + 1, hi + 1, 0, 0})
	if _, err := r.Read(buf); err != nil {
		return nil, fmt.Errorf("dataset: read %s from %s: %w", variable, h.run.DateToken(), err)
	}

	out := sparse.ZerosDense(d.ny, d.nx)
	for i, v := range buf {
		out.Elements[i] = float64(v)
	}
	return out, nil
}

// Lat returns the per-cell latitudes in row-major order.
func (d *Dataset) Lat() ([]float64, error) {
	if err := d.loadGeometry(); err != nil {
		return nil, err
	}
	return d.lat, nil
}

// Lon returns the per-cell longitudes in row-major order.
func (d *Dataset) Lon() ([]float64, error) {
	if err := d.loadGeometry(); err != nil {
		return nil, err
	}
	return d.lon, nil
}

// Grid returns the spatial index for the shared grid, built lazily and
// cached until Close.
func (d *Dataset) Grid() (*spatial.Grid, error) {
	if d.grid != nil {
		return d.grid, nil
	}
	if err := d.loadGeometry(); err != nil {
		return nil, err
	}
	g, err := spatial.NewGrid(d.lat, d.lon, d.ny, d.nx)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	d.grid = g
	return g, nil
}

// Close releases every archive handle and drops cached geometry.
func (d *Dataset) Close() error {
	if !d.open {
		return fmt.Errorf("dataset: %w", ErrNotOpen)
	}
	d.closeHandles()
	d.open = false
	d.grid = nil
	d.lat, d.lon = nil, nil
	d.variables = nil
	d.ny, d.nx = 0, 0
	return nil
}

func (d *Dataset) closeHandles() {
	for _, h := range d.handles {
		h.osFile.Close()
	}
	d.handles = nil
}

func (d *Dataset) loadGeometry() error {
	if !d.open {
		return fmt.Errorf("dataset: %w", ErrNotOpen)
	}
	if d.lat != nil {
		return nil
	}
	h := d.handles[0]
	n := d.ny * d.nx
	for _, v := range []string{"latitude", "longitude"} {
		buf := make([]float32, n)
		r := h.file.Reader(v, nil, nil)
		if _, err := r.Read(buf); err != nil {
			return fmt.Errorf("dataset: read %s: %w", v, err)
		}
		out := make([]float64, n)
		for i, val := range buf {
			out[i] = float64(val)
		}
		if v == "latitude" {
			d.lat = out
		} else {
			d.lon = out
		}
	}
	return nil
}

func (d *Dataset) handleFor(initDate time.Time) (*runHandle, error) {
	initDate = initDate.UTC()
	for i := range d.handles {
		if d.handles[i].run.Init.Equal(initDate) {
			return &d.handles[i], nil
		}
	}
	return nil, fmt.Errorf("dataset: init date %s: %w",
		initDate.Format(time.RFC3339), ErrUnknownCoordinate)
}

func varList(f *cdf.File) []string {
	return f.Header.Variables()
}

func indexOf(list []int32, v int32) int {
	for i, x := range list {
		if x == v {
			return i
		}
	}
	return -1
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
