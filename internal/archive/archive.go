// Package archive reads and writes the canonical per-run NetCDF archives.
//
// One archive holds every requested variable of a single ensemble run as a
// 5-D float32 array over (time, member, fhour, south_north, west_east),
// where time is an unlimited record dimension of length one (the
// initialization instant). Coordinate variables are written once when the
// grid geometry first becomes available and never rewritten.
//
// The NetCDF classic header is immutable after creation, so "creating a
// variable slot lazily" takes the form of defining slots for every
// requested variable at geometry time and tracking which slots actually
// received data. An archive whose builder is closed with zero populated
// slots is deleted rather than persisted as an empty shell.
package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ctessum/cdf"
)

// FillValue is the sentinel for absent cells, the NetCDF default float fill.
const FillValue float32 = 9.96921e36

// Mode selects how the builder treats an existing archive file.
type Mode int

const (
	// Overwrite deletes any existing archive and starts fresh.
	Overwrite Mode = iota
	// Append reuses an existing archive's coordinate state and writes into
	// it; absent requested variables trigger a rebuild with a union header.
	Append
	// SkipExisting aborts the run's ingestion when the archive exists,
	// for idempotent batch reruns.
	SkipExisting
)

// ErrExists is returned by NewBuilder in SkipExisting mode when the archive
// file is already present.
var ErrExists = errors.New("archive already exists")

// Dimension and coordinate-variable names shared by all archives.
const (
	dimTime   = "time"
	dimMember = "member"
	dimHour   = "fhour"
	dimY      = "south_north"
	dimX      = "west_east"

	varLat = "latitude"
	varLon = "longitude"
)

var coordinateVars = map[string]bool{
	dimTime: true, dimMember: true, dimHour: true, varLat: true, varLon: true,
}

// IsCoordinate reports whether a variable name is one of the archive's
// coordinate variables rather than a data variable.
func IsCoordinate(name string) bool {
	return coordinateVars[name]
}

// VarSpec describes one requested data variable.
type VarSpec struct {
	Name     string
	LongName string
	Units    string
}

// Meta fixes an archive's coordinate layout at creation time.
type Meta struct {
	Init          time.Time
	Members       []int
	ForecastHours []int
	NY, NX        int
}

// Builder drives one archive through
// absent -> created -> coords-initialized -> populated -> closed.
type Builder struct {
	path      string
	meta      Meta
	requested []VarSpec
	logger    *slog.Logger

	osFile      *os.File
	file        *cdf.File
	coordsReady bool
	populated   map[string]bool
	// preexisting is true in append mode: the archive already held data and
	// must never be deleted on close.
	preexisting bool
}

// NewBuilder opens or creates the archive for one run. In Append mode with
// an existing file the coordinate state is reused (and the file is rebuilt
// with a union header if new variables were requested); otherwise the
// archive stays absent until InitCoords supplies the grid geometry.
func NewBuilder(path string, meta Meta, requested []VarSpec, mode Mode, logger *slog.Logger) (*Builder, error) {
	if len(requested) == 0 {
		return nil, errors.New("archive: no variables requested")
	}
	b := &Builder{
		path:      path,
		meta:      meta,
		requested: requested,
		logger:    logger,
		populated: make(map[string]bool),
	}

	_, err := os.Stat(path)
	switch {
	case err == nil:
		switch mode {
		case SkipExisting:
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		case Overwrite:
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("archive: remove %s: %w", path, err)
			}
		case Append:
			if err := b.reopen(); err != nil {
				return nil, err
			}
		}
	case os.IsNotExist(err):
		// Stays absent until InitCoords.
	default:
		return nil, fmt.Errorf("archive: stat %s: %w", path, err)
	}

	return b, nil
}

// CoordsReady reports whether the archive file exists with its coordinate
// variables written.
func (b *Builder) CoordsReady() bool {
	return b.coordsReady
}

// InitCoords creates the archive file, writes the coordinate variables, and
// prefills every requested variable slot with the fill sentinel. The lat
// and lon arrays are row-major ny*nx.
func (b *Builder) InitCoords(lat, lon []float64) error {
	if b.coordsReady {
		return nil
	}
	n := b.meta.NY * b.meta.NX
	if len(lat) != n || len(lon) != n {
		return fmt.Errorf("archive: geometry arrays must have %d values, got %d and %d", n, len(lat), len(lon))
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	h := b.newHeader(varNames(b.requested))
	h.Define()
	errs := h.Check()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("archive: header: %w", err)
		}
	}

	f, err := os.Create(b.path)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", b.path, err)
	}
	cf, err := cdf.Create(f, h)
	if err != nil {
		f.Close()
		os.Remove(b.path)
		return fmt.Errorf("archive: create %s: %w", b.path, err)
	}
	b.osFile, b.file = f, cf

	if err := b.writeCoords(lat, lon); err != nil {
		return err
	}
	for _, v := range b.requested {
		if err := b.prefill(v.Name); err != nil {
			return err
		}
	}
	b.coordsReady = true
	return nil
}

// newHeader defines the archive layout for the given data-variable names.
// Attributes for each data variable come from the requested specs.
func (b *Builder) newHeader(dataVars []string) *cdf.Header {
	h := cdf.NewHeader(
		[]string{dimTime, dimMember, dimHour, dimY, dimX},
		[]int{0, len(b.meta.Members), len(b.meta.ForecastHours), b.meta.NY, b.meta.NX},
	)
	h.AddAttribute("", "description",
		fmt.Sprintf("Selected variables from the NCAR ensemble initialized at %s",
			b.meta.Init.Format(time.RFC3339)))

	h.AddVariable(dimTime, []string{dimTime}, []float64{0})
	h.AddAttribute(dimTime, "long_name", "Model initialization time")
	h.AddAttribute(dimTime, "units", "hours since 1970-01-01 00:00:00")

	h.AddVariable(dimMember, []string{dimMember}, []int32{0})
	h.AddAttribute(dimMember, "long_name", "Ensemble member number identifier")

	h.AddVariable(dimHour, []string{dimHour}, []int32{0})
	h.AddAttribute(dimHour, "long_name", "Forecast hour")
	h.AddAttribute(dimHour, "units", "hours")

	h.AddVariable(varLat, []string{dimY, dimX}, []float32{0})
	h.AddAttribute(varLat, "long_name", "Latitude")
	h.AddAttribute(varLat, "units", "degrees_north")

	h.AddVariable(varLon, []string{dimY, dimX}, []float32{0})
	h.AddAttribute(varLon, "long_name", "Longitude")
	h.AddAttribute(varLon, "units", "degrees_east")

	for _, name := range dataVars {
		h.AddVariable(name, []string{dimTime, dimMember, dimHour, dimY, dimX}, []float32{0})
		h.AddAttribute(name, "_FillValue", []float32{FillValue})
		if spec, ok := findSpec(b.requested, name); ok {
			if spec.LongName != "" {
				h.AddAttribute(name, "long_name", spec.LongName)
			}
			if spec.Units != "" {
				h.AddAttribute(name, "units", spec.Units)
			}
		}
	}

	return h
}

func (b *Builder) writeCoords(lat, lon []float64) error {
	hours := float64(b.meta.Init.Unix()) / 3600.0
	if err := b.write(dimTime, []int{0}, []int{1}, []float64{hours}); err != nil {
		return err
	}

	members := make([]int32, len(b.meta.Members))
	for i, m := range b.meta.Members {
		members[i] = int32(m)
	}
	if err := b.write(dimMember, nil, nil, members); err != nil {
		return err
	}

	fhours := make([]int32, len(b.meta.ForecastHours))
	for i, fh := range b.meta.ForecastHours {
		fhours[i] = int32(fh)
	}
	if err := b.write(dimHour, nil, nil, fhours); err != nil {
		return err
	}

	if err := b.write(varLat, nil, nil, toFloat32(lat)); err != nil {
		return err
	}
	return b.write(varLon, nil, nil, toFloat32(lon))
}

// prefill writes the fill sentinel into every cell of a variable, one
// (member, hour) slice at a time to bound memory.
func (b *Builder) prefill(name string) error {
	fill := make([]float32, b.meta.NY*b.meta.NX)
	for i := range fill {
		fill[i] = FillValue
	}
	for mi := range b.meta.Members {
		for hi := range b.meta.ForecastHours {
			if err := b.writeSlice(name, mi, hi, fill); err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteField stores one decoded 2-D field at the given member and
// forecast-hour positions and marks the variable populated. Writing over an
// already-populated slot overwrites in place.
func (b *Builder) WriteField(name string, memberIdx, hourIdx int, values []float32) error {
	if !b.coordsReady {
		return errors.New("archive: coordinates not initialized")
	}
	if len(values) != b.meta.NY*b.meta.NX {
		return fmt.Errorf("archive: field %s: want %d values, got %d", name, b.meta.NY*b.meta.NX, len(values))
	}
	if memberIdx < 0 || memberIdx >= len(b.meta.Members) || hourIdx < 0 || hourIdx >= len(b.meta.ForecastHours) {
		return fmt.Errorf("archive: field %s: index (%d, %d) outside coordinate layout", name, memberIdx, hourIdx)
	}
	if !hasVariable(b.file, name) {
		return fmt.Errorf("archive: variable %s not defined in %s", name, b.path)
	}
	if err := b.writeSlice(name, memberIdx, hourIdx, values); err != nil {
		return err
	}
	b.populated[name] = true
	return nil
}

// Populated returns the number of data variables that received at least
// one field.
func (b *Builder) Populated() int {
	return len(b.populated)
}

// Close finalizes the archive. An archive that never received a single
// data field (and held none before this session) is deleted; it is
// indistinguishable from one that was never created.
func (b *Builder) Close() error {
	if b.file == nil {
		return nil
	}
	empty := len(b.populated) == 0 && !b.preexisting

	if err := cdf.UpdateNumRecs(b.osFile); err != nil {
		b.osFile.Close()
		return fmt.Errorf("archive: finalize %s: %w", b.path, err)
	}
	if err := b.osFile.Close(); err != nil {
		return fmt.Errorf("archive: close %s: %w", b.path, err)
	}
	b.osFile, b.file = nil, nil

	if empty {
		b.logger.Warn("no variables written; deleting empty archive", "path", b.path)
		if err := os.Remove(b.path); err != nil {
			return fmt.Errorf("archive: remove empty %s: %w", b.path, err)
		}
	}
	return nil
}

// Deleted reports whether Close removed the archive for being empty. Only
// meaningful after Close.
func (b *Builder) Deleted() bool {
	if b.preexisting {
		return false
	}
	if len(b.populated) > 0 {
		return false
	}
	_, err := os.Stat(b.path)
	return os.IsNotExist(err)
}

func (b *Builder) write(name string, begin, end []int, values any) error {
	w := b.file.Writer(name, begin, end)
	// cdf writers report io.EOF when a write lands exactly on the end of a
	// bounded extent; a complete write is a success.
	if _, err := w.Write(values); err != nil && err != io.EOF {
		return fmt.Errorf("archive: write %s: %w", name, err)
	}
	return nil
}

func (b *Builder) writeSlice(name string, memberIdx, hourIdx int, values []float32) error {
	begin := []int{0, memberIdx, hourIdx, 0, 0}
	end := []int{1, memberIdx + 1, hourIdx + 1, 0, 0}
	return b.write(name, begin, end, values)
}

// reopen attaches the builder to an existing archive in append mode. When
// the existing file lacks some requested variables it is rebuilt with a
// union header, copying every populated slice across.
func (b *Builder) reopen() error {
	f, err := os.OpenFile(b.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", b.path, err)
	}
	cf, err := cdf.Open(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("archive: open %s: %w", b.path, err)
	}

	if err := b.checkLayout(cf); err != nil {
		f.Close()
		return err
	}

	var missing []string
	for _, v := range b.requested {
		if !hasVariable(cf, v.Name) {
			missing = append(missing, v.Name)
		}
	}
	if len(missing) > 0 {
		f.Close()
		if err := b.migrate(missing); err != nil {
			return err
		}
	} else {
		b.osFile, b.file = f, cf
	}

	b.coordsReady = true
	b.preexisting = true
	return nil
}

// checkLayout verifies that an existing archive's coordinate dimensions
// match the meta this builder was constructed with.
func (b *Builder) checkLayout(f *cdf.File) error {
	want := map[string]int{
		dimMember: len(b.meta.Members),
		dimHour:   len(b.meta.ForecastHours),
		dimY:      b.meta.NY,
		dimX:      b.meta.NX,
	}
	dims := f.Header.Dimensions(varLat)
	lens := f.Header.Lengths(varLat)
	got := make(map[string]int, len(dims))
	for i, d := range dims {
		got[d] = lens[i]
	}
	dims = f.Header.Dimensions(dimMember)
	lens = f.Header.Lengths(dimMember)
	for i, d := range dims {
		got[d] = lens[i]
	}
	dims = f.Header.Dimensions(dimHour)
	lens = f.Header.Lengths(dimHour)
	for i, d := range dims {
		got[d] = lens[i]
	}
	for name, n := range want {
		if got[name] != n {
			return fmt.Errorf("archive: %s: dimension %s has length %d, want %d",
				b.path, name, got[name], n)
		}
	}
	return nil
}

// migrate rebuilds the archive with the union of its existing data
// variables and the newly requested ones, copying existing contents
// slice by slice.
func (b *Builder) migrate(missing []string) error {
	b.logger.Info("rebuilding archive for new variables",
		"path", b.path, "new_variables", missing)

	oldOS, err := os.Open(b.path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", b.path, err)
	}
	defer oldOS.Close()
	old, err := cdf.Open(oldOS)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", b.path, err)
	}

	var existing []string
	for _, v := range old.Header.Variables() {
		if !IsCoordinate(v) {
			existing = append(existing, v)
		}
	}
	union := append(append([]string{}, existing...), missing...)

	h := b.newUnionHeader(old, union)
	for _, err := range h.Check() {
		if err != nil {
			return fmt.Errorf("archive: union header: %w", err)
		}
	}

	tmp := b.path + ".rebuild"
	newOS, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	nf, err := cdf.Create(newOS, h)
	if err != nil {
		newOS.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive: %w", err)
	}
	b.osFile, b.file = newOS, nf

	if err := b.copyCoords(old); err != nil {
		os.Remove(tmp)
		return err
	}
	n := b.meta.NY * b.meta.NX
	for _, name := range existing {
		for mi := range b.meta.Members {
			for hi := range b.meta.ForecastHours {
				buf := make([]float32, n)
				r := old.Reader(name, []int{0, mi, hi, 0, 0}, []int{1, mi + 1, hi + 1, 0, 0})
				if _, err := r.Read(buf); err != nil {
					os.Remove(tmp)
					return fmt.Errorf("archive: copy %s: %w", name, err)
				}
				if err := b.writeSlice(name, mi, hi, buf); err != nil {
					os.Remove(tmp)
					return err
				}
			}
		}
		b.populated[name] = true
	}
	for _, name := range missing {
		if err := b.prefill(name); err != nil {
			os.Remove(tmp)
			return err
		}
		delete(b.populated, name)
	}

	oldOS.Close()
	if err := cdf.UpdateNumRecs(newOS); err != nil {
		return fmt.Errorf("archive: finalize rebuild: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("archive: replace %s: %w", b.path, err)
	}
	return nil
}

// newUnionHeader builds a header for a migration, carrying attributes for
// pre-existing variables from the old file.
func (b *Builder) newUnionHeader(old *cdf.File, union []string) *cdf.Header {
	h := b.newHeader(union)
	for _, name := range union {
		if _, ok := findSpec(b.requested, name); ok {
			continue
		}
		if v := old.Header.GetAttribute(name, "long_name"); v != nil {
			h.AddAttribute(name, "long_name", v)
		}
		if v := old.Header.GetAttribute(name, "units"); v != nil {
			h.AddAttribute(name, "units", v)
		}
	}
	h.Define()
	return h
}

// copyCoords transfers the coordinate variables from an existing archive
// into the rebuilt one.
func (b *Builder) copyCoords(old *cdf.File) error {
	timeBuf := make([]float64, 1)
	r := old.Reader(dimTime, []int{0}, []int{1})
	if _, err := r.Read(timeBuf); err != nil {
		return fmt.Errorf("archive: copy %s: %w", dimTime, err)
	}
	if err := b.write(dimTime, []int{0}, []int{1}, timeBuf); err != nil {
		return err
	}

	for _, v := range []string{dimMember, dimHour} {
		buf := make([]int32, old.Header.Lengths(v)[0])
		r := old.Reader(v, nil, nil)
		if _, err := r.Read(buf); err != nil {
			return fmt.Errorf("archive: copy %s: %w", v, err)
		}
		if err := b.write(v, nil, nil, buf); err != nil {
			return err
		}
	}
	for _, v := range []string{varLat, varLon} {
		buf := make([]float32, b.meta.NY*b.meta.NX)
		r := old.Reader(v, nil, nil)
		if _, err := r.Read(buf); err != nil {
			return fmt.Errorf("archive: copy %s: %w", v, err)
		}
		if err := b.write(v, nil, nil, buf); err != nil {
			return err
		}
	}
	return nil
}

func varNames(specs []VarSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

func findSpec(specs []VarSpec, name string) (VarSpec, bool) {
	for _, s := range specs {
		if s.Name == name {
			return s, true
		}
	}
	return VarSpec{}, false
}

func hasVariable(f *cdf.File, name string) bool {
	for _, v := range f.Header.Variables() {
		if v == name {
			return true
		}
	}
	return false
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
