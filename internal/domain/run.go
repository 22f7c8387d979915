package domain

import (
	"fmt"
	"path/filepath"
	"time"
)

// Format identifies which raw source format a file is in. It is selected
// once per run from the initialization date, never re-derived per file.
type Format int

const (
	// FormatLegacyGrib is GRIB edition 1, used for runs before GribCutover.
	FormatLegacyGrib Format = iota
	// FormatCurrentGrib is GRIB edition 2, used from GribCutover onward.
	FormatCurrentGrib
	// FormatDiagnostics is the model-diagnostics NetCDF file published
	// alongside the GRIB output for legacy-era runs.
	FormatDiagnostics
)

func (f Format) String() string {
	switch f {
	case FormatLegacyGrib:
		return "grib1"
	case FormatCurrentGrib:
		return "grib2"
	case FormatDiagnostics:
		return "diags"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Bounds of the upstream archive. DataStart is 2015-04-21 because earlier
// runs are missing GRIB variables.
var (
	DataStart   = time.Date(2015, time.April, 21, 0, 0, 0, 0, time.UTC)
	DataEnd     = time.Date(2017, time.December, 31, 0, 0, 0, 0, time.UTC)
	GribCutover = time.Date(2015, time.September, 1, 0, 0, 0, 0, time.UTC)
)

// Run is one ensemble forecast cycle, identified by its initialization time.
type Run struct {
	Init time.Time
}

// NewRun returns the run for the given initialization time, normalized to UTC.
func NewRun(init time.Time) Run {
	return Run{Init: init.UTC()}
}

// InWindow reports whether the run falls inside the upstream archive's
// valid date range.
func (r Run) InWindow() bool {
	return !r.Init.Before(DataStart) && !r.Init.After(DataEnd)
}

// GribFormat returns the GRIB generation for this run's date.
func (r Run) GribFormat() Format {
	if r.Init.Before(GribCutover) {
		return FormatLegacyGrib
	}
	return FormatCurrentGrib
}

// DateToken is the yyyymmddhh token naming this run's files and its
// processed archive.
func (r Run) DateToken() string {
	return r.Init.Format("2006010215")
}

// Dir is the run's directory relative to the archive root, mirroring the
// server layout (<year>/<yyyymmdd>).
func (r Run) Dir() string {
	return filepath.Join(r.Init.Format("2006"), r.Init.Format("20060102"))
}

// GribFile is the run-relative path of the GRIB file for one member and
// forecast hour, without any compression suffix.
func (r Run) GribFile(member, hour int) string {
	name := fmt.Sprintf("ncar_3km_%s_mem%d_f%03d.grb", r.DateToken(), member, hour)
	if r.GribFormat() == FormatCurrentGrib {
		name += "2"
	}
	return filepath.Join(r.Dir(), name)
}

// DiagsFile is the run-relative path of the diagnostics NetCDF file for one
// member and forecast hour.
func (r Run) DiagsFile(member, hour int) string {
	return filepath.Join(r.Dir(), fmt.Sprintf("diags_d02_%s_mem_%d_f%03d.nc", r.DateToken(), member, hour))
}

// ArchiveFile is the run's processed archive path relative to the root.
func (r Run) ArchiveFile() string {
	return filepath.Join("processed", r.DateToken()+".nc")
}
