// Package decode extracts 2-D fields and grid geometry from the raw file
// formats the upstream archive serves: GRIB edition 1, GRIB edition 2, and
// model-diagnostics NetCDF.
//
// GRIB records are not decoded natively. The two GRIB decoders shell out to
// the wgrib and wgrib2 utilities, parse their inventory listings to locate
// the requested records, and read the dumped binary float arrays. The
// diagnostics decoder reads NetCDF directly.
package decode

import (
	"context"
	"errors"
)

// ErrNoGeometry is returned by Geometry when a format cannot supply
// per-cell latitudes and longitudes, and the caller must obtain the grid
// from some other file of the same run.
var ErrNoGeometry = errors.New("format carries no usable grid geometry")

// DecodedField is one extracted 2-D field in the file's native raster order.
type DecodedField struct {
	Name     string
	LongName string
	Units    string
	Values   []float32
}

// RawDecoder extracts fields from one raw file format. Implementations
// return only the variables they could locate; a requested variable with no
// matching record is skipped, not an error.
type RawDecoder interface {
	// Kind names the format for logs.
	Kind() string
	// Geometry returns per-cell latitude and longitude arrays in the same
	// raster order Decode uses, or ErrNoGeometry.
	Geometry(ctx context.Context, path string) (lat, lon []float64, err error)
	// Decode extracts the named canonical variables from the file.
	Decode(ctx context.Context, path string, variables []string) ([]DecodedField, error)
}
