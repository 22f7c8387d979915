package decode

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/cdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// writeDiagsFile builds a small diagnostics-style NetCDF file: per-cell
// coordinates plus two fields, reflectivity under its hourly-maximum name.
func writeDiagsFile(t *testing.T, path string) {
	t.Helper()

	h := cdf.NewHeader(
		[]string{"Time", "south_north", "west_east"},
		[]int{0, 2, 3},
	)
	h.AddVariable("XLAT", []string{"south_north", "west_east"}, []float32{0})
	h.AddVariable("XLONG", []string{"south_north", "west_east"}, []float32{0})
	h.AddVariable("T2", []string{"Time", "south_north", "west_east"}, []float32{0})
	h.AddAttribute("T2", "description", "2 m temperature")
	h.AddAttribute("T2", "units", "K")
	h.AddVariable("REFD_MAX", []string{"Time", "south_north", "west_east"}, []float32{0})
	h.AddAttribute("REFD_MAX", "description", "max reflectivity")
	h.AddAttribute("REFD_MAX", "units", "dBZ")
	h.Define()
	for _, err := range h.Check() {
		require.NoError(t, err)
	}

	f, err := os.Create(path)
	require.NoError(t, err)
	cf, err := cdf.Create(f, h)
	require.NoError(t, err)

	// cdf writers signal io.EOF when a write fills a bounded extent exactly.
	writeVar := func(name string, begin, end []int, values any) {
		t.Helper()
		w := cf.Writer(name, begin, end)
		if _, err := w.Write(values); err != nil && err != io.EOF {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	writeVar("XLAT", nil, nil, []float32{40.0, 40.0, 40.0, 40.5, 40.5, 40.5})
	writeVar("XLONG", nil, nil, []float32{255.0, 255.5, 256.0, 255.0, 255.5, 256.0})
	writeVar("T2", []int{0, 0, 0}, []int{1, 0, 0}, []float32{280, 281, 282, 283, 284, 285})
	writeVar("REFD_MAX", []int{0, 0, 0}, []int{1, 0, 0}, []float32{5, 10, 15, 20, 25, 30})

	require.NoError(t, cdf.UpdateNumRecs(f))
	require.NoError(t, f.Close())
}

func TestDiagsDecoder_Geometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diags_d02_2016060100_mem_1_f000.nc")
	writeDiagsFile(t, path)

	d := NewDiagsDecoder(testLogger)
	lat, lon, err := d.Geometry(t.Context(), path)
	require.NoError(t, err)
	require.Len(t, lat, 6)
	require.Len(t, lon, 6)
	assert.InDelta(t, 40.0, lat[0], 1e-5)
	assert.InDelta(t, 40.5, lat[3], 1e-5)
	assert.InDelta(t, 256.0, lon[5], 1e-5)
}

func TestDiagsDecoder_Decode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diags_d02_2016060100_mem_1_f000.nc")
	writeDiagsFile(t, path)

	d := NewDiagsDecoder(testLogger)
	fields, err := d.Decode(t.Context(), path, []string{"T2", "REFC", "CAPE"})
	require.NoError(t, err)
	require.Len(t, fields, 2)

	assert.Equal(t, "T2", fields[0].Name)
	assert.Equal(t, "2 m temperature", fields[0].LongName)
	assert.Equal(t, "K", fields[0].Units)
	require.Len(t, fields[0].Values, 6)
	assert.InDelta(t, 280, float64(fields[0].Values[0]), 1e-4)
	assert.InDelta(t, 285, float64(fields[0].Values[5]), 1e-4)

	// Reflectivity resolves through its hourly-maximum alias.
	assert.Equal(t, "REFC", fields[1].Name)
	assert.Equal(t, "dBZ", fields[1].Units)
	assert.InDelta(t, 30, float64(fields[1].Values[5]), 1e-4)
}

func TestDiagsDecoder_MissingFile(t *testing.T) {
	d := NewDiagsDecoder(testLogger)
	_, err := d.Decode(t.Context(), filepath.Join(t.TempDir(), "nope.nc"), []string{"T2"})
	assert.Error(t, err)
}

func TestFlatten(t *testing.T) {
	got, err := flattenFloat32([][]float32{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)

	got, err = flattenFloat32([][][]float64{{{1.5}, {2.5}}})
	require.NoError(t, err)
	assert.Equal(t, []float32{1.5, 2.5}, got)

	got64, err := flattenFloat64([][]float32{{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, got64)

	_, err = flattenFloat32("not a slice")
	assert.Error(t, err)
}
