package ingest_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ctessum/cdf"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesonet/ncarens-etl/internal/archive"
	"github.com/mesonet/ncarens-etl/internal/dataset"
	"github.com/mesonet/ncarens-etl/internal/decode"
	"github.com/mesonet/ncarens-etl/internal/domain"
	"github.com/mesonet/ncarens-etl/internal/ingest"
	"github.com/mesonet/ncarens-etl/internal/observability"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	testNY = 2
	testNX = 3
)

var testCoords = domain.Coords{Members: []int{1, 2}, ForecastHours: []int{0, 3}}

// fakeDecoder serves canned per-file values keyed by base filename.
type fakeDecoder struct {
	kind      string
	geoErr    error
	variables []string
	values    map[string]float32
	decoded   []string
}

func (d *fakeDecoder) Kind() string { return d.kind }

func (d *fakeDecoder) Geometry(ctx context.Context, path string) ([]float64, []float64, error) {
	if d.geoErr != nil {
		return nil, nil, d.geoErr
	}
	n := testNY * testNX
	lat := make([]float64, n)
	lon := make([]float64, n)
	for i := 0; i < n; i++ {
		lat[i] = 40.0 + 0.1*float64(i/testNX)
		lon[i] = 255.0 + 0.1*float64(i%testNX)
	}
	return lat, lon, nil
}

func (d *fakeDecoder) Decode(ctx context.Context, path string, variables []string) ([]decode.DecodedField, error) {
	d.decoded = append(d.decoded, filepath.Base(path))
	v, ok := d.values[filepath.Base(path)]
	if !ok {
		return nil, nil
	}
	var fields []decode.DecodedField
	for _, name := range variables {
		if !contains(d.variables, name) {
			continue
		}
		values := make([]float32, testNY*testNX)
		for i := range values {
			values[i] = v
		}
		fields = append(fields, decode.DecodedField{Name: name, Values: values})
	}
	return fields, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func newEngine(root string, grib2, diags *fakeDecoder) *ingest.Engine {
	grib1 := &fakeDecoder{kind: "grib1", geoErr: decode.ErrNoGeometry}
	if grib2 == nil {
		grib2 = &fakeDecoder{kind: "grib2"}
	}
	if diags == nil {
		diags = &fakeDecoder{kind: "diags"}
	}
	return ingest.New(root, testCoords, testNY, testNX, grib1, grib2, diags,
		testLogger, observability.NewMetricsForTesting())
}

// touchRaw creates a placeholder raw file for every unit of the run.
func touchRaw(t *testing.T, root string, run domain.Run, members, hours []int) {
	t.Helper()
	for _, m := range members {
		for _, h := range hours {
			path := filepath.Join(root, run.GribFile(m, h))
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte("grib"), 0o644))
		}
	}
}

func readArchiveSlice(t *testing.T, path, name string, mi, hi int) []float32 {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cf, err := cdf.Open(f)
	require.NoError(t, err)

	buf := make([]float32, testNY*testNX)
	r := cf.Reader(name, []int{0, mi, hi, 0, 0}, []int{1, mi + 1, hi + 1, 0, 0})
	_, err = r.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestIngestRun_WritesAllUnits(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1, 2}, []int{0, 3})

	grib2 := &fakeDecoder{
		kind:      "grib2",
		variables: []string{"T2"},
		values: map[string]float32{
			"ncar_3km_2016060100_mem1_f000.grb2": 281,
			"ncar_3km_2016060100_mem1_f003.grb2": 282,
			"ncar_3km_2016060100_mem2_f000.grb2": 283,
			"ncar_3km_2016060100_mem2_f003.grb2": 284,
		},
	}
	e := newEngine(root, grib2, nil)

	err := e.IngestRun(t.Context(), run, []int{1, 2}, []int{0, 3},
		ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite})
	require.NoError(t, err)

	path := filepath.Join(root, run.ArchiveFile())
	for _, tc := range []struct {
		mi, hi int
		want   float32
	}{
		{0, 0, 281}, {0, 1, 282}, {1, 0, 283}, {1, 1, 284},
	} {
		got := readArchiveSlice(t, path, "T2", tc.mi, tc.hi)
		assert.InDelta(t, float64(tc.want), float64(got[0]), 1e-4)
		assert.InDelta(t, float64(tc.want), float64(got[testNY*testNX-1]), 1e-4)
	}
}

// Ingests a run and reads it back through the dataset facade, the same path
// the query command takes.
func TestIngestRun_ArchiveReadableThroughDataset(t *testing.T) {
	root := t.TempDir()
	init := time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC)
	run := domain.NewRun(init)
	touchRaw(t, root, run, []int{1, 2}, []int{0, 3})

	grib2 := &fakeDecoder{
		kind:      "grib2",
		variables: []string{"T2"},
		values: map[string]float32{
			"ncar_3km_2016060100_mem1_f000.grb2": 281,
			"ncar_3km_2016060100_mem1_f003.grb2": 282,
			"ncar_3km_2016060100_mem2_f000.grb2": 283,
			"ncar_3km_2016060100_mem2_f003.grb2": 284,
		},
	}
	e := newEngine(root, grib2, nil)
	require.NoError(t, e.IngestRun(t.Context(), run, []int{1, 2}, []int{0, 3},
		ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite}))

	ds := dataset.New(root, testLogger)
	ds.RegisterInitDate(init)
	require.NoError(t, ds.Open())
	defer ds.Close()

	vars, err := ds.Variables()
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, vars)

	field, err := ds.Field("T2", init, 3, 2)
	require.NoError(t, err)
	require.Equal(t, []int{testNY, testNX}, field.Shape)
	for _, v := range field.Elements {
		assert.InDelta(t, 284, v, 1e-4)
	}

	field, err = ds.Field("T2", init, 0, 1)
	require.NoError(t, err)
	for _, v := range field.Elements {
		assert.InDelta(t, 281, v, 1e-4)
		assert.Less(t, v, float64(archive.FillValue))
	}

	lat, err := ds.Lat()
	require.NoError(t, err)
	require.Len(t, lat, testNY*testNX)
	assert.InDelta(t, 40.0, lat[0], 1e-5)
}

func TestIngestRun_MissingValuesBecomeFill(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1}, []int{0})

	grib2 := &fakeDecoder{
		kind:      "grib2",
		variables: []string{"T2"},
		values:    map[string]float32{"ncar_3km_2016060100_mem1_f000.grb2": 9.999e33},
	}
	e := newEngine(root, grib2, nil)

	err := e.IngestRun(t.Context(), run, []int{1}, []int{0},
		ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite})
	require.NoError(t, err)

	got := readArchiveSlice(t, filepath.Join(root, run.ArchiveFile()), "T2", 0, 0)
	for _, v := range got {
		assert.Equal(t, archive.FillValue, v)
	}
}

func TestIngestRun_EmptyArchiveDeleted(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1}, []int{0})

	// Geometry is available but no requested variable ever decodes.
	grib2 := &fakeDecoder{kind: "grib2", variables: nil, values: nil}
	e := newEngine(root, grib2, nil)

	err := e.IngestRun(t.Context(), run, []int{1}, []int{0},
		ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, run.ArchiveFile()))
	assert.True(t, os.IsNotExist(err))
}

func TestIngestRun_NoGeometryNoArchive(t *testing.T) {
	root := t.TempDir()
	// Legacy era: the GRIB decoder cannot supply geometry and no
	// diagnostics were requested, so nothing can be written.
	run := domain.NewRun(time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1}, []int{0})

	e := newEngine(root, nil, nil)
	err := e.IngestRun(t.Context(), run, []int{1}, []int{0},
		ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, run.ArchiveFile()))
	assert.True(t, os.IsNotExist(err))
}

func TestIngestRun_DiagsSupplyGeometryAndFields(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1}, []int{0})
	diagsPath := filepath.Join(root, run.DiagsFile(1, 0))
	require.NoError(t, os.WriteFile(diagsPath, []byte("nc"), 0o644))

	diags := &fakeDecoder{
		kind:      "diags",
		variables: []string{"REFC"},
		values:    map[string]float32{"diags_d02_2015060100_mem_1_f000.nc": 35},
	}
	e := newEngine(root, nil, diags)

	err := e.IngestRun(t.Context(), run, []int{1}, []int{0},
		ingest.Options{Variables: []string{"REFC"}, UseDiags: true, SkipGrib: true, Mode: archive.Overwrite})
	require.NoError(t, err)

	got := readArchiveSlice(t, filepath.Join(root, run.ArchiveFile()), "REFC", 0, 0)
	assert.InDelta(t, 35, float64(got[0]), 1e-4)
}

func TestIngestRun_SkipExisting(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1}, []int{0})

	grib2 := &fakeDecoder{
		kind:      "grib2",
		variables: []string{"T2"},
		values:    map[string]float32{"ncar_3km_2016060100_mem1_f000.grb2": 281},
	}
	e := newEngine(root, grib2, nil)
	opts := ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite}
	require.NoError(t, e.IngestRun(t.Context(), run, []int{1}, []int{0}, opts))
	require.Len(t, grib2.decoded, 1)

	opts.Mode = archive.SkipExisting
	require.NoError(t, e.IngestRun(t.Context(), run, []int{1}, []int{0}, opts))
	assert.Len(t, grib2.decoded, 1)
}

func TestIngestRun_GunzipsRawInPlace(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC))

	plain := filepath.Join(root, run.GribFile(1, 0))
	require.NoError(t, os.MkdirAll(filepath.Dir(plain), 0o755))
	f, err := os.Create(plain + ".gz")
	require.NoError(t, err)
	zw := gzip.NewWriter(f)
	_, err = zw.Write([]byte("grib payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	grib2 := &fakeDecoder{
		kind:      "grib2",
		variables: []string{"T2"},
		values:    map[string]float32{"ncar_3km_2016060100_mem1_f000.grb2": 281},
	}
	e := newEngine(root, grib2, nil)
	err = e.IngestRun(t.Context(), run, []int{1}, []int{0},
		ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite})
	require.NoError(t, err)

	data, err := os.ReadFile(plain)
	require.NoError(t, err)
	assert.Equal(t, "grib payload", string(data))
	_, err = os.Stat(plain + ".gz")
	assert.True(t, os.IsNotExist(err))
}

func TestIngestRun_DeleteRaw(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1}, []int{0})

	grib2 := &fakeDecoder{
		kind:      "grib2",
		variables: []string{"T2"},
		values:    map[string]float32{"ncar_3km_2016060100_mem1_f000.grb2": 281},
	}
	e := newEngine(root, grib2, nil)
	err := e.IngestRun(t.Context(), run, []int{1}, []int{0},
		ingest.Options{Variables: []string{"T2"}, DeleteRaw: true, Mode: archive.Overwrite})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, run.GribFile(1, 0)))
	assert.True(t, os.IsNotExist(err))
}

func TestIngestRun_CanceledBetweenUnits(t *testing.T) {
	root := t.TempDir()
	run := domain.NewRun(time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC))
	touchRaw(t, root, run, []int{1}, []int{0})

	e := newEngine(root, nil, nil)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := e.IngestRun(ctx, run, []int{1}, []int{0},
		ingest.Options{Variables: []string{"T2"}, Mode: archive.Overwrite})
	assert.ErrorIs(t, err, context.Canceled)
}
