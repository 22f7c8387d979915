package planner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesonet/ncarens-etl/internal/domain"
	"github.com/mesonet/ncarens-etl/internal/observability"
	"github.com/mesonet/ncarens-etl/internal/planner"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeFetcher struct {
	logins  int
	fetched []string
	failFor map[string]error
}

func (f *fakeFetcher) Login(ctx context.Context, username, password string) error {
	f.logins++
	return nil
}

func (f *fakeFetcher) FetchFile(ctx context.Context, remote, local string) error {
	if err := f.failFor[remote]; err != nil {
		return err
	}
	f.fetched = append(f.fetched, remote)
	return os.WriteFile(local, []byte("raw"), 0o644)
}

type fakeRegistry struct {
	dates []time.Time
}

func (r *fakeRegistry) RegisterInitDate(init time.Time) {
	r.dates = append(r.dates, init)
}

func newPlanner(t *testing.T, fetcher planner.Fetcher, registry planner.Registry) (*planner.Planner, string) {
	t.Helper()
	root := t.TempDir()
	p := planner.New(root, domain.DefaultCoords(), fetcher, registry,
		"u@example.com", "pw", testLogger, observability.NewMetricsForTesting())
	return p, root
}

func TestPlan_FormatsByEra(t *testing.T) {
	reg := &fakeRegistry{}
	p, root := newPlanner(t, &fakeFetcher{}, reg)

	legacy := time.Date(2015, 6, 1, 0, 0, 0, 0, time.UTC)
	current := time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC)

	items, err := p.Plan([]time.Time{legacy, current}, []int{1}, []int{0}, true)
	require.NoError(t, err)
	require.Len(t, items, 4)

	remotes := make([]string, len(items))
	for i, item := range items {
		remotes[i] = item.Remote
	}
	want := []string{
		"2015/20150601/diags_d02_2015060100_mem_1_f000.nc.gz",
		"2015/20150601/ncar_3km_2015060100_mem1_f000.grb.gz",
		"2016/20160601/diags_d02_2016060100_mem_1_f000.nc.gz",
		"2016/20160601/ncar_3km_2016060100_mem1_f000.grb2",
	}
	if diff := cmp.Diff(want, remotes); diff != "" {
		t.Errorf("plan remotes mismatch (-want +got):\n%s", diff)
	}

	// Base paths drop the compression suffix; locals keep it.
	assert.Equal(t, items[1].Base+".gz", items[1].Local)
	assert.Equal(t, items[3].Base, items[3].Local)

	// Run directories were created.
	for _, dir := range []string{"2015/20150601", "2016/20160601"} {
		info, err := os.Stat(filepath.Join(root, dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	assert.Equal(t, []time.Time{legacy, current}, reg.dates)
}

func TestPlan_SkipsOutOfWindowAndUnknownCoordinates(t *testing.T) {
	reg := &fakeRegistry{}
	p, _ := newPlanner(t, &fakeFetcher{}, reg)

	items, err := p.Plan(
		[]time.Time{
			time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		[]int{1, 99},
		[]int{0, 500},
		false,
	)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "2016/20160601/ncar_3km_2016060100_mem1_f000.grb2", items[0].Remote)
	require.Len(t, reg.dates, 1)
}

func TestRetrieve_FetchesThenSkipsCached(t *testing.T) {
	fetcher := &fakeFetcher{}
	p, _ := newPlanner(t, fetcher, &fakeRegistry{})

	items, err := p.Plan(
		[]time.Time{time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC)},
		[]int{1, 2}, []int{0}, false)
	require.NoError(t, err)
	require.Len(t, items, 2)

	require.NoError(t, p.Retrieve(t.Context(), items))
	assert.Equal(t, 1, fetcher.logins)
	assert.Len(t, fetcher.fetched, 2)

	// Second pass finds everything on disk and fetches nothing.
	require.NoError(t, p.Retrieve(t.Context(), items))
	assert.Len(t, fetcher.fetched, 2)
}

func TestRetrieve_CachedGzipVariantCounts(t *testing.T) {
	fetcher := &fakeFetcher{}
	p, _ := newPlanner(t, fetcher, &fakeRegistry{})

	items, err := p.Plan(
		[]time.Time{time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC)},
		[]int{1}, []int{0}, false)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// A leftover compressed copy satisfies the cache check.
	require.NoError(t, os.WriteFile(items[0].Base+".gz", []byte("zz"), 0o644))
	require.NoError(t, p.Retrieve(t.Context(), items))
	assert.Empty(t, fetcher.fetched)
}

func TestRetrieve_ContinuesPastFailedDownloads(t *testing.T) {
	fetcher := &fakeFetcher{failFor: map[string]error{}}
	p, _ := newPlanner(t, fetcher, &fakeRegistry{})

	items, err := p.Plan(
		[]time.Time{time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC)},
		[]int{1, 2}, []int{0}, false)
	require.NoError(t, err)
	require.Len(t, items, 2)
	fetcher.failFor[items[0].Remote] = errors.New("boom")

	require.NoError(t, p.Retrieve(t.Context(), items))
	require.Len(t, fetcher.fetched, 1)
	assert.Equal(t, items[1].Remote, fetcher.fetched[0])
}
