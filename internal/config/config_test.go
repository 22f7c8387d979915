package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("NCAR_ROOT", "/data/ncar")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/ncar", cfg.RootDir)
	assert.Equal(t, "https://rda.ucar.edu/cgi-bin/login", cfg.LoginURL)
	assert.Equal(t, "https://rda.ucar.edu/data/ds300.0", cfg.DataURL)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 985, cfg.GridNY)
	assert.Equal(t, 1580, cfg.GridNX)
	assert.Len(t, cfg.Members, 10)
	assert.Len(t, cfg.ForecastHours, 49)
	assert.Equal(t, "wgrib", cfg.Wgrib1Path)
	assert.Equal(t, "wgrib2", cfg.Wgrib2Path)
	assert.Equal(t, 5*time.Second, cfg.FetchRetryPause)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("NCAR_ROOT", "/tmp/ncar")
	t.Setenv("RDA_USERNAME", "user@example.com")
	t.Setenv("RDA_PASSWORD", "hunter2")
	t.Setenv("GRID_NY", "3")
	t.Setenv("GRID_NX", "4")
	t.Setenv("MEMBERS", "1,2")
	t.Setenv("FORECAST_HOURS", "0, 3, 6")
	t.Setenv("FETCH_RETRY_PAUSE", "0s")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", cfg.RDAUsername)
	assert.Equal(t, 3, cfg.GridNY)
	assert.Equal(t, 4, cfg.GridNX)
	assert.Equal(t, []int{1, 2}, cfg.Members)
	assert.Equal(t, []int{0, 3, 6}, cfg.ForecastHours)
	assert.Equal(t, time.Duration(0), cfg.FetchRetryPause)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("NCAR_ROOT", "/tmp/ncar")
	t.Setenv("MEMBERS", "1,two")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.toml")
	body := `
dates = ["2016060100", "2016060200"]
members = [1, 2]
forecast_hours = [0, 3]
variables = ["T2", "SLP"]
with_diags = true
mode = "overwrite"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	job, err := LoadJob(path)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, job.Members)
	assert.Equal(t, []string{"T2", "SLP"}, job.Variables)
	assert.True(t, job.WithDiags)
	assert.Equal(t, "overwrite", job.Mode)

	dates, err := job.InitDates()
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.Equal(t, time.Date(2016, time.June, 1, 0, 0, 0, 0, time.UTC), dates[0])
}

func TestLoadJob_Validation(t *testing.T) {
	dir := t.TempDir()

	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	_, err := LoadJob(write("nodates.toml", `variables = ["T2"]`))
	assert.Error(t, err)

	_, err = LoadJob(write("badmode.toml", "dates = [\"2016060100\"]\nvariables = [\"T2\"]\nmode = \"merge\""))
	assert.Error(t, err)

	_, err = LoadJob(write("baddate.toml", "dates = [\"June 1\"]\nvariables = [\"T2\"]"))
	assert.Error(t, err)

	job, err := LoadJob(write("defmode.toml", "dates = [\"2016060100\"]\nvariables = [\"T2\"]"))
	require.NoError(t, err)
	assert.Equal(t, "append", job.Mode)
}
