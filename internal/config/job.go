package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Job describes one batch of retrieval and ingestion work, loaded from a
// TOML file passed to the ingest command.
type Job struct {
	Dates         []string `toml:"dates"` // yyyymmddhh init-date tokens
	Members       []int    `toml:"members"`
	ForecastHours []int    `toml:"forecast_hours"`
	Variables     []string `toml:"variables"`

	WithDiags bool   `toml:"with_diags"` // also retrieve/ingest diagnostics files
	SkipGrib  bool   `toml:"skip_grib"`  // diagnostics-only ingest pass
	Mode      string `toml:"mode"`       // overwrite | append | skip
	DeleteRaw bool   `toml:"delete_raw"` // remove raw files after ingestion
}

// LoadJob reads and validates a TOML job file.
func LoadJob(path string) (*Job, error) {
	var job Job
	if _, err := toml.DecodeFile(path, &job); err != nil {
		return nil, fmt.Errorf("load job file: %w", err)
	}

	if len(job.Dates) == 0 {
		return nil, errors.New("job file: dates must not be empty")
	}
	if len(job.Variables) == 0 && !job.SkipGrib {
		return nil, errors.New("job file: variables must not be empty")
	}
	switch job.Mode {
	case "":
		job.Mode = "append"
	case "overwrite", "append", "skip":
	default:
		return nil, fmt.Errorf("job file: unknown mode %q", job.Mode)
	}
	if _, err := job.InitDates(); err != nil {
		return nil, err
	}
	return &job, nil
}

// InitDates parses the job's date tokens into initialization times.
func (j *Job) InitDates() ([]time.Time, error) {
	dates := make([]time.Time, 0, len(j.Dates))
	for _, tok := range j.Dates {
		t, err := time.ParseInLocation("2006010215", tok, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("job file: invalid date %q: %w", tok, err)
		}
		dates = append(dates, t)
	}
	return dates, nil
}
