package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	RootDir string // local mirror of the remote layout; archives under RootDir/processed

	// NCAR/CISL RDA access.
	RDAUsername string
	RDAPassword string
	LoginURL    string
	DataURL     string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Grid dimensions of the canonical archives. All runs in one root must
	// share these.
	GridNY int
	GridNX int

	Members       []int
	ForecastHours []int

	// Decoder binaries.
	Wgrib1Path string
	Wgrib2Path string

	// Pause between the first failed fetch attempt and its single retry.
	FetchRetryPause time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	root := envOrDefault("NCAR_ROOT", "")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".ncar")
	}

	shutdownTimeout, err := parseDurationEnv("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	retryPause, err := parseDurationEnv("FETCH_RETRY_PAUSE", 5*time.Second)
	if err != nil {
		return nil, err
	}

	ny, err := parseIntEnv("GRID_NY", 985)
	if err != nil {
		return nil, err
	}
	nx, err := parseIntEnv("GRID_NX", 1580)
	if err != nil {
		return nil, err
	}

	members, err := parseIntListEnv("MEMBERS", intRange(1, 10))
	if err != nil {
		return nil, err
	}
	hours, err := parseIntListEnv("FORECAST_HOURS", intRange(0, 48))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		RootDir:         root,
		RDAUsername:     os.Getenv("RDA_USERNAME"),
		RDAPassword:     os.Getenv("RDA_PASSWORD"),
		LoginURL:        envOrDefault("RDA_LOGIN_URL", "https://rda.ucar.edu/cgi-bin/login"),
		DataURL:         envOrDefault("RDA_DATA_URL", "https://rda.ucar.edu/data/ds300.0"),
		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		GridNY:          ny,
		GridNX:          nx,
		Members:         members,
		ForecastHours:   hours,
		Wgrib1Path:      envOrDefault("WGRIB_PATH", "wgrib"),
		Wgrib2Path:      envOrDefault("WGRIB2_PATH", "wgrib2"),
		FetchRetryPause: retryPause,
	}

	if cfg.GridNY <= 0 || cfg.GridNX <= 0 {
		return nil, errors.New("GRID_NY and GRID_NX must be positive")
	}
	if len(cfg.Members) == 0 {
		return nil, errors.New("MEMBERS must not be empty")
	}
	if len(cfg.ForecastHours) == 0 {
		return nil, errors.New("FORECAST_HOURS must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func parseIntEnv(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return n, nil
}

// parseIntListEnv parses a comma-separated integer list, e.g. "1,2,3".
func parseIntListEnv(key string, def []int) ([]int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %q", key, s)
		}
		out = append(out, n)
	}
	return out, nil
}

func intRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, i)
	}
	return out
}
