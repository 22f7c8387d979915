package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mesonet/ncarens-etl/internal/config"
	"github.com/mesonet/ncarens-etl/internal/dataset"
	"github.com/mesonet/ncarens-etl/internal/observability"
)

func main() {
	var (
		root     = flag.String("root", "", "data root directory (default NCAR_ROOT)")
		dateTok  = flag.String("date", "", "initialization date, yyyymmddhh")
		variable = flag.String("var", "", "canonical variable name, e.g. T2")
		hour     = flag.Int("hour", 0, "forecast hour")
		member   = flag.Int("member", 1, "ensemble member")
		lat      = flag.Float64("lat", 0, "query latitude, degrees north")
		lon      = flag.Float64("lon", 0, "query longitude, degrees east")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if *root == "" {
		*root = cfg.RootDir
	}
	if *dateTok == "" || *variable == "" {
		logger.Error("-date and -var are required")
		os.Exit(2)
	}
	init, err := time.ParseInLocation("2006010215", *dateTok, time.UTC)
	if err != nil {
		logger.Error("invalid -date", "date", *dateTok, "error", err)
		os.Exit(2)
	}

	ds := dataset.New(*root, logger)
	ds.RegisterInitDate(init)
	if err := ds.Open(); err != nil {
		logger.Error("failed to open dataset", "error", err)
		os.Exit(1)
	}
	defer ds.Close()

	grid, err := ds.Grid()
	if err != nil {
		logger.Error("failed to build spatial index", "error", err)
		os.Exit(1)
	}
	y, x, err := grid.Nearest(*lat, *lon)
	if err != nil {
		logger.Error("no grid point near requested location", "error", err)
		os.Exit(1)
	}

	field, err := ds.Field(*variable, init, *hour, *member)
	if err != nil {
		logger.Error("failed to read field", "error", err)
		os.Exit(1)
	}

	fmt.Printf("%s %s f%03d member %d @ (%.4f, %.4f) -> grid (%d, %d): %g\n",
		*variable, *dateTok, *hour, *member, *lat, *lon, y, x, field.Get(y, x))
}
