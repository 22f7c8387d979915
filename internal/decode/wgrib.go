package decode

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mesonet/ncarens-etl/internal/paramtable"
)

// Grib1Decoder extracts fields from GRIB edition 1 files by shelling out
// to the wgrib utility. Edition 1 files carry only the Lambert projection
// parameters, not per-cell coordinates, so Geometry always reports
// ErrNoGeometry and the run's grid must come from another file.
type Grib1Decoder struct {
	wgribPath string
	logger    *slog.Logger
}

func NewGrib1Decoder(wgribPath string, logger *slog.Logger) *Grib1Decoder {
	return &Grib1Decoder{wgribPath: wgribPath, logger: logger}
}

func (d *Grib1Decoder) Kind() string { return "grib1" }

func (d *Grib1Decoder) Geometry(ctx context.Context, path string) ([]float64, []float64, error) {
	return nil, nil, ErrNoGeometry
}

// grib1Record is one line of the wgrib short inventory.
type grib1Record struct {
	num                 int
	kpds5, kpds6, kpds7 int
}

func (d *Grib1Decoder) Decode(ctx context.Context, path string, variables []string) ([]DecodedField, error) {
	out, err := exec.CommandContext(ctx, d.wgribPath, path).Output()
	if err != nil {
		return nil, fmt.Errorf("decode: wgrib inventory of %s: %w", path, err)
	}
	records, err := parseGrib1Inventory(string(out))
	if err != nil {
		return nil, fmt.Errorf("decode: %s: %w", path, err)
	}

	var fields []DecodedField
	for _, name := range variables {
		row, ok := paramtable.Lookup(paramtable.Grib1(), name)
		if !ok {
			continue
		}
		rec, n := matchGrib1(records, row)
		if n == 0 {
			continue
		}
		if n > 1 {
			d.logger.Warn("multiple matching records; using last",
				"file", filepath.Base(path), "variable", name, "matches", n)
		}
		values, err := d.extract(ctx, path, rec.num)
		if err != nil {
			return nil, fmt.Errorf("decode: %s record %d (%s): %w", path, rec.num, name, err)
		}
		fields = append(fields, DecodedField{
			Name:     name,
			LongName: row.LongName,
			Units:    row.Units,
			Values:   values,
		})
	}
	return fields, nil
}

// extract dumps one record as a headerless native-endian float32 array and
// reads it back.
func (d *Grib1Decoder) extract(ctx context.Context, path string, record int) ([]float32, error) {
	tmp, err := os.CreateTemp("", "wgrib-*.bin")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, d.wgribPath, path,
		"-d", strconv.Itoa(record), "-nh", "-bin", "-o", tmpPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("wgrib -d %d: %w: %s", record, err, strings.TrimSpace(string(out)))
	}
	return readBinFloats(tmpPath)
}

// matchGrib1 returns the last record matching the table row and the number
// of matches.
func matchGrib1(records []grib1Record, row paramtable.Row) (grib1Record, int) {
	var last grib1Record
	n := 0
	for _, r := range records {
		if r.kpds5 == row.Key1 && r.kpds6 == row.Key2 && r.kpds7 == row.Level {
			last = r
			n++
		}
	}
	return last, n
}

// parseGrib1Inventory reads wgrib's default short inventory, lines like
//
//	1:0:d=16060100:TMP:kpds5=11:kpds6=105:kpds7=2:TR=10:P1=0:P2=0:TimeU=1:sfc:anl:NAve=0
func parseGrib1Inventory(out string) ([]grib1Record, error) {
	var records []grib1Record
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 7 {
			return nil, fmt.Errorf("malformed inventory line %q", line)
		}
		num, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed record number in %q", line)
		}
		rec := grib1Record{num: num, kpds5: -1, kpds6: -1, kpds7: -1}
		for _, p := range parts {
			switch {
			case strings.HasPrefix(p, "kpds5="):
				rec.kpds5, err = strconv.Atoi(p[len("kpds5="):])
			case strings.HasPrefix(p, "kpds6="):
				rec.kpds6, err = strconv.Atoi(p[len("kpds6="):])
			case strings.HasPrefix(p, "kpds7="):
				rec.kpds7, err = strconv.Atoi(p[len("kpds7="):])
			}
			if err != nil {
				return nil, fmt.Errorf("malformed key in %q", line)
			}
		}
		if rec.kpds5 < 0 || rec.kpds6 < 0 || rec.kpds7 < 0 {
			return nil, fmt.Errorf("inventory line missing kpds keys: %q", line)
		}
		records = append(records, rec)
	}
	return records, nil
}

// readBinFloats reads a headerless dump of float32 values. wgrib writes the
// dump in host byte order; this service runs on little-endian hosts only, so
// the decode is fixed to little-endian rather than probing the platform.
func readBinFloats(path string) ([]float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("binary dump length %d is not a multiple of 4", len(raw))
	}
	values := make([]float32, len(raw)/4)
	for i := range values {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		values[i] = math.Float32frombits(bits)
	}
	return values, nil
}
