package decode

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mesonet/ncarens-etl/internal/paramtable"
)

// Grib2Decoder extracts fields from GRIB edition 2 files through the
// wgrib2 utility. Records are located by (parameter category, parameter
// number, level) parsed from the -varX and -lev inventory columns, and
// grid geometry is dumped per cell with -gridout.
type Grib2Decoder struct {
	wgrib2Path string
	logger     *slog.Logger
}

func NewGrib2Decoder(wgrib2Path string, logger *slog.Logger) *Grib2Decoder {
	return &Grib2Decoder{wgrib2Path: wgrib2Path, logger: logger}
}

func (d *Grib2Decoder) Kind() string { return "grib2" }

type grib2Record struct {
	num           int
	parmcat, parm int
	level         int
}

func (d *Grib2Decoder) Decode(ctx context.Context, path string, variables []string) ([]DecodedField, error) {
	out, err := exec.CommandContext(ctx, d.wgrib2Path, path, "-varX", "-lev").Output()
	if err != nil {
		return nil, fmt.Errorf("decode: wgrib2 inventory of %s: %w", path, err)
	}
	records, err := parseGrib2Inventory(string(out))
	if err != nil {
		return nil, fmt.Errorf("decode: %s: %w", path, err)
	}

	var fields []DecodedField
	for _, name := range variables {
		row, ok := paramtable.Lookup(paramtable.Grib2(), name)
		if !ok {
			continue
		}
		rec, n := matchGrib2(records, row)
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

func (d *Grib2Decoder) extract(ctx context.Context, path string, record int) ([]float32, error) {
	tmp, err := os.CreateTemp("", "wgrib2-*.bin")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, d.wgrib2Path, path,
		"-d", strconv.Itoa(record), "-no_header", "-bin", tmpPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("wgrib2 -d %d: %w: %s", record, err, strings.TrimSpace(string(out)))
	}
	return readBinFloats(tmpPath)
}

// Geometry dumps per-cell coordinates with -gridout and reorders them into
// the raster order -bin uses.
func (d *Grib2Decoder) Geometry(ctx context.Context, path string) ([]float64, []float64, error) {
	tmp, err := os.CreateTemp("", "wgrib2-grid-*.csv")
	if err != nil {
		return nil, nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	cmd := exec.CommandContext(ctx, d.wgrib2Path, path, "-d", "1", "-gridout", tmpPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, nil, fmt.Errorf("decode: wgrib2 -gridout on %s: %w: %s",
			path, err, strings.TrimSpace(string(out)))
	}

	raw, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, nil, err
	}
	lat, lon, err := parseGridout(string(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("decode: %s: %w", path, err)
	}
	return lat, lon, nil
}

func matchGrib2(records []grib2Record, row paramtable.Row) (grib2Record, int) {
	var last grib2Record
	n := 0
	for _, r := range records {
		if r.parmcat == row.Key1 && r.parm == row.Key2 && r.level == row.Level {
			last = r
			n++
		}
	}
	return last, n
}

// parseGrib2Inventory reads wgrib2 -varX -lev output, lines like
//
//	1:0:var discipline=0 center=60 local_table=1 parmcat=0 parm=0:2 m above ground
func parseGrib2Inventory(out string) ([]grib2Record, error) {
	var records []grib2Record
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 4 {
			return nil, fmt.Errorf("malformed inventory line %q", line)
		}
		num, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("malformed record number in %q", line)
		}
		rec := grib2Record{num: num, parmcat: -1, parm: -1}
		for _, tok := range strings.Fields(parts[2]) {
			switch {
			case strings.HasPrefix(tok, "parmcat="):
				rec.parmcat, err = strconv.Atoi(tok[len("parmcat="):])
			case strings.HasPrefix(tok, "parm="):
				rec.parm, err = strconv.Atoi(tok[len("parm="):])
			}
			if err != nil {
				return nil, fmt.Errorf("malformed key in %q", line)
			}
		}
		if rec.parmcat < 0 || rec.parm < 0 {
			return nil, fmt.Errorf("inventory line missing parameter keys: %q", line)
		}
		rec.level = levelValue(parts[3])
		records = append(records, rec)
	}
	return records, nil
}

// levelValue reduces a wgrib2 level description to its leading magnitude:
// "2 m above ground" is 2, "5000-2000 m above ground" is 5000, and purely
// symbolic levels like "surface" or "mean sea level" are 0.
func levelValue(lev string) int {
	lev = strings.TrimSpace(lev)
	end := 0
	for end < len(lev) && lev[end] >= '0' && lev[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.Atoi(lev[:end])
	if err != nil {
		return 0
	}
	return v
}

// parseGridout reads the -gridout CSV ("i, j, lat, lon", one line per cell)
// into flat arrays indexed (j-1)*nx + (i-1).
func parseGridout(out string) ([]float64, []float64, error) {
	type cell struct {
		i, j     int
		lat, lon float64
	}
	var cells []cell
	maxI, maxJ := 0, 0
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			return nil, nil, fmt.Errorf("malformed gridout line %q", line)
		}
		i, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, nil, fmt.Errorf("malformed gridout line %q", line)
		}
		j, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, nil, fmt.Errorf("malformed gridout line %q", line)
		}
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed gridout line %q", line)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return nil, nil, fmt.Errorf("malformed gridout line %q", line)
		}
		cells = append(cells, cell{i, j, lat, lon})
		if i > maxI {
			maxI = i
		}
		if j > maxJ {
			maxJ = j
		}
	}
	if len(cells) == 0 || len(cells) != maxI*maxJ {
		return nil, nil, fmt.Errorf("gridout dump has %d cells for a %dx%d grid", len(cells), maxJ, maxI)
	}
	latArr := make([]float64, maxI*maxJ)
	lonArr := make([]float64, maxI*maxJ)
	for _, c := range cells {
		idx := (c.j-1)*maxI + (c.i - 1)
		latArr[idx] = c.lat
		lonArr[idx] = c.lon
	}
	return latArr, lonArr, nil
}
