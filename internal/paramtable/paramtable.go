// Package paramtable maps GRIB field identifiers onto canonical variable
// names. The two table generations mirror the upstream parameter-naming
// conventions: GRIB1 fields are keyed by (parameter indicator, level-type
// indicator, level) and GRIB2 fields by (parameter category, parameter
// number, level).
//
// The tables are embedded CSVs loaded once at startup into read-only
// package state.
package paramtable

import (
	"bytes"
	"embed"
	"encoding/csv"
	"fmt"
	"strconv"
)

//go:embed ncar_grib1_table.csv ncar_grib2_table.csv
var tableFS embed.FS

// Row maps one canonical variable onto a format-native key triple.
type Row struct {
	Name     string
	Key1     int // GRIB1 parameter indicator / GRIB2 parameter category
	Key2     int // GRIB1 level-type indicator / GRIB2 parameter number
	Level    int
	LongName string
	Units    string
}

var (
	grib1Rows []Row
	grib2Rows []Row
)

func init() {
	var err error
	if grib1Rows, err = loadTable("ncar_grib1_table.csv"); err != nil {
		panic(err)
	}
	if grib2Rows, err = loadTable("ncar_grib2_table.csv"); err != nil {
		panic(err)
	}
}

func loadTable(name string) ([]Row, error) {
	raw, err := tableFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("paramtable: %w", err)
	}
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("paramtable: parse %s: %w", name, err)
	}
	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		if len(rec) != 6 {
			return nil, fmt.Errorf("paramtable: %s line %d: want 6 columns, got %d", name, i+1, len(rec))
		}
		var row Row
		row.Name = rec[0]
		if row.Key1, err = strconv.Atoi(rec[1]); err != nil {
			return nil, fmt.Errorf("paramtable: %s line %d: %w", name, i+1, err)
		}
		if row.Key2, err = strconv.Atoi(rec[2]); err != nil {
			return nil, fmt.Errorf("paramtable: %s line %d: %w", name, i+1, err)
		}
		if row.Level, err = strconv.Atoi(rec[3]); err != nil {
			return nil, fmt.Errorf("paramtable: %s line %d: %w", name, i+1, err)
		}
		row.LongName, row.Units = rec[4], rec[5]
		rows = append(rows, row)
	}
	return rows, nil
}

// Grib1 returns the GRIB edition 1 table. Callers must not modify it.
func Grib1() []Row { return grib1Rows }

// Grib2 returns the GRIB edition 2 table. Callers must not modify it.
func Grib2() []Row { return grib2Rows }

// Lookup finds the row for a canonical variable name in the given table.
func Lookup(table []Row, name string) (Row, bool) {
	for _, row := range table {
		if row.Name == name {
			return row, true
		}
	}
	return Row{}, false
}
