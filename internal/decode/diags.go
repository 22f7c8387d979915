package decode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// diagsAliases maps canonical variable names onto the names the
// model-diagnostics files actually use. Composite reflectivity is stored
// under its hourly-maximum name.
var diagsAliases = map[string][]string{
	"REFC": {"REFD_MAX", "REFC"},
}

// DiagsDecoder reads fields from the per-unit model-diagnostics NetCDF
// files. Unlike the GRIB decoders it needs no external utilities, and the
// files carry per-cell coordinates, so it can always supply geometry.
type DiagsDecoder struct {
	logger *slog.Logger
}

func NewDiagsDecoder(logger *slog.Logger) *DiagsDecoder {
	return &DiagsDecoder{logger: logger}
}

func (d *DiagsDecoder) Kind() string { return "diags" }

// Geometry reads the per-cell coordinate variables. The files follow the
// model's XLAT/XLONG naming.
func (d *DiagsDecoder) Geometry(ctx context.Context, path string) ([]float64, []float64, error) {
	g, err := netcdf.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("decode: open %s: %w", path, err)
	}
	defer g.Close()

	for _, names := range [][2]string{{"XLAT", "XLONG"}, {"latitude", "longitude"}} {
		latVar, err := g.GetVariable(names[0])
		if err != nil {
			continue
		}
		lonVar, err := g.GetVariable(names[1])
		if err != nil {
			continue
		}
		lat, err := flattenFloat64(latVar.Values)
		if err != nil {
			return nil, nil, fmt.Errorf("decode: %s %s: %w", path, names[0], err)
		}
		lon, err := flattenFloat64(lonVar.Values)
		if err != nil {
			return nil, nil, fmt.Errorf("decode: %s %s: %w", path, names[1], err)
		}
		return lat, lon, nil
	}
	return nil, nil, fmt.Errorf("decode: %s: %w", path, ErrNoGeometry)
}

func (d *DiagsDecoder) Decode(ctx context.Context, path string, variables []string) ([]DecodedField, error) {
	g, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode: open %s: %w", path, err)
	}
	defer g.Close()

	var fields []DecodedField
	for _, name := range variables {
		v := d.findVariable(g, name)
		if v == nil {
			continue
		}
		values, err := flattenFloat32(v.Values)
		if err != nil {
			return nil, fmt.Errorf("decode: %s %s: %w", path, name, err)
		}
		fields = append(fields, DecodedField{
			Name:     name,
			LongName: stringAttribute(v.Attributes, "description"),
			Units:    stringAttribute(v.Attributes, "units"),
			Values:   values,
		})
	}
	return fields, nil
}

func (d *DiagsDecoder) findVariable(g api.Group, name string) *api.Variable {
	candidates := diagsAliases[name]
	if candidates == nil {
		candidates = []string{name}
	}
	for _, c := range candidates {
		if v, err := g.GetVariable(c); err == nil {
			return v
		}
	}
	return nil
}

func stringAttribute(attrs api.AttributeMap, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// flattenFloat32 reduces a possibly nested slice value from the NetCDF
// reader to a flat float32 array. Diagnostics variables are float arrays
// nested by dimension (a leading length-one time dimension included).
func flattenFloat32(values any) ([]float32, error) {
	var out []float32
	if err := flatten(values, func(f32 []float32, f64 []float64) {
		if f32 != nil {
			out = append(out, f32...)
			return
		}
		for _, v := range f64 {
			out = append(out, float32(v))
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func flattenFloat64(values any) ([]float64, error) {
	var out []float64
	if err := flatten(values, func(f32 []float32, f64 []float64) {
		if f64 != nil {
			out = append(out, f64...)
			return
		}
		for _, v := range f32 {
			out = append(out, float64(v))
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func flatten(values any, emit func(f32 []float32, f64 []float64)) error {
	switch v := values.(type) {
	case []float32:
		emit(v, nil)
	case []float64:
		emit(nil, v)
	case [][]float32:
		for _, row := range v {
			emit(row, nil)
		}
	case [][]float64:
		for _, row := range v {
			emit(nil, row)
		}
	case [][][]float32:
		for _, plane := range v {
			for _, row := range plane {
				emit(row, nil)
			}
		}
	case [][][]float64:
		for _, plane := range v {
			for _, row := range plane {
				emit(nil, row)
			}
		}
	default:
		return fmt.Errorf("unsupported value type %T", values)
	}
	return nil
}
