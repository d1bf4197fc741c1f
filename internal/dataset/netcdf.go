package dataset

import (
	"fmt"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"
)

// OCI level-2 group layout.
const (
	navGroup  = "navigation_data"
	geoGroup  = "geophysical_data"
	bandGroup = "sensor_band_parameters"
	flagsVar  = "l2_flags"
)

// NetCDFOpener opens PACE OCI level-2 granules and exposes the named
// geophysical variable as the swath's spectral data.
type NetCDFOpener struct {
	Variable string
}

func NewNetCDFOpener(variable string) *NetCDFOpener {
	return &NetCDFOpener{Variable: variable}
}

func (o *NetCDFOpener) Open(path string) (Swath, error) {
	root, err := netcdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open granule %s: %w", path, err)
	}

	sw, err := newNCSwath(root, o.Variable)
	if err != nil {
		root.Close()
		return nil, fmt.Errorf("read granule %s: %w", path, err)
	}
	return sw, nil
}

type ncSwath struct {
	root    api.Group
	lat     [][]float64
	lon     [][]float64
	flags   [][]int64
	bands   []float64
	start   time.Time
	spectra api.VarGetter // [line][pixel][band]
}

func newNCSwath(root api.Group, variable string) (*ncSwath, error) {
	nav, err := root.GetGroup(navGroup)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", navGroup, err)
	}
	lat, err := readGrid(nav, "latitude")
	if err != nil {
		return nil, err
	}
	lon, err := readGrid(nav, "longitude")
	if err != nil {
		return nil, err
	}

	geo, err := root.GetGroup(geoGroup)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", geoGroup, err)
	}
	flags, err := readFlagGrid(geo, flagsVar)
	if err != nil {
		return nil, err
	}
	spectra, err := geo.GetVarGetter(variable)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", variable, err)
	}

	band, err := root.GetGroup(bandGroup)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", bandGroup, err)
	}
	wl, err := band.GetVariable("wavelength")
	if err != nil {
		return nil, fmt.Errorf("variable wavelength: %w", err)
	}
	bands, err := toFloat64Vector(wl.Values)
	if err != nil {
		return nil, fmt.Errorf("variable wavelength: %w", err)
	}

	start, err := coverageStart(root)
	if err != nil {
		return nil, err
	}

	return &ncSwath{
		root:    root,
		lat:     lat,
		lon:     lon,
		flags:   flags,
		bands:   bands,
		start:   start,
		spectra: spectra,
	}, nil
}

func (s *ncSwath) Bounds() (int, int) {
	if len(s.lat) == 0 {
		return 0, 0
	}
	return len(s.lat), len(s.lat[0])
}

func (s *ncSwath) Coordinate(line, pixel int) (float64, float64) {
	return s.lat[line][pixel], s.lon[line][pixel]
}

// Spectrum reads a single scan line from the spectral variable and
// indexes the pixel, so whole granules are never loaded into memory.
func (s *ncSwath) Spectrum(line, pixel int) ([]float64, error) {
	slice, err := s.spectra.GetSlice(int64(line), int64(line)+1)
	if err != nil {
		return nil, fmt.Errorf("read spectrum line %d: %w", line, err)
	}
	switch v := slice.(type) {
	case [][][]float32:
		if len(v) == 0 || pixel >= len(v[0]) {
			return nil, fmt.Errorf("spectrum index (%d, %d) out of range", line, pixel)
		}
		out := make([]float64, len(v[0][pixel]))
		for i, x := range v[0][pixel] {
			out[i] = float64(x)
		}
		return out, nil
	case [][][]float64:
		if len(v) == 0 || pixel >= len(v[0]) {
			return nil, fmt.Errorf("spectrum index (%d, %d) out of range", line, pixel)
		}
		return v[0][pixel], nil
	}
	return nil, fmt.Errorf("spectral variable has unexpected type %T", slice)
}

func (s *ncSwath) Wavelengths() []float64 { return s.bands }

func (s *ncSwath) Flags(line, pixel int) int64 { return s.flags[line][pixel] }

func (s *ncSwath) TimeStart() time.Time { return s.start }

func (s *ncSwath) Close() error {
	s.root.Close()
	return nil
}

func coverageStart(root api.Group) (time.Time, error) {
	v, ok := root.Attributes().Get("time_coverage_start")
	if !ok {
		return time.Time{}, fmt.Errorf("missing time_coverage_start attribute")
	}
	str, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("time_coverage_start has unexpected type %T", v)
	}
	t, err := time.Parse(time.RFC3339, str)
	if err != nil {
		// Some producers omit the zone designator.
		t, err = time.Parse("2006-01-02T15:04:05.999", str)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse time_coverage_start %q: %w", str, err)
		}
		t = t.UTC()
	}
	return t, nil
}

func readGrid(g api.Group, name string) ([][]float64, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	grid, err := toFloat64Grid(v.Values)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	return grid, nil
}

func readFlagGrid(g api.Group, name string) ([][]int64, error) {
	v, err := g.GetVariable(name)
	if err != nil {
		return nil, fmt.Errorf("variable %s: %w", name, err)
	}
	switch vals := v.Values.(type) {
	case [][]int32:
		out := make([][]int64, len(vals))
		for i, row := range vals {
			out[i] = make([]int64, len(row))
			for j, x := range row {
				out[i][j] = int64(x)
			}
		}
		return out, nil
	case [][]int64:
		return vals, nil
	}
	return nil, fmt.Errorf("variable %s has unexpected type %T", name, v.Values)
}

func toFloat64Grid(vals interface{}) ([][]float64, error) {
	switch v := vals.(type) {
	case [][]float64:
		return v, nil
	case [][]float32:
		out := make([][]float64, len(v))
		for i, row := range v {
			out[i] = make([]float64, len(row))
			for j, x := range row {
				out[i][j] = float64(x)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected grid type %T", vals)
}

func toFloat64Vector(vals interface{}) ([]float64, error) {
	switch v := vals.(type) {
	case []float64:
		return v, nil
	case []float32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	case []int32:
		out := make([]float64, len(v))
		for i, x := range v {
			out[i] = float64(x)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected vector type %T", vals)
}
