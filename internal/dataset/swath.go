// Package dataset abstracts granule file access behind a small swath
// capability: open by path, index per-pixel arrays, read one spectral
// vector at a time. The extraction pipeline depends only on these
// interfaces, never on a particular file format library.
package dataset

import (
	"fmt"
	"time"
)

// Swath is one opened granule. Latitude/longitude are 2-D grids indexed
// by (line, pixel); the spectral variable adds a wavelength dimension.
type Swath interface {
	// Bounds returns the grid extent as (lines, pixels).
	Bounds() (int, int)
	// Coordinate returns the geographic position of a pixel.
	Coordinate(line, pixel int) (lat, lon float64)
	// Spectrum reads the full spectral vector at a pixel, ordered by
	// wavelength.
	Spectrum(line, pixel int) ([]float64, error)
	// Wavelengths returns the band centers matching Spectrum ordering.
	Wavelengths() []float64
	// Flags returns the level-2 quality flag word at a pixel.
	Flags(line, pixel int) int64
	// TimeStart returns the granule's acquisition start time.
	TimeStart() time.Time
	Close() error
}

// Opener opens a granule file on local disk.
type Opener interface {
	Open(path string) (Swath, error)
}

// MemSwath is an in-memory Swath, used by tests and synthetic granules.
type MemSwath struct {
	Lat     [][]float64
	Lon     [][]float64
	Bands   []float64
	Spectra [][][]float64 // [line][pixel][band]
	Flag    [][]int64
	Start   time.Time

	Closed bool
}

func (m *MemSwath) Bounds() (int, int) {
	if len(m.Lat) == 0 {
		return 0, 0
	}
	return len(m.Lat), len(m.Lat[0])
}

func (m *MemSwath) Coordinate(line, pixel int) (float64, float64) {
	return m.Lat[line][pixel], m.Lon[line][pixel]
}

func (m *MemSwath) Spectrum(line, pixel int) ([]float64, error) {
	if line >= len(m.Spectra) || pixel >= len(m.Spectra[line]) {
		return nil, fmt.Errorf("spectrum index (%d, %d) out of range", line, pixel)
	}
	return m.Spectra[line][pixel], nil
}

func (m *MemSwath) Wavelengths() []float64 { return m.Bands }

func (m *MemSwath) Flags(line, pixel int) int64 {
	if len(m.Flag) == 0 {
		return 0
	}
	return m.Flag[line][pixel]
}

func (m *MemSwath) TimeStart() time.Time { return m.Start }

func (m *MemSwath) Close() error {
	m.Closed = true
	return nil
}
