// Package extract locates the swath pixel nearest a station and reads
// its spectral vector.
package extract

import (
	"fmt"
	"math"

	"github.com/erdemkarakoylu/overpass/internal/dataset"
	"github.com/erdemkarakoylu/overpass/internal/models"
)

// FillValue marks missing samples in level-2 geophysical variables.
const FillValue = -32767.0

// Nearest scans the swath's coordinate grids and returns the pixel with
// minimum Euclidean distance in degrees to (lat, lon).
func Nearest(sw dataset.Swath, lat, lon float64) (line, pixel int, dist float64) {
	lines, pixels := sw.Bounds()
	best := math.Inf(1)
	for i := 0; i < lines; i++ {
		for j := 0; j < pixels; j++ {
			pLat, pLon := sw.Coordinate(i, j)
			dLat := pLat - lat
			dLon := pLon - lon
			d := dLat*dLat + dLon*dLon
			if d < best {
				best = d
				line, pixel = i, j
			}
		}
	}
	return line, pixel, math.Sqrt(best)
}

// Pixel extracts the record for the station's nearest pixel. A nil
// record with nil error means the granule has no usable pixel for the
// station: the nearest pixel is farther than tolerance (station outside
// the swath), its quality flags mark it invalid for the product, or its
// spectrum is entirely fill. Errors are reserved for read failures.
func Pixel(sw dataset.Swath, station models.Station, granuleID string, product models.ProductType, tolerance float64) (*models.ExtractionRecord, error) {
	lines, pixels := sw.Bounds()
	if lines == 0 || pixels == 0 {
		return nil, fmt.Errorf("granule %s: empty coordinate grid", granuleID)
	}

	line, pixel, dist := Nearest(sw, station.Latitude, station.Longitude)
	if dist > tolerance {
		return nil, nil
	}

	flags := sw.Flags(line, pixel)
	if flags&product.InvalidFlagMask() != 0 {
		return nil, nil
	}

	spectrum, err := sw.Spectrum(line, pixel)
	if err != nil {
		return nil, fmt.Errorf("granule %s: %w", granuleID, err)
	}
	if !usable(spectrum) {
		return nil, nil
	}

	pLat, pLon := sw.Coordinate(line, pixel)
	return &models.ExtractionRecord{
		StationCode:  station.Code,
		GranuleID:    granuleID,
		Time:         sw.TimeStart(),
		RequestedLat: station.Latitude,
		RequestedLon: station.Longitude,
		PixelLat:     pLat,
		PixelLon:     pLon,
		Wavelengths:  sw.Wavelengths(),
		Spectrum:     spectrum,
		L2Flags:      flags,
	}, nil
}

// usable reports whether at least one sample carries data.
func usable(spectrum []float64) bool {
	for _, v := range spectrum {
		if !math.IsNaN(v) && v != FillValue {
			return true
		}
	}
	return false
}
