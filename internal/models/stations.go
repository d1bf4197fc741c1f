package models

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// LoadStationsCSV reads a station list with columns code,name,lat,lon.
// A header row is skipped when the lat column does not parse as a number.
func LoadStationsCSV(path string) ([]Station, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open station list: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	var stations []Station
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read station list: %w", err)
		}
		line++
		if len(rec) < 4 {
			return nil, fmt.Errorf("station list line %d: want 4 columns, got %d", line, len(rec))
		}

		lat, latErr := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		lon, lonErr := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64)
		if latErr != nil || lonErr != nil {
			if line == 1 {
				continue // header
			}
			return nil, fmt.Errorf("station list line %d: bad coordinates %q,%q", line, rec[2], rec[3])
		}
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return nil, fmt.Errorf("station list line %d: coordinates out of range (%g, %g)", line, lat, lon)
		}

		stations = append(stations, Station{
			Code:      strings.TrimSpace(rec[0]),
			Name:      strings.TrimSpace(rec[1]),
			Latitude:  lat,
			Longitude: lon,
		})
	}
	if len(stations) == 0 {
		return nil, fmt.Errorf("station list %s: no stations", path)
	}
	return stations, nil
}
