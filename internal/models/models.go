package models

import (
	"fmt"
	"time"
)

// Station is a fixed geographic sampling site.
type Station struct {
	Code      string
	Name      string
	Latitude  float64
	Longitude float64
}

// ProductType selects which ocean-color level-2 product granules are
// searched for and which geophysical variable is extracted from them.
type ProductType string

const (
	// ProductRrs is standard remote-sensing reflectance (atmospherically corrected).
	ProductRrs ProductType = "Rrs"
	// ProductRrc is Rayleigh-corrected reflectance.
	ProductRrc ProductType = "Rrc"
)

// Standard level-2 processing flag bits.
const (
	FlagAtmFail    int64 = 1 << 0
	FlagLand       int64 = 1 << 1
	FlagCloud      int64 = 1 << 3
	FlagSaturation int64 = 1 << 5
)

func ParseProductType(s string) (ProductType, error) {
	switch ProductType(s) {
	case ProductRrs, ProductRrc:
		return ProductType(s), nil
	}
	return "", fmt.Errorf("unknown product type %q (want Rrs or Rrc)", s)
}

// ShortName returns the catalog collection short name for the product.
func (p ProductType) ShortName() string {
	if p == ProductRrs {
		return "PACE_OCI_L2_AOP"
	}
	return "PACE_OCI_L2_RRC"
}

// VarName returns the geophysical variable holding the spectral values.
func (p ProductType) VarName() string {
	return string(p)
}

// InvalidFlagMask returns the flag bits that make a pixel unusable for
// the product. Rrs additionally requires the atmospheric correction to
// have succeeded; Rrc is computed before that step.
func (p ProductType) InvalidFlagMask() int64 {
	mask := FlagLand | FlagCloud | FlagSaturation
	if p == ProductRrs {
		mask |= FlagAtmFail
	}
	return mask
}

// TemporalRange is a closed date interval, start <= end.
type TemporalRange struct {
	Start time.Time
	End   time.Time
}

// ParseTemporalRange parses YYYY-MM-DD start and end dates.
func ParseTemporalRange(start, end string) (TemporalRange, error) {
	s, err := time.Parse("2006-01-02", start)
	if err != nil {
		return TemporalRange{}, fmt.Errorf("parse start date: %w", err)
	}
	e, err := time.Parse("2006-01-02", end)
	if err != nil {
		return TemporalRange{}, fmt.Errorf("parse end date: %w", err)
	}
	if e.Before(s) {
		return TemporalRange{}, fmt.Errorf("temporal range end %s before start %s", end, start)
	}
	return TemporalRange{Start: s, End: e}, nil
}

// Granule is one catalog entry: a single swath file overlapping a
// station and time window.
type Granule struct {
	ID          string // producer granule name, stable across catalog queries
	TimeStart   time.Time
	DownloadURL string
}

// ExtractionRecord is one row of output: the spectral vector at the
// swath pixel nearest a station, with acquisition time and flags.
type ExtractionRecord struct {
	StationCode  string
	GranuleID    string
	Time         time.Time
	RequestedLat float64
	RequestedLon float64
	PixelLat     float64
	PixelLon     float64
	Wavelengths  []float64
	Spectrum     []float64
	L2Flags      int64
}
