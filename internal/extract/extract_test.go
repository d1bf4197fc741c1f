package extract

import (
	"math"
	"testing"
	"time"

	"github.com/erdemkarakoylu/overpass/internal/dataset"
	"github.com/erdemkarakoylu/overpass/internal/models"
)

// makeSwath builds a 3x3 grid centered on (centerLat, centerLon) with
// 0.01 degree spacing. Each pixel's spectrum encodes its position so
// tests can verify exactly which pixel was read.
func makeSwath(centerLat, centerLon float64) *dataset.MemSwath {
	const step = 0.01
	lat := make([][]float64, 3)
	lon := make([][]float64, 3)
	flags := make([][]int64, 3)
	spectra := make([][][]float64, 3)
	for i := 0; i < 3; i++ {
		lat[i] = make([]float64, 3)
		lon[i] = make([]float64, 3)
		flags[i] = make([]int64, 3)
		spectra[i] = make([][]float64, 3)
		for j := 0; j < 3; j++ {
			lat[i][j] = centerLat + float64(i-1)*step
			lon[i][j] = centerLon + float64(j-1)*step
			spectra[i][j] = []float64{float64(i*10 + j), float64(i*10+j) + 0.5}
		}
	}
	return &dataset.MemSwath{
		Lat:     lat,
		Lon:     lon,
		Bands:   []float64{400, 450},
		Spectra: spectra,
		Flag:    flags,
		Start:   time.Date(2024, 4, 11, 20, 58, 29, 0, time.UTC),
	}
}

func TestPixel_ExactGridMatch(t *testing.T) {
	sw := makeSwath(32.867, -117.257)
	station := models.Station{Code: "SIO", Latitude: 32.867 + 0.01, Longitude: -117.257 - 0.01}

	rec, err := Pixel(sw, station, "G1", models.ProductRrs, 0.05)
	if err != nil {
		t.Fatalf("Pixel: %v", err)
	}
	if rec == nil {
		t.Fatal("Pixel returned nil record for covered station")
	}

	// Station sits exactly on cell (2, 0).
	want := []float64{20, 20.5}
	if len(rec.Spectrum) != len(want) {
		t.Fatalf("len(Spectrum) = %d, want %d", len(rec.Spectrum), len(want))
	}
	for i := range want {
		if rec.Spectrum[i] != want[i] {
			t.Errorf("Spectrum[%d] = %v, want %v", i, rec.Spectrum[i], want[i])
		}
	}
	if rec.PixelLat != station.Latitude || rec.PixelLon != station.Longitude {
		t.Errorf("matched pixel at (%v, %v), want (%v, %v)",
			rec.PixelLat, rec.PixelLon, station.Latitude, station.Longitude)
	}
	if !rec.Time.Equal(sw.Start) {
		t.Errorf("Time = %v, want %v", rec.Time, sw.Start)
	}
	if rec.GranuleID != "G1" {
		t.Errorf("GranuleID = %q, want G1", rec.GranuleID)
	}
}

func TestPixel_ToleranceRejection(t *testing.T) {
	sw := makeSwath(32.867, -117.257)
	station := models.Station{Code: "FAR", Latitude: 40.0, Longitude: -117.257}

	rec, err := Pixel(sw, station, "G1", models.ProductRrs, 0.05)
	if err != nil {
		t.Fatalf("Pixel: %v", err)
	}
	if rec != nil {
		t.Fatalf("Pixel = %+v, want nil for station outside swath", rec)
	}
}

func TestPixel_FlagRules(t *testing.T) {
	tests := []struct {
		name    string
		flags   int64
		product models.ProductType
		want    bool // record produced
	}{
		{"clean pixel", 0, models.ProductRrs, true},
		{"land", models.FlagLand, models.ProductRrc, false},
		{"cloud", models.FlagCloud, models.ProductRrc, false},
		{"saturated", models.FlagSaturation, models.ProductRrs, false},
		{"atm failure rejects Rrs", models.FlagAtmFail, models.ProductRrs, false},
		{"atm failure allowed for Rrc", models.FlagAtmFail, models.ProductRrc, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := makeSwath(32.867, -117.257)
			sw.Flag[1][1] = tt.flags
			station := models.Station{Code: "SIO", Latitude: 32.867, Longitude: -117.257}

			rec, err := Pixel(sw, station, "G1", tt.product, 0.05)
			if err != nil {
				t.Fatalf("Pixel: %v", err)
			}
			if got := rec != nil; got != tt.want {
				t.Errorf("record produced = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPixel_FillSpectrum(t *testing.T) {
	sw := makeSwath(32.867, -117.257)
	sw.Spectra[1][1] = []float64{FillValue, math.NaN()}
	station := models.Station{Code: "SIO", Latitude: 32.867, Longitude: -117.257}

	rec, err := Pixel(sw, station, "G1", models.ProductRrs, 0.05)
	if err != nil {
		t.Fatalf("Pixel: %v", err)
	}
	if rec != nil {
		t.Fatal("Pixel produced a record for an all-fill spectrum")
	}
}

func TestNearest(t *testing.T) {
	sw := makeSwath(0, 0)

	line, pixel, dist := Nearest(sw, 0.011, -0.009)
	if line != 2 || pixel != 0 {
		t.Errorf("Nearest = (%d, %d), want (2, 0)", line, pixel)
	}
	if dist > 0.0015 {
		t.Errorf("dist = %v, want near zero", dist)
	}
}
