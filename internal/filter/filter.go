// Package filter masks extraction records whose quality flags mark the
// pixel as land, cloud or saturated. It is a pure post-processing
// transform over a final dataset; the extraction pipeline never
// depends on it.
package filter

import (
	"github.com/erdemkarakoylu/overpass/internal/models"
)

// Apply returns the records whose flags pass the product's validity
// rules. The input slice is not modified.
func Apply(records []models.ExtractionRecord, product models.ProductType) []models.ExtractionRecord {
	mask := product.InvalidFlagMask()
	out := make([]models.ExtractionRecord, 0, len(records))
	for _, rec := range records {
		if rec.L2Flags&mask == 0 {
			out = append(out, rec)
		}
	}
	return out
}
