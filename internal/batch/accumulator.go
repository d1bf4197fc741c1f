// Package batch buffers extraction records in memory and flushes them
// to Parquet partial files.
package batch

import (
	"github.com/erdemkarakoylu/overpass/internal/models"
)

// DefaultSize is the number of records per flush when none is configured.
const DefaultSize = 50

// Accumulator collects records since the last flush. Not safe for
// concurrent use; the pipeline processes granules sequentially.
type Accumulator struct {
	size    int
	records []models.ExtractionRecord
}

func NewAccumulator(size int) *Accumulator {
	if size <= 0 {
		size = DefaultSize
	}
	return &Accumulator{size: size}
}

func (a *Accumulator) Add(rec models.ExtractionRecord) {
	a.records = append(a.records, rec)
}

func (a *Accumulator) Len() int { return len(a.records) }

// ShouldFlush reports whether the buffer has reached the batch size.
func (a *Accumulator) ShouldFlush() bool { return len(a.records) >= a.size }

// Flush writes the buffered records to path and clears the buffer. On
// error the buffer is left intact so the flush can be retried; the
// target path is never left holding a partially written file.
func (a *Accumulator) Flush(path string) error {
	if len(a.records) == 0 {
		return nil
	}
	if err := WriteRecords(path, a.records); err != nil {
		return err
	}
	a.records = nil
	return nil
}
