// Package pipeline drives granule discovery, per-granule pixel
// extraction, batch flushing, checkpointing and the final merge for
// each station/product pair. Every step is restart-safe: an interrupted
// run resumes from the processed-granule checkpoint and the partial
// batch files already on disk.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/erdemkarakoylu/overpass/internal/batch"
	"github.com/erdemkarakoylu/overpass/internal/checkpoint"
	"github.com/erdemkarakoylu/overpass/internal/dataset"
	"github.com/erdemkarakoylu/overpass/internal/extract"
	"github.com/erdemkarakoylu/overpass/internal/metrics"
	"github.com/erdemkarakoylu/overpass/internal/models"
)

// DefaultTolerance is the maximum accepted distance in degrees between
// a station and its nearest swath pixel.
const DefaultTolerance = 0.05

// Config carries the extractor options.
type Config struct {
	OutputDir         string
	BatchSize         int
	DistanceTolerance float64
}

func (c Config) withDefaults() Config {
	if c.OutputDir == "" {
		c.OutputDir = "pace_data"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = batch.DefaultSize
	}
	if c.DistanceTolerance <= 0 {
		c.DistanceTolerance = DefaultTolerance
	}
	return c
}

// Locator finds granules overlapping a point and time window.
type Locator interface {
	FindGranules(ctx context.Context, product models.ProductType, lat, lon float64, temporal models.TemporalRange) ([]models.Granule, error)
}

// Fetcher makes a granule's contents available as a local file.
type Fetcher interface {
	Fetch(ctx context.Context, g models.Granule) (string, error)
}

// Orchestrator runs the extraction pipeline for station/product pairs,
// strictly sequentially.
type Orchestrator struct {
	cfg     Config
	locator Locator
	fetcher Fetcher
	opener  dataset.Opener
	cp      *checkpoint.Manager
}

func New(cfg Config, locator Locator, fetcher Fetcher, opener dataset.Opener, cp *checkpoint.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		locator: locator,
		fetcher: fetcher,
		opener:  opener,
		cp:      cp,
	}
}

// Run discovers granules for the pair and extracts them. Already
// finalized pairs are skipped without a catalog query.
func (o *Orchestrator) Run(ctx context.Context, station models.Station, product models.ProductType) (string, error) {
	return o.RunRange(ctx, station, product, models.TemporalRange{})
}

// RunRange is Run with an explicit temporal window.
func (o *Orchestrator) RunRange(ctx context.Context, station models.Station, product models.ProductType, temporal models.TemporalRange) (string, error) {
	if o.cp.IsDone(station.Code, product) {
		log.Printf("pipeline: [%s] %s: final file exists, skipping", station.Code, product)
		return o.cp.FinalPath(station.Code, product), nil
	}

	granules, err := o.locator.FindGranules(ctx, product, station.Latitude, station.Longitude, temporal)
	if err != nil {
		return "", fmt.Errorf("[%s] %s: %w", station.Code, product, err)
	}
	return o.ExtractAndSave(ctx, station, product, granules)
}

// ExtractAndSave processes the given granules for the pair and merges
// the accumulated batches into the final output file. It returns the
// final path, or "" when nothing was produced: no granules covered the
// station, or read failures deferred the merge so the failed granules
// are retried on the next run.
func (o *Orchestrator) ExtractAndSave(ctx context.Context, station models.Station, product models.ProductType, granules []models.Granule) (string, error) {
	code := station.Code

	if o.cp.IsDone(code, product) {
		log.Printf("pipeline: [%s] %s: final file exists, skipping", code, product)
		return o.cp.FinalPath(code, product), nil
	}

	processed, err := o.cp.ProcessedIDs(code, product)
	if err != nil {
		return "", fmt.Errorf("[%s] %s: load processed granules: %w", code, product, err)
	}

	var remaining []models.Granule
	for _, g := range granules {
		if !processed[g.ID] {
			remaining = append(remaining, g)
		}
	}
	log.Printf("pipeline: [%s] %s: %d/%d granules already processed, %d remaining",
		code, product, len(granules)-len(remaining), len(granules), len(remaining))

	if len(remaining) == 0 {
		return o.finalize(code, product)
	}

	run, err := o.cp.StartRun(code, product)
	if err != nil {
		log.Printf("pipeline: [%s] %s: start run record: %v", code, product, err)
	}

	acc := batch.NewAccumulator(o.cfg.BatchSize)
	var pending []string // granule IDs buffered in acc, unrecorded until flushed
	var extracted, noPixel, readFailures, flushes int

	fail := func(cause error) (string, error) {
		o.completeRun(run, len(granules), len(granules)-len(remaining), extracted, noPixel, readFailures, flushes, cause)
		return "", fmt.Errorf("[%s] %s: %w", code, product, cause)
	}

	for i, g := range remaining {
		if err := ctx.Err(); err != nil {
			log.Printf("pipeline: [%s] %s: interrupted after %d/%d granules", code, product, i, len(remaining))
			return fail(err)
		}

		rec, err := o.extractOne(ctx, station, product, g)
		if err != nil {
			// Not marked processed: the granule is retried next run.
			readFailures++
			metrics.GranulesProcessedTotal.WithLabelValues(code, string(product), "read_error").Inc()
			log.Printf("pipeline: [%s] %s: granule %s: %v", code, product, g.ID, err)
			continue
		}

		if rec == nil {
			// No usable pixel is a definitive outcome. Recording it
			// keeps later runs from re-scanning swaths known not to
			// cover the station.
			noPixel++
			metrics.GranulesProcessedTotal.WithLabelValues(code, string(product), "no_pixel").Inc()
			if err := o.cp.RecordProcessed(code, product, checkpoint.OutcomeNoPixel, g.ID); err != nil {
				return fail(fmt.Errorf("record granule %s: %w", g.ID, err))
			}
			continue
		}

		acc.Add(*rec)
		pending = append(pending, g.ID)
		extracted++
		metrics.GranulesProcessedTotal.WithLabelValues(code, string(product), "extracted").Inc()

		if acc.ShouldFlush() {
			if err := o.flush(code, product, acc, &pending); err != nil {
				return fail(err)
			}
			flushes++
			log.Printf("pipeline: [%s] %s: %d/%d granules", code, product, i+1, len(remaining))
		}
	}

	if acc.Len() > 0 {
		if err := o.flush(code, product, acc, &pending); err != nil {
			return fail(err)
		}
		flushes++
	}

	o.completeRun(run, len(granules), len(granules)-len(remaining), extracted, noPixel, readFailures, flushes, nil)

	if readFailures > 0 {
		log.Printf("pipeline: [%s] %s: %d granules failed to read; deferring final merge so they are retried",
			code, product, readFailures)
		return "", nil
	}
	return o.finalize(code, product)
}

// extractOne fetches, opens and extracts a single granule. The swath
// handle is released on every path out.
func (o *Orchestrator) extractOne(ctx context.Context, station models.Station, product models.ProductType, g models.Granule) (*models.ExtractionRecord, error) {
	start := time.Now()
	defer func() {
		metrics.ExtractLatency.WithLabelValues(string(product)).Observe(time.Since(start).Seconds())
	}()

	path, err := o.fetcher.Fetch(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	sw, err := o.opener.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer sw.Close()

	return extract.Pixel(sw, station, g.ID, product, o.cfg.DistanceTolerance)
}

// flush writes the buffered batch to the next partial file and only
// then records its granules as processed, so a crash between the two
// steps re-extracts rather than loses records.
func (o *Orchestrator) flush(code string, product models.ProductType, acc *batch.Accumulator, pending *[]string) error {
	index, err := o.cp.NextBatchIndex(code, product)
	if err != nil {
		return err
	}
	path := o.cp.PartialPath(code, product, index)
	count := acc.Len()

	if err := acc.Flush(path); err != nil {
		return fmt.Errorf("flush batch %04d: %w", index, err)
	}
	if err := o.cp.RecordProcessed(code, product, checkpoint.OutcomeExtracted, *pending...); err != nil {
		return fmt.Errorf("record batch %04d: %w", index, err)
	}
	*pending = nil

	metrics.BatchFlushesTotal.WithLabelValues(code, string(product)).Inc()
	log.Printf("pipeline: [%s] %s: flushed batch %04d (%d records)", code, product, index, count)
	return nil
}

func (o *Orchestrator) finalize(code string, product models.ProductType) (string, error) {
	log.Printf("pipeline: [%s] %s: finalizing", code, product)
	path, err := o.cp.Finalize(code, product)
	if err != nil {
		return "", fmt.Errorf("[%s] %s: finalize: %w", code, product, err)
	}
	if path != "" {
		log.Printf("pipeline: [%s] %s: done, output at %s", code, product, path)
	}
	return path, nil
}

func (o *Orchestrator) completeRun(run *checkpoint.Run, found, skipped, extracted, noPixel, readFailures, flushes int, cause error) {
	if run == nil {
		return
	}
	run.GranulesFound = sql.NullInt64{Int64: int64(found), Valid: true}
	run.GranulesSkipped = sql.NullInt64{Int64: int64(skipped), Valid: true}
	run.RecordsExtracted = sql.NullInt64{Int64: int64(extracted), Valid: true}
	run.NoPixel = sql.NullInt64{Int64: int64(noPixel), Valid: true}
	run.ReadFailures = sql.NullInt64{Int64: int64(readFailures), Valid: true}
	run.BatchesFlushed = sql.NullInt64{Int64: int64(flushes), Valid: true}
	run.Success = cause == nil
	if cause != nil {
		run.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
	}
	if err := o.cp.CompleteRun(run); err != nil {
		log.Printf("pipeline: complete run record: %v", err)
	}
}

// RunStations processes every station/product combination sequentially.
// A failed pair does not stop the others; the failures are aggregated.
func (o *Orchestrator) RunStations(ctx context.Context, stations []models.Station, products []models.ProductType, temporal models.TemporalRange) error {
	var result *multierror.Error
	for _, st := range stations {
		for _, p := range products {
			if err := ctx.Err(); err != nil {
				return multierror.Append(result, err).ErrorOrNil()
			}
			if _, err := o.RunRange(ctx, st, p, temporal); err != nil {
				log.Printf("pipeline: [%s] %s: %v", st.Code, p, err)
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}
