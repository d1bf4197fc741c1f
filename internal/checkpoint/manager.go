package checkpoint

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/erdemkarakoylu/overpass/internal/batch"
	"github.com/erdemkarakoylu/overpass/internal/models"
)

// Manager combines the processed-granule store with the on-disk batch
// file layout for one output directory.
type Manager struct {
	store *Store
	dir   string
}

func NewManager(store *Store, outputDir string) (*Manager, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir %s: %w", outputDir, err)
	}
	return &Manager{store: store, dir: outputDir}, nil
}

func (m *Manager) OutputDir() string { return m.dir }

func (m *Manager) FinalPath(code string, product models.ProductType) string {
	return filepath.Join(m.dir, FinalName(code, product))
}

func (m *Manager) PartialPath(code string, product models.ProductType, index int) string {
	return filepath.Join(m.dir, PartialName(code, product, index))
}

// IsDone reports whether the pair's final output file already exists,
// allowing the whole pair to be skipped without a catalog query.
func (m *Manager) IsDone(code string, product models.ProductType) bool {
	_, err := os.Stat(m.FinalPath(code, product))
	return err == nil
}

// Partials lists the pair's partial batch files in batch-index order.
// The directory scan, not the database, is authoritative: a file flushed
// just before a crash counts even if nothing else was recorded about it.
func (m *Manager) Partials(code string, product models.ProductType) ([]string, error) {
	pattern := filepath.Join(m.dir, fmt.Sprintf("partial_%s_%s_b*.parquet", code, product))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("list partial files: %w", err)
	}
	sortByIndex(paths, code, product)
	return paths, nil
}

// NextBatchIndex returns one past the highest existing batch index.
func (m *Manager) NextBatchIndex(code string, product models.ProductType) (int, error) {
	paths, err := m.Partials(code, product)
	if err != nil {
		return 0, err
	}
	next := 0
	for _, p := range paths {
		if idx := partialIndex(p, code, product); idx >= next {
			next = idx + 1
		}
	}
	return next, nil
}

func (m *Manager) ProcessedIDs(code string, product models.ProductType) (map[string]bool, error) {
	return m.store.ProcessedIDs(code, product)
}

func (m *Manager) RecordProcessed(code string, product models.ProductType, outcome string, ids ...string) error {
	return m.store.RecordProcessed(code, product, outcome, ids...)
}

func (m *Manager) StartRun(code string, product models.ProductType) (*Run, error) {
	return m.store.StartRun(code, product)
}

func (m *Manager) CompleteRun(run *Run) error {
	return m.store.CompleteRun(run)
}

// Finalize merges all partial batch files into the pair's final output
// file, de-duplicated by granule ID (later batches win) and sorted by
// acquisition time. Partials are removed only after the final file has
// been renamed into place. Returns the final path, or "" when there is
// nothing to merge and no final file exists.
func (m *Manager) Finalize(code string, product models.ProductType) (string, error) {
	finalPath := m.FinalPath(code, product)

	partials, err := m.Partials(code, product)
	if err != nil {
		return "", err
	}
	if len(partials) == 0 {
		if m.IsDone(code, product) {
			return finalPath, nil
		}
		log.Printf("checkpoint: [%s] %s: no batches to finalize", code, product)
		return "", nil
	}

	log.Printf("checkpoint: [%s] %s: merging %d batch files", code, product, len(partials))

	byGranule := make(map[string]models.ExtractionRecord)
	for _, p := range partials {
		records, err := batch.ReadRecords(p)
		if err != nil {
			return "", fmt.Errorf("merge %s: %w", filepath.Base(p), err)
		}
		for _, rec := range records {
			byGranule[rec.GranuleID] = rec
		}
	}

	merged := make([]models.ExtractionRecord, 0, len(byGranule))
	for _, rec := range byGranule {
		merged = append(merged, rec)
	}
	sort.Slice(merged, func(i, j int) bool {
		if !merged[i].Time.Equal(merged[j].Time) {
			return merged[i].Time.Before(merged[j].Time)
		}
		return merged[i].GranuleID < merged[j].GranuleID
	})

	if err := batch.WriteRecords(finalPath, merged); err != nil {
		return "", fmt.Errorf("write final file: %w", err)
	}

	for _, p := range partials {
		if err := os.Remove(p); err != nil {
			log.Printf("checkpoint: [%s] %s: remove %s: %v", code, product, filepath.Base(p), err)
		}
	}

	log.Printf("checkpoint: [%s] %s: %d records merged into %s", code, product, len(merged), filepath.Base(finalPath))
	return finalPath, nil
}
