package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/erdemkarakoylu/overpass/internal/batch"
	"github.com/erdemkarakoylu/overpass/internal/checkpoint"
	"github.com/erdemkarakoylu/overpass/internal/dataset"
	"github.com/erdemkarakoylu/overpass/internal/models"
)

var scripps = models.Station{Code: "SIO", Name: "Scripps Pier", Latitude: 32.867, Longitude: -117.257}

type fakeLocator struct {
	granules []models.Granule
	err      error
	calls    int
}

func (f *fakeLocator) FindGranules(ctx context.Context, product models.ProductType, lat, lon float64, temporal models.TemporalRange) ([]models.Granule, error) {
	f.calls++
	return f.granules, f.err
}

// fakeFetcher hands the granule ID back as the local path.
type fakeFetcher struct {
	failing map[string]bool
}

func (f *fakeFetcher) Fetch(ctx context.Context, g models.Granule) (string, error) {
	if f.failing[g.ID] {
		return "", errors.New("connection reset")
	}
	return g.ID, nil
}

type fakeOpener struct {
	swaths map[string]*dataset.MemSwath
	opens  map[string]int
}

func (f *fakeOpener) Open(path string) (dataset.Swath, error) {
	sw, ok := f.swaths[path]
	if !ok {
		return nil, errors.New("no such granule")
	}
	if f.opens == nil {
		f.opens = make(map[string]int)
	}
	f.opens[path]++
	return sw, nil
}

// coveringSwath has a single pixel exactly at the Scripps coordinates.
func coveringSwath(start time.Time, spectrum []float64) *dataset.MemSwath {
	return &dataset.MemSwath{
		Lat:     [][]float64{{scripps.Latitude}},
		Lon:     [][]float64{{scripps.Longitude}},
		Bands:   []float64{400, 500},
		Spectra: [][][]float64{{spectrum}},
		Flag:    [][]int64{{0}},
		Start:   start,
	}
}

// farSwath is centered on the equator, well outside tolerance.
func farSwath(start time.Time) *dataset.MemSwath {
	return &dataset.MemSwath{
		Lat:     [][]float64{{0}},
		Lon:     [][]float64{{0}},
		Bands:   []float64{400, 500},
		Spectra: [][][]float64{{{0.01, 0.02}}},
		Flag:    [][]int64{{0}},
		Start:   start,
	}
}

func openManager(t *testing.T, dir string) *checkpoint.Manager {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(dir, "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store := checkpoint.NewStore(db)
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}
	cp, err := checkpoint.NewManager(store, dir)
	if err != nil {
		t.Fatal(err)
	}
	return cp
}

func TestExtractAndSave_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	t1 := time.Date(2024, 4, 11, 20, 58, 29, 0, time.UTC)
	t2 := time.Date(2024, 5, 2, 21, 10, 0, 0, time.UTC)
	t3 := time.Date(2024, 6, 12, 21, 5, 0, 0, time.UTC)
	granules := []models.Granule{
		{ID: "G1.nc", TimeStart: t1},
		{ID: "G2.nc", TimeStart: t2},
		{ID: "G3.nc", TimeStart: t3},
	}
	swaths := map[string]*dataset.MemSwath{
		"G1.nc": coveringSwath(t1, []float64{0.011, 0.012}),
		"G2.nc": farSwath(t2),
		"G3.nc": coveringSwath(t3, []float64{0.021, 0.022}),
	}
	opener := &fakeOpener{swaths: swaths}
	cp := openManager(t, dir)
	o := New(Config{OutputDir: dir, BatchSize: 2}, &fakeLocator{}, &fakeFetcher{}, opener, cp)

	path, err := o.ExtractAndSave(context.Background(), scripps, models.ProductRrc, granules)
	if err != nil {
		t.Fatalf("ExtractAndSave: %v", err)
	}
	if want := cp.FinalPath("SIO", models.ProductRrc); path != want {
		t.Fatalf("path = %q, want %q", path, want)
	}

	records, err := batch.ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2 (far granule has no usable pixel)", len(records))
	}
	if records[0].GranuleID != "G1.nc" || records[1].GranuleID != "G3.nc" {
		t.Errorf("records out of time order: %s, %s", records[0].GranuleID, records[1].GranuleID)
	}

	processed, err := cp.ProcessedIDs("SIO", models.ProductRrc)
	if err != nil {
		t.Fatal(err)
	}
	for _, g := range granules {
		if !processed[g.ID] {
			t.Errorf("granule %s not marked processed", g.ID)
		}
	}

	partials, err := cp.Partials("SIO", models.ProductRrc)
	if err != nil {
		t.Fatal(err)
	}
	if len(partials) != 0 {
		t.Errorf("partials left after finalize: %v", partials)
	}
	for id, sw := range swaths {
		if !sw.Closed {
			t.Errorf("swath %s not closed", id)
		}
	}

	// A repeat run finds the final file and touches nothing.
	again, err := o.ExtractAndSave(context.Background(), scripps, models.ProductRrc, granules)
	if err != nil {
		t.Fatalf("second ExtractAndSave: %v", err)
	}
	if again != path {
		t.Errorf("second path = %q, want %q", again, path)
	}
	for id, n := range opener.opens {
		if n != 1 {
			t.Errorf("granule %s opened %d times, want 1", id, n)
		}
	}
}

func TestExtractAndSave_ReadFailureDefersMerge(t *testing.T) {
	dir := t.TempDir()
	t1 := time.Date(2024, 4, 11, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	t3 := time.Date(2024, 6, 12, 0, 0, 0, 0, time.UTC)
	granules := []models.Granule{
		{ID: "G1.nc", TimeStart: t1},
		{ID: "G2.nc", TimeStart: t2},
		{ID: "G3.nc", TimeStart: t3},
	}
	opener := &fakeOpener{swaths: map[string]*dataset.MemSwath{
		"G1.nc": coveringSwath(t1, []float64{0.011, 0.012}),
		"G2.nc": coveringSwath(t2, []float64{0.015, 0.016}),
		"G3.nc": coveringSwath(t3, []float64{0.021, 0.022}),
	}}
	fetcher := &fakeFetcher{failing: map[string]bool{"G2.nc": true}}
	cp := openManager(t, dir)
	o := New(Config{OutputDir: dir}, &fakeLocator{}, fetcher, opener, cp)

	path, err := o.ExtractAndSave(context.Background(), scripps, models.ProductRrc, granules)
	if err != nil {
		t.Fatalf("first ExtractAndSave: %v", err)
	}
	if path != "" {
		t.Fatalf("path = %q, want empty while a granule is unread", path)
	}
	if o.cp.IsDone("SIO", models.ProductRrc) {
		t.Fatal("pair marked done despite a read failure")
	}

	processed, err := cp.ProcessedIDs("SIO", models.ProductRrc)
	if err != nil {
		t.Fatal(err)
	}
	if processed["G2.nc"] {
		t.Fatal("failed granule marked processed, would never be retried")
	}

	// The source recovers; only the failed granule is re-fetched.
	fetcher.failing = nil
	path, err = o.ExtractAndSave(context.Background(), scripps, models.ProductRrc, granules)
	if err != nil {
		t.Fatalf("second ExtractAndSave: %v", err)
	}
	records, err := batch.ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	if records[1].GranuleID != "G2.nc" {
		t.Errorf("records[1].GranuleID = %s, want G2.nc in time order", records[1].GranuleID)
	}
	for id, n := range opener.opens {
		if n != 1 {
			t.Errorf("granule %s opened %d times, want 1", id, n)
		}
	}
}

func TestExtractAndSave_ResumeAfterInterrupt(t *testing.T) {
	dir := t.TempDir()
	t1 := time.Date(2024, 4, 11, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	granules := []models.Granule{
		{ID: "G1.nc", TimeStart: t1},
		{ID: "G2.nc", TimeStart: t2},
	}
	swaths := func() map[string]*dataset.MemSwath {
		return map[string]*dataset.MemSwath{
			"G1.nc": coveringSwath(t1, []float64{0.011, 0.012}),
			"G2.nc": coveringSwath(t2, []float64{0.021, 0.022}),
		}
	}

	// First process: flushes the first one-record batch, then dies on
	// the second fetch.
	first := New(Config{OutputDir: dir, BatchSize: 1},
		&fakeLocator{}, &fakeFetcher{failing: map[string]bool{"G2.nc": true}},
		&fakeOpener{swaths: swaths()}, openManager(t, dir))
	if _, err := first.ExtractAndSave(context.Background(), scripps, models.ProductRrc, granules); err != nil {
		t.Fatalf("first ExtractAndSave: %v", err)
	}

	// Second process: fresh orchestrator over the same directory and
	// checkpoint database.
	opener := &fakeOpener{swaths: swaths()}
	second := New(Config{OutputDir: dir, BatchSize: 1},
		&fakeLocator{}, &fakeFetcher{}, opener, openManager(t, dir))
	path, err := second.ExtractAndSave(context.Background(), scripps, models.ProductRrc, granules)
	if err != nil {
		t.Fatalf("second ExtractAndSave: %v", err)
	}

	if opener.opens["G1.nc"] != 0 {
		t.Errorf("already-flushed granule re-opened %d times", opener.opens["G1.nc"])
	}
	records, err := batch.ReadRecords(path)
	if err != nil {
		t.Fatalf("ReadRecords: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2 with no duplicates", len(records))
	}
}

func TestRunRange_SkipsFinalizedPair(t *testing.T) {
	dir := t.TempDir()
	cp := openManager(t, dir)
	final := cp.FinalPath("SIO", models.ProductRrs)
	if err := os.WriteFile(final, []byte("done"), 0o644); err != nil {
		t.Fatal(err)
	}

	locator := &fakeLocator{err: errors.New("catalog down")}
	o := New(Config{OutputDir: dir}, locator, &fakeFetcher{}, &fakeOpener{}, cp)

	path, err := o.Run(context.Background(), scripps, models.ProductRrs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if path != final {
		t.Errorf("path = %q, want %q", path, final)
	}
	if locator.calls != 0 {
		t.Errorf("catalog queried %d times for a finalized pair", locator.calls)
	}
}

func TestExtractAndSave_Cancelled(t *testing.T) {
	dir := t.TempDir()
	cp := openManager(t, dir)
	o := New(Config{OutputDir: dir}, &fakeLocator{}, &fakeFetcher{}, &fakeOpener{}, cp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	granules := []models.Granule{{ID: "G1.nc", TimeStart: time.Now()}}
	_, err := o.ExtractAndSave(ctx, scripps, models.ProductRrc, granules)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRunStations_ContinuesPastFailures(t *testing.T) {
	dir := t.TempDir()
	locator := &fakeLocator{err: errors.New("catalog down")}
	o := New(Config{OutputDir: dir}, locator, &fakeFetcher{}, &fakeOpener{}, openManager(t, dir))

	stations := []models.Station{scripps, {Code: "MBY", Latitude: 36.6, Longitude: -121.9}}
	err := o.RunStations(context.Background(), stations, []models.ProductType{models.ProductRrs, models.ProductRrc}, models.TemporalRange{})
	if err == nil {
		t.Fatal("RunStations returned nil for failing catalog")
	}
	if locator.calls != 4 {
		t.Errorf("locator called %d times, want 4 (every pair attempted)", locator.calls)
	}
}
