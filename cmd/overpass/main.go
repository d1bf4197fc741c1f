package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/erdemkarakoylu/overpass/internal/batch"
	"github.com/erdemkarakoylu/overpass/internal/catalog"
	"github.com/erdemkarakoylu/overpass/internal/checkpoint"
	"github.com/erdemkarakoylu/overpass/internal/dataset"
	"github.com/erdemkarakoylu/overpass/internal/filter"
	"github.com/erdemkarakoylu/overpass/internal/models"
	"github.com/erdemkarakoylu/overpass/internal/pipeline"
)

type Globals struct {
	OutputDir   string  `help:"Directory for batch checkpoints and final outputs." default:"pace_data" env:"OVERPASS_OUTPUT_DIR"`
	CacheDir    string  `help:"Directory for downloaded granule files." default:"granule_cache" env:"OVERPASS_CACHE_DIR"`
	BatchSize   int     `help:"Records per batch flush." default:"50" env:"OVERPASS_BATCH_SIZE"`
	Tolerance   float64 `help:"Max accepted station-to-pixel distance in degrees." default:"0.05" env:"OVERPASS_TOLERANCE"`
	Token       string  `help:"Earthdata bearer token for granule downloads." env:"EARTHDATA_TOKEN"`
	Mirror      string  `help:"Anonymous FTP mirror as host:port/base/path, used instead of HTTPS downloads." env:"OVERPASS_MIRROR"`
	MetricsAddr string  `help:"Expose Prometheus metrics on this address (e.g. :9090)." env:"OVERPASS_METRICS_ADDR"`
}

type ExtractCmd struct {
	Station string  `help:"Station code." required:""`
	Name    string  `help:"Station display name."`
	Lat     float64 `help:"Station latitude." required:""`
	Lon     float64 `help:"Station longitude." required:""`
	Product string  `help:"Product type." enum:"Rrs,Rrc" default:"Rrs"`
	Start   string  `help:"Start date (YYYY-MM-DD)." required:""`
	End     string  `help:"End date (YYYY-MM-DD)." required:""`
}

type RunCmd struct {
	Stations string   `arg:"" help:"Station list CSV (code,name,lat,lon)." type:"existingfile"`
	Products []string `help:"Product types to extract." default:"Rrs,Rrc"`
	Start    string   `help:"Start date (YYYY-MM-DD)." required:""`
	End      string   `help:"End date (YYYY-MM-DD)." required:""`
}

type FilterCmd struct {
	Input   string `arg:"" help:"Final output file to filter." type:"existingfile"`
	Product string `help:"Product type for flag rules." enum:"Rrs,Rrc" default:"Rrc"`
	Output  string `help:"Destination path. Defaults to a _filtered sibling."`
}

var cli struct {
	Globals

	Extract ExtractCmd `cmd:"" help:"Extract one station's time series."`
	Run     RunCmd     `cmd:"" help:"Extract every station in a CSV station list."`
	Filter  FilterCmd  `cmd:"" help:"Mask land/cloud/saturated records in a final dataset."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("overpass"),
		kong.Description("Extracts hyperspectral reflectance at fixed stations from PACE OCI level-2 granules."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func (c *ExtractCmd) Run(g *Globals) error {
	station := models.Station{Code: c.Station, Name: c.Name, Latitude: c.Lat, Longitude: c.Lon}
	product, err := models.ParseProductType(c.Product)
	if err != nil {
		return err
	}
	temporal, err := models.ParseTemporalRange(c.Start, c.End)
	if err != nil {
		return err
	}

	return g.withPipeline(product, func(ctx context.Context, orch *pipeline.Orchestrator) error {
		path, err := orch.RunRange(ctx, station, product, temporal)
		if err != nil {
			return err
		}
		if path == "" {
			log.Printf("main: [%s] %s: nothing new to extract", station.Code, product)
		}
		return nil
	})
}

func (c *RunCmd) Run(g *Globals) error {
	stations, err := models.LoadStationsCSV(c.Stations)
	if err != nil {
		return err
	}
	log.Printf("main: loaded %d stations from %s", len(stations), c.Stations)

	var products []models.ProductType
	for _, s := range c.Products {
		p, err := models.ParseProductType(s)
		if err != nil {
			return err
		}
		products = append(products, p)
	}

	temporal, err := models.ParseTemporalRange(c.Start, c.End)
	if err != nil {
		return err
	}

	// Products share catalog collections but not granule variables, so
	// each product gets its own pipeline over the shared checkpoint db.
	for _, p := range products {
		product := p
		err := g.withPipeline(product, func(ctx context.Context, orch *pipeline.Orchestrator) error {
			return orch.RunStations(ctx, stations, []models.ProductType{product}, temporal)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *FilterCmd) Run(g *Globals) error {
	product, err := models.ParseProductType(c.Product)
	if err != nil {
		return err
	}

	records, err := batch.ReadRecords(c.Input)
	if err != nil {
		return err
	}
	kept := filter.Apply(records, product)

	out := c.Output
	if out == "" {
		base := strings.TrimSuffix(c.Input, ".parquet")
		base = strings.TrimSuffix(base, "_final")
		out = base + "_filtered.parquet"
	}
	if err := batch.WriteRecords(out, kept); err != nil {
		return err
	}
	log.Printf("main: kept %d of %d records, wrote %s", len(kept), len(records), out)
	return nil
}

// withPipeline wires the catalog, downloader, granule opener and
// checkpoint store, then runs fn with signal-aware context so an
// interrupt leaves state at the last completed flush.
func (g *Globals) withPipeline(product models.ProductType, fn func(context.Context, *pipeline.Orchestrator) error) error {
	cp, err := g.openCheckpoints()
	if err != nil {
		return err
	}

	var fetcher pipeline.Fetcher
	if g.Mirror != "" {
		host, basePath, ok := strings.Cut(g.Mirror, "/")
		if !ok {
			return fmt.Errorf("mirror %q: want host:port/base/path", g.Mirror)
		}
		fetcher = catalog.NewMirror(host, "/"+basePath, g.CacheDir)
	} else {
		fetcher = catalog.NewDownloader(g.CacheDir, g.Token)
	}

	cfg := pipeline.Config{
		OutputDir:         g.OutputDir,
		BatchSize:         g.BatchSize,
		DistanceTolerance: g.Tolerance,
	}
	orch := pipeline.New(cfg, catalog.NewClient(), fetcher, dataset.NewNetCDFOpener(product.VarName()), cp)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if g.MetricsAddr != "" {
		go func() {
			log.Printf("main: serving metrics on %s", g.MetricsAddr)
			if err := http.ListenAndServe(g.MetricsAddr, promhttp.Handler()); err != nil {
				log.Printf("main: metrics server: %v", err)
			}
		}()
	}

	return fn(ctx, orch)
}

func (g *Globals) openCheckpoints() (*checkpoint.Manager, error) {
	if err := os.MkdirAll(g.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(g.OutputDir, "checkpoints.db"))
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	store := checkpoint.NewStore(db)
	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return checkpoint.NewManager(store, g.OutputDir)
}
