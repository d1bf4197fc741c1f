// Package catalog queries the remote granule catalog and fetches
// granule files to local disk.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/erdemkarakoylu/overpass/internal/metrics"
	"github.com/erdemkarakoylu/overpass/internal/models"
)

// ErrUnavailable means the catalog could not be reached or answered
// with a server error after retries. It blocks all downstream work for
// the pair, so callers surface it rather than continuing.
var ErrUnavailable = errors.New("granule catalog unavailable")

const (
	defaultBaseURL  = "https://cmr.earthdata.nasa.gov/search"
	defaultPageSize = 500
)

// Client searches the CMR granule catalog.
type Client struct {
	baseURL  string
	pageSize int
	client   *http.Client
}

func NewClient() *Client {
	return &Client{
		baseURL:  defaultBaseURL,
		pageSize: defaultPageSize,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithBaseURL is used by tests to point at a local server.
func NewClientWithBaseURL(baseURL string) *Client {
	c := NewClient()
	c.baseURL = baseURL
	return c
}

type searchResponse struct {
	Feed struct {
		Entry []searchEntry `json:"entry"`
	} `json:"feed"`
}

type searchEntry struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	TimeStart string `json:"time_start"`
	Links     []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

// FindGranules returns every granule of the product overlapping the
// point and time window, ordered by acquisition time ascending. An
// empty result is not an error. ErrUnavailable wraps transport and
// server failures.
func (c *Client) FindGranules(ctx context.Context, product models.ProductType, lat, lon float64, temporal models.TemporalRange) ([]models.Granule, error) {
	log.Printf("catalog: searching %s granules at (%.3f, %.3f) for %s to %s",
		product, lat, lon, temporal.Start.Format("2006-01-02"), temporal.End.Format("2006-01-02"))

	var granules []models.Granule
	for page := 1; ; page++ {
		entries, err := c.searchPage(ctx, product, lat, lon, temporal, page)
		if err != nil {
			metrics.CatalogSearchesTotal.WithLabelValues(string(product), "error").Inc()
			return nil, err
		}
		for _, e := range entries {
			g, err := e.granule()
			if err != nil {
				log.Printf("catalog: skipping malformed entry %s: %v", e.ID, err)
				continue
			}
			granules = append(granules, g)
		}
		if len(entries) < c.pageSize {
			break
		}
	}

	sort.Slice(granules, func(i, j int) bool {
		return granules[i].TimeStart.Before(granules[j].TimeStart)
	})

	metrics.CatalogSearchesTotal.WithLabelValues(string(product), "ok").Inc()
	if len(granules) == 0 {
		log.Printf("catalog: no granules found for %s", product)
	} else {
		log.Printf("catalog: found %d granules for %s", len(granules), product)
	}
	return granules, nil
}

func (c *Client) searchPage(ctx context.Context, product models.ProductType, lat, lon float64, temporal models.TemporalRange, page int) ([]searchEntry, error) {
	q := url.Values{}
	q.Set("short_name", product.ShortName())
	q.Set("point", fmt.Sprintf("%g,%g", lon, lat))
	q.Set("temporal", fmt.Sprintf("%s,%s",
		temporal.Start.UTC().Format("2006-01-02T15:04:05Z"),
		temporal.End.UTC().Format("2006-01-02T15:04:05Z")))
	q.Set("sort_key", "start_date")
	q.Set("page_size", strconv.Itoa(c.pageSize))
	q.Set("page_num", strconv.Itoa(page))
	reqURL := c.baseURL + "/granules.json?" + q.Encode()

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("catalog request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("catalog status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("catalog status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read catalog response: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var result searchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return result.Feed.Entry, nil
}

func (e searchEntry) granule() (models.Granule, error) {
	start, err := time.Parse(time.RFC3339, e.TimeStart)
	if err != nil {
		return models.Granule{}, fmt.Errorf("parse time_start %q: %w", e.TimeStart, err)
	}

	id := e.Title
	if id == "" {
		id = e.ID
	}

	var downloadURL string
	for _, l := range e.Links {
		if l.Rel == "http://esipfed.org/ns/fedsearch/1.1/data#" {
			downloadURL = l.Href
			break
		}
	}

	return models.Granule{ID: id, TimeStart: start.UTC(), DownloadURL: downloadURL}, nil
}
