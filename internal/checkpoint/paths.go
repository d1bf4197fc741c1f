package checkpoint

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/erdemkarakoylu/overpass/internal/models"
)

// PartialName returns the file name for one flushed batch.
func PartialName(code string, product models.ProductType, index int) string {
	return fmt.Sprintf("partial_%s_%s_b%04d.parquet", code, product, index)
}

// FinalName returns the merged output file name for a station/product pair.
func FinalName(code string, product models.ProductType) string {
	return fmt.Sprintf("%s_%s_final.parquet", code, product)
}

// partialIndex parses the batch index out of a partial file path, or -1.
func partialIndex(path, code string, product models.ProductType) int {
	name := filepath.Base(path)
	prefix := fmt.Sprintf("partial_%s_%s_b", code, product)
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".parquet") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".parquet"))
	if err != nil {
		return -1
	}
	return n
}

// sortByIndex orders partial file paths by ascending batch index.
func sortByIndex(paths []string, code string, product models.ProductType) {
	sort.Slice(paths, func(i, j int) bool {
		return partialIndex(paths[i], code, product) < partialIndex(paths[j], code, product)
	})
}
