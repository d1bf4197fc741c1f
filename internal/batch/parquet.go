package batch

import (
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/erdemkarakoylu/overpass/internal/models"
)

// row is the Parquet schema for one extraction record.
type row struct {
	StationCode  string    `parquet:"name=station_code, type=BYTE_ARRAY, convertedtype=UTF8"`
	GranuleID    string    `parquet:"name=granule_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time         int64     `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	RequestedLat float64   `parquet:"name=requested_lat, type=DOUBLE"`
	RequestedLon float64   `parquet:"name=requested_lon, type=DOUBLE"`
	PixelLat     float64   `parquet:"name=pixel_lat, type=DOUBLE"`
	PixelLon     float64   `parquet:"name=pixel_lon, type=DOUBLE"`
	Wavelengths  []float64 `parquet:"name=wavelength, type=DOUBLE, repetitiontype=REPEATED"`
	Spectrum     []float64 `parquet:"name=spectrum, type=DOUBLE, repetitiontype=REPEATED"`
	L2Flags      int64     `parquet:"name=l2_flags, type=INT64"`
}

func toRow(r models.ExtractionRecord) row {
	return row{
		StationCode:  r.StationCode,
		GranuleID:    r.GranuleID,
		Time:         r.Time.UnixMilli(),
		RequestedLat: r.RequestedLat,
		RequestedLon: r.RequestedLon,
		PixelLat:     r.PixelLat,
		PixelLon:     r.PixelLon,
		Wavelengths:  r.Wavelengths,
		Spectrum:     r.Spectrum,
		L2Flags:      r.L2Flags,
	}
}

func fromRow(r row) models.ExtractionRecord {
	return models.ExtractionRecord{
		StationCode:  r.StationCode,
		GranuleID:    r.GranuleID,
		Time:         time.UnixMilli(r.Time).UTC(),
		RequestedLat: r.RequestedLat,
		RequestedLon: r.RequestedLon,
		PixelLat:     r.PixelLat,
		PixelLon:     r.PixelLon,
		Wavelengths:  r.Wavelengths,
		Spectrum:     r.Spectrum,
		L2Flags:      r.L2Flags,
	}
}

// WriteRecords writes records to a Parquet file at path. The write goes
// to a temporary sibling first and is renamed into place, so a partial
// file is never visible under the target name.
func WriteRecords(path string, records []models.ExtractionRecord) error {
	tmp := path + ".tmp"

	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	pw, err := writer.NewParquetWriter(fw, new(row), 1)
	if err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("parquet writer for %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(toRow(rec)); err != nil {
			fw.Close()
			os.Remove(tmp)
			return fmt.Errorf("write record %s: %w", rec.GranuleID, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("finish %s: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadRecords reads every record from a Parquet file written by
// WriteRecords.
func ReadRecords(path string) ([]models.ExtractionRecord, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(row), 1)
	if err != nil {
		return nil, fmt.Errorf("parquet reader for %s: %w", path, err)
	}
	defer pr.ReadStop()

	rows := make([]row, pr.GetNumRows())
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	records := make([]models.ExtractionRecord, len(rows))
	for i, r := range rows {
		records[i] = fromRow(r)
	}
	return records, nil
}
