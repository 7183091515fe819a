// Package storage persists scraped products and the link ledger.
package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/fashion-scraper/internal/models"
)

// Sink receives every product record the pipeline produces, partial ones
// included.
type Sink interface {
	Save(ctx context.Context, record *models.ProductRecord) error
	Close() error
}

// JSONDir writes one pretty-printed file per product.
type JSONDir struct {
	dir string
}

func NewJSONDir(dir string) (*JSONDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %q: %w", dir, err)
	}
	return &JSONDir{dir: dir}, nil
}

// Path returns the file a record is stored in.
func (j *JSONDir) Path(record *models.ProductRecord) string {
	id := record.ProductID
	if id == "" {
		id = strconv.FormatInt(record.Source.ScrapedAt.UnixNano(), 10)
	}
	return filepath.Join(j.dir, "product_"+id+".json")
}

func (j *JSONDir) Save(_ context.Context, record *models.ProductRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode product: %w", err)
	}
	if err := writeAtomic(j.Path(record), data); err != nil {
		return fmt.Errorf("write product file: %w", err)
	}
	return nil
}

func (j *JSONDir) Close() error { return nil }

var csvHeader = []string{
	"product_id", "name", "brand", "price", "currency", "overall_rating",
	"total_reviews", "reviews", "images", "sizes", "category", "url", "scraped_at",
}

// CSVWriter appends a one-line summary per product.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{file: f, writer: writer}, nil
}

func (cw *CSVWriter) Save(_ context.Context, record *models.ProductRecord) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	row := []string{
		record.ProductID,
		models.StringOrEmpty(record.Name),
		models.StringOrEmpty(record.Brand),
		record.Price.String(),
		record.Currency,
		formatFloat(record.OverallRating),
		formatInt(record.TotalReviews),
		strconv.Itoa(len(record.AllReviews)),
		strconv.Itoa(len(record.Images)),
		strings.Join(record.Sizes, "|"),
		record.Source.Category,
		record.URL,
		record.Source.ScrapedAt.Format(time.RFC3339),
	}
	if err := cw.writer.Write(row); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Multi fans a record out to every sink. All sinks are attempted; their
// errors are joined.
type Multi []Sink

func (m Multi) Save(ctx context.Context, record *models.ProductRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, record); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// writeAtomic writes to a temp file next to filename and renames it.
func writeAtomic(filename string, data []byte) error {
	if err := ensureDir(filename); err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}
