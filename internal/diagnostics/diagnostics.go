// Package diagnostics persists raw page markup when a scrape cannot find
// the data it needs.
package diagnostics

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Artifact prefixes.
const (
	KindNoProducts   = "asos_debug"
	KindChallenge    = "asos_bot_detection"
	KindMissingPrice = "asos_product_debug"
)

// Sink receives debug markup. Implementations must be safe for concurrent
// use.
type Sink interface {
	Save(kind, pageURL, markup string) (string, error)
}

// Dir writes artifacts as <kind>_<unix>.html files in one directory.
// Existing files are never overwritten; a numeric suffix is added instead.
type Dir struct {
	path   string
	now    func() time.Time
	logger *slog.Logger
}

func NewDir(path string, logger *slog.Logger) *Dir {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{
		path:   path,
		now:    time.Now,
		logger: logger.With("component", "diagnostics"),
	}
}

func (d *Dir) Save(kind, pageURL, markup string) (string, error) {
	if err := os.MkdirAll(d.path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create debug dir: %w", err)
	}

	ts := d.now().Unix()
	for n := 0; n < 1000; n++ {
		name := fmt.Sprintf("%s_%d.html", kind, ts)
		if n > 0 {
			name = fmt.Sprintf("%s_%d_%d.html", kind, ts, n)
		}
		path := filepath.Join(d.path, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create debug artifact: %w", err)
		}

		_, werr := f.WriteString(markup)
		cerr := f.Close()
		if werr != nil {
			return "", fmt.Errorf("failed to write debug artifact: %w", werr)
		}
		if cerr != nil {
			return "", fmt.Errorf("failed to close debug artifact: %w", cerr)
		}

		d.logger.Info("saved debug artifact", "kind", kind, "url", pageURL, "path", path)
		return path, nil
	}

	return "", fmt.Errorf("failed to allocate debug artifact name for %s", kind)
}

// Nop discards artifacts.
type Nop struct{}

func (Nop) Save(string, string, string) (string, error) { return "", nil }
