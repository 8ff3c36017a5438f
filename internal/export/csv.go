package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chrisgadekar/maharera-scraper/internal/core/engine"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"
)

// CSVSink appends records to a CSV partition with a fixed column order. Each
// worker writes its own partition so the shared tracker store stays the only
// contended resource; partitions are merged offline.
type CSVSink struct {
	mu      sync.Mutex
	path    string
	columns []string
	log     *logger.Logger
}

// NewCSVSink prepares a sink at path writing unit_id plus the given columns.
// The header is written on first append to a fresh file only, so re-running
// against an existing partition keeps appending rows.
func NewCSVSink(path string, columns []string) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create export dir: %w", err)
		}
	}
	return &CSVSink{path: path, columns: columns, log: logger.New("CSVSink")}, nil
}

func (s *CSVSink) Append(_ context.Context, records []engine.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	info, statErr := os.Stat(s.path)
	fresh := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open export partition: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if fresh {
		if err := w.Write(append([]string{"unit_id"}, s.columns...)); err != nil {
			return fmt.Errorf("write export header: %w", err)
		}
	}
	for _, r := range records {
		row := make([]string, 0, len(s.columns)+1)
		row = append(row, r.UnitID)
		for _, c := range s.columns {
			row = append(row, r.Fields[c])
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("write export row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush export partition: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync export partition: %w", err)
	}
	s.log.LogDebugf("appended %d record(s) to %s", len(records), s.path)
	return nil
}
