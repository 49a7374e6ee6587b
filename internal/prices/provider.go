package prices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrUnavailable is returned by Provider.Snapshot before the first successful
// refresh. Callers are expected to degrade to a fallback decision rather than
// fail the request.
var ErrUnavailable = errors.New("tariff table not loaded")

// Source produces a fresh tariff table.
type Source interface {
	Fetch(ctx context.Context) (*Table, error)
}

// FileSource reads the tariff table from a CSV file on disk.
type FileSource struct {
	path   string
	logger zerolog.Logger
}

// NewFileSource constructs a file-backed tariff source.
func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	return &FileSource{
		path:   path,
		logger: logger.With().Str("component", "price_file").Logger(),
	}
}

// Fetch parses the CSV file. Unparseable rows are logged and skipped; missing
// hours are tolerated because lookups fall back per hour.
func (s *FileSource) Fetch(_ context.Context) (*Table, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open tariff file: %w", err)
	}
	defer f.Close()

	table, skipped, err := ParseCSV(f)
	for _, reason := range skipped {
		s.logger.Warn().Str("path", s.path).Str("row", reason).Msg("skipped tariff row")
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if missing := table.MissingHours(); len(missing) > 0 {
		s.logger.Warn().Str("path", s.path).Ints("hours", missing).Msg("tariff file incomplete, fallback prices apply")
	}
	return table, nil
}

// Provider hands out the latest good tariff snapshot. Refresh swaps the
// snapshot atomically, so concurrent decision requests always read a
// consistent table and keep serving the previous one while a refresh fails.
type Provider struct {
	source Source
	logger zerolog.Logger
	table  atomic.Pointer[Table]
}

// NewProvider constructs a provider over the given source.
func NewProvider(source Source, logger zerolog.Logger) *Provider {
	return &Provider{
		source: source,
		logger: logger.With().Str("component", "price_provider").Logger(),
	}
}

// Refresh fetches a new table and installs it. On error the previous
// snapshot, if any, stays in place.
func (p *Provider) Refresh(ctx context.Context) error {
	table, err := p.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("refresh tariff table: %w", err)
	}
	p.table.Store(table)
	p.logger.Debug().Int("hours", table.Len()).Msg("tariff table refreshed")
	return nil
}

// Snapshot returns the current table, or ErrUnavailable when no refresh has
// succeeded yet.
func (p *Provider) Snapshot() (*Table, error) {
	table := p.table.Load()
	if table == nil {
		return nil, ErrUnavailable
	}
	return table, nil
}

var _ Source = (*FileSource)(nil)
