package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RemoteOptions parameterise the HTTP tariff source.
type RemoteOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// RemoteSource fetches the tariff table from the energy platform's HTTP API.
type RemoteSource struct {
	opts   RemoteOptions
	logger zerolog.Logger
	client *http.Client
}

// NewRemoteSource constructs an HTTP-backed tariff source.
func NewRemoteSource(opts RemoteOptions, logger zerolog.Logger) *RemoteSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RemoteSource{
		opts:   opts,
		logger: logger.With().Str("component", "price_remote").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves and decodes the per-hour tariff list.
func (s *RemoteSource) Fetch(ctx context.Context) (*Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "c4e-agent/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var body tariffResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("decode tariff response: %w", err)
	}
	if len(body.Tariffs) == 0 {
		return nil, fmt.Errorf("tariff response carried no rows")
	}

	table := &Table{}
	for _, row := range body.Tariffs {
		if row.Hour < 0 || row.Hour >= HoursPerDay {
			s.logger.Warn().Int("hour", row.Hour).Msg("tariff row hour out of range, skipped")
			continue
		}
		if row.Purchase < 0 || row.Sale < 0 {
			s.logger.Warn().Int("hour", row.Hour).Msg("tariff row negative price, skipped")
			continue
		}
		table.entries[row.Hour] = Entry{Purchase: row.Purchase, Sale: row.Sale}
		table.present[row.Hour] = true
	}
	if table.Len() == 0 {
		return nil, fmt.Errorf("tariff response carried no usable rows")
	}
	if missing := table.MissingHours(); len(missing) > 0 {
		s.logger.Warn().Ints("hours", missing).Msg("tariff response incomplete, fallback prices apply")
	}
	return table, nil
}

type tariffResponse struct {
	Tariffs []tariffRow `json:"tariffs"`
}

type tariffRow struct {
	Hour     int     `json:"hour"`
	Purchase float64 `json:"purchase"`
	Sale     float64 `json:"sale"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("tariff api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("tariff api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("tariff api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("tariff api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("tariff api error (%d)", status)
}

var _ Source = (*RemoteSource)(nil)
