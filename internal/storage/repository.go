package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertDecisionSQL = `INSERT INTO decisions (
        request_id,
        decided_at,
        hour,
        production_kwh,
        consumption_kwh,
        storage_kwh,
        storage_max_kwh,
        p2p_price,
        to_storage_kwh,
        sell_grid_kwh,
        buy_grid_kwh,
        from_storage_kwh,
        net_cost,
        status,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
    )
    ON CONFLICT (request_id) DO NOTHING;`

	decisionColumns = `
        id,
        request_id,
        decided_at,
        hour,
        production_kwh,
        consumption_kwh,
        storage_kwh,
        storage_max_kwh,
        p2p_price,
        to_storage_kwh,
        sell_grid_kwh,
        buy_grid_kwh,
        from_storage_kwh,
        net_cost,
        status,
        error,
        created_at`

	listRecentDecisionsSQL = `SELECT` + decisionColumns + `
    FROM decisions
    ORDER BY decided_at DESC
    LIMIT $1;`

	listDecisionsBetweenSQL = `SELECT` + decisionColumns + `
    FROM decisions
    WHERE decided_at >= $1
      AND decided_at < $2
    ORDER BY decided_at;`

	countDecisionsSQL = `SELECT COUNT(*) FROM decisions;`

	deleteDecisionsBeforeSQL = `DELETE FROM decisions WHERE decided_at < $1;`

	insertSpikeAlertSQL = `INSERT INTO spike_alerts (
        forecast_at,
        spike_hour,
        spike_price,
        hours_away,
        threshold,
        channels
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    RETURNING id, forecast_at, spike_hour, spike_price, hours_away, threshold, channels, created_at;`

	listRecentSpikeAlertsSQL = `SELECT
        id,
        forecast_at,
        spike_hour,
        spike_price,
        hours_away,
        threshold,
        channels,
        created_at
    FROM spike_alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	lastSpikeAlertSQL = `SELECT
        id,
        forecast_at,
        spike_hour,
        spike_price,
        hours_away,
        threshold,
        channels,
        created_at
    FROM spike_alerts
    WHERE spike_hour = $1
    ORDER BY created_at DESC
    LIMIT 1;`

	deleteSpikeAlertsBeforeSQL = `DELETE FROM spike_alerts WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// DecisionStore defines operations for decision auditing.
type DecisionStore interface {
	InsertDecision(ctx context.Context, rec DecisionRecord) error
	ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	ListDecisionsBetween(ctx context.Context, from, to time.Time) ([]DecisionRecord, error)
	CountDecisions(ctx context.Context) (int64, error)
	DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) error
}

// SpikeAlertStore defines operations for spike alert auditing.
type SpikeAlertStore interface {
	InsertSpikeAlert(ctx context.Context, alert SpikeAlertRecord) (SpikeAlertRecord, error)
	ListRecentSpikeAlerts(ctx context.Context, limit int) ([]SpikeAlertRecord, error)
	LastSpikeAlert(ctx context.Context, spikeHour int) (SpikeAlertRecord, bool, error)
	DeleteSpikeAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to decisions and spike alerts.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort: the lock is tied to the connection and released
		// anyway once the connection is returned.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertDecision persists one decision. Replays of the same request id are
// ignored.
func (s *Store) InsertDecision(ctx context.Context, rec DecisionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	_, execErr := pool.Exec(ctx, insertDecisionSQL,
		rec.RequestID.String(),
		rec.DecidedAt,
		rec.Hour,
		rec.Production,
		rec.Consumption,
		rec.StorageLevel,
		rec.StorageMax,
		rec.P2PPrice.String(),
		rec.ToStorage,
		rec.SellToGrid,
		rec.BuyFromGrid,
		rec.FromStorage,
		rec.NetCost.String(),
		rec.Status,
		errMsg,
	)
	if execErr != nil {
		return fmt.Errorf("insert decision: %w", execErr)
	}
	return nil
}

// ListRecentDecisions lists the most recent decisions, newest first.
func (s *Store) ListRecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()

	records := make([]DecisionRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanDecision(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListDecisionsBetween lists decisions within a time window.
func (s *Store) ListDecisionsBetween(ctx context.Context, from, to time.Time) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDecisionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list decisions between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]DecisionRecord, 0)
	for rows.Next() {
		rec, scanErr := scanDecision(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountDecisions counts stored decisions.
func (s *Store) CountDecisions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countDecisionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count decisions: %w", scanErr)
	}
	return count, nil
}

// DeleteDecisionsBefore deletes historical decisions.
func (s *Store) DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteDecisionsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete decisions before: %w", execErr)
	}
	return nil
}

// InsertSpikeAlert persists a spike alert emission.
func (s *Store) InsertSpikeAlert(ctx context.Context, alert SpikeAlertRecord) (SpikeAlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return SpikeAlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertSpikeAlertSQL,
		alert.ForecastAt,
		alert.SpikeHour,
		alert.SpikePrice.String(),
		alert.HoursAway,
		alert.Threshold.String(),
		alert.Channels,
	)

	rec, scanErr := scanSpikeAlert(row)
	if scanErr != nil {
		return SpikeAlertRecord{}, fmt.Errorf("insert spike alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentSpikeAlerts lists the most recent spike alerts.
func (s *Store) ListRecentSpikeAlerts(ctx context.Context, limit int) ([]SpikeAlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSpikeAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent spike alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]SpikeAlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanSpikeAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// LastSpikeAlert returns the latest alert emitted for the given spike hour.
// The boolean reports whether one exists.
func (s *Store) LastSpikeAlert(ctx context.Context, spikeHour int) (SpikeAlertRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return SpikeAlertRecord{}, false, err
	}

	row := pool.QueryRow(ctx, lastSpikeAlertSQL, spikeHour)
	rec, scanErr := scanSpikeAlert(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return SpikeAlertRecord{}, false, nil
		}
		return SpikeAlertRecord{}, false, fmt.Errorf("last spike alert: %w", scanErr)
	}
	return rec, true, nil
}

// DeleteSpikeAlertsBefore deletes historical spike alerts.
func (s *Store) DeleteSpikeAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSpikeAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete spike alerts before: %w", execErr)
	}
	return nil
}

func scanDecision(row pgx.Row) (DecisionRecord, error) {
	var (
		rec       DecisionRecord
		requestID string
		p2pPrice  string
		netCost   string
		errMsg    sql.NullString
	)

	if err := row.Scan(
		&rec.ID,
		&requestID,
		&rec.DecidedAt,
		&rec.Hour,
		&rec.Production,
		&rec.Consumption,
		&rec.StorageLevel,
		&rec.StorageMax,
		&p2pPrice,
		&rec.ToStorage,
		&rec.SellToGrid,
		&rec.BuyFromGrid,
		&rec.FromStorage,
		&netCost,
		&rec.Status,
		&errMsg,
		&rec.CreatedAt,
	); err != nil {
		return DecisionRecord{}, err
	}

	id, err := uuid.Parse(requestID)
	if err != nil {
		return DecisionRecord{}, fmt.Errorf("parse request id: %w", err)
	}
	rec.RequestID = id

	if rec.P2PPrice, err = decimal.NewFromString(p2pPrice); err != nil {
		return DecisionRecord{}, fmt.Errorf("parse p2p price: %w", err)
	}
	if rec.NetCost, err = decimal.NewFromString(netCost); err != nil {
		return DecisionRecord{}, fmt.Errorf("parse net cost: %w", err)
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}

	return rec, nil
}

func scanSpikeAlert(row pgx.Row) (SpikeAlertRecord, error) {
	var (
		rec        SpikeAlertRecord
		spikePrice string
		threshold  string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.ForecastAt,
		&rec.SpikeHour,
		&spikePrice,
		&rec.HoursAway,
		&threshold,
		&rec.Channels,
		&rec.CreatedAt,
	); err != nil {
		return SpikeAlertRecord{}, err
	}

	var err error
	if rec.SpikePrice, err = decimal.NewFromString(spikePrice); err != nil {
		return SpikeAlertRecord{}, fmt.Errorf("parse spike price: %w", err)
	}
	if rec.Threshold, err = decimal.NewFromString(threshold); err != nil {
		return SpikeAlertRecord{}, fmt.Errorf("parse threshold: %w", err)
	}

	return rec, nil
}

var (
	_ DecisionStore   = (*Store)(nil)
	_ SpikeAlertStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
