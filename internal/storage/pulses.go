package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Pulse is a single stored sample for a monitor.
type Pulse struct {
	MonitorID string    `json:"monitorId"`
	Timestamp time.Time `json:"timestamp"`
	Latency   *float64  `json:"latency"`
	Custom1   *float64  `json:"custom1"`
	Custom2   *float64  `json:"custom2"`
	Custom3   *float64  `json:"custom3"`
	Synthetic bool      `json:"synthetic"`
}

// InsertPulses writes a batch using the COPY protocol.
func (s *Store) InsertPulses(ctx context.Context, batch []Pulse) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Warn("failed to rollback transaction", "error", err)
		}
	}()

	copyCount, err := tx.Conn().CopyFrom(
		ctx,
		pgx.Identifier{"pulses"},
		[]string{"monitor_id", "ts", "latency", "custom1", "custom2", "custom3", "synthetic"},
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			p := batch[i]
			return []any{p.MonitorID, p.Timestamp, p.Latency, p.Custom1, p.Custom2, p.Custom3, p.Synthetic}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("COPY operation failed: %w", err)
	}
	if copyCount != int64(len(batch)) {
		return fmt.Errorf("COPY count mismatch: expected %d, got %d", len(batch), copyCount)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountIntervalBuckets counts distinct interval-sized buckets containing at
// least one pulse in (from, to]. Bucket = floor(epoch / interval).
func (s *Store) CountIntervalBuckets(ctx context.Context, monitorID string, intervalSeconds int64, from, to time.Time) (int64, error) {
	const q = `
		SELECT COUNT(DISTINCT FLOOR(EXTRACT(EPOCH FROM ts) / $2))
		FROM pulses
		WHERE monitor_id = $1 AND ts > $3 AND ts <= $4
	`
	var count int64
	if err := s.pool.QueryRow(ctx, q, monitorID, intervalSeconds, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count interval buckets: %w", err)
	}
	return count, nil
}

// LatestPulse returns the monitor's most recent pulse, or nil when none
// exists.
func (s *Store) LatestPulse(ctx context.Context, monitorID string) (*Pulse, error) {
	const q = `
		SELECT monitor_id, ts, latency, custom1, custom2, custom3, synthetic
		FROM pulses
		WHERE monitor_id = $1
		ORDER BY ts DESC
		LIMIT 1
	`
	p := &Pulse{}
	err := s.pool.QueryRow(ctx, q, monitorID).Scan(
		&p.MonitorID, &p.Timestamp, &p.Latency, &p.Custom1, &p.Custom2, &p.Custom3, &p.Synthetic,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest pulse: %w", err)
	}
	return p, nil
}

// LastRealPulseInWindow returns the newest non-synthetic pulse in [from, to),
// or nil. Backfill uses it to decide whether a monitor was known healthy
// before a storage outage.
func (s *Store) LastRealPulseInWindow(ctx context.Context, monitorID string, from, to time.Time) (*Pulse, error) {
	const q = `
		SELECT monitor_id, ts, latency, custom1, custom2, custom3, synthetic
		FROM pulses
		WHERE monitor_id = $1 AND NOT synthetic AND ts >= $2 AND ts < $3
		ORDER BY ts DESC
		LIMIT 1
	`
	p := &Pulse{}
	err := s.pool.QueryRow(ctx, q, monitorID, from, to).Scan(
		&p.MonitorID, &p.Timestamp, &p.Latency, &p.Custom1, &p.Custom2, &p.Custom3, &p.Synthetic,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query window pulse: %w", err)
	}
	return p, nil
}

// FirstPulseTime returns the timestamp of the monitor's first ever pulse.
func (s *Store) FirstPulseTime(ctx context.Context, monitorID string) (time.Time, bool, error) {
	const q = `SELECT MIN(ts) FROM pulses WHERE monitor_id = $1`
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, q, monitorID).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query first pulse: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// RawSeries returns pulses in (from, to], newest last, for history queries.
func (s *Store) RawSeries(ctx context.Context, monitorID string, from, to time.Time) ([]Pulse, error) {
	const q = `
		SELECT monitor_id, ts, latency, custom1, custom2, custom3, synthetic
		FROM pulses
		WHERE monitor_id = $1 AND ts > $2 AND ts <= $3
		ORDER BY ts ASC
	`
	rows, err := s.pool.Query(ctx, q, monitorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query raw series: %w", err)
	}
	defer rows.Close()

	var out []Pulse
	for rows.Next() {
		var p Pulse
		if err := rows.Scan(&p.MonitorID, &p.Timestamp, &p.Latency, &p.Custom1, &p.Custom2, &p.Custom3, &p.Synthetic); err != nil {
			return nil, fmt.Errorf("failed to scan pulse row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
