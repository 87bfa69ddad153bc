package storage

import (
	"context"
	"fmt"
	"time"
)

// FieldStats holds min/max/avg for a nullable metric column.
type FieldStats struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
	Avg *float64 `json:"avg"`
}

// HourStats is the raw material for one hourly roll-up row.
type HourStats struct {
	DistinctBuckets int64
	Latency         FieldStats
	Custom1         FieldStats
	Custom2         FieldStats
	Custom3         FieldStats
}

// HourlyRow is one row of pulses_hourly.
type HourlyRow struct {
	MonitorID string     `json:"monitorId"`
	Hour      time.Time  `json:"hour"`
	Uptime    float64    `json:"uptime"`
	Latency   FieldStats `json:"latency"`
	Custom1   FieldStats `json:"custom1"`
	Custom2   FieldStats `json:"custom2"`
	Custom3   FieldStats `json:"custom3"`
}

// DailyRow is one row of pulses_daily.
type DailyRow struct {
	MonitorID string     `json:"monitorId"`
	Day       time.Time  `json:"day"`
	Uptime    float64    `json:"uptime"`
	Latency   FieldStats `json:"latency"`
	Custom1   FieldStats `json:"custom1"`
	Custom2   FieldStats `json:"custom2"`
	Custom3   FieldStats `json:"custom3"`
}

// LastAggregatedHour returns the newest hour present in pulses_hourly for
// the monitor.
func (s *Store) LastAggregatedHour(ctx context.Context, monitorID string) (time.Time, bool, error) {
	const q = `SELECT MAX(hour) FROM pulses_hourly WHERE monitor_id = $1`
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, q, monitorID).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last aggregated hour: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// HourStats computes bucket counts and metric stats for the hour starting at
// hourStart.
func (s *Store) HourStats(ctx context.Context, monitorID string, intervalSeconds int64, hourStart time.Time) (HourStats, error) {
	const q = `
		SELECT
			COUNT(DISTINCT FLOOR(EXTRACT(EPOCH FROM ts) / $2)),
			MIN(latency), MAX(latency), AVG(latency),
			MIN(custom1), MAX(custom1), AVG(custom1),
			MIN(custom2), MAX(custom2), AVG(custom2),
			MIN(custom3), MAX(custom3), AVG(custom3)
		FROM pulses
		WHERE monitor_id = $1 AND ts >= $3 AND ts < $4
	`
	var st HourStats
	err := s.pool.QueryRow(ctx, q, monitorID, intervalSeconds, hourStart, hourStart.Add(time.Hour)).Scan(
		&st.DistinctBuckets,
		&st.Latency.Min, &st.Latency.Max, &st.Latency.Avg,
		&st.Custom1.Min, &st.Custom1.Max, &st.Custom1.Avg,
		&st.Custom2.Min, &st.Custom2.Max, &st.Custom2.Avg,
		&st.Custom3.Min, &st.Custom3.Max, &st.Custom3.Avg,
	)
	if err != nil {
		return HourStats{}, fmt.Errorf("failed to compute hour stats: %w", err)
	}
	return st, nil
}

// InsertHourly writes one roll-up row. ON CONFLICT DO NOTHING keeps the job
// idempotent if a bucket was already written by an aborted run.
func (s *Store) InsertHourly(ctx context.Context, row HourlyRow) error {
	const q = `
		INSERT INTO pulses_hourly (
			monitor_id, hour, uptime,
			latency_min, latency_max, latency_avg,
			custom1_min, custom1_max, custom1_avg,
			custom2_min, custom2_max, custom2_avg,
			custom3_min, custom3_max, custom3_avg
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (monitor_id, hour) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, q,
		row.MonitorID, row.Hour, row.Uptime,
		row.Latency.Min, row.Latency.Max, row.Latency.Avg,
		row.Custom1.Min, row.Custom1.Max, row.Custom1.Avg,
		row.Custom2.Min, row.Custom2.Max, row.Custom2.Avg,
		row.Custom3.Min, row.Custom3.Max, row.Custom3.Avg,
	)
	if err != nil {
		return fmt.Errorf("failed to insert hourly row: %w", err)
	}
	return nil
}

// LastAggregatedDay returns the newest day present in pulses_daily.
func (s *Store) LastAggregatedDay(ctx context.Context, monitorID string) (time.Time, bool, error) {
	const q = `SELECT MAX(day) FROM pulses_daily WHERE monitor_id = $1`
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, q, monitorID).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last aggregated day: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// FirstHourlyTime returns the earliest hour present in pulses_hourly.
func (s *Store) FirstHourlyTime(ctx context.Context, monitorID string) (time.Time, bool, error) {
	const q = `SELECT MIN(hour) FROM pulses_hourly WHERE monitor_id = $1`
	var ts *time.Time
	if err := s.pool.QueryRow(ctx, q, monitorID).Scan(&ts); err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query first hourly row: %w", err)
	}
	if ts == nil {
		return time.Time{}, false, nil
	}
	return *ts, true, nil
}

// DayStats summarizes the hourly rows of one day: uptime is the mean of the
// hourly uptimes, metric fields fold min/max and average the averages.
func (s *Store) DayStats(ctx context.Context, monitorID string, dayStart time.Time) (DailyRow, bool, error) {
	const q = `
		SELECT
			COUNT(*), AVG(uptime),
			MIN(latency_min), MAX(latency_max), AVG(latency_avg),
			MIN(custom1_min), MAX(custom1_max), AVG(custom1_avg),
			MIN(custom2_min), MAX(custom2_max), AVG(custom2_avg),
			MIN(custom3_min), MAX(custom3_max), AVG(custom3_avg)
		FROM pulses_hourly
		WHERE monitor_id = $1 AND hour >= $2 AND hour < $3
	`
	var (
		count  int64
		uptime *float64
		row    DailyRow
	)
	err := s.pool.QueryRow(ctx, q, monitorID, dayStart, dayStart.AddDate(0, 0, 1)).Scan(
		&count, &uptime,
		&row.Latency.Min, &row.Latency.Max, &row.Latency.Avg,
		&row.Custom1.Min, &row.Custom1.Max, &row.Custom1.Avg,
		&row.Custom2.Min, &row.Custom2.Max, &row.Custom2.Avg,
		&row.Custom3.Min, &row.Custom3.Max, &row.Custom3.Avg,
	)
	if err != nil {
		return DailyRow{}, false, fmt.Errorf("failed to compute day stats: %w", err)
	}
	if count == 0 || uptime == nil {
		return DailyRow{}, false, nil
	}
	row.MonitorID = monitorID
	row.Day = dayStart
	row.Uptime = *uptime
	return row, true, nil
}

// InsertDaily writes one daily roll-up row.
func (s *Store) InsertDaily(ctx context.Context, row DailyRow) error {
	const q = `
		INSERT INTO pulses_daily (
			monitor_id, day, uptime,
			latency_min, latency_max, latency_avg,
			custom1_min, custom1_max, custom1_avg,
			custom2_min, custom2_max, custom2_avg,
			custom3_min, custom3_max, custom3_avg
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (monitor_id, day) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, q,
		row.MonitorID, row.Day, row.Uptime,
		row.Latency.Min, row.Latency.Max, row.Latency.Avg,
		row.Custom1.Min, row.Custom1.Max, row.Custom1.Avg,
		row.Custom2.Min, row.Custom2.Max, row.Custom2.Avg,
		row.Custom3.Min, row.Custom3.Max, row.Custom3.Avg,
	)
	if err != nil {
		return fmt.Errorf("failed to insert daily row: %w", err)
	}
	return nil
}

// HourlySeries returns hourly rows in (from, to] ordered by hour.
func (s *Store) HourlySeries(ctx context.Context, monitorID string, from, to time.Time) ([]HourlyRow, error) {
	const q = `
		SELECT monitor_id, hour, uptime,
			latency_min, latency_max, latency_avg,
			custom1_min, custom1_max, custom1_avg,
			custom2_min, custom2_max, custom2_avg,
			custom3_min, custom3_max, custom3_avg
		FROM pulses_hourly
		WHERE monitor_id = $1 AND hour > $2 AND hour <= $3
		ORDER BY hour ASC
	`
	rows, err := s.pool.Query(ctx, q, monitorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly series: %w", err)
	}
	defer rows.Close()

	var out []HourlyRow
	for rows.Next() {
		var r HourlyRow
		if err := rows.Scan(&r.MonitorID, &r.Hour, &r.Uptime,
			&r.Latency.Min, &r.Latency.Max, &r.Latency.Avg,
			&r.Custom1.Min, &r.Custom1.Max, &r.Custom1.Avg,
			&r.Custom2.Min, &r.Custom2.Max, &r.Custom2.Avg,
			&r.Custom3.Min, &r.Custom3.Max, &r.Custom3.Avg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan hourly row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SeriesPoint is one bucket of a cross-monitor aggregated series.
type SeriesPoint struct {
	Bucket     time.Time `json:"bucket"`
	Uptime     float64   `json:"uptime"`
	LatencyAvg *float64  `json:"latencyAvg"`
}

// GroupHourlySeries averages hourly rows across a set of monitors per hour
// bucket in (from, to].
func (s *Store) GroupHourlySeries(ctx context.Context, monitorIDs []string, from, to time.Time) ([]SeriesPoint, error) {
	const q = `
		SELECT hour, AVG(uptime), AVG(latency_avg)
		FROM pulses_hourly
		WHERE monitor_id = ANY($1) AND hour > $2 AND hour <= $3
		GROUP BY hour ORDER BY hour ASC
	`
	return s.querySeries(ctx, q, monitorIDs, from, to)
}

// GroupDailySeries averages daily rows across a set of monitors per day
// bucket in (from, to].
func (s *Store) GroupDailySeries(ctx context.Context, monitorIDs []string, from, to time.Time) ([]SeriesPoint, error) {
	const q = `
		SELECT day, AVG(uptime), AVG(latency_avg)
		FROM pulses_daily
		WHERE monitor_id = ANY($1) AND day > $2 AND day <= $3
		GROUP BY day ORDER BY day ASC
	`
	return s.querySeries(ctx, q, monitorIDs, from, to)
}

func (s *Store) querySeries(ctx context.Context, q string, monitorIDs []string, from, to time.Time) ([]SeriesPoint, error) {
	rows, err := s.pool.Query(ctx, q, monitorIDs, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregated series: %w", err)
	}
	defer rows.Close()

	var out []SeriesPoint
	for rows.Next() {
		var p SeriesPoint
		if err := rows.Scan(&p.Bucket, &p.Uptime, &p.LatencyAvg); err != nil {
			return nil, fmt.Errorf("failed to scan series point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DailySeries returns daily rows in (from, to] ordered by day.
func (s *Store) DailySeries(ctx context.Context, monitorID string, from, to time.Time) ([]DailyRow, error) {
	const q = `
		SELECT monitor_id, day, uptime,
			latency_min, latency_max, latency_avg,
			custom1_min, custom1_max, custom1_avg,
			custom2_min, custom2_max, custom2_avg,
			custom3_min, custom3_max, custom3_avg
		FROM pulses_daily
		WHERE monitor_id = $1 AND day > $2 AND day <= $3
		ORDER BY day ASC
	`
	rows, err := s.pool.Query(ctx, q, monitorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily series: %w", err)
	}
	defer rows.Close()

	var out []DailyRow
	for rows.Next() {
		var r DailyRow
		if err := rows.Scan(&r.MonitorID, &r.Day, &r.Uptime,
			&r.Latency.Min, &r.Latency.Max, &r.Latency.Avg,
			&r.Custom1.Min, &r.Custom1.Max, &r.Custom1.Avg,
			&r.Custom2.Min, &r.Custom2.Max, &r.Custom2.Avg,
			&r.Custom3.Min, &r.Custom3.Max, &r.Custom3.Avg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan daily row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
