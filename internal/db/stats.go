package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qqbridge-project/qqbridge/internal/protocol"
)

// DeliveryStats counts the outcomes of one event kind sent to the bot.
type DeliveryStats struct {
	Kind          string    `json:"kind"`
	Delivered     int64     `json:"delivered"`
	Failed        int64     `json:"failed"`
	LastDelivered time.Time `json:"last_delivered,omitempty"`
	LastFailed    time.Time `json:"last_failed,omitempty"`
}

// StatsStore persists delivery counters. It satisfies
// connector.DeliveryRecorder.
type StatsStore struct {
	db     *Database
	logger zerolog.Logger
}

// NewStatsStore opens the statistics database at path and migrates it.
func NewStatsStore(path string) (*StatsStore, error) {
	database, err := NewDatabase(path)
	if err != nil {
		return nil, err
	}

	s := &StatsStore{
		db:     database,
		logger: log.With().Str("component", "stats").Logger(),
	}
	if err := s.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate stats database: %w", err)
	}
	return s, nil
}

func (s *StatsStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS deliveries (
			kind              TEXT PRIMARY KEY,
			delivered         INTEGER NOT NULL DEFAULT 0,
			failed            INTEGER NOT NULL DEFAULT 0,
			last_delivered_at INTEGER NOT NULL DEFAULT 0,
			last_failed_at    INTEGER NOT NULL DEFAULT 0
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordDelivery counts one send outcome. Storage errors are logged; the
// bridge keeps running without statistics.
func (s *StatsStore) RecordDelivery(eventType protocol.EventType, ok bool) {
	now := time.Now().Unix()
	var delivered, failed, lastDelivered, lastFailed int64
	if ok {
		delivered, lastDelivered = 1, now
	} else {
		failed, lastFailed = 1, now
	}

	_, err := s.db.Exec(`
		INSERT INTO deliveries (kind, delivered, failed, last_delivered_at, last_failed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			delivered = delivered + excluded.delivered,
			failed = failed + excluded.failed,
			last_delivered_at = MAX(last_delivered_at, excluded.last_delivered_at),
			last_failed_at = MAX(last_failed_at, excluded.last_failed_at)
	`, string(eventType), delivered, failed, lastDelivered, lastFailed)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("failed to record delivery")
	}
}

// Snapshot returns the counters for every kind seen, ordered by kind.
func (s *StatsStore) Snapshot() ([]DeliveryStats, error) {
	rows, err := s.db.Query(`
		SELECT kind, delivered, failed, last_delivered_at, last_failed_at
		FROM deliveries ORDER BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	stats := make([]DeliveryStats, 0)
	for rows.Next() {
		var st DeliveryStats
		var lastDelivered, lastFailed int64
		if err := rows.Scan(&st.Kind, &st.Delivered, &st.Failed, &lastDelivered, &lastFailed); err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		st.LastDelivered = fromUnix(lastDelivered)
		st.LastFailed = fromUnix(lastFailed)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Reset clears all counters.
func (s *StatsStore) Reset() error {
	if _, err := s.db.Exec("DELETE FROM deliveries"); err != nil {
		return fmt.Errorf("failed to reset deliveries: %w", err)
	}
	s.logger.Info().Msg("delivery statistics reset")
	return nil
}

// Close closes the underlying database.
func (s *StatsStore) Close() error {
	return s.db.Close()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
