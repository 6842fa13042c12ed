package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/ebobo/uplink_failover_go/pkg/model"
)

type sampleRow struct {
	TsNs      int64 `db:"ts_ns"`
	Indicator int   `db:"indicator"`
}

// AppendSample adds a sample and drops the oldest ones beyond capacity.
func (s *SqliteStore) AppendSample(ctx context.Context, sample model.HistorySample, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrDBAlreadyClosed
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = CheckForZeroRowsAffected(tx.ExecContext(ctx,
		"INSERT INTO history_samples (ts_ns, indicator) VALUES (?, ?)",
		sample.Timestamp.UnixNano(), sample.Indicator))
	if err != nil {
		return fmt.Errorf("insert history sample: %w", err)
	}
	if capacity > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM history_samples WHERE id NOT IN (
				SELECT id FROM history_samples ORDER BY id DESC LIMIT ?)`, capacity)
		if err != nil {
			return fmt.Errorf("trim history: %w", err)
		}
	}
	return tx.Commit()
}

// Samples returns the most recent limit samples, oldest first. limit <= 0
// returns everything kept.
func (s *SqliteStore) Samples(ctx context.Context, limit int) ([]model.HistorySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrDBAlreadyClosed
	}
	if limit <= 0 {
		limit = -1
	}

	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT ts_ns, indicator FROM (
			SELECT id, ts_ns, indicator FROM history_samples ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}

	samples := make([]model.HistorySample, len(rows))
	for i, r := range rows {
		samples[i] = model.HistorySample{Timestamp: time.Unix(0, r.TsNs).UTC(), Indicator: r.Indicator}
	}
	return samples, nil
}
