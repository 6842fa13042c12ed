package sqlitestore

import (
	"context"
	"fmt"
	"time"

	"github.com/ebobo/uplink_failover_go/pkg/model"
)

// RecordNotification journals one row per recipient outcome and drops the
// oldest rows beyond capacity.
func (s *SqliteStore) RecordNotification(ctx context.Context, req model.NotificationRequest, results []model.RecipientResult, capacity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrDBAlreadyClosed
	}

	created := req.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range results {
		rec := model.NotificationRecord{
			RequestID: req.ID,
			Kind:      req.Kind,
			Recipient: r.Recipient,
			Sent:      r.Sent,
			Error:     r.Error,
			Response:  r.Response,
			CreatedNs: created.UnixNano(),
		}
		_, err := tx.NamedExecContext(ctx,
			`INSERT INTO notifications (
				request_id,
				kind,
				recipient,
				sent,
				error,
				response,
				created_ns)
			 VALUES(
				:request_id,
				:kind,
				:recipient,
				:sent,
				:error,
				:response,
				:created_ns)`, rec)
		if err != nil {
			return fmt.Errorf("journal %s for %s: %w", req.ID, r.Recipient, err)
		}
	}
	if capacity > 0 {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM notifications WHERE id NOT IN (
				SELECT id FROM notifications ORDER BY id DESC LIMIT ?)`, capacity)
		if err != nil {
			return fmt.Errorf("trim journal: %w", err)
		}
	}
	return tx.Commit()
}

// ListNotifications returns the most recent journal rows, newest first.
func (s *SqliteStore) ListNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrDBAlreadyClosed
	}
	if limit <= 0 {
		limit = -1
	}

	var records []model.NotificationRecord
	err := s.db.SelectContext(ctx, &records,
		`SELECT id, request_id, kind, recipient, sent, error, response, created_ns
		 FROM notifications ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i := range records {
		records[i].CreatedAt = time.Unix(0, records[i].CreatedNs).UTC()
	}
	return records, nil
}
