package model

import "time"

// NotificationRequest is one text message to deliver to every recipient in
// order. Duplicate recipients are attempted independently.
type NotificationRequest struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Recipients []string  `json:"recipients"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecipientResult is the per-recipient outcome of a notification.
type RecipientResult struct {
	Recipient string `json:"recipient"`
	Sent      bool   `json:"sent"`
	Error     string `json:"error,omitempty"`
	Response  string `json:"response,omitempty"`
}

// NotificationRecord is a journal row of the notification store.
type NotificationRecord struct {
	ID        int64     `json:"id" db:"id"`
	RequestID string    `json:"request_id" db:"request_id"`
	Kind      string    `json:"kind" db:"kind"`
	Recipient string    `json:"recipient" db:"recipient"`
	Sent      bool      `json:"sent" db:"sent"`
	Error     string    `json:"error,omitempty" db:"error"`
	Response  string    `json:"response,omitempty" db:"response"`
	CreatedAt time.Time `json:"created_at" db:"-"`
	CreatedNs int64     `json:"-" db:"created_ns"`
}
