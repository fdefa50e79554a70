package models

import (
	"time"
)

// Notification is the canonical, store-internal form of an inbound event.
type Notification struct {
	ID         string                 `json:"id" db:"id"`
	Channel    string                 `json:"channel,omitempty" db:"channel"`
	Payload    map[string]interface{} `json:"payload" db:"payload"`
	ReceivedAt time.Time              `json:"received_at" db:"received_at"`
	IsRead     bool                   `json:"is_read" db:"is_read"`
}
