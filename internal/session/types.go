package session

import "time"

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID string `json:"user_id"`
	Room   string `json:"room"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Room            string    `json:"room"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	GracePeriodMS   int64     `json:"grace_period_ms"`
}

// StatusResponse answers a room status lookup.
type StatusResponse struct {
	SessionID string `json:"session_id"`
	Room      string `json:"room"`
	Status    Status `json:"status"`
}
