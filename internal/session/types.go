package session

import "time"

// CreateRequest defines the payload for opening a device session.
type CreateRequest struct {
	DeviceID string `json:"device_id"`
	Locale   string `json:"locale"`
	VoiceID  string `json:"voice_id"`
}

// CreateResponse returns the created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	DeviceID        string    `json:"device_id"`
	Status          Status    `json:"status"`
	Locale          string    `json:"locale"`
	VoiceID         string    `json:"voice_id"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
