package model

import "time"

// RelayState represents direct relay session state.
type RelayState string

const (
	RelayStateConnecting RelayState = "connecting"
	RelayStateActive     RelayState = "active"
	RelayStateDraining   RelayState = "draining"
	RelayStateClosed     RelayState = "closed"
)

// SidebandSnapshot is the API view of a sideband session. Никогда не
// содержит credential material.
type SidebandSnapshot struct {
	SessionID        string    `json:"session_id"`
	CallID           string    `json:"call_id"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	PeerMedia        bool      `json:"peer_media_connected"`
	ControlChannel   bool      `json:"control_channel_connected"`
	EventsFromUpstream uint64  `json:"events_from_upstream"`
	EventsToUpstream   uint64  `json:"events_to_upstream"`
}

// CreateSidebandResponse is the response for POST /sideband/session.
type CreateSidebandResponse struct {
	SessionID    string `json:"session_id"`
	ControlWSURL string `json:"control_ws_url"`
}

// EphemeralKeyRequest is the request body for POST /sideband/ephemeral-key.
type EphemeralKeyRequest struct {
	SessionID    string `json:"session_id" binding:"required"`
	Voice        string `json:"voice"`
	Instructions string `json:"instructions"`
}

// EphemeralKeyResponse carries the short-lived upstream token.
type EphemeralKeyResponse struct {
	Token string `json:"token"`
}

// OfferRequest is the request body for POST /sideband/offer.
type OfferRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	SDP       string `json:"sdp" binding:"required"`
}

// OfferResponse returns the upstream SDP answer and the recorded call id.
type OfferResponse struct {
	SessionID string `json:"session_id"`
	CallID    string `json:"call_id"`
	SDP       string `json:"sdp"`
}

// SidebandListResponse is the response for GET /sideband/sessions.
type SidebandListResponse struct {
	Sessions []SidebandSnapshot `json:"sessions"`
	Total    int                `json:"total"`
}
