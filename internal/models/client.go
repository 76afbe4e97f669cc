package models

import "time"

// Well-known client status values. The status field is free-form; these are
// the values written by the hub itself and by the stock client agent.
const (
	ClientShutdownPending = "shutdown_pending"
	ClientWOLSent         = "wol_sent"
	ClientWOLFailed       = "wol_failed"
	ClientWOLError        = "wol_error"
)

// ClientStatus is one entry of the client status store, keyed by client IP.
type ClientStatus struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	RemainingSeconds *int      `json:"remaining_seconds,omitempty"`
	ShutdownDelay    *int      `json:"shutdown_delay,omitempty"`
}

// StatusReport is the inbound report a client posts to the API.
type StatusReport struct {
	IP               string `json:"ip" binding:"required"`
	Status           string `json:"status" binding:"required"`
	RemainingSeconds *int   `json:"remaining_seconds,omitempty"`
	ShutdownDelay    *int   `json:"shutdown_delay,omitempty"`
}

// ClientConfig is the per-client configuration served to UPS clients.
type ClientConfig struct {
	ShutdownDelayMinutes int    `json:"SHUTDOWN_DELAY_MINUTES"`
	UPSName              string `json:"UPS_NAME"`
}

// DefaultShutdownDelayMinutes is served when a client has no explicit delay.
const DefaultShutdownDelayMinutes = 5
