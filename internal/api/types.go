package api

import "time"

// ErrorResponse is returned on gateway-level errors (auth, routing, streaming).
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status           string     `json:"status"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
	DeviceID         string     `json:"device_id"`
	Commands         int        `json:"commands"`
	InFlight         int        `json:"in_flight"`
	TelemetryLastRun *time.Time `json:"telemetry_last_run,omitempty"`
}

// CommandsResponse is returned by GET /commands.
type CommandsResponse struct {
	Commands []string `json:"commands"`
}
