// Package models defines the shared data types for the mqdash aggregation
// core: the cluster Snapshot, the poll-cycle FetchError, and the websocket
// event envelope exchanged with live-feed observers.
package models

import (
	"encoding/json"
	"time"
)

// Snapshot is one complete, point-in-time aggregation of all four health
// sources. It is immutable once constructed: the poller builds it from a
// fully successful cycle and hands it to the store, after which it is shared
// read-only between the store, the hub, and every connected observer.
// Source payloads pass through opaquely; only the top-level keying by broker
// or client identifier is interpreted.
type Snapshot struct {
	Brokers      map[string]json.RawMessage `json:"brokers"`
	Clients      map[string]json.RawMessage `json:"clients"`
	SystemHealth json.RawMessage            `json:"system_health"`
	TCPHealth    map[string]json.RawMessage `json:"tcp_health"`
	CapturedAt   time.Time                  `json:"captured_at"`
}

// FetchError records a failed poll cycle. It never replaces the current
// snapshot; it is published to observers as a distinct event and retained by
// the store until the next successful cycle clears it.
type FetchError struct {
	Source     string    `json:"source,omitempty"`
	Cause      string    `json:"cause"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Websocket event kinds. Server to observer: snapshot-update, snapshot-error,
// no-data. Observer to server: request-refresh.
const (
	EventSnapshotUpdate = "snapshot-update"
	EventSnapshotError  = "snapshot-error"
	EventNoData         = "no-data"
	EventRequestRefresh = "request-refresh"
)

// Event is the envelope for every message on the live feed.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// ProcessTelemetry captures the service's own resource usage, sampled on
// demand for the status endpoint.
type ProcessTelemetry struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryRSS     uint64    `json:"memory_rss_bytes"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}
