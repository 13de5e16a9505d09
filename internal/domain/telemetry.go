package domain

import "time"

// TelemetryEvent captures one observed request from an instrumented service.
// Events are immutable once ingested; they are appended to the log store and
// fed to the incident aggregator exactly once.
type TelemetryEvent struct {
	Service      string    `json:"service"`
	Endpoint     string    `json:"endpoint"`
	Method       string    `json:"method"`
	Status       int       `json:"status"`
	LatencyMS    float64   `json:"latencyMs"`
	Event        string    `json:"event,omitempty"`
	RequestSize  int64     `json:"requestSize"`
	ResponseSize int64     `json:"responseSize"`
	Timestamp    time.Time `json:"timestamp"`
}
