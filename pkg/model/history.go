package model

import "time"

// HistorySample is one point of the uplink history chart.
type HistorySample struct {
	Timestamp time.Time `json:"timestamp"`
	Indicator int       `json:"indicator"` // 1: primary active, 0: otherwise
}
