package model

import (
	"fmt"
	"time"
)

// Uplink identifies which uplink currently carries the default route.
type Uplink int

const (
	UplinkNone Uplink = iota
	UplinkPrimary
	UplinkSecondary
)

func (u Uplink) String() string {
	switch u {
	case UplinkPrimary:
		return "PRIMARY"
	case UplinkSecondary:
		return "SECONDARY"
	case UplinkNone:
		return "NONE"
	}
	return fmt.Sprintf("Uplink(%d)", int(u))
}

// MarshalText renders the uplink by name so the admin API and logs agree.
func (u Uplink) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// Indicator is the value charted by the history store: 1 when the primary
// uplink is active, 0 otherwise.
func (u Uplink) Indicator() int {
	if u == UplinkPrimary {
		return 1
	}
	return 0
}

// UplinkProbeResult is the outcome of one probe against one target.
type UplinkProbeResult struct {
	Interface  string    `json:"interface"`
	TargetHost string    `json:"target_host"`
	Reachable  bool      `json:"reachable"`
	MeasuredAt time.Time `json:"measured_at"`
}

// FailoverState is owned by the control loop. Readers get copies.
type FailoverState struct {
	ActiveUplink            Uplink    `json:"active_uplink"`
	PreviousUplink          Uplink    `json:"previous_uplink"`
	LastTransitionAt        time.Time `json:"last_transition_at"`
	ConsecutiveFailureCount int       `json:"consecutive_failure_count"`
	LastSecondaryAttemptAt  time.Time `json:"last_secondary_attempt_at"`
	Initialized             bool      `json:"initialized"`
}

// Transition describes a change of active uplink, as published to observers.
type Transition struct {
	From   Uplink    `json:"from"`
	To     Uplink    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}
