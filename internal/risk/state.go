package risk

import (
	"time"

	"polymm/pkg/exception"
)

type State uint8

const (
	_state_beg State = iota
	StateRunning
	StatePaused
	StateHalted
	_state_end
)

var stateNames = [...]string{
	StateRunning: "RUNNING",
	StatePaused:  "PAUSED",
	StateHalted:  "HALTED",
}

func (s State) IsAvailable() bool {
	return s > _state_beg && s < _state_end
}

func (s State) String() string {
	if !s.IsAvailable() {
		return "UNKNOWN"
	}
	return stateNames[s]
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateLabels lists every state name for gauges that mark one of them.
func stateLabels() []string {
	out := make([]string, 0, len(stateNames))
	for s := _state_beg + 1; s < _state_end; s++ {
		out = append(out, s.String())
	}
	return out
}

type Trigger uint8

const (
	_trigger_beg Trigger = iota
	TriggerEngineRestart
	TriggerHeartbeatMissed
	TriggerDataGap
	TriggerMaxDrawdown
	TriggerReconciliationMismatch
	TriggerManual
	_trigger_end
)

var triggerNames = [...]string{
	TriggerEngineRestart:          "ENGINE_RESTART",
	TriggerHeartbeatMissed:        "HEARTBEAT_MISSED",
	TriggerDataGap:                "DATA_GAP",
	TriggerMaxDrawdown:            "MAX_DRAWDOWN",
	TriggerReconciliationMismatch: "RECONCILIATION_MISMATCH",
	TriggerManual:                 "MANUAL",
}

func (t Trigger) IsAvailable() bool {
	return t > _trigger_beg && t < _trigger_end
}

func (t Trigger) String() string {
	if !t.IsAvailable() {
		return "UNKNOWN"
	}
	return triggerNames[t]
}

func (t Trigger) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Trigger) UnmarshalText(b []byte) error {
	for k := _trigger_beg + 1; k < _trigger_end; k++ {
		if triggerNames[k] == string(b) {
			*t = k
			return nil
		}
	}
	return exception.ErrInvalidArgument
}

// TriggerRecord is one entry of the kill switch audit trail.
type TriggerRecord struct {
	Trigger   Trigger        `json:"trigger"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details"`
}
