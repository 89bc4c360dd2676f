package events

import "time"

// Kind identifies the event type carried on the bus.
type Kind string

const (
	KindAdjustmentApplied Kind = "adjustment_applied"
	KindSafetyClamped     Kind = "safety_clamped"
	KindStagnationReset   Kind = "stagnation_reset"
	KindTelemetryFault    Kind = "telemetry_fault"
	KindDispatchFault     Kind = "dispatch_fault"
	KindRankingChanged    Kind = "ranking_changed"
	KindRankingDegraded   Kind = "ranking_degraded"
)

// Reason explains why an adjustment was made.
type Reason string

const (
	ReasonPID              Reason = "pid"
	ReasonTempWatchCool    Reason = "temp_watch_cool"
	ReasonTempWatchRecover Reason = "temp_watch_recover"
	ReasonOverTemperature  Reason = "protective_overtemp"
	ReasonOverPower        Reason = "protective_overpower"
	ReasonStagnationEscape Reason = "stagnation_escape"
)

// Event is the common interface of everything published on the bus.
type Event interface {
	Kind() Kind
}

// Setting is an actuator pair as seen by event consumers.
type Setting struct {
	VoltageMV    int
	FrequencyMHz int
}

// AdjustmentApplied reports an actuator change that was dispatched to the
// device.
type AdjustmentApplied struct {
	Old    Setting
	New    Setting
	Reason Reason
	At     time.Time
}

func (AdjustmentApplied) Kind() Kind { return KindAdjustmentApplied }

// SafetyClamped reports that arbitration modified a requested command.
type SafetyClamped struct {
	Requested Setting
	Applied   Setting
	Causes    []string
	At        time.Time
}

func (SafetyClamped) Kind() Kind { return KindSafetyClamped }

// StagnationReset reports a plateau escape: integrators were reset and the
// frequency perturbed.
type StagnationReset struct {
	Cycle        int
	Perturbation int
	At           time.Time
}

func (StagnationReset) Kind() Kind { return KindStagnationReset }

// TelemetryFault reports a failed telemetry fetch. Fatal is set exactly once
// per fault episode, when the consecutive-fault count reaches the configured
// threshold; acting on it is the owning process's job.
type TelemetryFault struct {
	Count     int
	Threshold int
	Fatal     bool
	Err       string
	At        time.Time
}

func (TelemetryFault) Kind() Kind { return KindTelemetryFault }

// DispatchFault reports a failed actuator write. The controller does not
// advance its state for the failed axis and retries next cycle.
type DispatchFault struct {
	Setting Setting
	Err     string
	At      time.Time
}

func (DispatchFault) Kind() Kind { return KindDispatchFault }

// RankingChanged reports a new primary/backup pool selection.
type RankingChanged struct {
	OldPrimary string
	NewPrimary string
	OldBackup  string
	NewBackup  string
	Reason     string
	At         time.Time
}

func (RankingChanged) Kind() Kind { return KindRankingChanged }

// RankingDegraded reports a ranking cycle in which no candidate was
// reachable; the previous selection is retained.
type RankingDegraded struct {
	Candidates int
	At         time.Time
}

func (RankingDegraded) Kind() Kind { return KindRankingDegraded }
