package tuner

import (
	"math"
	"time"

	"codeberg.org/mutker/axectl/internal/events"
)

// Mode selects the tuning strategy. Fixed for the process lifetime.
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeTempWatch Mode = "temp-watch"
)

// State is the controller's view of the device between cycles.
type State struct {
	VoltageMV    int
	FrequencyMHz int
	Mode         Mode
	Stagnation   int
	FreqPID      PIDState
	VoltPID      PIDState
	FaultCount   int
}

// Sample is one telemetry reading, not retained beyond the cycle that
// consumed it.
type Sample struct {
	TempC        float64
	PowerW       float64
	VoltageMV    int
	FrequencyMHz int
	HashrateGHS  float64
	At           time.Time
}

// Command is an actuator pair ready for dispatch.
type Command struct {
	VoltageMV    int
	FrequencyMHz int
}

// Decision is the outcome of one pure control step. State carries the
// advanced integrators and stagnation counter; it is committed by the
// caller only to the extent the dispatch succeeded.
type Decision struct {
	State   State
	Command Command
	Changed bool
	Reason  events.Reason
	Events  []events.Event
}

// decide computes one cycle. Priority: protective override, then the active
// mode's strategy, then quantization and no-op suppression, then final
// arbitration. Pure arithmetic; no I/O.
func decide(s State, t Sample, cfg *Config, arb *Arbitrator) Decision {
	d := Decision{State: s}

	cur := Command{VoltageMV: s.VoltageMV, FrequencyMHz: s.FrequencyMHz}
	cmd := cur

	if override, reason, ok := protective(s, t, cfg); ok {
		cmd = override
		d.Reason = reason
	} else if s.Mode == ModeTempWatch {
		cmd, d.Reason = tempWatch(s, t, cfg)
	} else {
		cmd = d.normal(t, cfg)
	}

	cmd.FrequencyMHz = quantizeInt(cmd.FrequencyMHz, cfg.MinFrequency, cfg.FrequencyStep)
	cmd.VoltageMV = quantizeInt(cmd.VoltageMV, cfg.MinVoltage, cfg.VoltageStep)

	applied, causes := arb.Clamp(cmd, &PowerRef{
		Watts:        t.PowerW,
		VoltageMV:    t.VoltageMV,
		FrequencyMHz: t.FrequencyMHz,
	})
	if len(causes) > 0 {
		d.Events = append(d.Events, events.SafetyClamped{
			Requested: setting(cmd),
			Applied:   setting(applied),
			Causes:    causes,
			At:        t.At,
		})
	}

	d.Command = applied
	d.Changed = applied != cur

	return d
}

// protective is the mode-independent safety branch: overheating or draw
// beyond the allowed overshoot steps the actuators down one increment,
// frequency first, voltage only once the frequency floor is reached.
func protective(s State, t Sample, cfg *Config) (Command, events.Reason, bool) {
	overTemp := t.TempC > cfg.TargetTemp+cfg.TempHysteresis
	overPower := t.PowerW > cfg.PowerLimit*cfg.OvershootMargin
	if !overTemp && !overPower {
		return Command{}, "", false
	}

	reason := events.ReasonOverTemperature
	if !overTemp {
		reason = events.ReasonOverPower
	}

	cmd := Command{VoltageMV: s.VoltageMV, FrequencyMHz: s.FrequencyMHz}
	switch {
	case s.FrequencyMHz-cfg.FrequencyStep >= cfg.MinFrequency:
		cmd.FrequencyMHz -= cfg.FrequencyStep
	case s.VoltageMV-cfg.VoltageStep >= cfg.MinVoltage:
		cmd.VoltageMV -= cfg.VoltageStep
	}

	return cmd, reason, true
}

// tempWatch is threshold-only control: cool while above target, recover the
// clock once comfortably below it. No integral state beyond plain
// hysteresis.
func tempWatch(s State, t Sample, cfg *Config) (Command, events.Reason) {
	cmd := Command{VoltageMV: s.VoltageMV, FrequencyMHz: s.FrequencyMHz}

	switch {
	case t.TempC > cfg.TargetTemp:
		if cmd.FrequencyMHz-cfg.FrequencyStep >= cfg.MinFrequency {
			cmd.FrequencyMHz -= cfg.FrequencyStep
		} else if cmd.VoltageMV-cfg.VoltageStep >= cfg.MinVoltage {
			cmd.VoltageMV -= cfg.VoltageStep
		}

		return cmd, events.ReasonTempWatchCool
	case t.TempC < cfg.TargetTemp-cfg.TempRecovery && cmd.FrequencyMHz < cfg.MaxFrequency:
		cmd.FrequencyMHz = minInt(cmd.FrequencyMHz+cfg.FrequencyStep, cfg.MaxFrequency)

		return cmd, events.ReasonTempWatchRecover
	}

	return cmd, ""
}

// normal runs the chained PID loops: the hashrate error trims frequency,
// and voltage follows the minimum level supporting the chosen clock.
// Stagnation is measured here, before the integrators move, because the
// previous cycle's hashrate is reconstructable from the persisted
// frequency-loop error.
func (d *Decision) normal(t Sample, cfg *Config) Command {
	s := &d.State
	dt := cfg.Interval.Seconds()
	ferr := cfg.HashrateSetpoint - t.HashrateGHS

	prevHashrate := cfg.HashrateSetpoint - s.FreqPID.LastErr
	plateau := sameSign(ferr, s.FreqPID.LastErr) &&
		math.Abs(t.HashrateGHS-prevHashrate) < cfg.StagnationEpsilon
	if plateau {
		s.Stagnation++
	} else {
		s.Stagnation = 0
	}

	if s.Stagnation >= cfg.StagnationThreshold {
		perturb := cfg.PerturbationSteps * cfg.FrequencyStep
		if ferr < 0 {
			perturb = -perturb
		}

		cycle := s.Stagnation
		s.FreqPID = PIDState{}
		s.VoltPID = PIDState{}
		s.Stagnation = 0

		d.Reason = events.ReasonStagnationEscape
		d.Events = append(d.Events, events.StagnationReset{
			Cycle:        cycle,
			Perturbation: perturb,
			At:           t.At,
		})

		f := clampInt(s.FrequencyMHz+perturb, cfg.MinFrequency, cfg.MaxFrequency)

		return Command{VoltageMV: s.VoltageMV, FrequencyMHz: f}
	}

	freqLoop := PID{
		Gains:  cfg.FreqGains,
		OutMin: -2 * float64(cfg.FrequencyStep),
		OutMax: 2 * float64(cfg.FrequencyStep),
	}
	ftrim, fst := freqLoop.Step(s.FreqPID, ferr, dt)
	s.FreqPID = fst

	f := quantize(float64(s.FrequencyMHz)+ftrim, cfg.MinFrequency, cfg.FrequencyStep)
	f = clampInt(f, cfg.MinFrequency, cfg.MaxFrequency)

	voltLoop := PID{
		Gains:  cfg.VoltGains,
		OutMin: -2 * float64(cfg.VoltageStep),
		OutMax: 2 * float64(cfg.VoltageStep),
	}
	verr := requiredVoltage(f, cfg) - float64(s.VoltageMV)
	vtrim, vst := voltLoop.Step(s.VoltPID, verr, dt)
	s.VoltPID = vst

	v := quantize(float64(s.VoltageMV)+vtrim, cfg.MinVoltage, cfg.VoltageStep)
	v = clampInt(v, cfg.MinVoltage, cfg.MaxVoltage)

	d.Reason = events.ReasonPID

	return Command{VoltageMV: v, FrequencyMHz: f}
}

// requiredVoltage is the calibrated minimum supporting voltage for a clock:
// affine between the configured corner points.
func requiredVoltage(freqMHz int, cfg *Config) float64 {
	span := float64(cfg.MaxFrequency - cfg.MinFrequency)
	if span <= 0 {
		return float64(cfg.MinVoltage)
	}

	slope := float64(cfg.MaxVoltage-cfg.MinVoltage) / span

	return float64(cfg.MinVoltage) + float64(freqMHz-cfg.MinFrequency)*slope
}

func setting(c Command) events.Setting {
	return events.Setting{VoltageMV: c.VoltageMV, FrequencyMHz: c.FrequencyMHz}
}

// quantize rounds to the nearest step on the grid anchored at base.
func quantize(value float64, base, step int) int {
	if step <= 0 {
		return int(math.Round(value))
	}

	n := math.Round((value - float64(base)) / float64(step))

	return base + int(n)*step
}

func quantizeInt(value, base, step int) int {
	return quantize(float64(value), base, step)
}

func sameSign(a, b float64) bool {
	return a*b > 0
}

func clampInt(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}

func clampFloat(value, minValue, maxValue float64) float64 {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}
