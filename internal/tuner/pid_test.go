package tuner_test

import (
	"math"
	"testing"

	"codeberg.org/mutker/axectl/internal/tuner"
	"github.com/stretchr/testify/assert"
)

func TestPIDProportional(t *testing.T) {
	p := tuner.PID{Gains: tuner.PIDGains{Kp: 2}, OutMin: -100, OutMax: 100}

	out, st := p.Step(tuner.PIDState{}, 3, 1)
	assert.InDelta(t, 6.0, out, 1e-9, "Expected Kp*err")
	assert.InDelta(t, 3.0, st.LastErr, 1e-9, "Expected error retained for the next step")
}

func TestPIDIntegralAccumulates(t *testing.T) {
	p := tuner.PID{Gains: tuner.PIDGains{Ki: 1}, OutMin: -100, OutMax: 100}

	out, st := p.Step(tuner.PIDState{}, 2, 1)
	assert.InDelta(t, 2.0, out, 1e-9)

	out, st = p.Step(st, 2, 1)
	assert.InDelta(t, 4.0, out, 1e-9, "Expected integral to accumulate across steps")
	assert.InDelta(t, 4.0, st.Integral, 1e-9)
}

func TestPIDAntiWindup(t *testing.T) {
	p := tuner.PID{Gains: tuner.PIDGains{Ki: 1}, OutMin: -10, OutMax: 10}

	st := tuner.PIDState{}
	var out float64
	for i := 0; i < 5; i++ {
		out, st = p.Step(st, 5, 1)
	}

	assert.InDelta(t, 10.0, out, 1e-9, "Expected output pinned at the window")
	assert.InDelta(t, 10.0, st.Integral, 1e-9, "Expected integral clamped, not wound up")

	// One opposing error must pull the output off the rail immediately.
	out, _ = p.Step(st, -5, 1)
	assert.Less(t, out, 10.0, "Expected no windup lag after the sign flip")
}

func TestPIDOutputClamped(t *testing.T) {
	p := tuner.PID{Gains: tuner.PIDGains{Kp: 100}, OutMin: -10, OutMax: 10}

	out, _ := p.Step(tuner.PIDState{}, 5, 1)
	assert.InDelta(t, 10.0, out, 1e-9)

	out, _ = p.Step(tuner.PIDState{}, -5, 1)
	assert.InDelta(t, -10.0, out, 1e-9)
}

func TestPIDDerivative(t *testing.T) {
	p := tuner.PID{Gains: tuner.PIDGains{Kd: 1}, OutMin: -100, OutMax: 100}

	out, st := p.Step(tuner.PIDState{}, 1, 0.5)
	assert.InDelta(t, 2.0, out, 1e-9, "Expected (err-lastErr)/dt")

	out, _ = p.Step(st, 1, 0.5)
	assert.InDelta(t, 0.0, out, 1e-9, "Expected zero derivative on a flat error")
}

func TestPIDZeroDt(t *testing.T) {
	p := tuner.PID{Gains: tuner.PIDGains{Kp: 1, Ki: 1, Kd: 1}, OutMin: -100, OutMax: 100}

	out, st := p.Step(tuner.PIDState{LastErr: 2}, 3, 0)
	assert.False(t, math.IsNaN(out), "Expected a finite output with dt zero")
	assert.InDelta(t, 3.0, st.LastErr, 1e-9)
}
