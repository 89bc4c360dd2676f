package tuner

// PIDGains are the proportional, integral and derivative coefficients of
// one loop.
type PIDGains struct {
	Kp float64
	Ki float64
	Kd float64
}

// PIDState is the persistent part of a loop: it is passed into and returned
// from every step so a cycle can be replayed deterministically from
// persisted state.
type PIDState struct {
	Integral float64
	LastErr  float64
}

// PID is a positional controller whose output is a bounded trim applied to
// the current actuator value.
type PID struct {
	Gains  PIDGains
	OutMin float64
	OutMax float64
}

// Step advances the loop by one cycle of dt seconds. The integral term is
// clamped to the output window to prevent windup while the actuator sits on
// a quantization step.
func (p PID) Step(st PIDState, err, dt float64) (float64, PIDState) {
	st.Integral += err * dt
	if p.Gains.Ki != 0 {
		lo := p.OutMin / p.Gains.Ki
		hi := p.OutMax / p.Gains.Ki
		if lo > hi {
			lo, hi = hi, lo
		}
		st.Integral = clampFloat(st.Integral, lo, hi)
	}

	var deriv float64
	if dt > 0 {
		deriv = (err - st.LastErr) / dt
	}

	out := p.Gains.Kp*err + p.Gains.Ki*st.Integral + p.Gains.Kd*deriv
	st.LastErr = err

	return clampFloat(out, p.OutMin, p.OutMax), st
}
