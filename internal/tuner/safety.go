package tuner

// Clamp causes reported in SafetyClamped events.
const (
	CauseVoltageBounds   = "voltage_bounds"
	CauseFrequencyBounds = "frequency_bounds"
	CausePowerCeiling    = "power_ceiling"
)

// PowerEstimator predicts draw for a voltage/frequency pair. The exact
// model is pluggable; measured power is preferred whenever a fresh sample
// exists.
type PowerEstimator interface {
	Estimate(voltageMV, frequencyMHz int) float64
}

// QuadraticModel estimates dynamic power as proportional to the square of
// core voltage and linear in clock.
type QuadraticModel struct {
	Coeff float64 // watts per V²·GHz
}

var _ PowerEstimator = QuadraticModel{}

func (m QuadraticModel) Estimate(voltageMV, frequencyMHz int) float64 {
	v := float64(voltageMV) / 1000.0
	f := float64(frequencyMHz) / 1000.0

	return m.Coeff * v * v * f
}

// NewQuadraticModel calibrates the estimator so the configured maxima land
// exactly on the power limit.
func NewQuadraticModel(cfg *Config) QuadraticModel {
	v := float64(cfg.MaxVoltage) / 1000.0
	f := float64(cfg.MaxFrequency) / 1000.0
	if v <= 0 || f <= 0 {
		return QuadraticModel{}
	}

	return QuadraticModel{Coeff: cfg.PowerLimit / (v * v * f)}
}

// PowerRef carries the freshest measured draw and the settings it was
// observed at, so a command's power can be projected by ratio from the
// measurement instead of trusting the model alone.
type PowerRef struct {
	Watts        float64
	VoltageMV    int
	FrequencyMHz int
}

// Arbitrator enforces the safety envelope on every command before dispatch.
// It holds no mutable state.
type Arbitrator struct {
	cfg *Config
	est PowerEstimator
}

func NewArbitrator(cfg *Config, est PowerEstimator) *Arbitrator {
	if est == nil {
		est = NewQuadraticModel(cfg)
	}

	return &Arbitrator{cfg: cfg, est: est}
}

// Clamp forces cmd inside the envelope and reports what it changed. It
// never raises an error: the result is always safe to dispatch.
func (a *Arbitrator) Clamp(cmd Command, ref *PowerRef) (Command, []string) {
	var causes []string

	if v := clampInt(cmd.VoltageMV, a.cfg.MinVoltage, a.cfg.MaxVoltage); v != cmd.VoltageMV {
		cmd.VoltageMV = v
		causes = append(causes, CauseVoltageBounds)
	}
	if f := clampInt(cmd.FrequencyMHz, a.cfg.MinFrequency, a.cfg.MaxFrequency); f != cmd.FrequencyMHz {
		cmd.FrequencyMHz = f
		causes = append(causes, CauseFrequencyBounds)
	}

	ceiling := a.cfg.PowerLimit * a.cfg.OvershootMargin
	clampedPower := false

loop:
	for a.project(cmd, ref) > ceiling {
		switch {
		case cmd.FrequencyMHz-a.cfg.FrequencyStep >= a.cfg.MinFrequency:
			cmd.FrequencyMHz -= a.cfg.FrequencyStep
			clampedPower = true
		case cmd.VoltageMV-a.cfg.VoltageStep >= a.cfg.MinVoltage:
			cmd.VoltageMV -= a.cfg.VoltageStep
			clampedPower = true
		default:
			// Both floors reached; nothing left to trade away.
			break loop
		}
	}

	if clampedPower {
		causes = append(causes, CausePowerCeiling)
	}

	return cmd, causes
}

// project predicts the command's draw: by ratio against the measured
// operating point when a fresh sample exists, from the bare model
// otherwise.
func (a *Arbitrator) project(cmd Command, ref *PowerRef) float64 {
	base := a.est.Estimate(cmd.VoltageMV, cmd.FrequencyMHz)
	if ref == nil || ref.Watts <= 0 {
		return base
	}

	at := a.est.Estimate(ref.VoltageMV, ref.FrequencyMHz)
	if at <= 0 {
		return base
	}

	return ref.Watts * base / at
}
