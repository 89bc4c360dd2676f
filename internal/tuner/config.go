package tuner

import (
	"time"

	"codeberg.org/mutker/axectl/internal/errors"
)

// Config holds every control-loop parameter. Units throughout: voltages
// in millivolts, frequencies in megahertz, temperatures in degrees
// Celsius, power in watts, hashrate in GH/s.
type Config struct {
	Mode     Mode
	Interval time.Duration

	TargetTemp      float64
	TempHysteresis  float64
	TempRecovery    float64
	PowerLimit      float64
	OvershootMargin float64

	MinVoltage    int
	MaxVoltage    int
	VoltageStep   int
	MinFrequency  int
	MaxFrequency  int
	FrequencyStep int

	// Applied when no snapshot exists to restore from.
	InitialVoltage   int
	InitialFrequency int

	HashrateSetpoint float64
	FreqGains        PIDGains
	VoltGains        PIDGains

	StagnationEpsilon   float64
	StagnationThreshold int
	PerturbationSteps   int

	FaultThreshold int
}

func DefaultConfig() Config {
	return Config{
		Mode:                ModeNormal,
		Interval:            5 * time.Second,
		TargetTemp:          55,
		TempHysteresis:      2,
		TempRecovery:        5,
		PowerLimit:          15,
		OvershootMargin:     1.075,
		MinVoltage:          1100,
		MaxVoltage:          1300,
		VoltageStep:         10,
		MinFrequency:        400,
		MaxFrequency:        550,
		FrequencyStep:       25,
		InitialVoltage:      1200,
		InitialFrequency:    500,
		HashrateSetpoint:    500,
		FreqGains:           PIDGains{Kp: 0.35, Ki: 0.08},
		VoltGains:           PIDGains{Kp: 0.5, Ki: 0.05},
		StagnationEpsilon:   5,
		StagnationThreshold: 6,
		PerturbationSteps:   1,
		FaultThreshold:      5,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.Mode != ModeNormal && c.Mode != ModeTempWatch {
		return errFactory.WithMessage(ErrInvalidConfig, "mode must be normal or temp-watch")
	}
	if c.Interval <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "interval must be positive")
	}
	if c.TargetTemp <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "target temperature must be positive")
	}
	if c.PowerLimit <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "power limit must be positive")
	}
	if c.OvershootMargin < 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "overshoot margin must be at least 1")
	}
	if c.MinVoltage >= c.MaxVoltage || c.MinFrequency >= c.MaxFrequency {
		return errFactory.WithMessage(ErrInvalidConfig, "actuator bounds are inverted")
	}
	if c.VoltageStep <= 0 || c.FrequencyStep <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "actuator steps must be positive")
	}
	if c.InitialVoltage < c.MinVoltage || c.InitialVoltage > c.MaxVoltage {
		return errFactory.WithMessage(ErrInvalidConfig, "initial voltage is outside the configured bounds")
	}
	if c.InitialFrequency < c.MinFrequency || c.InitialFrequency > c.MaxFrequency {
		return errFactory.WithMessage(ErrInvalidConfig, "initial frequency is outside the configured bounds")
	}
	if c.Mode == ModeNormal && c.HashrateSetpoint <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "hashrate setpoint is required in normal mode")
	}
	if c.StagnationEpsilon < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "stagnation epsilon must not be negative")
	}
	if c.StagnationThreshold < 1 || c.PerturbationSteps < 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "stagnation threshold and perturbation steps must be at least 1")
	}
	if c.FaultThreshold < 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "fault threshold must be at least 1")
	}

	return nil
}
