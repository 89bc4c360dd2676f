package device

import "context"

// Client is the device gateway: the telemetry source and the actuator
// writes. SetVoltage and SetFrequency are independent calls, not an atomic
// pair; callers sequence them and tolerate partial application.
type Client interface {
	SystemInfo(ctx context.Context) (*Telemetry, error)
	SetVoltage(ctx context.Context, mv int) error
	SetFrequency(ctx context.Context, mhz int) error
	SetPools(ctx context.Context, primary, backup PoolEndpoint) error
	Restart(ctx context.Context) error
}

// PoolEndpoint is a stratum endpoint in device terms.
type PoolEndpoint struct {
	Host string
	Port int
}

// Telemetry is the device's /api/system/info payload, trimmed to the fields
// the controller and history store consume.
type Telemetry struct {
	Hostname          string  `json:"hostname"`
	Temp              float64 `json:"temp"`
	Power             float64 `json:"power"`
	InputVoltage      float64 `json:"voltage"`
	CoreVoltage       int     `json:"coreVoltage"`
	CoreVoltageActual int     `json:"coreVoltageActual"`
	Frequency         int     `json:"frequency"`
	HashRate          float64 `json:"hashRate"`
	SharesAccepted    int64   `json:"sharesAccepted"`
	SharesRejected    int64   `json:"sharesRejected"`
	UptimeSeconds     int64   `json:"uptimeSeconds"`
}

// VoltageMV returns the measured core voltage, falling back to the
// requested value on firmware builds that do not report the measurement.
func (t *Telemetry) VoltageMV() int {
	if t.CoreVoltageActual > 0 {
		return t.CoreVoltageActual
	}

	return t.CoreVoltage
}
