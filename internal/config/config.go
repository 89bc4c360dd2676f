package config

import (
	"os"
	"strings"

	"codeberg.org/mutker/axectl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration, loaded once at startup and
// immutable afterwards. Precedence: flags > environment > config file >
// defaults.
type Config struct {
	Device   Device   `mapstructure:"device"`
	Tuning   Tuning   `mapstructure:"tuning"`
	Pools    Pools    `mapstructure:"pools"`
	Snapshot Snapshot `mapstructure:"snapshot"`
	History  History  `mapstructure:"history"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Log      Log      `mapstructure:"log"`
}

// Device addresses the miner's HTTP API.
type Device struct {
	Host    string `mapstructure:"host"`
	Timeout int    `mapstructure:"timeout"` // seconds
	Retries int    `mapstructure:"retries"`
}

// Tuning holds the control-loop parameters. Voltages are millivolts,
// frequencies megahertz, temperatures degrees Celsius, power watts and
// hashrate GH/s.
type Tuning struct {
	Mode                string  `mapstructure:"mode"`
	Interval            int     `mapstructure:"interval"` // seconds
	TargetTemp          float64 `mapstructure:"target_temp"`
	TempHysteresis      float64 `mapstructure:"temp_hysteresis"`
	TempRecovery        float64 `mapstructure:"temp_recovery"`
	PowerLimit          float64 `mapstructure:"power_limit"`
	OvershootMargin     float64 `mapstructure:"overshoot_margin"`
	MinVoltage          int     `mapstructure:"min_voltage"`
	MaxVoltage          int     `mapstructure:"max_voltage"`
	VoltageStep         int     `mapstructure:"voltage_step"`
	MinFrequency        int     `mapstructure:"min_frequency"`
	MaxFrequency        int     `mapstructure:"max_frequency"`
	FrequencyStep       int     `mapstructure:"frequency_step"`
	InitialVoltage      int     `mapstructure:"initial_voltage"`
	InitialFrequency    int     `mapstructure:"initial_frequency"`
	HashrateSetpoint    float64 `mapstructure:"hashrate_setpoint"`
	FreqKp              float64 `mapstructure:"freq_kp"`
	FreqKi              float64 `mapstructure:"freq_ki"`
	FreqKd              float64 `mapstructure:"freq_kd"`
	VoltKp              float64 `mapstructure:"volt_kp"`
	VoltKi              float64 `mapstructure:"volt_ki"`
	VoltKd              float64 `mapstructure:"volt_kd"`
	StagnationEpsilon   float64 `mapstructure:"stagnation_epsilon"`
	StagnationThreshold int     `mapstructure:"stagnation_threshold"`
	PerturbationSteps   int     `mapstructure:"perturbation_steps"`
	FaultThreshold      int     `mapstructure:"fault_threshold"`
}

// Pools configures the latency ranker.
type Pools struct {
	File             string  `mapstructure:"file"`
	ProbeInterval    int     `mapstructure:"probe_interval"` // seconds
	RankInterval     int     `mapstructure:"rank_interval"`  // seconds
	ProbeTimeout     int     `mapstructure:"probe_timeout"`  // seconds
	ProbeConcurrency int     `mapstructure:"probe_concurrency"`
	Quantile         float64 `mapstructure:"quantile"`
	MarginMS         float64 `mapstructure:"margin_ms"`
	PenaltyMS        float64 `mapstructure:"penalty_ms"` // 0 derives from probe_timeout
	ApplyOnChange    bool    `mapstructure:"apply_on_change"`
	RestartOnChange  bool    `mapstructure:"restart_on_change"`
}

// Snapshot locates the single-slot controller state file.
type Snapshot struct {
	Path string `mapstructure:"path"`
}

// History configures the sqlite tuning-cycle store.
type History struct {
	Enabled       bool   `mapstructure:"enabled"`
	DBPath        string `mapstructure:"db_path"`
	FlushInterval int    `mapstructure:"flush_interval"` // seconds
	BufferSize    int    `mapstructure:"buffer_size"`
}

// Metrics configures the Prometheus endpoint. An empty listen address
// disables it.
type Metrics struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// Log configures logging output.
type Log struct {
	Debug   bool   `mapstructure:"debug"`
	Verbose bool   `mapstructure:"verbose"`
	File    string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.host", "")
	v.SetDefault("device.timeout", 10)
	v.SetDefault("device.retries", 3)

	v.SetDefault("tuning.mode", "normal")
	v.SetDefault("tuning.interval", 5)
	v.SetDefault("tuning.target_temp", 55.0)
	v.SetDefault("tuning.temp_hysteresis", 2.0)
	v.SetDefault("tuning.temp_recovery", 5.0)
	v.SetDefault("tuning.power_limit", 15.0)
	v.SetDefault("tuning.overshoot_margin", 1.075)
	v.SetDefault("tuning.min_voltage", 1100)
	v.SetDefault("tuning.max_voltage", 1300)
	v.SetDefault("tuning.voltage_step", 10)
	v.SetDefault("tuning.min_frequency", 400)
	v.SetDefault("tuning.max_frequency", 550)
	v.SetDefault("tuning.frequency_step", 25)
	v.SetDefault("tuning.initial_voltage", 1200)
	v.SetDefault("tuning.initial_frequency", 500)
	v.SetDefault("tuning.hashrate_setpoint", 500.0)
	v.SetDefault("tuning.freq_kp", 0.35)
	v.SetDefault("tuning.freq_ki", 0.08)
	v.SetDefault("tuning.freq_kd", 0.0)
	v.SetDefault("tuning.volt_kp", 0.5)
	v.SetDefault("tuning.volt_ki", 0.05)
	v.SetDefault("tuning.volt_kd", 0.0)
	v.SetDefault("tuning.stagnation_epsilon", 5.0)
	v.SetDefault("tuning.stagnation_threshold", 6)
	v.SetDefault("tuning.perturbation_steps", 1)
	v.SetDefault("tuning.fault_threshold", 5)

	v.SetDefault("pools.file", "pools.yaml")
	v.SetDefault("pools.probe_interval", 30)
	v.SetDefault("pools.rank_interval", 300)
	v.SetDefault("pools.probe_timeout", 5)
	v.SetDefault("pools.probe_concurrency", 4)
	v.SetDefault("pools.quantile", 0.5)
	v.SetDefault("pools.margin_ms", 5.0)
	v.SetDefault("pools.penalty_ms", 0.0)
	v.SetDefault("pools.apply_on_change", true)
	v.SetDefault("pools.restart_on_change", false)

	v.SetDefault("snapshot.path", "/var/lib/axectl/state.json")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.db_path", "/var/lib/axectl/history.db")
	v.SetDefault("history.flush_interval", 30)
	v.SetDefault("history.buffer_size", 64)

	v.SetDefault("metrics.listen_address", "")

	v.SetDefault("log.debug", false)
	v.SetDefault("log.verbose", false)
	v.SetDefault("log.file", "")
}

func Load() (*Config, error) {
	errFactory := errors.New()

	fs := pflag.NewFlagSet("axectl", pflag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to configuration file")
	fs.String("host", "", "Device API host or IP")
	fs.String("mode", "", "Tuning mode: normal or temp-watch")
	fs.Int("interval", 0, "Seconds between tuning cycles")
	fs.Float64("target-temp", 0, "Target temperature in Celsius")
	fs.Float64("power-limit", 0, "Power limit in watts")
	fs.Float64("setpoint", 0, "Hashrate setpoint in GH/s")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AXECTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load configuration from file
	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("AXECTL_CONFIG")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	} else {
		v.SetConfigName("axectl")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/axectl")
		v.AddConfigPath("$HOME/.config/axectl")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	// Override config file values with command line flags
	if fs.Changed("host") {
		val, _ := fs.GetString("host")
		v.Set("device.host", val)
	}
	if fs.Changed("mode") {
		val, _ := fs.GetString("mode")
		v.Set("tuning.mode", val)
	}
	if fs.Changed("interval") {
		val, _ := fs.GetInt("interval")
		v.Set("tuning.interval", val)
	}
	if fs.Changed("target-temp") {
		val, _ := fs.GetFloat64("target-temp")
		v.Set("tuning.target_temp", val)
	}
	if fs.Changed("power-limit") {
		val, _ := fs.GetFloat64("power-limit")
		v.Set("tuning.power_limit", val)
	}
	if fs.Changed("setpoint") {
		val, _ := fs.GetFloat64("setpoint")
		v.Set("tuning.hashrate_setpoint", val)
	}
	if fs.Changed("debug") {
		val, _ := fs.GetBool("debug")
		v.Set("log.debug", val)
	}
	if fs.Changed("verbose") {
		val, _ := fs.GetBool("verbose")
		v.Set("log.verbose", val)
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration before it reaches the core.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Device.Host == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "device host is required")
	}
	if c.Device.Timeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "device timeout must be positive")
	}

	t := c.Tuning
	if t.Mode != "normal" && t.Mode != "temp-watch" {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "tuning mode must be normal or temp-watch")
	}
	if t.Interval <= 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}
	if t.TargetTemp <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "target temperature must be positive")
	}
	if t.PowerLimit <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "power limit must be positive")
	}
	if t.OvershootMargin < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "overshoot margin must be at least 1")
	}
	if t.MinVoltage >= t.MaxVoltage {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "voltage bounds are inverted")
	}
	if t.MinFrequency >= t.MaxFrequency {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "frequency bounds are inverted")
	}
	if t.VoltageStep <= 0 || t.FrequencyStep <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "actuator steps must be positive")
	}
	if t.InitialVoltage < t.MinVoltage || t.InitialVoltage > t.MaxVoltage {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "initial voltage is outside the configured bounds")
	}
	if t.InitialFrequency < t.MinFrequency || t.InitialFrequency > t.MaxFrequency {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "initial frequency is outside the configured bounds")
	}
	if t.Mode == "normal" && t.HashrateSetpoint <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "hashrate setpoint is required in normal mode")
	}
	if t.StagnationEpsilon < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "stagnation epsilon must not be negative")
	}
	if t.StagnationThreshold < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "stagnation threshold must be at least 1")
	}
	if t.PerturbationSteps < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "perturbation steps must be at least 1")
	}
	if t.FaultThreshold < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "fault threshold must be at least 1")
	}

	p := c.Pools
	if p.ProbeInterval <= 0 || p.RankInterval <= 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}
	if p.ProbeTimeout <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "probe timeout must be positive")
	}
	if p.ProbeConcurrency < 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "probe concurrency must be at least 1")
	}
	if p.Quantile <= 0 || p.Quantile >= 1 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "ranking quantile must be between 0 and 1")
	}
	if p.MarginMS < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "hysteresis margin must not be negative")
	}

	if c.History.Enabled {
		if c.History.DBPath == "" {
			return errFactory.WithMessage(errors.ErrMissingConfig, "history database path is required")
		}
		if c.History.FlushInterval <= 0 || c.History.BufferSize <= 0 {
			return errFactory.WithMessage(errors.ErrInvalidConfig, "history flush interval and buffer size must be positive")
		}
	}

	return nil
}
