// Package tuner drives the miner's two actuators, core voltage and core
// clock, toward the configured objective while the safety envelope is
// enforced on every command. All decision logic is pure; this file owns
// the I/O around it.
package tuner

import (
	"context"
	"time"

	"codeberg.org/mutker/axectl/internal/device"
	"codeberg.org/mutker/axectl/internal/errors"
	"codeberg.org/mutker/axectl/internal/events"
	"codeberg.org/mutker/axectl/internal/history"
	"codeberg.org/mutker/axectl/internal/logger"
	"codeberg.org/mutker/axectl/internal/metrics"
	"codeberg.org/mutker/axectl/internal/snapshot"
)

// SnapshotStore persists controller state across restarts.
type SnapshotStore interface {
	Load() (*snapshot.Record, error)
	Save(rec *snapshot.Record) error
}

// Controller owns the device's actuator state and advances it one cycle at
// a time. Ticks are not safe for concurrent use; the owner serializes them.
type Controller struct {
	cfg    Config
	client device.Client
	arb    *Arbitrator
	bus    events.Publisher
	store  SnapshotStore
	rec    history.Recorder
	est    PowerEstimator
	state  State
}

type Option func(*Controller)

// WithSnapshotStore enables state persistence across restarts.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(c *Controller) { c.store = s }
}

// WithRecorder enables per-cycle history recording.
func WithRecorder(r history.Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// WithEstimator replaces the calibrated quadratic power model.
func WithEstimator(e PowerEstimator) Option {
	return func(c *Controller) { c.est = e }
}

func New(cfg Config, client device.Client, bus events.Publisher, opts ...Option) (*Controller, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	c := &Controller{
		cfg:    cfg,
		client: client,
		bus:    bus,
		state: State{
			VoltageMV:    cfg.InitialVoltage,
			FrequencyMHz: cfg.InitialFrequency,
			Mode:         cfg.Mode,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.arb = NewArbitrator(&c.cfg, c.est)

	c.restore()

	return c, nil
}

// State returns a copy of the controller's current view of the device.
func (c *Controller) State() State {
	return c.state
}

// Tick runs one full cycle: fetch, decide, dispatch, persist. A non-nil
// error means the telemetry fault threshold was reached and the owner has
// to decide what to do; every other failure is absorbed so the loop keeps
// running.
func (c *Controller) Tick(ctx context.Context) error {
	info, err := c.client.SystemInfo(ctx)
	if err != nil {
		return c.telemetryFault(err)
	}
	if c.state.FaultCount > 0 {
		logger.Info().Int("faults", c.state.FaultCount).Msg("Telemetry recovered")
		c.state.FaultCount = 0
	}

	sample := Sample{
		TempC:        info.Temp,
		PowerW:       info.Power,
		VoltageMV:    info.VoltageMV(),
		FrequencyMHz: info.Frequency,
		HashrateGHS:  info.HashRate,
		At:           time.Now(),
	}

	// The device may have been adjusted out-of-band (web UI, its own
	// restart); its requested settings win over our record of them.
	if info.CoreVoltage > 0 {
		c.state.VoltageMV = info.CoreVoltage
	}
	if info.Frequency > 0 {
		c.state.FrequencyMHz = info.Frequency
	}

	metrics.SetTelemetry(sample.TempC, sample.PowerW, sample.HashrateGHS,
		c.state.VoltageMV, c.state.FrequencyMHz)
	defer metrics.TunerCyclesTotal.Inc()

	cur := Command{VoltageMV: c.state.VoltageMV, FrequencyMHz: c.state.FrequencyMHz}

	d := decide(c.state, sample, &c.cfg, c.arb)
	for _, ev := range d.Events {
		c.publish(ev)
	}

	if !d.Changed {
		c.state = d.State
		c.record(ctx, sample, "hold")
		c.logCycle(sample, d)

		return nil
	}

	applied, dispatchErr := c.dispatch(ctx, cur, d.Command)
	if dispatchErr != nil {
		c.publish(events.DispatchFault{
			Setting: setting(d.Command),
			Err:     dispatchErr.Error(),
			At:      sample.At,
		})

		if applied == cur {
			// Nothing reached the device; keep the whole state, loop
			// terms included, so the next cycle recomputes from the
			// same place.
			logger.Warn().Err(dispatchErr).Msg("Dispatch failed, state unchanged")
			c.record(ctx, sample, "dispatch_fault")

			return nil
		}

		logger.Warn().Err(dispatchErr).
			Int("voltage_mv", applied.VoltageMV).
			Int("frequency_mhz", applied.FrequencyMHz).
			Msg("Dispatch partially applied, remainder retried next cycle")
	}

	c.state = d.State
	c.state.VoltageMV = applied.VoltageMV
	c.state.FrequencyMHz = applied.FrequencyMHz

	c.publish(events.AdjustmentApplied{
		Old:    setting(cur),
		New:    setting(applied),
		Reason: d.Reason,
		At:     sample.At,
	})
	metrics.TunerVoltage.Set(float64(applied.VoltageMV))
	metrics.TunerFrequency.Set(float64(applied.FrequencyMHz))

	c.persist()
	c.record(ctx, sample, string(d.Reason))
	c.logCycle(sample, d)

	return nil
}

// telemetryFault advances the consecutive-fault counter. The fatal event
// fires exactly once, when the counter reaches the threshold; from then on
// every further fault returns an error and the owner decides whether the
// process lives.
func (c *Controller) telemetryFault(cause error) error {
	c.state.FaultCount++
	fatal := c.state.FaultCount == c.cfg.FaultThreshold

	c.publish(events.TelemetryFault{
		Count:     c.state.FaultCount,
		Threshold: c.cfg.FaultThreshold,
		Fatal:     fatal,
		Err:       cause.Error(),
		At:        time.Now(),
	})

	if c.state.FaultCount >= c.cfg.FaultThreshold {
		return errors.New().Wrap(ErrFaultThreshold, cause)
	}

	logger.Warn().
		Err(cause).
		Int("count", c.state.FaultCount).
		Int("threshold", c.cfg.FaultThreshold).
		Msg("Telemetry fetch failed")

	return nil
}

// dispatch writes the changed axes to the device. A rising voltage goes
// first so the chip is never clocked above its supply; otherwise the
// frequency change lands before any voltage drop, for the same reason.
func (c *Controller) dispatch(ctx context.Context, cur, next Command) (Command, error) {
	applied := cur

	setVoltage := func() error {
		if next.VoltageMV == applied.VoltageMV {
			return nil
		}
		if err := c.client.SetVoltage(ctx, next.VoltageMV); err != nil {
			return err
		}
		applied.VoltageMV = next.VoltageMV

		return nil
	}
	setFrequency := func() error {
		if next.FrequencyMHz == applied.FrequencyMHz {
			return nil
		}
		if err := c.client.SetFrequency(ctx, next.FrequencyMHz); err != nil {
			return err
		}
		applied.FrequencyMHz = next.FrequencyMHz

		return nil
	}

	first, second := setFrequency, setVoltage
	if next.VoltageMV > cur.VoltageMV {
		first, second = setVoltage, setFrequency
	}

	if err := first(); err != nil {
		return applied, err
	}
	if err := second(); err != nil {
		return applied, err
	}

	return applied, nil
}

// persist saves the resumable state. Snapshot trouble never stops tuning.
func (c *Controller) persist() {
	if c.store == nil {
		return
	}

	rec := &snapshot.Record{
		Mode:         string(c.state.Mode),
		VoltageMV:    c.state.VoltageMV,
		FrequencyMHz: c.state.FrequencyMHz,
		PIDFreq:      snapshot.PIDState{Integral: c.state.FreqPID.Integral, LastErr: c.state.FreqPID.LastErr},
		PIDVolt:      snapshot.PIDState{Integral: c.state.VoltPID.Integral, LastErr: c.state.VoltPID.LastErr},
		Stagnation:   c.state.Stagnation,
		SavedAt:      time.Now(),
	}
	if err := c.store.Save(rec); err != nil {
		logger.Warn().Err(err).Msg("Snapshot write failed, tuning continues")
	}
}

// restore loads persisted state when available. Any problem falls back to
// the configured initial settings; resuming is best effort.
func (c *Controller) restore() {
	if c.store == nil {
		return
	}

	rec, err := c.store.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("Snapshot unreadable, starting from initial settings")

		return
	}
	if rec == nil {
		return
	}
	if rec.Mode != string(c.cfg.Mode) {
		logger.Info().
			Str("snapshot_mode", rec.Mode).
			Str("configured_mode", string(c.cfg.Mode)).
			Msg("Snapshot is from another mode, starting from initial settings")

		return
	}

	c.state.VoltageMV = clampInt(rec.VoltageMV, c.cfg.MinVoltage, c.cfg.MaxVoltage)
	c.state.FrequencyMHz = clampInt(rec.FrequencyMHz, c.cfg.MinFrequency, c.cfg.MaxFrequency)
	c.state.FreqPID = PIDState{Integral: rec.PIDFreq.Integral, LastErr: rec.PIDFreq.LastErr}
	c.state.VoltPID = PIDState{Integral: rec.PIDVolt.Integral, LastErr: rec.PIDVolt.LastErr}
	c.state.Stagnation = rec.Stagnation

	logger.Info().
		Int("voltage_mv", c.state.VoltageMV).
		Int("frequency_mhz", c.state.FrequencyMHz).
		Int("stagnation", c.state.Stagnation).
		Time("saved_at", rec.SavedAt).
		Msg("Resumed from snapshot")
}

func (c *Controller) record(ctx context.Context, t Sample, reason string) {
	if c.rec == nil {
		return
	}

	err := c.rec.Record(ctx, &history.Entry{
		At:           t.At,
		TempC:        t.TempC,
		PowerW:       t.PowerW,
		HashrateGHS:  t.HashrateGHS,
		VoltageMV:    c.state.VoltageMV,
		FrequencyMHz: c.state.FrequencyMHz,
		Mode:         string(c.state.Mode),
		Reason:       reason,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("History record failed")
	}
}

func (c *Controller) publish(ev events.Event) {
	metrics.ObserveEvent(ev)
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Controller) logCycle(t Sample, d Decision) {
	logger.Debug().
		Float64("temperature", t.TempC).
		Float64("power", t.PowerW).
		Float64("hashrate", t.HashrateGHS).
		Int("voltage_mv", c.state.VoltageMV).
		Int("frequency_mhz", c.state.FrequencyMHz).
		Int("stagnation", c.state.Stagnation).
		Str("mode", string(c.state.Mode)).
		Str("reason", string(d.Reason)).
		Bool("changed", d.Changed).
		Msg("")
}
