package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"codeberg.org/mutker/axectl/internal/config"
	"codeberg.org/mutker/axectl/internal/device"
	"codeberg.org/mutker/axectl/internal/errors"
	"codeberg.org/mutker/axectl/internal/events"
	"codeberg.org/mutker/axectl/internal/history"
	"codeberg.org/mutker/axectl/internal/logger"
	"codeberg.org/mutker/axectl/internal/metrics"
	"codeberg.org/mutker/axectl/internal/pidfile"
	"codeberg.org/mutker/axectl/internal/pool"
	"codeberg.org/mutker/axectl/internal/snapshot"
	"codeberg.org/mutker/axectl/internal/tuner"
)

var (
	cfg    *config.Config
	client device.Client
	bus    *events.Bus
	ctrl   *tuner.Controller
)

func main() {
	// A .env file is optional; real environment variables win.
	_ = godotenv.Load()

	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.Debug, cfg.Log.Verbose, logger.IsService(), cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug().Msg("Config loaded")

	if err := pidfile.Write(); err != nil {
		logger.Fatal().Err(err).Msg("Another instance appears to be running")
	}

	runID := uuid.NewString()
	logger.Info().
		Str("run_id", runID).
		Str("device", cfg.Device.Host).
		Str("mode", cfg.Tuning.Mode).
		Msg("Starting axectl")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	client = device.NewHTTPClient(cfg.Device.Host,
		device.WithTimeout(time.Duration(cfg.Device.Timeout)*time.Second))

	bus = events.NewBus()
	sub := bus.Subscribe(256)

	recorder, err := history.NewService(history.Config{
		Enabled:       cfg.History.Enabled,
		DBPath:        cfg.History.DBPath,
		BufferSize:    cfg.History.BufferSize,
		FlushInterval: time.Duration(cfg.History.FlushInterval) * time.Second,
	}, runID)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize history store")
	}

	opts := []tuner.Option{tuner.WithRecorder(recorder)}
	if cfg.Snapshot.Path != "" {
		store, err := snapshot.NewStore(cfg.Snapshot.Path)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize snapshot store")
		}
		opts = append(opts, tuner.WithSnapshotStore(store))
	}

	ctrl, err = tuner.New(tunerConfig(cfg), client, bus, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tuner")
	}

	startRanker(ctx)
	go consumeEvents(ctx, sub)

	if cfg.Metrics.ListenAddress != "" {
		go serveMetrics(ctx, cfg.Metrics.ListenAddress)
	}

	tickErr := loop(ctx)
	cancel()
	cleanup(recorder)

	if tickErr != nil {
		logger.ErrorWithCode(errors.New().Wrap(errors.ErrMainLoop, tickErr)).
			Msg("Exiting after sustained telemetry faults")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

// loop drives the tuning cadence. One tick is in flight at a time; a
// non-nil tick error means the fault threshold was reached and the process
// winds down.
func loop(ctx context.Context) error {
	errFactory := errors.New()

	ticker := time.NewTicker(time.Duration(cfg.Tuning.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ctrl.Tick(ctx); err != nil {
				return errFactory.Wrap(errors.ErrTuningCycle, err)
			}
			metrics.EventsDropped.Set(float64(bus.Dropped()))
		}
	}
}

// startRanker wires the pool latency ranker when a candidate file exists.
// Ranking is an independent loop; the tuner runs fine without it.
func startRanker(ctx context.Context) {
	if cfg.Pools.File == "" {
		return
	}
	if _, err := os.Stat(cfg.Pools.File); os.IsNotExist(err) {
		logger.Info().Str("file", cfg.Pools.File).Msg("No pools file, ranking disabled")

		return
	}

	candidates, err := config.LoadPools(cfg.Pools.File)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load pool candidates")
	}

	ranker, err := pool.NewRanker(poolConfig(cfg, candidates), bus)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize pool ranker")
	}

	go func() {
		if err := ranker.Run(ctx); err != nil {
			logger.ErrorWithCode(errors.New().Wrap(errors.ErrRankerLoop, err)).
				Msg("Pool ranker stopped")
		}
	}()
}

// consumeEvents renders the event stream and reacts to ranking changes.
// The core packages publish; all console output happens here.
func consumeEvents(ctx context.Context, sub <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			handleEvent(ctx, ev)
		}
	}
}

func handleEvent(ctx context.Context, ev events.Event) {
	switch e := ev.(type) {
	case events.AdjustmentApplied:
		logger.Info().
			Str("reason", string(e.Reason)).
			Int("old_voltage_mv", e.Old.VoltageMV).
			Int("new_voltage_mv", e.New.VoltageMV).
			Int("old_frequency_mhz", e.Old.FrequencyMHz).
			Int("new_frequency_mhz", e.New.FrequencyMHz).
			Msg("Adjustment applied")
	case events.SafetyClamped:
		logger.Warn().
			Strs("causes", e.Causes).
			Int("requested_voltage_mv", e.Requested.VoltageMV).
			Int("requested_frequency_mhz", e.Requested.FrequencyMHz).
			Int("applied_voltage_mv", e.Applied.VoltageMV).
			Int("applied_frequency_mhz", e.Applied.FrequencyMHz).
			Msg("Safety clamp engaged")
	case events.StagnationReset:
		logger.Warn().
			Int("plateau_cycles", e.Cycle).
			Int("perturbation_mhz", e.Perturbation).
			Msg("Stagnation escape")
	case events.TelemetryFault:
		if e.Fatal {
			logger.Error().
				Int("count", e.Count).
				Int("threshold", e.Threshold).
				Str("cause", e.Err).
				Msg("Telemetry fault threshold reached")

			return
		}
		logger.Warn().
			Int("count", e.Count).
			Int("threshold", e.Threshold).
			Str("cause", e.Err).
			Msg("Telemetry fault")
	case events.DispatchFault:
		logger.Warn().
			Int("voltage_mv", e.Setting.VoltageMV).
			Int("frequency_mhz", e.Setting.FrequencyMHz).
			Str("cause", e.Err).
			Msg("Dispatch fault")
	case events.RankingChanged:
		logger.Info().
			Str("old_primary", e.OldPrimary).
			Str("primary", e.NewPrimary).
			Str("backup", e.NewBackup).
			Str("reason", e.Reason).
			Msg("Pool selection changed")
		applyPools(ctx, e)
	case events.RankingDegraded:
		logger.Warn().
			Int("candidates", e.Candidates).
			Msg("All pool candidates unreachable")
	}
}

// applyPools pushes a new selection to the device when configured to.
func applyPools(ctx context.Context, e events.RankingChanged) {
	if !cfg.Pools.ApplyOnChange {
		return
	}

	primary, err := pool.ParseURL(e.NewPrimary)
	if err != nil {
		logger.Warn().Err(err).Msg("Unusable primary pool URL")

		return
	}

	var backup pool.Endpoint
	if e.NewBackup != "" {
		if backup, err = pool.ParseURL(e.NewBackup); err != nil {
			logger.Warn().Err(err).Msg("Unusable backup pool URL")

			return
		}
	}

	err = client.SetPools(ctx,
		device.PoolEndpoint{Host: primary.Host, Port: primary.Port},
		device.PoolEndpoint{Host: backup.Host, Port: backup.Port})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to apply pool selection to device")

		return
	}
	logger.Info().Str("primary", e.NewPrimary).Msg("Pool selection applied to device")

	if cfg.Pools.RestartOnChange {
		if err := client.Restart(ctx); err != nil {
			logger.Warn().Err(err).Msg("Device restart failed")
		}
	}
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn().Err(err).Msg("Health response write failed")
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}()

	logger.Info().Str("address", addr).Msg("Metrics server listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.ErrorWithCode(errors.New().Wrap(errors.ErrUnavailable, err)).
			Msg("Metrics server failed")
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup(recorder history.Recorder) {
	bus.Close()
	if err := recorder.Close(); err != nil {
		logger.Warn().Err(err).Msg("History store close failed")
	}
	if err := pidfile.Remove(); err != nil {
		logger.Warn().Err(err).Msg("PID file removal failed")
	}
}

func tunerConfig(cfg *config.Config) tuner.Config {
	t := cfg.Tuning

	return tuner.Config{
		Mode:                tuner.Mode(t.Mode),
		Interval:            time.Duration(t.Interval) * time.Second,
		TargetTemp:          t.TargetTemp,
		TempHysteresis:      t.TempHysteresis,
		TempRecovery:        t.TempRecovery,
		PowerLimit:          t.PowerLimit,
		OvershootMargin:     t.OvershootMargin,
		MinVoltage:          t.MinVoltage,
		MaxVoltage:          t.MaxVoltage,
		VoltageStep:         t.VoltageStep,
		MinFrequency:        t.MinFrequency,
		MaxFrequency:        t.MaxFrequency,
		FrequencyStep:       t.FrequencyStep,
		InitialVoltage:      t.InitialVoltage,
		InitialFrequency:    t.InitialFrequency,
		HashrateSetpoint:    t.HashrateSetpoint,
		FreqGains:           tuner.PIDGains{Kp: t.FreqKp, Ki: t.FreqKi, Kd: t.FreqKd},
		VoltGains:           tuner.PIDGains{Kp: t.VoltKp, Ki: t.VoltKi, Kd: t.VoltKd},
		StagnationEpsilon:   t.StagnationEpsilon,
		StagnationThreshold: t.StagnationThreshold,
		PerturbationSteps:   t.PerturbationSteps,
		FaultThreshold:      t.FaultThreshold,
	}
}

func poolConfig(cfg *config.Config, candidates []config.PoolCandidate) pool.Config {
	p := cfg.Pools

	pc := pool.Config{
		ProbeInterval:    time.Duration(p.ProbeInterval) * time.Second,
		RankInterval:     time.Duration(p.RankInterval) * time.Second,
		ProbeTimeout:     time.Duration(p.ProbeTimeout) * time.Second,
		ProbeConcurrency: p.ProbeConcurrency,
		Quantile:         p.Quantile,
		MarginMS:         p.MarginMS,
		PenaltyMS:        p.PenaltyMS,
	}
	for _, c := range candidates {
		pc.Candidates = append(pc.Candidates, pool.Candidate{URL: c.URL, Role: c.Role})
	}

	return pc
}
