// Package metrics exposes Prometheus instrumentation for the tuning loop
// and the pool ranker. Collectors register on the default registry;
// serving them is the caller's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"codeberg.org/mutker/axectl/internal/events"
)

var (
	// Device telemetry, refreshed every tuning cycle.
	TunerTemperature = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "temperature_celsius",
		Help:      "Last reported chip temperature",
	})

	TunerPower = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "power_watts",
		Help:      "Last reported power draw",
	})

	TunerHashrate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "hashrate_ghs",
		Help:      "Last reported hashrate",
	})

	TunerVoltage = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "core_voltage_millivolts",
		Help:      "Core voltage currently commanded",
	})

	TunerFrequency = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "frequency_megahertz",
		Help:      "Core clock currently commanded",
	})

	// Control-loop outcomes.
	TunerCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "cycles_total",
		Help:      "Total tuning cycles completed",
	})

	TunerAdjustmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "adjustments_total",
		Help:      "Total actuator adjustments applied, by reason",
	}, []string{"reason"})

	TunerClampsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "safety_clamps_total",
		Help:      "Total safety clamps, by cause",
	}, []string{"cause"})

	TunerStagnationResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "stagnation_resets_total",
		Help:      "Total stagnation escapes",
	})

	TunerTelemetryFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "telemetry_faults_total",
		Help:      "Total failed telemetry fetches",
	})

	TunerDispatchFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "tuner",
		Name:      "dispatch_faults_total",
		Help:      "Total failed actuator dispatches",
	})

	// Pool ranking.
	PoolProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "axectl",
		Subsystem: "pool",
		Name:      "probe_duration_seconds",
		Help:      "TCP probe latency per pool",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"pool"})

	PoolProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "pool",
		Name:      "probe_failures_total",
		Help:      "Total failed TCP probes per pool",
	}, []string{"pool"})

	PoolQuantileMS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "axectl",
		Subsystem: "pool",
		Name:      "latency_quantile_milliseconds",
		Help:      "Representative latency quantile per pool at the last ranking pass",
	}, []string{"pool"})

	PoolRankingChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "pool",
		Name:      "ranking_changes_total",
		Help:      "Total primary/backup reassignments",
	})

	PoolRankingDegradedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "axectl",
		Subsystem: "pool",
		Name:      "ranking_degraded_total",
		Help:      "Total ranking passes with every candidate unreachable",
	})

	EventsDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "axectl",
		Subsystem: "events",
		Name:      "dropped",
		Help:      "Events dropped because a subscriber buffer was full",
	})
)

// SetTelemetry refreshes the device gauges from one sample.
func SetTelemetry(tempC, powerW, hashrateGHS float64, voltageMV, frequencyMHz int) {
	TunerTemperature.Set(tempC)
	TunerPower.Set(powerW)
	TunerHashrate.Set(hashrateGHS)
	TunerVoltage.Set(float64(voltageMV))
	TunerFrequency.Set(float64(frequencyMHz))
}

// ObserveProbe records one probe outcome.
func ObserveProbe(pool string, seconds float64, ok bool) {
	if ok {
		PoolProbeLatency.WithLabelValues(pool).Observe(seconds)

		return
	}
	PoolProbeFailures.WithLabelValues(pool).Inc()
}

// ObserveEvent translates a domain event into counter increments. Unknown
// kinds are ignored.
func ObserveEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.AdjustmentApplied:
		TunerAdjustmentsTotal.WithLabelValues(string(e.Reason)).Inc()
	case events.SafetyClamped:
		for _, cause := range e.Causes {
			TunerClampsTotal.WithLabelValues(cause).Inc()
		}
	case events.StagnationReset:
		TunerStagnationResetsTotal.Inc()
	case events.TelemetryFault:
		TunerTelemetryFaultsTotal.Inc()
	case events.DispatchFault:
		TunerDispatchFaultsTotal.Inc()
	case events.RankingChanged:
		PoolRankingChangesTotal.Inc()
	case events.RankingDegraded:
		PoolRankingDegradedTotal.Inc()
	}
}
