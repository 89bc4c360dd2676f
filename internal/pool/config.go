package pool

import (
	"time"

	"codeberg.org/mutker/axectl/internal/errors"
)

// Candidate is one configured pool endpoint. Slice order is operator
// preference and serves as the final ranking tie-break.
type Candidate struct {
	URL  string
	Role string
}

// Config holds the ranker parameters. Latencies are milliseconds.
type Config struct {
	Candidates []Candidate

	// ProbeInterval paces the per-candidate latency measurements;
	// RankInterval paces the coarser selection passes.
	ProbeInterval time.Duration
	RankInterval  time.Duration
	ProbeTimeout  time.Duration

	// ProbeConcurrency bounds how many candidates are probed at once.
	ProbeConcurrency int

	// Quantile is the representative statistic candidates are ordered
	// by, e.g. 0.5 for the median.
	Quantile float64

	// MarginMS is the hysteresis: a challenger displaces the current
	// primary only when better by more than this.
	MarginMS float64

	// PenaltyMS is recorded for an unreachable probe. Zero derives it
	// from the probe timeout.
	PenaltyMS float64
}

func DefaultConfig() Config {
	return Config{
		ProbeInterval:    30 * time.Second,
		RankInterval:     5 * time.Minute,
		ProbeTimeout:     5 * time.Second,
		ProbeConcurrency: 4,
		Quantile:         0.5,
		MarginMS:         5,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if len(c.Candidates) == 0 {
		return errFactory.WithMessage(ErrNoCandidates, "at least one pool candidate is required")
	}
	for _, cand := range c.Candidates {
		if cand.URL == "" {
			return errFactory.WithMessage(ErrInvalidConfig, "pool candidate without url")
		}
	}
	if c.ProbeInterval <= 0 || c.RankInterval <= 0 || c.ProbeTimeout <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "probe and rank intervals must be positive")
	}
	if c.ProbeConcurrency < 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "probe concurrency must be at least 1")
	}
	if c.Quantile <= 0 || c.Quantile >= 1 {
		return errFactory.WithMessage(ErrInvalidConfig, "quantile must be inside (0, 1)")
	}
	if c.MarginMS < 0 || c.PenaltyMS < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "margin and penalty must not be negative")
	}

	return nil
}

// penalty returns the configured penalty, deriving it from the probe
// timeout when unset.
func (c Config) penalty() float64 {
	if c.PenaltyMS > 0 {
		return c.PenaltyMS
	}

	return float64(c.ProbeTimeout) / float64(time.Millisecond)
}
