// Package pool ranks candidate stratum endpoints by observed TCP latency
// so the connection manager always has a measured primary/backup pair. The
// ranker probes on one cadence and reranks on a coarser one, and shares
// nothing mutable with the tuning controller.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"codeberg.org/mutker/axectl/internal/errors"
	"codeberg.org/mutker/axectl/internal/events"
	"codeberg.org/mutker/axectl/internal/logger"
	"codeberg.org/mutker/axectl/internal/metrics"
)

const (
	reasonAdopted   = "adopted"
	reasonDisplaced = "primary_displaced"
	reasonBackup    = "backup_changed"
)

// Selection is a complete primary/backup pair. The zero value means no
// candidate has been adopted yet.
type Selection struct {
	Primary  Endpoint
	Backup   Endpoint
	RankedAt time.Time
}

// candidate is one slot of ranking state. The digest and counters are
// touched only by the run goroutine.
type candidate struct {
	Endpoint
	index     int
	digest    *tdigest.TDigest
	samples   int
	penalties int
	quantile  float64
}

// Ranker probes the configured candidates and maintains the selection.
type Ranker struct {
	cfg    Config
	prober Prober
	bus    events.Publisher

	cands     []*candidate
	reachable bool

	mu  sync.RWMutex
	sel Selection
}

type RankerOption func(*Ranker)

// WithProber replaces the TCP prober.
func WithProber(p Prober) RankerOption {
	return func(r *Ranker) { r.prober = p }
}

func NewRanker(cfg Config, bus events.Publisher, opts ...RankerOption) (*Ranker, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	r := &Ranker{
		cfg:    cfg,
		prober: TCPProber{},
		bus:    bus,
	}
	for _, opt := range opts {
		opt(r)
	}

	for i, cand := range cfg.Candidates {
		ep, err := ParseURL(cand.URL)
		if err != nil {
			return nil, err
		}
		ep.Role = cand.Role

		r.cands = append(r.cands, &candidate{
			Endpoint: ep,
			index:    i,
			digest:   tdigest.New(),
		})
	}

	return r, nil
}

// Selection returns the current pair as one consistent value.
func (r *Ranker) Selection() Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.sel
}

// Run drives the probe and rank cadences until ctx is canceled. The first
// pass runs immediately so a selection exists as soon as any candidate is
// reachable.
func (r *Ranker) Run(ctx context.Context) error {
	probeTicker := time.NewTicker(r.cfg.ProbeInterval)
	defer probeTicker.Stop()
	rankTicker := time.NewTicker(r.cfg.RankInterval)
	defer rankTicker.Stop()

	r.probeAll(ctx)
	r.rank()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-probeTicker.C:
			r.probeAll(ctx)
		case <-rankTicker.C:
			r.rank()
		}
	}
}

type probeResult struct {
	index   int
	latency time.Duration
	err     error
}

// probeAll measures every candidate once, concurrently under the
// configured limit. The digests are fed here, on the run goroutine, after
// all probes returned.
func (r *Ranker) probeAll(ctx context.Context) {
	results := make(chan probeResult, len(r.cands))
	sem := make(chan struct{}, r.cfg.ProbeConcurrency)

	var wg sync.WaitGroup
	for i, c := range r.cands {
		wg.Add(1)
		sem <- struct{}{}

		go func(index int, ep Endpoint) {
			defer wg.Done()
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			defer cancel()

			latency, err := r.prober.Probe(probeCtx, ep.Host, ep.Port)
			results <- probeResult{index: index, latency: latency, err: err}
		}(i, c.Endpoint)
	}

	wg.Wait()
	close(results)

	for res := range results {
		c := r.cands[res.index]
		c.samples++

		if res.err != nil {
			// An unreachable endpoint is demoted by penalty, never
			// excluded.
			c.digest.Add(r.cfg.penalty(), 1)
			c.penalties++
			metrics.ObserveProbe(c.URL, 0, false)
			logger.Debug().Err(res.err).Str("pool", c.URL).Msg("Probe failed")

			continue
		}

		c.digest.Add(float64(res.latency)/float64(time.Millisecond), 1)
		r.reachable = true
		metrics.ObserveProbe(c.URL, res.latency.Seconds(), true)
	}
}

// rank orders the sampled candidates by their representative quantile and
// replaces the selection. An incumbent primary survives challengers inside
// the hysteresis margin; with no reachable candidate since the previous
// pass the selection is retained and a degraded event emitted.
func (r *Ranker) rank() {
	now := time.Now()

	ranked := make([]*candidate, 0, len(r.cands))
	for _, c := range r.cands {
		if c.samples == 0 {
			continue
		}
		c.quantile = c.digest.Quantile(r.cfg.Quantile)
		metrics.PoolQuantileMS.WithLabelValues(c.URL).Set(c.quantile)
		ranked = append(ranked, c)
	}

	if !r.reachable || len(ranked) == 0 {
		r.publish(events.RankingDegraded{Candidates: len(r.cands), At: now})
		logger.Warn().
			Int("candidates", len(r.cands)).
			Msg("No pool candidate reachable, selection retained")

		return
	}
	r.reachable = false

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].quantile != ranked[j].quantile {
			return ranked[i].quantile < ranked[j].quantile
		}
		if ranked[i].penalties != ranked[j].penalties {
			return ranked[i].penalties < ranked[j].penalties
		}

		return ranked[i].index < ranked[j].index
	})

	cur := r.Selection()

	primary := ranked[0]
	if cur.Primary.URL != "" && cur.Primary.URL != primary.URL {
		if inc := findCandidate(ranked, cur.Primary.URL); inc != nil &&
			inc.quantile-primary.quantile <= r.cfg.MarginMS {
			primary = inc
		}
	}

	next := Selection{Primary: primary.Endpoint, RankedAt: now}
	for _, c := range ranked {
		if c != primary {
			next.Backup = c.Endpoint

			break
		}
	}

	if next.Primary.URL == cur.Primary.URL && next.Backup.URL == cur.Backup.URL {
		return
	}

	r.mu.Lock()
	r.sel = next
	r.mu.Unlock()

	reason := reasonBackup
	switch {
	case cur.Primary.URL == "":
		reason = reasonAdopted
	case next.Primary.URL != cur.Primary.URL:
		reason = reasonDisplaced
	}

	r.publish(events.RankingChanged{
		OldPrimary: cur.Primary.URL,
		NewPrimary: next.Primary.URL,
		OldBackup:  cur.Backup.URL,
		NewBackup:  next.Backup.URL,
		Reason:     reason,
		At:         now,
	})
	logger.Info().
		Str("primary", next.Primary.URL).
		Str("backup", next.Backup.URL).
		Str("reason", reason).
		Msg("Pool selection changed")
}

func (r *Ranker) publish(ev events.Event) {
	metrics.ObserveEvent(ev)
	if r.bus != nil {
		r.bus.Publish(ev)
	}
}

func findCandidate(cands []*candidate, url string) *candidate {
	for _, c := range cands {
		if c.URL == url {
			return c
		}
	}

	return nil
}
