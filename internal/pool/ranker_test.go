package pool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/axectl/internal/events"
)

const (
	poolA = "stratum+tcp://a.pool.example:3333"
	poolB = "stratum+tcp://b.pool.example:3333"
	poolC = "stratum+tcp://c.pool.example:3333"
)

type fakeProbe struct {
	latency time.Duration
	err     error
}

type fakeProber struct {
	mu     sync.Mutex
	probes map[string]fakeProbe
}

func (f *fakeProber) Probe(_ context.Context, host string, port int) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.probes[net.JoinHostPort(host, strconv.Itoa(port))]
	if !ok {
		return 0, fmt.Errorf("no route to host")
	}
	if p.err != nil {
		return 0, p.err
	}

	return p.latency, nil
}

func (f *fakeProber) set(host string, latency time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.probes == nil {
		f.probes = map[string]fakeProbe{}
	}
	f.probes[net.JoinHostPort(host, "3333")] = fakeProbe{latency: latency, err: err}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Candidates = []Candidate{{URL: poolA}, {URL: poolB}, {URL: poolC}}

	return cfg
}

// feed replaces a candidate's digest with the given samples. Single-valued
// digests make quantile expectations exact.
func feed(r *Ranker, url string, ms ...float64) {
	c := findCandidate(r.cands, url)
	c.digest = tdigest.New()
	c.samples = 0
	for _, v := range ms {
		c.digest.Add(v, 1)
		c.samples++
	}
}

func drainEvents(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOfKind(evs []events.Event, kind events.Kind) []events.Event {
	var out []events.Event
	for _, ev := range evs {
		if ev.Kind() == kind {
			out = append(out, ev)
		}
	}

	return out
}

func TestRankInitialAdoption(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(16)

	r, err := NewRanker(testConfig(), bus)
	require.NoError(t, err)

	feed(r, poolA, 40)
	feed(r, poolB, 55)
	feed(r, poolC, 38)
	r.reachable = true
	r.rank()

	sel := r.Selection()
	assert.Equal(t, poolC, sel.Primary.URL, "Expected the lowest median to become primary")
	assert.Equal(t, poolA, sel.Backup.URL, "Expected the second-best to become backup")
	assert.Equal(t, "a.pool.example", sel.Backup.Host)
	assert.Equal(t, 3333, sel.Backup.Port)

	changes := eventsOfKind(drainEvents(ch), events.KindRankingChanged)
	require.Len(t, changes, 1)
	change := changes[0].(events.RankingChanged)
	assert.Empty(t, change.OldPrimary)
	assert.Equal(t, poolC, change.NewPrimary)
	assert.Equal(t, poolA, change.NewBackup)
	assert.Equal(t, reasonAdopted, change.Reason)
}

func TestRankHysteresis(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(16)

	r, err := NewRanker(testConfig(), bus)
	require.NoError(t, err)

	feed(r, poolA, 40)
	feed(r, poolB, 55)
	feed(r, poolC, 46)
	r.reachable = true
	r.rank()

	require.Equal(t, poolA, r.Selection().Primary.URL)
	require.Equal(t, poolC, r.Selection().Backup.URL)
	drainEvents(ch)

	// A challenger inside the margin does not displace the incumbent,
	// and the unchanged pair emits nothing.
	feed(r, poolC, 37)
	r.reachable = true
	r.rank()

	assert.Equal(t, poolA, r.Selection().Primary.URL,
		"Expected the incumbent to survive a challenger within the margin")
	assert.Equal(t, poolC, r.Selection().Backup.URL)
	assert.Empty(t, drainEvents(ch), "Expected no event for an unchanged pair")

	// Beyond the margin the challenger takes over.
	feed(r, poolC, 30)
	r.reachable = true
	r.rank()

	sel := r.Selection()
	assert.Equal(t, poolC, sel.Primary.URL)
	assert.Equal(t, poolA, sel.Backup.URL)

	changes := eventsOfKind(drainEvents(ch), events.KindRankingChanged)
	require.Len(t, changes, 1)
	change := changes[0].(events.RankingChanged)
	assert.Equal(t, poolA, change.OldPrimary)
	assert.Equal(t, poolC, change.NewPrimary)
	assert.Equal(t, reasonDisplaced, change.Reason)
}

func TestRankTieBreaks(t *testing.T) {
	t.Run("fewer penalties win", func(t *testing.T) {
		r, err := NewRanker(testConfig(), events.NewBus())
		require.NoError(t, err)

		feed(r, poolA, 42)
		feed(r, poolB, 42)
		feed(r, poolC, 60)
		findCandidate(r.cands, poolA).penalties = 1
		r.reachable = true
		r.rank()

		assert.Equal(t, poolB, r.Selection().Primary.URL,
			"Expected the cleaner candidate to win the tie")
		assert.Equal(t, poolA, r.Selection().Backup.URL)
	})

	t.Run("config order breaks remaining ties", func(t *testing.T) {
		r, err := NewRanker(testConfig(), events.NewBus())
		require.NoError(t, err)

		feed(r, poolA, 42)
		feed(r, poolB, 42)
		feed(r, poolC, 42)
		r.reachable = true
		r.rank()

		assert.Equal(t, poolA, r.Selection().Primary.URL,
			"Expected configuration order to break a full tie")
		assert.Equal(t, poolB, r.Selection().Backup.URL)
	})
}

func TestRankDegradedRetainsSelection(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(16)

	r, err := NewRanker(testConfig(), bus)
	require.NoError(t, err)

	feed(r, poolA, 40)
	feed(r, poolB, 55)
	feed(r, poolC, 38)
	r.reachable = true
	r.rank()
	drainEvents(ch)

	// No candidate was reachable since the pass above.
	r.rank()

	sel := r.Selection()
	assert.Equal(t, poolC, sel.Primary.URL, "Expected the previous selection retained")
	assert.Equal(t, poolA, sel.Backup.URL)

	evs := drainEvents(ch)
	degraded := eventsOfKind(evs, events.KindRankingDegraded)
	require.Len(t, degraded, 1)
	assert.Equal(t, 3, degraded[0].(events.RankingDegraded).Candidates)
	assert.Empty(t, eventsOfKind(evs, events.KindRankingChanged))
}

func TestRankDegradedBeforeAnyProbe(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe(16)

	r, err := NewRanker(testConfig(), bus)
	require.NoError(t, err)

	r.rank()

	assert.Empty(t, r.Selection().Primary.URL)
	require.Len(t, eventsOfKind(drainEvents(ch), events.KindRankingDegraded), 1)
}

func TestProbeAllFeedsDigests(t *testing.T) {
	prober := &fakeProber{}
	prober.set("a.pool.example", 40*time.Millisecond, nil)
	prober.set("b.pool.example", 0, fmt.Errorf("connection refused"))
	prober.set("c.pool.example", 38*time.Millisecond, nil)

	r, err := NewRanker(testConfig(), events.NewBus(), WithProber(prober))
	require.NoError(t, err)

	r.probeAll(context.Background())

	a := findCandidate(r.cands, poolA)
	assert.Equal(t, 1, a.samples)
	assert.Zero(t, a.penalties)
	assert.InDelta(t, 40.0, a.digest.Quantile(0.5), 1e-9)

	b := findCandidate(r.cands, poolB)
	assert.Equal(t, 1, b.samples)
	assert.Equal(t, 1, b.penalties)
	assert.InDelta(t, 5000.0, b.digest.Quantile(0.5), 1e-9,
		"Expected the penalty derived from the probe timeout")

	assert.True(t, r.reachable)
}

func TestRunSelectsScenario(t *testing.T) {
	prober := &fakeProber{}
	prober.set("a.pool.example", 40*time.Millisecond, nil)
	prober.set("b.pool.example", 55*time.Millisecond, nil)
	prober.set("c.pool.example", 38*time.Millisecond, nil)

	cfg := testConfig()
	cfg.ProbeInterval = 5 * time.Millisecond
	cfg.RankInterval = 10 * time.Millisecond

	r, err := NewRanker(cfg, events.NewBus(), WithProber(prober))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return r.Selection().Primary.URL == poolC
	}, 2*time.Second, 5*time.Millisecond, "Expected the fastest candidate adopted")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Expected Run to return after cancellation")
	}
}

func TestNewRankerRejectsBadCandidate(t *testing.T) {
	cfg := testConfig()
	cfg.Candidates = append(cfg.Candidates, Candidate{URL: "http://a.pool.example:80"})

	_, err := NewRanker(cfg, events.NewBus())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool_invalid_url")
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, testConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no candidates", func(c *Config) { c.Candidates = nil }},
		{"empty url", func(c *Config) { c.Candidates = []Candidate{{}} }},
		{"zero probe interval", func(c *Config) { c.ProbeInterval = 0 }},
		{"zero rank interval", func(c *Config) { c.RankInterval = 0 }},
		{"zero concurrency", func(c *Config) { c.ProbeConcurrency = 0 }},
		{"quantile at zero", func(c *Config) { c.Quantile = 0 }},
		{"quantile at one", func(c *Config) { c.Quantile = 1 }},
		{"negative margin", func(c *Config) { c.MarginMS = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseURL(t *testing.T) {
	ep, err := ParseURL("stratum+tcp://pool.example.org:3333")
	require.NoError(t, err)
	assert.Equal(t, "pool.example.org", ep.Host)
	assert.Equal(t, 3333, ep.Port)
	assert.Equal(t, "stratum+tcp://pool.example.org:3333", ep.URL)

	for _, raw := range []string{
		"http://pool.example.org:3333",
		"stratum+tcp://pool.example.org",
		"stratum+tcp://:3333",
		"not a url",
	} {
		_, err := ParseURL(raw)
		assert.Error(t, err, "Expected %q to be rejected", raw)
	}
}
