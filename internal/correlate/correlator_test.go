package correlate

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/detect"
	"driftwatch/internal/metrics"
)

type recorder struct {
	mu        sync.Mutex
	confirmed []Confirmation
	resolved  []string
}

func (r *recorder) HandleConfirmed(conf Confirmation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmed = append(r.confirmed, conf)
}

func (r *recorder) HandleResolved(endpoint, dedupKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, dedupKey)
}

func (r *recorder) confirmations() []Confirmation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Confirmation(nil), r.confirmed...)
}

func (r *recorder) resolutions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.resolved...)
}

func testCorrelateConfig() Config {
	return Config{
		MinSignalCount:      2,
		JoinTolerance:       90 * time.Second,
		ResolveAfterHealthy: 3,
		DedupBucket:         time.Hour,
	}
}

func sig(m metrics.Metric, d metrics.Direction, end time.Time) detect.Signal {
	return detect.Signal{
		Endpoint:   "/api/checkout",
		Metric:     m,
		WindowSize: time.Minute,
		WindowEnd:  end,
		Direction:  d,
		ZScore:     4.0,
	}
}

var t0 = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func TestSingleSignalDoesNotConfirm(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})

	if got := rec.confirmations(); len(got) != 0 {
		t.Fatalf("lone signal confirmed %d alerts", len(got))
	}
	if c.StateOf("/api/checkout") != StateCandidate {
		t.Fatalf("state = %s, want candidate", c.StateOf("/api/checkout"))
	}
}

func TestCompatiblePairConfirms(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
		sig(metrics.ErrorRate, metrics.DirectionIncrease, t0),
	})

	got := rec.confirmations()
	if len(got) != 1 {
		t.Fatalf("got %d confirmations, want 1", len(got))
	}
	if got[0].Endpoint != "/api/checkout" || got[0].DedupKey == "" {
		t.Fatalf("confirmation = %+v", got[0])
	}
	if len(got[0].Signals) != 2 {
		t.Fatalf("confirmation carried %d signals, want 2", len(got[0].Signals))
	}
	if c.StateOf("/api/checkout") != StateOpen {
		t.Fatalf("state = %s, want open", c.StateOf("/api/checkout"))
	}
}

func TestLatencyFamilyAloneDoesNotConfirm(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	// avg and p95 latency share a distribution; not independent evidence.
	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
		sig(metrics.P95Latency, metrics.DirectionIncrease, t0),
	})

	if got := rec.confirmations(); len(got) != 0 {
		t.Fatalf("latency family confirmed %d alerts", len(got))
	}
}

func TestVolumeSpikeWithLatencyDoesNotConfirm(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	// A traffic spike explains the latency rise by itself.
	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.RequestVolume, metrics.DirectionIncrease, t0),
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})

	if got := rec.confirmations(); len(got) != 0 {
		t.Fatalf("load-driven latency confirmed %d alerts", len(got))
	}
}

func TestVolumeDropWithLatencyConfirms(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	// Latency up while traffic fell: load does not explain it.
	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.RequestVolume, metrics.DirectionDecrease, t0),
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})

	if got := rec.confirmations(); len(got) != 1 {
		t.Fatalf("got %d confirmations, want 1", len(rec.confirmations()))
	}
}

func TestSignalsJoinAcrossWindows(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})
	// One window later, still within the 90s join tolerance.
	next := t0.Add(time.Minute)
	c.Observe("/api/checkout", time.Minute, next, []detect.Signal{
		sig(metrics.ErrorRate, metrics.DirectionIncrease, next),
	})

	if got := rec.confirmations(); len(got) != 1 {
		t.Fatalf("got %d confirmations, want 1", len(got))
	}
}

func TestLoneSignalExpiresAsNearMiss(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})

	// Far past the join tolerance; the buffered signal expires and the
	// matching error-rate signal now stands alone.
	later := t0.Add(5 * time.Minute)
	c.Observe("/api/checkout", time.Minute, later, []detect.Signal{
		sig(metrics.ErrorRate, metrics.DirectionIncrease, later),
	})

	if got := rec.confirmations(); len(got) != 0 {
		t.Fatalf("expired signal still confirmed %d alerts", len(got))
	}
	if c.NearMisses() != 1 {
		t.Fatalf("near misses = %d, want 1", c.NearMisses())
	}
}

func TestCandidateReturnsToHealthyAfterExpiry(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})
	c.Observe("/api/checkout", time.Minute, t0.Add(5*time.Minute), nil)

	if got := c.StateOf("/api/checkout"); got != StateHealthy {
		t.Fatalf("state = %s, want healthy", got)
	}
}

func TestOpenAlertUpdatesInsteadOfDuplicating(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
		sig(metrics.ErrorRate, metrics.DirectionIncrease, t0),
	})
	next := t0.Add(time.Minute)
	c.Observe("/api/checkout", time.Minute, next, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, next),
	})

	got := rec.confirmations()
	if len(got) != 2 {
		t.Fatalf("got %d confirmations, want 2 (open + update)", len(got))
	}
	if got[0].DedupKey != got[1].DedupKey {
		t.Fatal("update must reuse the open alert's dedup key")
	}
}

func TestResolveAfterConsecutiveHealthyWindows(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
		sig(metrics.ErrorRate, metrics.DirectionIncrease, t0),
	})
	openKey := rec.confirmations()[0].DedupKey

	for i := 1; i <= 2; i++ {
		c.Observe("/api/checkout", time.Minute, t0.Add(time.Duration(i)*time.Minute), nil)
	}
	if len(rec.resolutions()) != 0 {
		t.Fatal("resolved before the required healthy streak")
	}

	c.Observe("/api/checkout", time.Minute, t0.Add(3*time.Minute), nil)
	res := rec.resolutions()
	if len(res) != 1 || res[0] != openKey {
		t.Fatalf("resolutions = %v, want [%s]", res, openKey)
	}
	if c.StateOf("/api/checkout") != StateHealthy {
		t.Fatalf("state after resolve = %s, want healthy", c.StateOf("/api/checkout"))
	}
}

func TestHealthyStreakResetsOnNewSignal(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
		sig(metrics.ErrorRate, metrics.DirectionIncrease, t0),
	})

	c.Observe("/api/checkout", time.Minute, t0.Add(time.Minute), nil)
	c.Observe("/api/checkout", time.Minute, t0.Add(2*time.Minute), nil)
	flare := t0.Add(3 * time.Minute)
	c.Observe("/api/checkout", time.Minute, flare, []detect.Signal{
		sig(metrics.ErrorRate, metrics.DirectionIncrease, flare),
	})
	c.Observe("/api/checkout", time.Minute, t0.Add(4*time.Minute), nil)
	c.Observe("/api/checkout", time.Minute, t0.Add(5*time.Minute), nil)

	if len(rec.resolutions()) != 0 {
		t.Fatal("streak must restart after a mid-recovery flare")
	}
	c.Observe("/api/checkout", time.Minute, t0.Add(6*time.Minute), nil)
	if len(rec.resolutions()) != 1 {
		t.Fatal("expected resolution once the streak completes")
	}
}

func TestNonBaseWindowDoesNotAdvanceHealthyStreak(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
		sig(metrics.ErrorRate, metrics.DirectionIncrease, t0),
	})

	// Healthy 5m observations do not count toward the 1m streak.
	for i := 1; i <= 5; i++ {
		c.Observe("/api/checkout", 5*time.Minute, t0.Add(time.Duration(i)*5*time.Minute), nil)
	}
	if len(rec.resolutions()) != 0 {
		t.Fatal("larger-window health advanced the base-window streak")
	}
}

func TestResetClearsState(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
		sig(metrics.ErrorRate, metrics.DirectionIncrease, t0),
	})
	c.Reset("/api/checkout")

	if got := c.StateOf("/api/checkout"); got != StateHealthy {
		t.Fatalf("state after reset = %s, want healthy", got)
	}

	// A fresh incident opens a new confirmation rather than an update.
	next := t0.Add(10 * time.Minute)
	c.Observe("/api/checkout", time.Minute, next, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, next),
		sig(metrics.ErrorRate, metrics.DirectionIncrease, next),
	})
	if len(rec.confirmations()) != 2 {
		t.Fatalf("got %d confirmations, want 2", len(rec.confirmations()))
	}
}

func TestEndpointsAreIndependent(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/a", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})
	c.Observe("/api/b", time.Minute, t0, []detect.Signal{
		sig(metrics.ErrorRate, metrics.DirectionIncrease, t0),
	})

	if got := rec.confirmations(); len(got) != 0 {
		t.Fatalf("signals from different endpoints joined: %d confirmations", len(got))
	}
}

func TestCompatibleTable(t *testing.T) {
	end := t0
	cases := []struct {
		name string
		x, y detect.Signal
		want bool
	}{
		{
			"same metric",
			sig(metrics.ErrorRate, metrics.DirectionIncrease, end),
			sig(metrics.ErrorRate, metrics.DirectionIncrease, end),
			false,
		},
		{
			"latency family",
			sig(metrics.AvgLatency, metrics.DirectionIncrease, end),
			sig(metrics.P95Latency, metrics.DirectionIncrease, end),
			false,
		},
		{
			"volume spike explains latency",
			sig(metrics.RequestVolume, metrics.DirectionIncrease, end),
			sig(metrics.P95Latency, metrics.DirectionIncrease, end),
			false,
		},
		{
			"volume drop with latency",
			sig(metrics.RequestVolume, metrics.DirectionDecrease, end),
			sig(metrics.AvgLatency, metrics.DirectionIncrease, end),
			true,
		},
		{
			"latency with errors",
			sig(metrics.AvgLatency, metrics.DirectionIncrease, end),
			sig(metrics.ErrorRate, metrics.DirectionIncrease, end),
			true,
		},
		{
			"errors with variance",
			sig(metrics.ErrorRate, metrics.DirectionIncrease, end),
			sig(metrics.ResponseSizeVariance, metrics.DirectionIncrease, end),
			true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compatible(tc.x, tc.y); got != tc.want {
				t.Fatalf("Compatible = %v, want %v", got, tc.want)
			}
			if got := Compatible(tc.y, tc.x); got != tc.want {
				t.Fatalf("Compatible (reversed) = %v, want %v", got, tc.want)
			}
		})
	}
}

func epSig(endpoint string, m metrics.Metric, end time.Time) detect.Signal {
	s := sig(m, metrics.DirectionIncrease, end)
	s.Endpoint = endpoint
	return s
}

// blockingEvents stalls the confirmation callback for one endpoint so a test
// can check that other endpoints keep flowing.
type blockingEvents struct {
	recorder
	block   string
	entered chan struct{}
	release chan struct{}
}

func (b *blockingEvents) HandleConfirmed(conf Confirmation) {
	if conf.Endpoint == b.block {
		close(b.entered)
		<-b.release
	}
	b.recorder.HandleConfirmed(conf)
}

func TestConfirmationDoesNotBlockOtherEndpoints(t *testing.T) {
	ev := &blockingEvents{
		block:   "/api/a",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := New(testCorrelateConfig(), time.Minute, ev, zerolog.Nop())

	go c.Observe("/api/a", time.Minute, t0, []detect.Signal{
		epSig("/api/a", metrics.AvgLatency, t0),
		epSig("/api/a", metrics.ErrorRate, t0),
	})
	<-ev.entered

	done := make(chan struct{})
	go func() {
		c.Observe("/api/b", time.Minute, t0, []detect.Signal{
			epSig("/api/b", metrics.AvgLatency, t0),
			epSig("/api/b", metrics.ErrorRate, t0),
		})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second endpoint blocked behind another endpoint's confirmation")
	}
	close(ev.release)

	deadline := time.Now().Add(2 * time.Second)
	for len(ev.confirmations()) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("confirmations = %d, want 2", len(ev.confirmations()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweepExpiresSignalsOnQuiescentEndpoints(t *testing.T) {
	rec := &recorder{}
	c := New(testCorrelateConfig(), time.Minute, rec, zerolog.Nop())

	c.Observe("/api/checkout", time.Minute, t0, []detect.Signal{
		sig(metrics.AvgLatency, metrics.DirectionIncrease, t0),
	})
	if c.StateOf("/api/checkout") != StateCandidate {
		t.Fatalf("state = %s, want candidate", c.StateOf("/api/checkout"))
	}

	// The endpoint then goes silent, so no later Observe will prune it.
	c.Sweep(t0.Add(5 * time.Minute))

	if c.NearMisses() != 1 {
		t.Fatalf("near misses = %d, want 1", c.NearMisses())
	}
	if c.StateOf("/api/checkout") != StateHealthy {
		t.Fatalf("state = %s, want healthy", c.StateOf("/api/checkout"))
	}
}
