package balance

import (
	"errors"
	"testing"
	"time"

	"github.com/axismesh/axis/internal/comm"
	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/message"
)

func ptr(f float64) *float64 { return &f }

func testBalancer(cfg config.BalancerConfig) *Balancer {
	return NewBalancer(cfg, NewRegistry(), nil, BreakerSettings{
		FailureThreshold: 3,
		Timeout:          50 * time.Millisecond,
	})
}

func fixedConfig() config.BalancerConfig {
	cfg := config.NewDefaultRuntimeConfig().Balancer
	cfg.AdaptiveAlgorithms = false
	cfg.DefaultAlgorithm = "round_robin"
	return cfg
}

func addTarget(b *Balancer, id string, trust float64) *Target {
	t := b.NewTarget(id, id+".mesh:7443", "", 1.0)
	t.Governance.Trust = trust
	t.Capacity.MaxConcurrent = 100
	b.Registry().Register(t)
	return t
}

func TestSelectEmptyRegistry(t *testing.T) {
	b := testBalancer(fixedConfig())
	_, err := b.Select(&Request{RequestID: "r1"})
	if !errors.Is(err, comm.ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute", err)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	b := testBalancer(fixedConfig())
	addTarget(b, "t1", 0.9)
	addTarget(b, "t2", 0.9)
	addTarget(b, "t3", 0.9)

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		sel, err := b.Select(&Request{RequestID: "r"})
		if err != nil {
			t.Fatalf("Select %d: %v", i, err)
		}
		seen[sel.Target.ID]++
		b.ReportCompletion("r", true, 10*time.Millisecond, nil)
	}
	for id, n := range seen {
		if n != 2 {
			t.Errorf("target %s picked %d times, want 2 (full: %v)", id, n, seen)
		}
	}
}

func TestEligibilityFilters(t *testing.T) {
	b := testBalancer(fixedConfig())
	healthy := addTarget(b, "healthy", 0.9)
	sick := addTarget(b, "sick", 0.9)
	sick.SetHealthy(false)
	listed := addTarget(b, "listed", 0.9)
	listed.SetBlacklisted(true)
	lowTrust := addTarget(b, "low-trust", 0.2)

	req := &Request{
		RequestID:  "r1",
		Governance: &message.GovernanceRequirements{TrustScoreMinimum: ptr(0.8)},
	}
	for i := 0; i < 4; i++ {
		sel, err := b.Select(req)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Target != healthy {
			t.Fatalf("selected %s, want healthy only (filtered: sick=%v listed=%v lowTrust=%v)",
				sel.Target.ID, sick.Healthy(), listed.Blacklisted(), lowTrust.Governance.Trust)
		}
		b.ReportCompletion("r1", true, 10*time.Millisecond, nil)
	}
}

func TestExcludedEndpointsSkipped(t *testing.T) {
	b := testBalancer(fixedConfig())
	addTarget(b, "t1", 0.9)
	t2 := addTarget(b, "t2", 0.9)

	req := &Request{
		RequestID: "r1",
		Exclude:   map[string]struct{}{"t1.mesh:7443": {}},
	}
	for i := 0; i < 3; i++ {
		sel, err := b.Select(req)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Target != t2 {
			t.Fatalf("selected %s despite exclusion", sel.Target.ID)
		}
		b.ReportCompletion("r1", true, 10*time.Millisecond, nil)
	}

	req.Exclude["t2.mesh:7443"] = struct{}{}
	if _, err := b.Select(req); !errors.Is(err, comm.ErrNoRoute) {
		t.Fatalf("err = %v, want ErrNoRoute with all endpoints excluded", err)
	}
}

func TestGovernanceFlags(t *testing.T) {
	b := testBalancer(fixedConfig())
	plain := addTarget(b, "plain", 0.9)
	audited := addTarget(b, "audited", 0.9)
	audited.Governance.AuditCapable = true

	req := &Request{
		RequestID:  "r1",
		Governance: &message.GovernanceRequirements{AuditRequired: true},
	}
	sel, err := b.Select(req)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Target != audited {
		t.Errorf("selected %s, want audited (plain audit=%v)", sel.Target.ID, plain.Governance.AuditCapable)
	}
	b.ReportCompletion("r1", true, time.Millisecond, nil)
}

func TestCircuitOpensAndHalfOpenProbe(t *testing.T) {
	b := testBalancer(fixedConfig())
	flaky := addTarget(b, "flaky", 0.9)
	stable := addTarget(b, "stable", 0.9)

	// Three consecutive failures on flaky trip its breaker.
	for i := 0; i < 6; i++ {
		sel, err := b.Select(&Request{RequestID: "r"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		b.ReportCompletion("r", sel.Target != flaky, 10*time.Millisecond, nil)
	}
	if flaky.BreakerAdmits() {
		t.Fatal("flaky breaker still closed after consecutive failures")
	}

	// While open, selection skips flaky entirely.
	for i := 0; i < 4; i++ {
		sel, err := b.Select(&Request{RequestID: "r"})
		if err != nil {
			t.Fatalf("Select during open: %v", err)
		}
		if sel.Target == flaky {
			t.Fatal("open-circuit target selected")
		}
		b.ReportCompletion("r", true, 10*time.Millisecond, nil)
	}

	// After the timeout the breaker admits a probe; a success closes it.
	time.Sleep(60 * time.Millisecond)
	if !flaky.BreakerAdmits() {
		t.Fatal("breaker not half-open after timeout")
	}
	probe, ok := flaky.begin()
	if !ok {
		t.Fatal("half-open probe rejected")
	}
	if _, ok := flaky.begin(); ok {
		t.Fatal("half-open admitted a second concurrent probe")
	}
	probe(true)
	flaky.complete(true, 5*time.Millisecond)
	if done, ok := flaky.begin(); !ok {
		t.Fatal("breaker did not close after successful probe")
	} else {
		done(true)
		flaky.complete(true, 5*time.Millisecond)
	}
	_ = stable
}

func TestAllOpenError(t *testing.T) {
	b := testBalancer(fixedConfig())
	only := addTarget(b, "only", 0.9)
	for i := 0; i < 3; i++ {
		sel, err := b.Select(&Request{RequestID: "r"})
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Target != only {
			t.Fatal("unexpected target")
		}
		b.ReportCompletion("r", false, 10*time.Millisecond, errors.New("boom"))
	}
	_, err := b.Select(&Request{RequestID: "r"})
	if !errors.Is(err, comm.ErrAllOpen) {
		t.Fatalf("err = %v, want ErrAllOpen", err)
	}
}

func TestAlternativesCappedAndOrdered(t *testing.T) {
	b := testBalancer(fixedConfig())
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		addTarget(b, id, 0.9)
	}
	sel, err := b.Select(&Request{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if len(sel.Alternatives) != 3 {
		t.Fatalf("alternatives = %d, want 3", len(sel.Alternatives))
	}
	for _, alt := range sel.Alternatives {
		if alt == sel.Target {
			t.Error("primary listed among alternatives")
		}
	}
	b.ReportCompletion("r1", true, time.Millisecond, nil)
}

func TestLeastConnections(t *testing.T) {
	cfg := fixedConfig()
	cfg.DefaultAlgorithm = "least_connections"
	b := testBalancer(cfg)
	idle := addTarget(b, "idle", 0.9)
	busy := addTarget(b, "busy", 0.9)
	busy.activeRequests.Store(50)

	sel, err := b.Select(&Request{RequestID: "r1"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Target != idle {
		t.Errorf("selected %s, want idle", sel.Target.ID)
	}
	b.ReportCompletion("r1", true, time.Millisecond, nil)
}

func TestMetaSelectorLatencyAffinity(t *testing.T) {
	cfg := config.NewDefaultRuntimeConfig().Balancer // adaptive on
	b := testBalancer(cfg)
	addTarget(b, "t1", 0.9)

	sel, err := b.Select(&Request{RequestID: "r1", LatencySensitive: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Algorithm != "least_response_time" {
		t.Errorf("algorithm = %s, want least_response_time for latency-sensitive request", sel.Algorithm)
	}
	b.ReportCompletion("r1", true, time.Millisecond, nil)
}

func TestReportCompletionUnknownID(t *testing.T) {
	b := testBalancer(fixedConfig())
	// Must not panic or corrupt state.
	b.ReportCompletion("never-issued", true, time.Millisecond, nil)
}

func TestRegionPreference(t *testing.T) {
	cfg := fixedConfig()
	b := NewBalancer(cfg, NewRegistry(), func(endpoint string) string {
		if endpoint == "eu-host:1" {
			return "EU"
		}
		return "US"
	}, BreakerSettings{FailureThreshold: 3, Timeout: time.Second})

	eu := b.NewTarget("eu", "eu-host:1", "", 1.0)
	us := b.NewTarget("us", "us-host:1", "", 1.0)
	b.Registry().Register(eu)
	b.Registry().Register(us)

	sel, err := b.Select(&Request{RequestID: "r1", Region: "EU"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Target != eu {
		t.Errorf("selected %s, want eu for EU-region request", sel.Target.ID)
	}
	b.ReportCompletion("r1", true, time.Millisecond, nil)

	// No target in the requested region: fall back to the full set.
	sel, err = b.Select(&Request{RequestID: "r2", Region: "AP"})
	if err != nil {
		t.Fatalf("Select fallback: %v", err)
	}
	if sel.Target == nil {
		t.Fatal("fallback selection empty")
	}
	b.ReportCompletion("r2", true, time.Millisecond, nil)
	_ = us
}