package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/model"
)

func testConfig() config.AnomalyConfig {
	cfg := config.NewDefaultRuntimeConfig().Anomaly
	cfg.Sensitivity = 0.95
	cfg.MinDataPoints = 4
	return cfg
}

// offHours pins the sensitivity schedule so tests are time-independent.
func offHours(time.Time) bool { return false }

func TestCPUSpikeDetected(t *testing.T) {
	var sunk []model.AnomalyRecord
	e := NewEngine(Options{
		Config:        testConfig(),
		BusinessHours: offHours,
		Sink: func(records []model.AnomalyRecord) error {
			sunk = append(sunk, records...)
			return nil
		},
	})

	ts := time.Now()
	samples := []float64{30, 32, 31, 33, 97}
	var det Detection
	var found bool
	for _, v := range samples {
		d, ok := e.Observe("agent-1", "cpu_usage", v, ts)
		if ok {
			det, found = d, true
		}
		ts = ts.Add(15 * time.Second)
	}

	if !found {
		t.Fatal("spike 97 not detected")
	}
	if det.Observed != 97 {
		t.Errorf("observed = %v, want 97", det.Observed)
	}
	if math.Abs(det.Expected-32) > 1 {
		t.Errorf("expected = %v, want approx 32", det.Expected)
	}
	if det.Score < 0.95 {
		t.Errorf("score = %v, want >= 0.95", det.Score)
	}
	if len(sunk) != 1 || sunk[0].Metric != "cpu_usage" {
		t.Errorf("persisted records = %+v", sunk)
	}
}

func TestNoDetectionBelowMinDataPoints(t *testing.T) {
	e := NewEngine(Options{Config: testConfig(), BusinessHours: offHours})
	ts := time.Now()
	// 33 against [30, 32, 31] would be a large z-score, but the window is
	// below min_data_points.
	for _, v := range []float64{30, 32, 31, 33} {
		if _, ok := e.Observe("agent-1", "cpu_usage", v, ts); ok {
			t.Fatalf("detection fired on value %v with short history", v)
		}
		ts = ts.Add(time.Second)
	}
}

func TestNormalSamplesPass(t *testing.T) {
	e := NewEngine(Options{Config: testConfig(), BusinessHours: offHours})
	ts := time.Now()
	for _, v := range []float64{30, 32, 31, 33, 32, 31, 30, 33, 32} {
		if d, ok := e.Observe("agent-1", "cpu_usage", v, ts); ok {
			t.Fatalf("false positive on %v: %+v", v, d)
		}
		ts = ts.Add(time.Second)
	}
}

func TestConstantHistorySpike(t *testing.T) {
	e := NewEngine(Options{Config: testConfig(), BusinessHours: offHours})
	ts := time.Now()
	var found bool
	for _, v := range []float64{50, 50, 50, 50, 80} {
		if _, ok := e.Observe("agent-1", "mem_usage", v, ts); ok {
			found = true
		}
		ts = ts.Add(time.Second)
	}
	if !found {
		t.Fatal("deviation from constant history not detected")
	}
}

func TestBusinessHoursBoost(t *testing.T) {
	cfg := testConfig()
	cfg.BusinessHoursBoost = 0.5 // exaggerated so a mild outlier flips
	inHours := false
	e := NewEngine(Options{
		Config:        cfg,
		BusinessHours: func(time.Time) bool { return inHours },
	})

	feed := func(metric string) (Detection, bool) {
		ts := time.Now()
		var det Detection
		var ok bool
		for _, v := range []float64{30, 32, 31, 33, 33.5} {
			var d Detection
			var hit bool
			d, hit = e.Observe("agent-1", metric, v, ts)
			if hit {
				det, ok = d, true
			}
			ts = ts.Add(time.Second)
		}
		return det, ok
	}

	if _, ok := feed("off_hours_metric"); ok {
		t.Fatal("mild outlier flagged outside business hours")
	}
	inHours = true
	if _, ok := feed("in_hours_metric"); !ok {
		t.Fatal("boosted sensitivity did not flag the mild outlier")
	}
}

func TestEnsembleCombinesDetectors(t *testing.T) {
	cfg := testConfig()
	cfg.EnsembleEnabled = true
	e := NewEngine(Options{Config: cfg, BusinessHours: offHours})

	ts := time.Now()
	var found bool
	for _, v := range []float64{30, 32, 31, 33, 97} {
		if _, ok := e.Observe("agent-1", "cpu_usage", v, ts); ok {
			found = true
		}
		ts = ts.Add(time.Second)
	}
	if !found {
		t.Fatal("ensemble missed the spike")
	}
}

func TestMedianDeviationRobustToOutlierInHistory(t *testing.T) {
	d := MedianDeviation{Threshold: 0.95}
	// History already contains one outlier; the median path still treats a
	// normal sample as normal.
	history := []float64{30, 31, 32, 33, 500}
	if res := d.Score(31, history); res.IsAnomaly {
		t.Errorf("normal sample flagged: %+v", res)
	}
	if res := d.Score(500, history); !res.IsAnomaly {
		t.Errorf("extreme sample passed: %+v", res)
	}
}

func TestResetDropsHistory(t *testing.T) {
	e := NewEngine(Options{Config: testConfig(), BusinessHours: offHours})
	ts := time.Now()
	for _, v := range []float64{30, 32, 31, 33} {
		e.Observe("agent-1", "cpu_usage", v, ts)
		ts = ts.Add(time.Second)
	}
	e.Reset("agent-1", "cpu_usage")
	if _, ok := e.Observe("agent-1", "cpu_usage", 97, ts); ok {
		t.Fatal("detection fired against a reset history")
	}
}
