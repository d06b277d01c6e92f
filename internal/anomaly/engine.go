package anomaly

import (
	"log"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/axismesh/axis/internal/config"
	"github.com/axismesh/axis/internal/model"
)

// historyCapacity bounds the per-metric trailing window.
const historyCapacity = 64

// Detection is a confirmed anomaly on one agent metric.
type Detection struct {
	AgentID     string
	Metric      string
	Timestamp   time.Time
	Observed    float64
	Expected    float64
	Score       float64
	Explanation string
}

// Sink persists confirmed detections, typically store.InsertAnomalies.
type Sink func(records []model.AnomalyRecord) error

// Options wires the engine's collaborators.
type Options struct {
	Config config.AnomalyConfig

	// Sink persists detections. nil disables persistence.
	Sink Sink

	// OnDetection fires for every confirmed anomaly. Feeds alert creation.
	OnDetection func(Detection)

	// BusinessHours reports whether t falls in the high-sensitivity window.
	// nil means weekdays 09:00-17:00 local time.
	BusinessHours func(t time.Time) bool
}

type weightedDetector struct {
	detector Detector
	weight   float64
}

type history struct {
	mu     sync.Mutex
	values []float64
}

func (h *history) snapshotAndAppend(v float64) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := append([]float64(nil), h.values...)
	h.values = append(h.values, v)
	if len(h.values) > historyCapacity {
		h.values = h.values[1:]
	}
	return snap
}

// Engine runs the configured detectors over per-metric trailing windows.
type Engine struct {
	opts      Options
	detectors []weightedDetector
	histories *xsync.Map[string, *history]
}

// NewEngine creates an engine with the built-in detector set. With ensemble
// mode disabled only the statistical z-score detector runs.
func NewEngine(opts Options) *Engine {
	threshold := opts.Config.Sensitivity
	detectors := []weightedDetector{
		{ZScore{Threshold: threshold}, 1.0},
	}
	if opts.Config.EnsembleEnabled {
		detectors = append(detectors, weightedDetector{MedianDeviation{Threshold: threshold}, 0.8})
	}
	return &Engine{
		opts:      opts,
		detectors: detectors,
		histories: xsync.NewMap[string, *history](),
	}
}

// Observe scores one sample against its metric's trailing history and then
// folds the sample into the history. Returns the detection when the sample
// is anomalous. Below MinDataPoints of history no detection is possible.
func (e *Engine) Observe(agentID, metric string, value float64, ts time.Time) (Detection, bool) {
	key := agentID + "|" + metric
	h, _ := e.histories.LoadOrCompute(key, func() (*history, bool) {
		return &history{}, false
	})
	window := h.snapshotAndAppend(value)
	if len(window) < e.opts.Config.MinDataPoints {
		return Detection{}, false
	}

	// Weighted ensemble score; expected value comes from the
	// highest-weighted detector.
	var score, weightSum, expected float64
	var explanation string
	for i, wd := range e.detectors {
		res := wd.detector.Score(value, window)
		score += res.Score * wd.weight
		weightSum += wd.weight
		if i == 0 {
			expected = res.Expected
			explanation = res.Explanation
		}
	}
	score /= weightSum

	if score < e.sensitivityAt(ts) {
		return Detection{}, false
	}
	det := Detection{
		AgentID:     agentID,
		Metric:      metric,
		Timestamp:   ts,
		Observed:    value,
		Expected:    expected,
		Score:       score,
		Explanation: explanation,
	}
	e.record(det)
	if e.opts.OnDetection != nil {
		e.opts.OnDetection(det)
	}
	return det, true
}

// sensitivityAt returns the detection threshold for the given time. The
// business-hours boost lowers the threshold, making detection stricter.
func (e *Engine) sensitivityAt(ts time.Time) float64 {
	s := e.opts.Config.Sensitivity
	inHours := isBusinessHours(ts)
	if e.opts.BusinessHours != nil {
		inHours = e.opts.BusinessHours(ts)
	}
	if inHours {
		s -= e.opts.Config.BusinessHoursBoost
	}
	if s < 0 {
		s = 0
	}
	return s
}

func isBusinessHours(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return t.Hour() >= 9 && t.Hour() < 17
}

func (e *Engine) record(det Detection) {
	if e.opts.Sink == nil {
		return
	}
	rec := model.AnomalyRecord{
		AgentID:     det.AgentID,
		Metric:      det.Metric,
		TimestampNs: det.Timestamp.UnixNano(),
		Score:       det.Score,
		Observed:    det.Observed,
		Expected:    det.Expected,
		Explanation: det.Explanation,
	}
	if err := e.opts.Sink([]model.AnomalyRecord{rec}); err != nil {
		log.Printf("[anomaly] persist detection for %s/%s: %v", det.AgentID, det.Metric, err)
	}
}

// Reset drops the trailing history for one agent metric.
func (e *Engine) Reset(agentID, metric string) {
	e.histories.Delete(agentID + "|" + metric)
}
