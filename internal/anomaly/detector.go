// Package anomaly scores incoming metric samples against their trailing
// history. Detectors are black boxes; the engine keeps the history windows,
// applies the time-adaptive sensitivity, and hands detections to alerting
// and the store.
package anomaly

import (
	"fmt"
	"math"
	"sort"
)

// Result is one detector's verdict on a sample.
type Result struct {
	IsAnomaly   bool
	Score       float64 // [0,1], probability-like
	Expected    float64
	Explanation string
}

// Detector scores a sample against the metric's trailing history. The
// history never includes the sample itself.
type Detector interface {
	Name() string
	Score(sample float64, history []float64) Result
}

// ZScore flags samples whose standardized distance from the history mean is
// improbable under a normal model. The score is the two-sided coverage
// probability of the observed deviation.
type ZScore struct {
	// Threshold is the score at or above which a sample is anomalous.
	Threshold float64
}

func (ZScore) Name() string { return "statistical_zscore" }

func (d ZScore) Score(sample float64, history []float64) Result {
	mean, stddev := meanStddev(history)
	if stddev == 0 {
		if sample == mean {
			return Result{Expected: mean}
		}
		return Result{
			IsAnomaly:   true,
			Score:       1,
			Expected:    mean,
			Explanation: fmt.Sprintf("value %.4g deviates from constant history %.4g", sample, mean),
		}
	}
	z := math.Abs(sample-mean) / stddev
	score := math.Erf(z / math.Sqrt2)
	return Result{
		IsAnomaly:   score >= d.Threshold,
		Score:       score,
		Expected:    mean,
		Explanation: fmt.Sprintf("z-score %.2f against mean %.4g (stddev %.4g)", z, mean, stddev),
	}
}

// MedianDeviation flags samples far from the history median in units of the
// median absolute deviation. More robust than ZScore when the history itself
// contains outliers.
type MedianDeviation struct {
	Threshold float64
}

func (MedianDeviation) Name() string { return "median_deviation" }

// madScale converts a MAD to a stddev-comparable unit for normal data.
const madScale = 1.4826

func (d MedianDeviation) Score(sample float64, history []float64) Result {
	med := median(history)
	devs := make([]float64, len(history))
	for i, v := range history {
		devs[i] = math.Abs(v - med)
	}
	mad := median(devs) * madScale
	if mad == 0 {
		if sample == med {
			return Result{Expected: med}
		}
		return Result{
			IsAnomaly:   true,
			Score:       1,
			Expected:    med,
			Explanation: fmt.Sprintf("value %.4g deviates from constant history %.4g", sample, med),
		}
	}
	z := math.Abs(sample-med) / mad
	score := math.Erf(z / math.Sqrt2)
	return Result{
		IsAnomaly:   score >= d.Threshold,
		Score:       score,
		Expected:    med,
		Explanation: fmt.Sprintf("robust z-score %.2f against median %.4g (mad %.4g)", z, med, mad),
	}
}

func meanStddev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if len(values) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values) - 1)
	return mean, math.Sqrt(variance)
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
