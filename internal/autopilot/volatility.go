package autopilot

import (
	"math"
	"time"
)

// Smoothing weights for the cycle interval.
const (
	newIntervalWeight = 0.3
	oldIntervalWeight = 0.7
)

// VolatilityIndex combines the dispersion of current yields (coefficient of
// variation) with their mean relative change since the previous snapshot,
// clamped to [0, 1].
func VolatilityIndex(current, previous map[string]float64) float64 {
	if len(current) == 0 {
		return 0
	}
	var sum float64
	for _, v := range current {
		sum += v
	}
	mean := sum / float64(len(current))

	cv := 0.0
	if mean > 0 {
		var sq float64
		for _, v := range current {
			sq += (v - mean) * (v - mean)
		}
		cv = math.Sqrt(sq/float64(len(current))) / mean
	}

	var change float64
	var n int
	for poolID, v := range current {
		prev, ok := previous[poolID]
		if !ok || prev == 0 {
			continue
		}
		change += math.Abs(v-prev) / math.Abs(prev)
		n++
	}
	if n > 0 {
		change /= float64(n)
	}
	return math.Max(0, math.Min(1, cv+change))
}

// NextInterval maps volatility linearly onto [minInterval, maxInterval] (calm
// markets wait longest) and smooths against prev.
func NextInterval(prev time.Duration, volatility float64, minInterval, maxInterval time.Duration) time.Duration {
	volatility = math.Max(0, math.Min(1, volatility))
	target := float64(maxInterval) - volatility*float64(maxInterval-minInterval)
	if prev <= 0 {
		prev = time.Duration(target)
	}
	next := time.Duration(math.Round(newIntervalWeight*target + oldIntervalWeight*float64(prev)))
	if next < minInterval {
		next = minInterval
	}
	if next > maxInterval {
		next = maxInterval
	}
	return next
}
