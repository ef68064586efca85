package pricefeed

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/r3e-network/neo-service-layer-sub002/internal/core"
)

// Aggregate computes the weighted mean of the source values. A zero weight
// sum yields 0.
func Aggregate(prices []SourcePrice) float64 {
	var weightedSum, weightSum float64
	for _, p := range prices {
		weightedSum += p.Value * p.Weight
		weightSum += p.Weight
	}
	if weightSum == 0 {
		return 0
	}
	return weightedSum / weightSum
}

// Confidence scores source agreement from 0 to 100. A single contributor or
// a zero aggregate scores 100; otherwise the score falls with the
// coefficient of variation of the contributing values.
func Confidence(prices []SourcePrice, aggregated float64) int {
	if len(prices) <= 1 || aggregated == 0 {
		return 100
	}

	mean := 0.0
	for _, p := range prices {
		mean += p.Value
	}
	mean /= float64(len(prices))

	variance := 0.0
	for _, p := range prices {
		d := p.Value - mean
		variance += d * d
	}
	variance /= float64(len(prices))

	cv := math.Sqrt(variance) / aggregated
	score := 100 - int(math.Round(100*cv))
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// parseInterval parses an interval string of the form "<n><unit>" with unit
// m, h or d into a bucket stride.
func parseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, core.NewValidationError("interval", "must be a number followed by m, h or d")
	}

	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(strings.TrimSpace(interval[:len(interval)-1]))
	if err != nil || n <= 0 {
		return 0, core.NewValidationError("interval", "must be a positive number followed by m, h or d")
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, core.NewValidationError("interval", "unit must be m, h or d")
	}
}

// bucketize walks [start, end) in interval strides and emits one OHLCV bar
// per non-empty bucket. Points are ordered by timestamp inside each bucket;
// empty buckets produce no bar. Volume is always 0.
func bucketize(points []PricePoint, start, end time.Time, stride time.Duration) []PriceDataPoint {
	sorted := make([]PricePoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var bars []PriceDataPoint
	for bucketStart := start; bucketStart.Before(end); bucketStart = bucketStart.Add(stride) {
		bucketEnd := bucketStart.Add(stride)
		if bucketEnd.After(end) {
			bucketEnd = end
		}

		var inBucket []PricePoint
		for _, p := range sorted {
			if !p.Timestamp.Before(bucketStart) && p.Timestamp.Before(bucketEnd) {
				inBucket = append(inBucket, p)
			}
		}
		if len(inBucket) == 0 {
			continue
		}

		bar := PriceDataPoint{
			Timestamp: bucketStart,
			Open:      inBucket[0].Value,
			High:      inBucket[0].Value,
			Low:       inBucket[0].Value,
			Close:     inBucket[len(inBucket)-1].Value,
		}
		for _, p := range inBucket[1:] {
			if p.Value > bar.High {
				bar.High = p.Value
			}
			if p.Value < bar.Low {
				bar.Low = p.Value
			}
		}
		bars = append(bars, bar)
	}
	return bars
}
