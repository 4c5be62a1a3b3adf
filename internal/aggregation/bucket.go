package aggregation

import (
	"sort"
	"time"

	"github.com/keslleykledston/24-Monitoramento/internal/database"
)

// BucketWidth is the width of one rollup interval
const BucketWidth = time.Minute

// ComputeBucket folds the raw measurements of one pair and one interval into
// a bucket. It returns nil when there are no measurements.
func ComputeBucket(start time.Time, pair database.Pair, rows []database.RawMeasurement) *database.AggregateBucket {
	if len(rows) == 0 {
		return nil
	}

	b := &database.AggregateBucket{
		Bucket:   start,
		ProbeID:  pair.ProbeID,
		TargetID: pair.TargetID,
		Samples:  len(rows),
	}

	var up int
	var rtts, jitters, losses []float64
	var coded, errors5xx int

	for _, m := range rows {
		if m.Up {
			up++
			if m.RTTMs != nil {
				rtts = append(rtts, *m.RTTMs)
			}
		}
		if m.JitterMs != nil {
			jitters = append(jitters, *m.JitterMs)
		}
		if m.LossPct != nil {
			losses = append(losses, *m.LossPct)
		}
		if m.HTTPCode != nil {
			coded++
			if *m.HTTPCode >= 500 && *m.HTTPCode < 600 {
				errors5xx++
			}
		}
	}

	b.UpRatio = float64(up) / float64(len(rows))

	if len(rtts) > 0 {
		sort.Float64s(rtts)
		b.RTTP50 = ptr(percentile(rtts, 0.50))
		b.RTTP95 = ptr(percentile(rtts, 0.95))
		b.RTTAvg = mean(rtts)
	}
	b.JitterAvg = mean(jitters)
	b.LossAvg = mean(losses)

	if coded > 0 {
		b.HTTP5xxRate = ptr(float64(errors5xx) / float64(coded) * 100)
	}

	return b
}

// percentile picks the element at floor(q*n) of an ascending slice
func percentile(sorted []float64, q float64) float64 {
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func mean(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return ptr(sum / float64(len(values)))
}

func ptr(v float64) *float64 {
	return &v
}
