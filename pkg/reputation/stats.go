package reputation

import (
	"github.com/montanaflynn/stats"
)

// HistogramBins is the number of equal-width score bins over [0, 1].
const HistogramBins = 10

// Statistics summarizes the score distribution.
type Statistics struct {
	Count     int                `json:"count"`
	Mean      float64            `json:"mean"`
	Median    float64            `json:"median"`
	StdDev    float64            `json:"std_dev"`
	Min       float64            `json:"min"`
	Max       float64            `json:"max"`
	HighCount int                `json:"high_count"`
	LowCount  int                `json:"low_count"`
	Histogram [HistogramBins]int `json:"histogram"`
}

// GetStatistics reports the distribution of current scores. High and low
// counts use DefaultHighThreshold and DefaultLowThreshold. An empty engine
// yields zero values.
func (e *Engine) GetStatistics() Statistics {
	records := e.snapshot()
	var out Statistics
	if len(records) == 0 {
		return out
	}

	scores := make(stats.Float64Data, 0, len(records))
	for _, r := range records {
		scores = append(scores, r.Score)
		if r.Score >= DefaultHighThreshold {
			out.HighCount++
		}
		if r.Score <= DefaultLowThreshold {
			out.LowCount++
		}
		out.Histogram[histogramBin(r.Score)]++
	}

	out.Count = len(scores)
	out.Mean, _ = stats.Mean(scores)
	out.Median, _ = stats.Median(scores)
	out.StdDev, _ = stats.StandardDeviationPopulation(scores)
	out.Min, _ = stats.Min(scores)
	out.Max, _ = stats.Max(scores)
	return out
}

func histogramBin(score float64) int {
	bin := int(score * HistogramBins)
	if bin < 0 {
		return 0
	}
	if bin >= HistogramBins {
		return HistogramBins - 1
	}
	return bin
}
