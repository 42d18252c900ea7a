package reputation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/sentinel/pkg/contracts"
)

func TestGetStatisticsEmpty(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	assert.Equal(t, Statistics{}, e.GetStatistics())
}

func TestGetStatistics(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedScores(t, e, map[string]float64{"a": 0.1, "b": 0.5, "c": 0.9, "d": 1.0})

	s := e.GetStatistics()
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 0.625, s.Mean, 1e-9)
	assert.InDelta(t, 0.7, s.Median, 1e-9)
	variance := (math.Pow(0.1-0.625, 2) + math.Pow(0.5-0.625, 2) + math.Pow(0.9-0.625, 2) + math.Pow(1.0-0.625, 2)) / 4
	assert.InDelta(t, math.Sqrt(variance), s.StdDev, 1e-9)
	assert.Equal(t, 0.1, s.Min)
	assert.Equal(t, 1.0, s.Max)
	assert.Equal(t, 2, s.HighCount)
	assert.Equal(t, 1, s.LowCount)

	var want [HistogramBins]int
	want[1], want[5], want[9] = 1, 1, 2
	assert.Equal(t, want, s.Histogram)
}

func TestGetStatisticsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	seedScores(t, e, map[string]float64{"a": 0.3, "b": 0.6})
	_, _ = e.PenalizeNode("a", contracts.SeverityHigh, "")

	assert.Equal(t, e.GetStatistics(), e.GetStatistics())
}

func TestHistogramBinEdges(t *testing.T) {
	assert.Equal(t, 0, histogramBin(-0.5))
	assert.Equal(t, 0, histogramBin(0))
	assert.Equal(t, 9, histogramBin(1))
	assert.Equal(t, 9, histogramBin(3))
	assert.Equal(t, 4, histogramBin(0.45))
}
