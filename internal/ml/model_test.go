package ml

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// singleSplitForest isolates values above 0.5 on feature 0 at depth 1.
func singleSplitForest() *IsolationForest {
	return &IsolationForest{
		SampleSize:  256,
		NumFeatures: 2,
		Trees: []Tree{{
			Nodes: []Node{
				{Feature: 0, Threshold: 0.5, Left: 1, Right: 2},
				{Feature: -1, Threshold: 0, Left: -1, Right: -1, Size: 255},
				{Feature: -1, Threshold: 0, Left: -1, Right: -1, Size: 1},
			},
		}},
	}
}

func TestScoreSamplesRange(t *testing.T) {
	f := singleSplitForest()

	deep, err := f.ScoreSamples([]float64{0.0, 0.0})
	require.NoError(t, err)
	shallow, err := f.ScoreSamples([]float64{1.0, 0.0})
	require.NoError(t, err)

	// Scores are in [-1, 0); the isolated point scores more negative.
	for _, s := range []float64{deep, shallow} {
		assert.GreaterOrEqual(t, s, -1.0)
		assert.Less(t, s, 0.0)
	}
	assert.Less(t, shallow, deep, "isolated sample must be more anomalous")
}

func TestScoreSamplesDimensionMismatch(t *testing.T) {
	f := singleSplitForest()
	_, err := f.ScoreSamples([]float64{1.0})
	require.Error(t, err)
}

func TestAvgPathLength(t *testing.T) {
	assert.Equal(t, 0.0, avgPathLength(0))
	assert.Equal(t, 0.0, avgPathLength(1))
	assert.Equal(t, 1.0, avgPathLength(2))
	// c(n) grows roughly like 2 ln(n).
	assert.InDelta(t, 2*(math.Log(255)+eulerGamma)-2*255.0/256.0, avgPathLength(256), 1e-9)
}

func TestValidateRejectsBrokenTrees(t *testing.T) {
	f := singleSplitForest()
	f.Trees[0].Nodes[0].Left = 99
	require.Error(t, f.Validate())

	f = singleSplitForest()
	f.Trees[0].Nodes[0].Feature = 7
	require.Error(t, f.Validate())

	f = singleSplitForest()
	f.SampleSize = 1
	require.Error(t, f.Validate())
}

func TestScalerTransform(t *testing.T) {
	s := &Scaler{Mean: []float64{10, 0}, Std: []float64{2, 0}}
	out, err := s.Transform([]float64{14, 3})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out[0])
	// A zero std passes the raw deviation through unscaled.
	assert.Equal(t, 3.0, out[1])

	_, err = s.Transform([]float64{1})
	require.Error(t, err)
}

func TestBandsSeverity(t *testing.T) {
	b := Bands{High: -0.6, Medium: -0.5, Low: -0.4}

	assert.Equal(t, "high", b.Severity(-0.61))
	assert.Equal(t, "medium", b.Severity(-0.6)) // boundary belongs to the milder band
	assert.Equal(t, "medium", b.Severity(-0.5000001))
	assert.Equal(t, "low", b.Severity(-0.5))
	assert.Equal(t, "low", b.Severity(-0.41))
	assert.Equal(t, "", b.Severity(-0.4))
	assert.Equal(t, "", b.Severity(-0.1))
}
