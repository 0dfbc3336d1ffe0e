// Package ml is the anomaly detector: an offline-trained isolation forest
// scores a 15-feature vector per active device every tick, and anomalous
// scores become alerts with per-feature contributions.
package ml

import (
	"fmt"
	"math"
)

// Node is one binary split inside an isolation tree. Leaf nodes have
// Left == -1 and carry the training-sample count that reached them.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Size      int     `json:"n"`
}

// Tree is a flattened isolation tree; node 0 is the root.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// IsolationForest is the serialized model: an ensemble of isolation trees
// plus the sub-sample size used at training time.
type IsolationForest struct {
	Trees      []Tree `json:"trees"`
	SampleSize int    `json:"sample_size"`
	NumFeatures int   `json:"num_features"`
}

const eulerGamma = 0.5772156649015329

// avgPathLength is c(n): the average unsuccessful-search path length in a
// binary search tree of n nodes. Normalizes raw isolation depths.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	f := float64(n)
	return 2*(math.Log(f-1)+eulerGamma) - 2*(f-1)/f
}

// pathLength walks one tree and returns the isolation depth of v, with the
// standard c(size) correction at the external node.
func (t *Tree) pathLength(v []float64) float64 {
	depth := 0.0
	idx := 0
	for {
		node := t.Nodes[idx]
		if node.Left < 0 {
			return depth + avgPathLength(node.Size)
		}
		if v[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// ScoreSamples returns the anomaly score of v: the negated anomaly measure
// 2^(−E[h(v)]/c(ψ)), so values lie in [−1, 0) and more negative means more
// anomalous.
func (f *IsolationForest) ScoreSamples(v []float64) (float64, error) {
	if len(v) != f.NumFeatures {
		return 0, fmt.Errorf("ml: feature vector has %d values, model wants %d", len(v), f.NumFeatures)
	}
	if len(f.Trees) == 0 {
		return 0, fmt.Errorf("ml: model has no trees")
	}
	var sum float64
	for i := range f.Trees {
		sum += f.Trees[i].pathLength(v)
	}
	mean := sum / float64(len(f.Trees))
	anomaly := math.Pow(2, -mean/avgPathLength(f.SampleSize))
	return -anomaly, nil
}

// Validate checks structural sanity after deserialization.
func (f *IsolationForest) Validate() error {
	if f.SampleSize < 2 {
		return fmt.Errorf("ml: invalid sample size %d", f.SampleSize)
	}
	if f.NumFeatures <= 0 {
		return fmt.Errorf("ml: invalid feature count %d", f.NumFeatures)
	}
	if len(f.Trees) == 0 {
		return fmt.Errorf("ml: model has no trees")
	}
	for ti, t := range f.Trees {
		if len(t.Nodes) == 0 {
			return fmt.Errorf("ml: tree %d is empty", ti)
		}
		for ni, n := range t.Nodes {
			if n.Left >= 0 {
				if n.Left >= len(t.Nodes) || n.Right < 0 || n.Right >= len(t.Nodes) {
					return fmt.Errorf("ml: tree %d node %d has out-of-range children", ti, ni)
				}
				if n.Feature < 0 || n.Feature >= f.NumFeatures {
					return fmt.Errorf("ml: tree %d node %d splits on unknown feature %d", ti, ni, n.Feature)
				}
			}
		}
	}
	return nil
}
