package ml

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifacts(t *testing.T, dir string, forest *IsolationForest, scaler *Scaler, cfg *ModelConfig) {
	t.Helper()

	mf, err := os.Create(filepath.Join(dir, "model.bin"))
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(mf).Encode(forest))
	require.NoError(t, mf.Close())

	sf, err := os.Create(filepath.Join(dir, "scaler.bin"))
	require.NoError(t, err)
	require.NoError(t, gob.NewEncoder(sf).Encode(scaler))
	require.NoError(t, sf.Close())

	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), b, 0o644))
}

func testForest() *IsolationForest {
	f := singleSplitForest()
	f.NumFeatures = len(FeatureNames)
	return f
}

func testScaler() *Scaler {
	n := len(FeatureNames)
	s := &Scaler{Mean: make([]float64, n), Std: make([]float64, n)}
	for i := range s.Std {
		s.Std[i] = 1
	}
	return s
}

func testConfig() *ModelConfig {
	n := len(FeatureNames)
	imp := make([]float64, n)
	for i := range imp {
		imp[i] = 1.0 / float64(n)
	}
	return &ModelConfig{
		TrainedAt:          time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		FeatureNames:       append([]string(nil), FeatureNames...),
		FeatureImportances: imp,
		Contamination:      0.05,
		NEstimators:        1,
	}
}

func TestLoadArtifacts(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, testForest(), testScaler(), testConfig())

	a, err := LoadArtifacts(dir)
	require.NoError(t, err)
	assert.Len(t, a.Hash, 64)
	assert.Equal(t, len(FeatureNames), a.Forest.NumFeatures)

	// Same bytes, same hash.
	b, err := LoadArtifacts(dir)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash)
}

func TestLoadArtifactsMissingDir(t *testing.T) {
	_, err := LoadArtifacts(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestLoadArtifactsFeatureOrderMismatch(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.FeatureNames[0], cfg.FeatureNames[1] = cfg.FeatureNames[1], cfg.FeatureNames[0]
	writeArtifacts(t, dir, testForest(), testScaler(), cfg)

	_, err := LoadArtifacts(dir)
	require.ErrorContains(t, err, "feature order mismatch")
}

func TestLoadArtifactsScalerMismatch(t *testing.T) {
	dir := t.TempDir()
	s := testScaler()
	s.Mean = s.Mean[:3]
	s.Std = s.Std[:3]
	writeArtifacts(t, dir, testForest(), s, testConfig())

	_, err := LoadArtifacts(dir)
	require.Error(t, err)
}

func TestDetectorReloadAndStatus(t *testing.T) {
	dir := t.TempDir()
	d := NewDetector(nil, nil, nil, dir, time.Minute, Bands{High: -0.6, Medium: -0.5, Low: -0.4}, time.Minute)

	st := d.Status()
	assert.False(t, st.Enabled)
	assert.NotEmpty(t, st.LastError)

	writeArtifacts(t, dir, testForest(), testScaler(), testConfig())
	require.NoError(t, d.Reload())

	st = d.Status()
	assert.True(t, st.Enabled)
	assert.Empty(t, st.LastError)
	assert.Equal(t, len(FeatureNames), st.FeatureCount)
}

func TestContributionsRankedAndNormalized(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir, testForest(), testScaler(), testConfig())
	d := NewDetector(nil, nil, nil, dir, time.Minute, Bands{}, time.Minute)

	a := d.artifacts.Load()
	require.NotNil(t, a)

	raw := make([]float64, len(FeatureNames))
	scaled := make([]float64, len(FeatureNames))
	scaled[3] = 5 // cpu_percent dominates
	scaled[7] = -2
	scaled[11] = 1

	got := d.contributions(a, raw, scaled)
	require.Len(t, got, contributionLimit)
	assert.Equal(t, "cpu_percent", got[0].Feature)
	assert.Equal(t, "network_mb_recv", got[1].Feature)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Contribution, got[i].Contribution)
	}
	assert.InDelta(t, 5.0/8.0, got[0].Contribution, 1e-9)
}
