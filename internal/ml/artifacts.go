package ml

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Scaler is the feature standardizer: v' = (v − mean) / std per feature.
type Scaler struct {
	Mean []float64
	Std  []float64
}

// Transform returns the scaled copy of v.
func (s *Scaler) Transform(v []float64) ([]float64, error) {
	if len(v) != len(s.Mean) || len(v) != len(s.Std) {
		return nil, fmt.Errorf("ml: scaler expects %d features, got %d", len(s.Mean), len(v))
	}
	out := make([]float64, len(v))
	for i := range v {
		std := s.Std[i]
		if std == 0 {
			std = 1
		}
		out[i] = (v[i] - s.Mean[i]) / std
	}
	return out, nil
}

// ModelConfig is the config.json half of the artifact set.
type ModelConfig struct {
	TrainedAt          time.Time `json:"trained_at"`
	FeatureNames       []string  `json:"feature_names"`
	FeatureImportances []float64 `json:"feature_importances"`
	Contamination      float64   `json:"contamination"`
	NEstimators        int       `json:"n_estimators"`
}

// Artifacts is one consistent model generation: forest, scaler and config
// loaded together and swapped atomically. A tick never sees a mix of old
// model and new scaler.
type Artifacts struct {
	Forest *IsolationForest
	Scaler *Scaler
	Config *ModelConfig
	Hash   string // sha256 over the three files, reported by /api/ml/status
}

// LoadArtifacts reads and validates {model.bin, scaler.bin, config.json}
// under dir. The returned set is fully validated before any caller sees it.
func LoadArtifacts(dir string) (*Artifacts, error) {
	hasher := sha256.New()

	modelFile, err := os.Open(filepath.Join(dir, "model.bin"))
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	defer modelFile.Close()
	var forest IsolationForest
	if err := gob.NewDecoder(io.TeeReader(modelFile, hasher)).Decode(&forest); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := forest.Validate(); err != nil {
		return nil, err
	}

	scalerFile, err := os.Open(filepath.Join(dir, "scaler.bin"))
	if err != nil {
		return nil, fmt.Errorf("open scaler: %w", err)
	}
	defer scalerFile.Close()
	var scaler Scaler
	if err := gob.NewDecoder(io.TeeReader(scalerFile, hasher)).Decode(&scaler); err != nil {
		return nil, fmt.Errorf("decode scaler: %w", err)
	}

	configBytes, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("read model config: %w", err)
	}
	hasher.Write(configBytes)
	var cfg ModelConfig
	if err := json.Unmarshal(configBytes, &cfg); err != nil {
		return nil, fmt.Errorf("parse model config: %w", err)
	}

	a := &Artifacts{
		Forest: &forest,
		Scaler: &scaler,
		Config: &cfg,
		Hash:   hex.EncodeToString(hasher.Sum(nil)),
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// validate cross-checks the three files against each other and against the
// server's built-in feature order.
func (a *Artifacts) validate() error {
	n := a.Forest.NumFeatures
	if len(a.Scaler.Mean) != n || len(a.Scaler.Std) != n {
		return fmt.Errorf("ml: scaler covers %d features, model wants %d", len(a.Scaler.Mean), n)
	}
	if len(a.Config.FeatureNames) != n {
		return fmt.Errorf("ml: config names %d features, model wants %d", len(a.Config.FeatureNames), n)
	}
	if len(a.Config.FeatureImportances) != n {
		return fmt.Errorf("ml: config has %d importances, model wants %d", len(a.Config.FeatureImportances), n)
	}
	if len(a.Config.FeatureNames) != len(FeatureNames) {
		return fmt.Errorf("ml: model trained on %d features, server expects %d", len(a.Config.FeatureNames), len(FeatureNames))
	}
	for i, name := range a.Config.FeatureNames {
		if name != FeatureNames[i] {
			return fmt.Errorf("ml: feature order mismatch at %d: model %q, server %q", i, name, FeatureNames[i])
		}
	}
	return nil
}
