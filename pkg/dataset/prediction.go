package dataset

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ModelKind selects one of the prediction backends.
type ModelKind string

const (
	// RandomForest is the tree ensemble backend.
	RandomForest ModelKind = "random_forest"
	// DeepLearning is the feed-forward network backend.
	DeepLearning ModelKind = "deep_learning"
)

// ModelKinds lists every supported kind.
var ModelKinds = []ModelKind{RandomForest, DeepLearning}

// ParseModelKind accepts the canonical names and the common short forms
// ("RandomForest", "rf", "DeepLearning", "dl", "cnn").
func ParseModelKind(s string) (ModelKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random_forest", "randomforest", "rf":
		return RandomForest, nil
	case "deep_learning", "deeplearning", "dl", "cnn":
		return DeepLearning, nil
	default:
		return "", fmt.Errorf("unknown model kind %q (must be random_forest or deep_learning)", s)
	}
}

// Valid reports whether k is a supported kind.
func (k ModelKind) Valid() bool {
	return k == RandomForest || k == DeepLearning
}

// PredictionRequest asks for predictions of one model kind for a set of
// stations over an inclusive time range.
type PredictionRequest struct {
	StationIDs []string  `json:"stationIds"`
	Range      TimeRange `json:"range"`
	ModelKind  ModelKind `json:"modelKind"`
}

// Validate checks the request shape. It does not look at data coverage.
func (r PredictionRequest) Validate() error {
	if len(r.StationIDs) == 0 {
		return fmt.Errorf("at least one station id is required")
	}
	for _, id := range r.StationIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("station ids cannot be empty")
		}
	}
	if err := r.Range.Validate(); err != nil {
		return err
	}
	if !r.ModelKind.Valid() {
		return fmt.Errorf("unknown model kind %q", r.ModelKind)
	}
	return nil
}

// Stations returns the sorted, deduplicated station ids of the request.
func (r PredictionRequest) Stations() []string {
	seen := make(map[string]struct{}, len(r.StationIDs))
	out := make([]string, 0, len(r.StationIDs))
	for _, id := range r.StationIDs {
		id = strings.TrimSpace(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PredictionResult is one predicted value. Results are never mutated after
// creation.
type PredictionResult struct {
	StationID   string    `json:"stationId"`
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"predictedValue"`
	ModelKind   ModelKind `json:"modelKind"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// SortResults orders results by (station id, timestamp) ascending.
func SortResults(results []PredictionResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].StationID != results[j].StationID {
			return results[i].StationID < results[j].StationID
		}
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
}
