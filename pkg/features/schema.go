package features

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSchemaMismatch reports that the data cannot provide a feature the model
// expects.
var ErrSchemaMismatch = errors.New("schema mismatch")

// SchemaMismatchError carries the expected schema and what the data offers,
// for diagnosis.
type SchemaMismatchError struct {
	StationID string
	Feature   string
	Reason    string
	Expected  []string
	Found     []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("schema mismatch for station %s: feature %q: %s (expected %v, found %v)",
		e.StationID, e.Feature, e.Reason, e.Expected, e.Found)
}

// Is matches ErrSchemaMismatch.
func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Calendar feature names.
const (
	FeatureHour      = "hour"
	FeatureWeekday   = "weekday"
	FeatureMonth     = "month"
	FeatureDayOfYear = "day_of_year"
	FeatureIsWeekend = "is_weekend"

	lagPrefix  = "usage_lag_"
	meanPrefix = "usage_mean_"
)

type featureKind int

const (
	kindCalendar featureKind = iota
	kindLag
	kindMean
	kindWeather
)

type feature struct {
	name  string
	kind  featureKind
	depth int // steps, lag and mean only
}

var calendarFeatures = map[string]bool{
	FeatureHour:      true,
	FeatureWeekday:   true,
	FeatureMonth:     true,
	FeatureDayOfYear: true,
	FeatureIsWeekend: true,
}

func parseFeature(name string) (feature, error) {
	switch {
	case name == "" || strings.TrimSpace(name) != name:
		return feature{}, fmt.Errorf("malformed feature name %q", name)
	case calendarFeatures[name]:
		return feature{name: name, kind: kindCalendar}, nil
	case strings.HasPrefix(name, lagPrefix):
		n, err := parseDepth(strings.TrimPrefix(name, lagPrefix))
		if err != nil {
			return feature{}, fmt.Errorf("malformed lag feature %q: %w", name, err)
		}
		return feature{name: name, kind: kindLag, depth: n}, nil
	case strings.HasPrefix(name, meanPrefix):
		n, err := parseDepth(strings.TrimPrefix(name, meanPrefix))
		if err != nil {
			return feature{}, fmt.Errorf("malformed mean feature %q: %w", name, err)
		}
		return feature{name: name, kind: kindMean, depth: n}, nil
	case name == "usage" || strings.HasPrefix(name, "usage_"):
		return feature{}, fmt.Errorf("usage at the predicted hour is the target, use %sN", lagPrefix)
	default:
		return feature{name: name, kind: kindWeather}, nil
	}
}

func parseDepth(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 1 {
		return 0, fmt.Errorf("depth must be >= 1, got %d", n)
	}
	return n, nil
}

// ParseSchema validates every feature name of a schema.
func ParseSchema(schema []string) error {
	if len(schema) == 0 {
		return errors.New("empty feature schema")
	}
	seen := make(map[string]bool, len(schema))
	for _, name := range schema {
		if _, err := parseFeature(name); err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("duplicate feature %q", name)
		}
		seen[name] = true
	}
	return nil
}

// UsesUsage reports whether a schema reads past usage through lag or mean
// features.
func UsesUsage(schema []string) bool {
	for _, name := range schema {
		if f, err := parseFeature(name); err == nil && (f.kind == kindLag || f.kind == kindMean) {
			return true
		}
	}
	return false
}

// MaxDepth returns the deepest lag or mean window of a schema, in steps.
func MaxDepth(schema []string) int {
	deepest := 0
	for _, name := range schema {
		f, err := parseFeature(name)
		if err == nil && f.depth > deepest {
			deepest = f.depth
		}
	}
	return deepest
}
