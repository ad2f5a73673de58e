package rpc

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// Predict request fields:
//
//	{"stations": ["12", "13"], "from": "2024-01-01T06:00:00Z", "to": "...", "model": "random_forest"}
//
// Response:
//
//	{"results": [{"stationId": "12", "timestamp": "...", "predictedValue": 3.2, ...}]}

// EncodeRequest converts a prediction request to its wire form.
func EncodeRequest(req dataset.PredictionRequest) (*structpb.Struct, error) {
	stations := make([]any, len(req.StationIDs))
	for i, id := range req.StationIDs {
		stations[i] = id
	}
	return structpb.NewStruct(map[string]any{
		"stations": stations,
		"from":     req.Range.Start.Format(time.RFC3339),
		"to":       req.Range.End.Format(time.RFC3339),
		"model":    string(req.ModelKind),
	})
}

// DecodeRequest parses a wire prediction request. Shape checks beyond field
// types are left to the engine.
func DecodeRequest(in *structpb.Struct) (dataset.PredictionRequest, error) {
	fields := in.GetFields()
	var req dataset.PredictionRequest

	switch v := fields["stations"].GetKind().(type) {
	case *structpb.Value_ListValue:
		for i, s := range v.ListValue.GetValues() {
			id, ok := s.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return req, fmt.Errorf("stations[%d] must be a string", i)
			}
			req.StationIDs = append(req.StationIDs, id.StringValue)
		}
	case *structpb.Value_StringValue:
		req.StationIDs = []string{v.StringValue}
	case nil:
	default:
		return req, fmt.Errorf("stations must be a list of strings")
	}

	from, err := timeField(fields, "from")
	if err != nil {
		return req, err
	}
	to, err := timeField(fields, "to")
	if err != nil {
		return req, err
	}
	req.Range = dataset.NewTimeRange(from, to)

	if model := fields["model"].GetStringValue(); model != "" {
		kind, err := dataset.ParseModelKind(model)
		if err != nil {
			return req, err
		}
		req.ModelKind = kind
	} else {
		req.ModelKind = dataset.RandomForest
	}
	return req, nil
}

func timeField(fields map[string]*structpb.Value, name string) (time.Time, error) {
	s := fields[name].GetStringValue()
	if s == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// EncodeResults converts prediction results to their wire form.
func EncodeResults(results []dataset.PredictionResult) (*structpb.Struct, error) {
	list := make([]any, len(results))
	for i, r := range results {
		list[i] = map[string]any{
			"stationId":      r.StationID,
			"timestamp":      r.Timestamp.Format(time.RFC3339),
			"predictedValue": r.Value,
			"modelKind":      string(r.ModelKind),
			"generatedAt":    r.GeneratedAt.Format(time.RFC3339Nano),
		}
	}
	return structpb.NewStruct(map[string]any{"results": list})
}

// DecodeResults parses a wire prediction response.
func DecodeResults(in *structpb.Struct) ([]dataset.PredictionResult, error) {
	values := in.GetFields()["results"].GetListValue().GetValues()
	out := make([]dataset.PredictionResult, 0, len(values))
	for i, v := range values {
		f := v.GetStructValue().GetFields()
		ts, err := time.Parse(time.RFC3339, f["timestamp"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("results[%d].timestamp: %w", i, err)
		}
		generated, err := time.Parse(time.RFC3339Nano, f["generatedAt"].GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("results[%d].generatedAt: %w", i, err)
		}
		out = append(out, dataset.PredictionResult{
			StationID:   f["stationId"].GetStringValue(),
			Timestamp:   ts,
			Value:       f["predictedValue"].GetNumberValue(),
			ModelKind:   dataset.ModelKind(f["modelKind"].GetStringValue()),
			GeneratedAt: generated,
		})
	}
	return out, nil
}

// toStruct converts any JSON-encodable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}
