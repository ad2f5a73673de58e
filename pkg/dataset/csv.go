package dataset

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CSV column names. The station and usage columns also accept the names used
// by the QuantumLeap exports (entityId, availableBikeNumber).
const (
	ColumnStation = "station_id"
	ColumnTime    = "time_utc"
	ColumnUsage   = "usage"
)

var columnAliases = map[string]string{
	"entityid":            ColumnStation,
	"station":             ColumnStation,
	"station_id":          ColumnStation,
	"time_utc":            ColumnTime,
	"timestamp":           ColumnTime,
	"time":                ColumnTime,
	"usage":               ColumnUsage,
	"usage_count":         ColumnUsage,
	"availablebikenumber": ColumnUsage,
}

// CSVResult is the outcome of decoding a dataset file.
type CSVResult struct {
	Observations []Observation
	// Rejected lists the lines that could not be decoded, with the reason.
	Rejected []string
}

// ReadCSV decodes a dataset file. The header must contain a station and a
// time column; every other column except usage is a weather variable.
// Empty cells mean "unknown" and lines starting with '#' are ignored. Malformed lines are reported in Rejected and
// skipped; only an unreadable header is an error.
func ReadCSV(r io.Reader) (CSVResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var result CSVResult

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		return result, fmt.Errorf("read csv header: %w", err)
	}

	stationCol, timeCol, usageCol := -1, -1, -1
	weatherCols := make(map[int]string)
	for i, h := range header {
		name := strings.TrimSpace(h)
		switch columnAliases[strings.ToLower(name)] {
		case ColumnStation:
			stationCol = i
		case ColumnTime:
			timeCol = i
		case ColumnUsage:
			usageCol = i
		default:
			if name != "" {
				weatherCols[i] = name
			}
		}
	}
	if stationCol < 0 || timeCol < 0 {
		return result, fmt.Errorf("csv header must contain %s and %s columns", ColumnStation, ColumnTime)
	}

	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			result.Rejected = append(result.Rejected, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		obs, err := parseRecord(record, stationCol, timeCol, usageCol, weatherCols)
		if err != nil {
			result.Rejected = append(result.Rejected, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		result.Observations = append(result.Observations, obs)
	}

	return result, nil
}

func parseRecord(record []string, stationCol, timeCol, usageCol int, weatherCols map[int]string) (Observation, error) {
	cell := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	obs := Observation{StationID: cell(stationCol)}

	ts, err := parseTime(cell(timeCol))
	if err != nil {
		return Observation{}, err
	}
	obs.Timestamp = ts

	if raw := cell(usageCol); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Observation{}, fmt.Errorf("usage %q: %w", raw, err)
		}
		obs.Usage = &v
	}

	for i, name := range weatherCols {
		raw := cell(i)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Observation{}, fmt.Errorf("%s %q: %w", name, raw, err)
		}
		if obs.Weather == nil {
			obs.Weather = make(map[string]float64)
		}
		obs.Weather[name] = v
	}

	return obs, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

// parseTime accepts RFC3339 and the pandas to_csv layout; zone-less values
// are read as UTC.
func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// WriteCSV encodes a snapshot. Weather columns are emitted in sorted order
// so that identical snapshots produce identical files.
func WriteCSV(w io.Writer, s *Snapshot) error {
	vars := make(map[string]struct{})
	for _, o := range s.Observations() {
		for name := range o.Weather {
			vars[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	writer := csv.NewWriter(w)
	header := append([]string{ColumnStation, ColumnTime, ColumnUsage}, names...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	row := make([]string, len(header))
	for _, o := range s.Observations() {
		row[0] = o.StationID
		row[1] = o.Timestamp.UTC().Format(time.RFC3339)
		row[2] = ""
		if o.Usage != nil {
			row[2] = strconv.FormatFloat(*o.Usage, 'f', -1, 64)
		}
		for i, name := range names {
			row[3+i] = ""
			if v, ok := o.Weather[name]; ok {
				row[3+i] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", o.Key(), err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// Fingerprint identifies the content of obs regardless of their order. It is
// the version of a dataset that carries none.
func Fingerprint(obs []Observation) string {
	h := sha256.New()
	_ = WriteCSV(h, NewSnapshot(obs)) // hash writes never fail
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
