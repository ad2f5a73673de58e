package syncer

import (
	"sort"
	"time"

	"github.com/HatiCode/bikecast/pkg/dataset"
)

// Warning codes carried by a Report.
const (
	WarnStaleRemote       = "StaleRemote"
	WarnSourceUnavailable = "SourceUnavailable"
	WarnPartialData       = "PartialData"
	WarnRecordsDropped    = "RecordsDropped"
)

// Warning is a non-fatal problem met during a synchronization.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gap is a run of consecutive hours a source could not provide for a
// station.
type Gap struct {
	StationID string            `json:"stationId"`
	Range     dataset.TimeRange `json:"range"`
}

// Report describes one synchronization.
type Report struct {
	ID            string            `json:"id"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    time.Time         `json:"finishedAt"`
	RemoteVersion string            `json:"remoteVersion,omitempty"`
	Window        dataset.TimeRange `json:"window"`

	// Requested is the range passed to SyncWindow, fetched in addition to
	// Window.
	Requested *dataset.TimeRange `json:"requested,omitempty"`

	RecordsFetched   int `json:"recordsFetched"`
	RecordsAdded     int `json:"recordsAdded"`
	RecordsUpdated   int `json:"recordsUpdated"`
	RecordsUnchanged int `json:"recordsUnchanged"`
	RecordsDropped   int `json:"recordsDropped"`
	Duplicates       int `json:"duplicates"`
	TotalRecords     int `json:"totalRecords"`

	// Replaced is false when the merged snapshot equalled the current one.
	Replaced    bool      `json:"replaced"`
	StaleRemote bool      `json:"staleRemote"`
	Warnings    []Warning `json:"warnings,omitempty"`
	Gaps        []Gap     `json:"gaps,omitempty"`
}

// Duration is the wall time of the synchronization.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// HasWarning reports whether a warning with code was raised.
func (r Report) HasWarning(code string) bool {
	for _, w := range r.Warnings {
		if w.Code == code {
			return true
		}
	}
	return false
}

func (r *Report) warn(code, message string) {
	r.Warnings = append(r.Warnings, Warning{Code: code, Message: message})
}

// gapsFromKeys groups keys into per-station runs of consecutive steps.
func gapsFromKeys(keys []dataset.Key, step time.Duration) []Gap {
	if len(keys) == 0 {
		return nil
	}
	sorted := make([]dataset.Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].StationID != sorted[j].StationID {
			return sorted[i].StationID < sorted[j].StationID
		}
		return sorted[i].Unix < sorted[j].Unix
	})

	var gaps []Gap
	stepSec := int64(step / time.Second)
	cur := Gap{StationID: sorted[0].StationID, Range: dataset.NewTimeRange(sorted[0].Time(), sorted[0].Time())}
	prev := sorted[0]
	for _, k := range sorted[1:] {
		if k == prev {
			continue
		}
		if k.StationID == cur.StationID && k.Unix-prev.Unix == stepSec {
			cur.Range.End = k.Time()
		} else {
			gaps = append(gaps, cur)
			cur = Gap{StationID: k.StationID, Range: dataset.NewTimeRange(k.Time(), k.Time())}
		}
		prev = k
	}
	return append(gaps, cur)
}
