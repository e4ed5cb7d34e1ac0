package store

import "github.com/hazyhaar/sitepoll/tick"

// SourceDescriptor is what the poller persists when it registers a source.
type SourceDescriptor struct {
	Kind            string
	Target          string
	RequestInterval string // as configured, e.g. "1h"
	Interval        tick.Tick
	StorageTarget   string
}

// SourceRecord is a row of the sources table.
type SourceRecord struct {
	ID              int64     `json:"id"`
	Kind            string    `json:"kind"`
	Target          string    `json:"target"`
	RequestInterval string    `json:"request_interval"`
	Interval        tick.Tick `json:"interval_ticks"`
	StorageTarget   string    `json:"storage_target"`
	ConfigTime      tick.Tick `json:"config_time"`
}

// Outcome is one request attempt. Status 0 means the request never got a
// response.
type Outcome struct {
	ID       int64     `json:"id"`
	SourceID int64     `json:"source_id"`
	FiredAt  tick.Tick `json:"fired_at"`
	Status   int       `json:"status"`
	Error    string    `json:"error,omitempty"`
}

// CleanupRecord is one completed cleanup run.
type CleanupRecord struct {
	RunAt           tick.Tick `json:"run_at"`
	RetentionWindow string    `json:"retention_window"`
	RemovedCount    int64     `json:"removed_count"`
}

// CleanupResult details what one cleanup run removed.
type CleanupResult struct {
	RunAt           tick.Tick
	OutcomesRemoved int64
	SourcesRemoved  int64
	RecordsTrimmed  int64
}

// Removed is the total stored in the cleanup record.
func (r CleanupResult) Removed() int64 { return r.OutcomesRemoved + r.SourcesRemoved }
