package model

import "time"

// RecordError describes one source book that failed to transfer.
type RecordError struct {
	UPC   string `json:"upc"`
	Title string `json:"title"`
	Err   string `json:"error"`
}

// TransferReport is the outcome of one transfer over a set of source books.
type TransferReport struct {
	Transferred int           `json:"transferred"`
	Skipped     int           `json:"skipped"`
	Errors      []RecordError `json:"errors,omitempty"`
}

// Failed returns the number of records that ended in error.
func (r *TransferReport) Failed() int {
	return len(r.Errors)
}

// RunStatus represents the state of an ETL run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// RunEntry is one row of the warehouse's etl_runs log.
type RunEntry struct {
	ID          string         `json:"id"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Transferred int            `json:"transferred"`
	Skipped     int            `json:"skipped"`
	Failed      int            `json:"failed"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
