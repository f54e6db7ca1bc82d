package model

import "time"

// TaskStatus is the lifecycle state of one harvest run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskCounters aggregates per-action outcomes over one run.
type TaskCounters struct {
	Created    int64 `json:"created"`
	Updated    int64 `json:"updated"`
	Unchanged  int64 `json:"unchanged"`
	Suppressed int64 `json:"suppressed"`
	Deleted    int64 `json:"deleted"`
	Archived   int64 `json:"archived"`
	DataErrors int64 `json:"data_errors"`
}

// TaskEntry is the audit document for one harvest run. EndTime is set
// exactly when the run reaches a terminal state; CriticalError true means
// the run aborted before processing all chunks.
type TaskEntry struct {
	ID                    string       `json:"id"`
	Status                TaskStatus   `json:"status"`
	StartTime             time.Time    `json:"start_time"`
	EndTime               *time.Time   `json:"end_time,omitempty"`
	DurationSecs          int64        `json:"duration_secs"`
	ChunkDirectory        string       `json:"chunk_directory"`
	NbChunks              int          `json:"nb_chunks"`
	NbRecordsAtStartTime  int64        `json:"nb_records_at_start_time"`
	NbRecordsAtEndTime    int64        `json:"nb_records_at_end_time"`
	Counters              TaskCounters `json:"counters"`
	CriticalError         bool         `json:"critical_error"`
	CriticalErrorMessages []string     `json:"critical_error_messages,omitempty"`
	DataErrorMessages     []string     `json:"data_error_messages,omitempty"`
}
