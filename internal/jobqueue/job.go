package jobqueue

import (
	"encoding/json"
	"time"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Job is the record kept in the status bucket.
type Job struct {
	ID        string          `json:"job_id"`
	Status    Status          `json:"status"`
	Input     json.RawMessage `json:"input"`
	Result    json.RawMessage `json:"result,omitempty"`
	Failure   string          `json:"failure_info,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	revision uint64
}

// Revision is the bucket revision the record was read at.
func (j *Job) Revision() uint64 {
	return j.revision
}

// Handle is returned by Enqueue.
type Handle struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`
}
