// Package jobstate tracks the progress of upload jobs in a process-external
// store. A job has exactly one writer (the worker executing it) and any
// number of readers; updates are atomic field merges and progress never
// regresses.
package jobstate

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle of an upload job. Completed and failed are
// terminal; no further transitions occur.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is the observable state of one CSV ingestion run.
type Job struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Progress      float64   `json:"progress"`
	ProcessedRows int       `json:"processed_rows"`
	TotalRows     int       `json:"total_rows"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Delta is a partial update; nil fields are left untouched.
type Delta struct {
	Status        *Status
	Progress      *float64
	ProcessedRows *int
	TotalRows     *int
	Message       *string
	Error         *string
}

// ErrNotFound is returned when no job exists for the given id.
var ErrNotFound = errors.New("upload job not found")

// Store persists job state and notifies subscribers of changes.
//
// Subscribe emits the current snapshot immediately, then one snapshot per
// update, and closes the channel after relaying a terminal snapshot or when
// ctx is cancelled.
type Store interface {
	Create(ctx context.Context) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, delta Delta) (*Job, error)
	Subscribe(ctx context.Context, id string) (<-chan Job, error)
}

// apply merges a delta into a job, clamping progress so observers never see
// it regress.
func (j *Job) apply(delta Delta) {
	if delta.Status != nil {
		j.Status = *delta.Status
	}
	if delta.Progress != nil && *delta.Progress > j.Progress {
		j.Progress = *delta.Progress
	}
	if delta.ProcessedRows != nil {
		j.ProcessedRows = *delta.ProcessedRows
	}
	if delta.TotalRows != nil {
		j.TotalRows = *delta.TotalRows
	}
	if delta.Message != nil {
		j.Message = *delta.Message
	}
	if delta.Error != nil {
		j.Error = *delta.Error
	}
}

// Ptr helpers keep Delta literals readable at call sites.

func StatusPtr(s Status) *Status    { return &s }
func Float64Ptr(f float64) *float64 { return &f }
func IntPtr(i int) *int             { return &i }
func StringPtr(s string) *string    { return &s }
