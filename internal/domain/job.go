package domain

import (
	"time"
)

// JobState is the lifecycle state of a pricing job.
type JobState string

// Job states
const (
	JobStateReserved     JobState = "RESERVED"
	JobStateQueued       JobState = "QUEUED"
	JobStateProcessing   JobState = "PROCESSING"
	JobStateCompleted    JobState = "COMPLETED"
	JobStateFailed       JobState = "FAILED"
	JobStateDeadLettered JobState = "DEAD_LETTERED"
)

// transitions lists every allowed edge. Terminal states have no outgoing edges.
var transitions = map[JobState][]JobState{
	JobStateReserved:   {JobStateQueued, JobStateFailed},
	JobStateQueued:     {JobStateProcessing, JobStateFailed},
	JobStateProcessing: {JobStateCompleted, JobStateQueued, JobStateFailed, JobStateDeadLettered},
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStateReserved, JobStateQueued, JobStateProcessing,
		JobStateCompleted, JobStateFailed, JobStateDeadLettered:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed || s == JobStateDeadLettered
}

// Billable reports whether reaching s commits the reservation rather than refunding it.
func (s JobState) Billable() bool {
	return s == JobStateCompleted
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CountsAttempt reports whether from -> to consumes one delivery attempt.
func CountsAttempt(from, to JobState) bool {
	return from == JobStateProcessing && to != JobStateCompleted
}

// Job is a priced unit of inference work.
type Job struct {
	JobID       string
	AccountID   string
	Items       []Item
	Cost        Money
	State       JobState
	Attempts    int
	Result      *JobResult
	WorkerID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	HeartbeatAt *time.Time
}

// Clone returns a deep copy so stores never hand out shared state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Items = append([]Item(nil), j.Items...)
	if j.Result != nil {
		r := *j.Result
		r.Predictions = append([]Prediction(nil), j.Result.Predictions...)
		c.Result = &r
	}
	if j.HeartbeatAt != nil {
		hb := *j.HeartbeatAt
		c.HeartbeatAt = &hb
	}
	return &c
}

// JobResult holds either ordered predictions or an error description.
type JobResult struct {
	Predictions []Prediction `json:"predictions,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// JobFilter narrows ListByAccount.
type JobFilter struct {
	AccountID string
	State     JobState
	PageSize  int
	Cursor    *JobCursor
}

// JobCursor is the keyset position for listing, ordered by (created_at, job_id) descending.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}
