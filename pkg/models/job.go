package models

import "time"

// JobKind enumerates the units of work the queue carries.
type JobKind string

const (
	JobInitial             JobKind = "initial"
	JobReanalysis          JobKind = "reanalysis"
	JobConnectionDiscovery JobKind = "connection_discovery"
	JobEmbeddingBackfill   JobKind = "embedding_backfill"
	JobClustering          JobKind = "clustering"
	JobPatternAggregation  JobKind = "pattern_aggregation"
)

// JobState enumerates the queue lifecycle.
type JobState string

const (
	JobPending   JobState = "pending"
	JobLeased    JobState = "leased"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the state ends the job's lifecycle.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// Job is one durable queue record.
type Job struct {
	ID              string     `json:"id"`
	Kind            JobKind    `json:"kind"`
	SessionFile     string     `json:"sessionFile,omitempty"`
	SegmentBoundary string     `json:"segmentBoundary,omitempty"`
	State           JobState   `json:"state"`
	LeaseExpiresAt  *time.Time `json:"leaseExpiresAt,omitempty"`
	LeasedBy        string     `json:"leasedBy,omitempty"`
	RetryCount      int        `json:"retryCount"`
	MaxRetries      int        `json:"maxRetries"`
	LastError       string     `json:"lastError,omitempty"`
	ErrorCategory   string     `json:"errorCategory,omitempty"`
	EnqueuedAt      time.Time  `json:"enqueuedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	PromptVersion   string     `json:"promptVersion,omitempty"`
}
