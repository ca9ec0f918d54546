// Package jobs runs interpreter invocations off the caller's goroutine with
// bounded concurrency, a per-job timeout and retries with backoff.
package jobs

import (
	"context"
	"fmt"
	"time"
)

// Kind selects the interpreter entry point a job calls.
type Kind string

const (
	KindRun    Kind = "run"
	KindResume Kind = "resume"
)

// Job is one unit of interpreter work.
type Job struct {
	Kind        Kind   `json:"kind"`
	TenantID    string `json:"tenant_id"`
	ExecutionID string `json:"execution_id"`
	// StepID is the suspended step a resume job continues past.
	StepID string `json:"step_id,omitempty"`
	// Attempt is 1-based.
	Attempt int `json:"attempt"`
}

// RunJob builds a first-attempt run job.
func RunJob(tenantID, executionID string) Job {
	return Job{Kind: KindRun, TenantID: tenantID, ExecutionID: executionID, Attempt: 1}
}

// ResumeJob builds a first-attempt resume job.
func ResumeJob(tenantID, executionID, stepID string) Job {
	return Job{Kind: KindResume, TenantID: tenantID, ExecutionID: executionID, StepID: stepID, Attempt: 1}
}

func (j Job) String() string {
	if j.Kind == KindResume {
		return fmt.Sprintf("%s %s/%s@%s #%d", j.Kind, j.TenantID, j.ExecutionID, j.StepID, j.Attempt)
	}
	return fmt.Sprintf("%s %s/%s #%d", j.Kind, j.TenantID, j.ExecutionID, j.Attempt)
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Queue accepts jobs for asynchronous processing.
type Queue interface {
	// Enqueue schedules the job to run as soon as a worker is free.
	Enqueue(ctx context.Context, job Job) error
	// EnqueueAt schedules the job to run no earlier than at.
	EnqueueAt(ctx context.Context, job Job, at time.Time) error
}
