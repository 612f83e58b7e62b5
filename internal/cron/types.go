// Package cron runs scheduled prompts. One runtime instance holds the
// leader lease in the shared settings store and fires due jobs through
// the agent loop; the others stay idle until the lease goes stale.
package cron

import (
	"context"
	"time"
)

// JobType selects how a job's schedule is interpreted.
type JobType string

const (
	JobTypeCron     JobType = "cron"
	JobTypeInterval JobType = "interval"
	JobTypeOnce     JobType = "once"
)

const (
	// MinInterval is the shortest allowed gap between firings.
	MinInterval = 5 * time.Minute
	// MaxJobs bounds the persisted job list.
	MaxJobs = 20
	// cadenceSamples is how many upcoming cron firings are checked against MinInterval.
	cadenceSamples = 50
)

// Job is a persisted scheduled prompt.
type Job struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Type            JobType   `json:"type"`
	Expression      string    `json:"expression,omitempty"`
	IntervalMinutes int       `json:"interval_minutes,omitempty"`
	RunAt           time.Time `json:"run_at,omitempty"`
	Timezone        string    `json:"timezone,omitempty"`
	Prompt          string    `json:"prompt"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	LastRun         time.Time `json:"last_run,omitempty"`
	RunCount        int       `json:"run_count"`
	LastRunError    string    `json:"last_run_error,omitempty"`
}

// Runner executes a job's prompt.
type Runner interface {
	RunJob(ctx context.Context, job Job) error
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, job Job) error

// RunJob calls f.
func (f RunnerFunc) RunJob(ctx context.Context, job Job) error {
	return f(ctx, job)
}
