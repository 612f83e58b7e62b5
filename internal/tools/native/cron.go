package native

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/cos/internal/cron"
	"github.com/haasonsaas/cos/internal/tools"
)

type cronCreateArgs struct {
	Name            string `json:"name,omitempty"`
	Type            string `json:"type" jsonschema:"enum=cron,enum=interval,enum=once"`
	Expression      string `json:"expression,omitempty" jsonschema:"description=5-field cron expression for cron jobs"`
	IntervalMinutes int    `json:"interval_minutes,omitempty" jsonschema:"minimum=5"`
	RunAt           string `json:"run_at,omitempty" jsonschema:"description=RFC3339 timestamp for once jobs"`
	Timezone        string `json:"timezone,omitempty" jsonschema:"description=IANA timezone"`
	Prompt          string `json:"prompt" jsonschema:"description=What the assistant should do when the job fires"`
}

type cronIDArgs struct {
	ID string `json:"id"`
}

type cronToggleArgs struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

func cronTools(d Deps) []tools.Tool {
	jobs := d.Jobs
	return []tools.Tool{
		define("cos_cron_list", "List scheduled jobs.",
			tools.MutatingFalse, tools.CategoryCron, func(ctx context.Context, _ emptyArgs) (*tools.Result, error) {
				list, err := jobs.Jobs(ctx)
				if err != nil {
					return nil, err
				}
				type row struct {
					cron.Job
					Schedule string    `json:"schedule"`
					NextRun  time.Time `json:"next_run,omitempty"`
				}
				out := make([]row, 0, len(list))
				for _, j := range list {
					r := row{Job: j, Schedule: j.Describe()}
					if next, ok := j.NextRun(); ok && j.Enabled {
						r.NextRun = next
					}
					out = append(out, r)
				}
				return tools.JSON(map[string]any{"jobs": out}), nil
			}),
		define("cos_cron_create", "Schedule a recurring or one-off prompt. Jobs may not fire more often than every 5 minutes.",
			tools.MutatingTrue, tools.CategoryCron, func(ctx context.Context, a cronCreateArgs) (*tools.Result, error) {
				job := cron.Job{
					Name:            a.Name,
					Type:            cron.JobType(a.Type),
					Expression:      a.Expression,
					IntervalMinutes: a.IntervalMinutes,
					Timezone:        a.Timezone,
					Prompt:          a.Prompt,
				}
				if a.RunAt != "" {
					at, err := time.Parse(time.RFC3339, a.RunAt)
					if err != nil {
						return tools.Errorf("run_at must be RFC3339: %v", err), nil
					}
					job.RunAt = at
				}
				created, err := jobs.Add(ctx, job)
				if err != nil {
					if errors.Is(err, cron.ErrInvalidJob) || errors.Is(err, cron.ErrTooFrequent) || errors.Is(err, cron.ErrTooManyJobs) {
						return tools.Errorf("%v", err), nil
					}
					return nil, err
				}
				return tools.JSON(created), nil
			}),
		define("cos_cron_delete", "Delete a scheduled job.",
			tools.MutatingTrue, tools.CategoryCron, func(ctx context.Context, a cronIDArgs) (*tools.Result, error) {
				if err := jobs.Remove(ctx, a.ID); err != nil {
					if errors.Is(err, cron.ErrJobNotFound) {
						return tools.Errorf("%v", err), nil
					}
					return nil, err
				}
				return tools.JSON(map[string]string{"id": a.ID, "status": "deleted"}), nil
			}),
		define("cos_cron_toggle", "Enable or disable a scheduled job.",
			tools.MutatingTrue, tools.CategoryCron, func(ctx context.Context, a cronToggleArgs) (*tools.Result, error) {
				job, err := jobs.SetEnabled(ctx, a.ID, a.Enabled)
				if err != nil {
					if errors.Is(err, cron.ErrJobNotFound) {
						return tools.Errorf("%v", err), nil
					}
					return nil, err
				}
				return tools.JSON(job), nil
			}),
	}
}
