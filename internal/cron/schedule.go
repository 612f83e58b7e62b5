package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

var (
	// ErrInvalidJob wraps every validation failure.
	ErrInvalidJob = errors.New("invalid job")
	// ErrTooFrequent is returned for schedules firing more often than MinInterval.
	ErrTooFrequent = errors.New("job fires more often than every 5 minutes")
	// ErrSkipped is returned by a Runner that could not start the run. The
	// fire is not recorded and the job stays due.
	ErrSkipped = errors.New("job skipped: runtime busy")
)

func (j Job) location() *time.Location {
	if j.Timezone != "" {
		if loc, err := time.LoadLocation(j.Timezone); err == nil {
			return loc
		}
	}
	return time.Local
}

// Validate checks the job's schedule. now anchors the cadence check for
// cron expressions.
func Validate(j Job, now time.Time) error {
	if strings.TrimSpace(j.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidJob)
	}
	if j.Timezone != "" {
		if _, err := time.LoadLocation(j.Timezone); err != nil {
			return fmt.Errorf("%w: timezone %q: %v", ErrInvalidJob, j.Timezone, err)
		}
	}
	switch j.Type {
	case JobTypeCron:
		sched, err := cronParser.Parse(strings.TrimSpace(j.Expression))
		if err != nil {
			return fmt.Errorf("%w: cron expression: %v", ErrInvalidJob, err)
		}
		prev := sched.Next(now.In(j.location()))
		if prev.IsZero() {
			return fmt.Errorf("%w: cron expression never fires", ErrInvalidJob)
		}
		for i := 0; i < cadenceSamples; i++ {
			next := sched.Next(prev)
			if next.IsZero() {
				break
			}
			if next.Sub(prev) < MinInterval {
				return fmt.Errorf("%w: %q fires at %s and %s", ErrTooFrequent, j.Expression,
					prev.Format("15:04"), next.Format("15:04"))
			}
			prev = next
		}
	case JobTypeInterval:
		if time.Duration(j.IntervalMinutes)*time.Minute < MinInterval {
			return fmt.Errorf("%w: interval of %d minutes", ErrTooFrequent, j.IntervalMinutes)
		}
	case JobTypeOnce:
		if j.RunAt.IsZero() {
			return fmt.Errorf("%w: once job needs run_at", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidJob, j.Type)
	}
	return nil
}

// anchor is the instant after which the next firing is computed.
func (j Job) anchor() time.Time {
	if j.LastRun.After(j.CreatedAt) {
		return j.LastRun
	}
	return j.CreatedAt
}

// NextRun returns the next firing strictly after the job's anchor.
func (j Job) NextRun() (time.Time, bool) {
	switch j.Type {
	case JobTypeOnce:
		if !j.Enabled || (!j.LastRun.IsZero() && !j.LastRun.Before(j.RunAt)) {
			return time.Time{}, false
		}
		return j.RunAt, true
	case JobTypeInterval:
		if j.IntervalMinutes <= 0 {
			return time.Time{}, false
		}
		return j.anchor().Add(time.Duration(j.IntervalMinutes) * time.Minute), true
	case JobTypeCron:
		sched, err := cronParser.Parse(j.Expression)
		if err != nil {
			return time.Time{}, false
		}
		next := sched.Next(j.anchor().In(j.location()))
		return next, !next.IsZero()
	}
	return time.Time{}, false
}

// Due reports whether an enabled job has a scheduled instant at or before now.
func (j Job) Due(now time.Time) bool {
	if !j.Enabled {
		return false
	}
	next, ok := j.NextRun()
	return ok && !next.After(now)
}

// Describe renders the schedule for humans and the system prompt.
func (j Job) Describe() string {
	switch j.Type {
	case JobTypeCron:
		if j.Timezone != "" {
			return j.Expression + " " + j.Timezone
		}
		return j.Expression
	case JobTypeInterval:
		return fmt.Sprintf("every %d min", j.IntervalMinutes)
	case JobTypeOnce:
		return "once at " + j.RunAt.In(j.location()).Format("2006-01-02 15:04")
	}
	return string(j.Type)
}
