package cron

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NormalizeJobs repairs a job list read from storage: missing ids are
// generated, duplicate ids are reassigned, type aliases are folded, names
// default to the prompt and the list is truncated to MaxJobs.
func NormalizeJobs(jobs []Job, now time.Time) []Job {
	out := make([]Job, 0, len(jobs))
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		j = NormalizeJob(j, now)
		if seen[j.ID] {
			j.ID = uuid.NewString()
		}
		seen[j.ID] = true
		out = append(out, j)
		if len(out) == MaxJobs {
			break
		}
	}
	return out
}

// NormalizeJob trims fields and fills defaults on a single job.
func NormalizeJob(j Job, now time.Time) Job {
	j.ID = strings.TrimSpace(j.ID)
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.Name = strings.TrimSpace(j.Name)
	j.Prompt = strings.TrimSpace(j.Prompt)
	j.Expression = strings.Join(strings.Fields(j.Expression), " ")
	j.Timezone = strings.TrimSpace(j.Timezone)
	j.Type = normalizeType(j)
	if j.Name == "" {
		j.Name = truncateName(j.Prompt)
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.RunCount < 0 {
		j.RunCount = 0
	}
	return j
}

func normalizeType(j Job) JobType {
	switch strings.ToLower(strings.TrimSpace(string(j.Type))) {
	case "cron", "expression":
		return JobTypeCron
	case "interval", "every", "recurring":
		return JobTypeInterval
	case "once", "at", "one-shot", "oneshot":
		return JobTypeOnce
	}
	switch {
	case j.Expression != "":
		return JobTypeCron
	case j.IntervalMinutes > 0:
		return JobTypeInterval
	case !j.RunAt.IsZero():
		return JobTypeOnce
	}
	return j.Type
}

func truncateName(prompt string) string {
	r := []rune(prompt)
	if len(r) <= 40 {
		return prompt
	}
	return strings.TrimSpace(string(r[:40])) + "…"
}
