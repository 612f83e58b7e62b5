package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/kv"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrTooManyJobs = fmt.Errorf("at most %d jobs", MaxJobs)
)

// Store persists the job list under kv.KeyCronJobs. Every mutation is a
// fresh read-modify-write so edits from other instances are not lost.
type Store struct {
	kv  kv.Store
	now func() time.Time
	mu  sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreClock overrides the clock used for defaults and validation.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store over s.
func NewStore(s kv.Store, opts ...StoreOption) *Store {
	st := &Store{kv: s, now: time.Now}
	for _, opt := range opts {
		opt(st)
	}
	return st
}

// Jobs returns the normalised job list. Generated IDs and creation times
// are written back on first read so later reads and recordRun see the same
// job.
func (s *Store) Jobs(ctx context.Context) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, repaired, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if repaired {
		if err := kv.SetJSON(ctx, s.kv, kv.KeyCronJobs, jobs); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// load reads and normalises the job list. repaired reports whether an ID or
// creation time had to be filled in. Callers hold s.mu.
func (s *Store) load(ctx context.Context) ([]Job, bool, error) {
	raw, _, err := kv.GetJSON[[]Job](ctx, s.kv, kv.KeyCronJobs)
	if err != nil {
		return nil, false, err
	}
	jobs := NormalizeJobs(raw, s.now())
	if len(jobs) != len(raw) {
		return jobs, true, nil
	}
	for i := range jobs {
		if jobs[i].ID != raw[i].ID || !jobs[i].CreatedAt.Equal(raw[i].CreatedAt) {
			return jobs, true, nil
		}
	}
	return jobs, false, nil
}

// Update applies fn to a freshly read job list and saves the result.
func (s *Store) Update(ctx context.Context, fn func([]Job) ([]Job, error)) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, _, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	jobs, err = fn(jobs)
	if err != nil {
		return nil, err
	}
	if len(jobs) > MaxJobs {
		return nil, ErrTooManyJobs
	}
	if err := kv.SetJSON(ctx, s.kv, kv.KeyCronJobs, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Add validates and appends a job, returning it with defaults filled.
func (s *Store) Add(ctx context.Context, j Job) (Job, error) {
	now := s.now()
	j = NormalizeJob(j, now)
	j.Enabled = true
	if err := Validate(j, now); err != nil {
		return Job{}, err
	}
	_, err := s.Update(ctx, func(jobs []Job) ([]Job, error) {
		if len(jobs) >= MaxJobs {
			return nil, ErrTooManyJobs
		}
		for _, existing := range jobs {
			if existing.ID == j.ID {
				return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidJob, j.ID)
			}
		}
		return append(jobs, j), nil
	})
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// Remove deletes the job with id.
func (s *Store) Remove(ctx context.Context, id string) error {
	_, err := s.Update(ctx, func(jobs []Job) ([]Job, error) {
		for i, j := range jobs {
			if j.ID == id {
				return append(jobs[:i], jobs[i+1:]...), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	})
	return err
}

// SetEnabled toggles a job.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) (Job, error) {
	var out Job
	_, err := s.Update(ctx, func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID == id {
				jobs[i].Enabled = enabled
				out = jobs[i]
				return jobs, nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	})
	return out, err
}

// recordRun stores the outcome of one firing. Once jobs are disabled.
func (s *Store) recordRun(ctx context.Context, id string, at time.Time, runErr error) error {
	_, err := s.Update(ctx, func(jobs []Job) ([]Job, error) {
		for i := range jobs {
			if jobs[i].ID != id {
				continue
			}
			jobs[i].LastRun = at
			jobs[i].RunCount++
			jobs[i].LastRunError = ""
			if runErr != nil {
				jobs[i].LastRunError = runErr.Error()
			}
			if jobs[i].Type == JobTypeOnce {
				jobs[i].Enabled = false
			}
			return jobs, nil
		}
		// Deleted while running.
		return jobs, nil
	})
	return err
}
