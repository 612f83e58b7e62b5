package cron

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/cos/internal/kv"
)

const (
	DefaultHeartbeat  = 30 * time.Second
	DefaultStaleAfter = 90 * time.Second
)

// Lease is the leader record shared by all instances.
type Lease struct {
	TabID     string    `json:"tab_id"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Leader holds or contends for the scheduler lease.
type Leader struct {
	kv         kv.Store
	tabID      string
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	leader bool
	unsub  func()
}

// LeaderOption configures a Leader.
type LeaderOption func(*Leader)

// WithStaleAfter sets how old a heartbeat may be before the lease is free.
func WithStaleAfter(d time.Duration) LeaderOption {
	return func(l *Leader) {
		if d > 0 {
			l.staleAfter = d
		}
	}
}

// WithLeaderClock overrides the clock.
func WithLeaderClock(now func() time.Time) LeaderOption {
	return func(l *Leader) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLeader returns a follower bound to s's tab id.
func NewLeader(s kv.Store, opts ...LeaderOption) *Leader {
	l := &Leader{
		kv:         s,
		tabID:      s.TabID(),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		logger:     slog.Default().With("component", "cron.leader", "tab_id", s.TabID()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Watch subscribes to lease changes from other instances. A lease written
// by another tab demotes this one immediately.
func (l *Leader) Watch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub != nil {
		return
	}
	l.unsub = l.kv.Subscribe(func(ev kv.Event) {
		if ev.Key != kv.KeyCronLeader || ev.Deleted {
			return
		}
		var lease Lease
		if err := json.Unmarshal(ev.Value, &lease); err != nil {
			return
		}
		if lease.TabID != l.tabID {
			l.demote("lease taken by " + lease.TabID)
		}
	})
}

// IsLeader reports the cached leadership state.
func (l *Leader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.leader
}

func (l *Leader) setLeader(v bool) {
	l.mu.Lock()
	changed := l.leader != v
	l.leader = v
	l.mu.Unlock()
	if changed && v {
		l.logger.Info("scheduler leadership acquired")
	}
}

func (l *Leader) demote(reason string) {
	l.mu.Lock()
	was := l.leader
	l.leader = false
	l.mu.Unlock()
	if was {
		l.logger.Info("scheduler leadership lost", "reason", reason)
	}
}

func (l *Leader) read(ctx context.Context) (Lease, bool, error) {
	return kv.GetJSON[Lease](ctx, l.kv, kv.KeyCronLeader)
}

func (l *Leader) stale(lease Lease) bool {
	return l.now().Sub(lease.Heartbeat) > l.staleAfter
}

// TryClaim takes the lease if it is free, stale or already ours. It writes
// then rereads; whoever's record survives is the leader.
func (l *Leader) TryClaim(ctx context.Context) (bool, error) {
	lease, ok, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	if ok && lease.TabID != l.tabID && !l.stale(lease) {
		l.demote("lease held by " + lease.TabID)
		return false, nil
	}
	if err := kv.SetJSON(ctx, l.kv, kv.KeyCronLeader, Lease{TabID: l.tabID, Heartbeat: l.now()}); err != nil {
		return false, err
	}
	lease, ok, err = l.read(ctx)
	if err != nil {
		return false, err
	}
	won := ok && lease.TabID == l.tabID
	if won {
		l.setLeader(true)
	} else {
		l.demote("lost claim race")
	}
	return won, nil
}

// Check re-validates leadership without writing.
func (l *Leader) Check(ctx context.Context) (bool, error) {
	lease, ok, err := l.read(ctx)
	if err != nil {
		return false, err
	}
	if !ok || lease.TabID != l.tabID || l.stale(lease) {
		l.demote("lease check failed")
		return false, nil
	}
	l.setLeader(true)
	return true, nil
}

// Heartbeat refreshes the lease if this instance still holds it.
func (l *Leader) Heartbeat(ctx context.Context) error {
	lease, ok, err := l.read(ctx)
	if err != nil {
		return err
	}
	if !ok || lease.TabID != l.tabID {
		l.demote("lease overwritten")
		return nil
	}
	return kv.SetJSON(ctx, l.kv, kv.KeyCronLeader, Lease{TabID: l.tabID, Heartbeat: l.now()})
}

// Resign releases the lease if held and stops watching.
func (l *Leader) Resign(ctx context.Context) error {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	l.demote("resigned")
	lease, ok, err := l.read(ctx)
	if err != nil || !ok || lease.TabID != l.tabID {
		return err
	}
	return l.kv.Delete(ctx, kv.KeyCronLeader)
}
