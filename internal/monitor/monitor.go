// Package monitor runs the background sweeps that keep room state healthy:
// idle presence demotion, stale lock expiry, and empty room eviction.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-diagram/internal/domain"
)

// Broadcaster fans server-originated events out to room members. The hub
// satisfies this; tests substitute a recorder.
type Broadcaster interface {
	BroadcastEnvelopes(envs []domain.Envelope)
}

// Sweeper is the registry surface the monitors drive.
type Sweeper interface {
	SweepIdle(threshold time.Duration) []domain.Envelope
	ExpireStaleLocks() []domain.Envelope
	EvictEmptyRooms() []string
}

// Config tunes the sweep cadence. Zero values get sensible defaults.
type Config struct {
	PresenceInterval time.Duration
	IdleThreshold    time.Duration
	LockInterval     time.Duration
	EvictionInterval time.Duration
	// Clock is injectable for tests; defaults to time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = 30 * time.Second
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 2 * time.Minute
	}
	if c.LockInterval <= 0 {
		c.LockInterval = 10 * time.Second
	}
	if c.EvictionInterval <= 0 {
		c.EvictionInterval = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// TaskStatus is the diagnostic view of one periodic task.
type TaskStatus struct {
	Name     string    `json:"name"`
	Interval string    `json:"interval"`
	LastRun  time.Time `json:"last_run"`
	Runs     int64     `json:"runs"`
}

type periodicTask struct {
	name     string
	interval time.Duration
	run      func()

	mu      sync.Mutex
	lastRun time.Time
	runs    int64
}

func (t *periodicTask) fire(now time.Time) {
	t.run()
	t.mu.Lock()
	t.lastRun = now
	t.runs++
	t.mu.Unlock()
}

func (t *periodicTask) status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStatus{
		Name:     t.name,
		Interval: t.interval.String(),
		LastRun:  t.lastRun,
		Runs:     t.runs,
	}
}

// Monitor owns the periodic tasks. Start launches one goroutine per task;
// cancel the context to stop them.
type Monitor struct {
	cfg   Config
	tasks []*periodicTask

	mu      sync.Mutex
	started bool
}

func NewMonitor(sweeper Sweeper, broadcaster Broadcaster, cfg Config) *Monitor {
	if sweeper == nil {
		panic("Sweeper cannot be nil for Monitor")
	}
	if broadcaster == nil {
		panic("Broadcaster cannot be nil for Monitor")
	}
	cfg = cfg.withDefaults()
	m := &Monitor{cfg: cfg}
	m.tasks = []*periodicTask{
		{
			name:     "presence_sweep",
			interval: cfg.PresenceInterval,
			run: func() {
				events := sweeper.SweepIdle(cfg.IdleThreshold)
				if len(events) > 0 {
					broadcaster.BroadcastEnvelopes(events)
					logrus.WithField("count", len(events)).Debug("Marked idle members away")
				}
			},
		},
		{
			name:     "lock_sweep",
			interval: cfg.LockInterval,
			run: func() {
				events := sweeper.ExpireStaleLocks()
				if len(events) > 0 {
					broadcaster.BroadcastEnvelopes(events)
					logrus.WithField("count", len(events)).Info("Expired stale element locks")
				}
			},
		},
		{
			name:     "room_eviction",
			interval: cfg.EvictionInterval,
			run: func() {
				evicted := sweeper.EvictEmptyRooms()
				for _, id := range evicted {
					logrus.WithField("room_id", id).Info("Evicted empty room")
				}
			},
		},
	}
	return m
}

// Start launches the task loops. Calling it twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	for _, t := range m.tasks {
		go m.loop(ctx, t)
	}
	logrus.WithField("tasks", len(m.tasks)).Info("Background monitors started")
}

func (m *Monitor) loop(ctx context.Context, t *periodicTask) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.fire(m.cfg.Clock())
		}
	}
}

// RunAll fires every task once, synchronously. Used by tests and by the
// diagnostic surface to force a sweep.
func (m *Monitor) RunAll() {
	now := m.cfg.Clock()
	for _, t := range m.tasks {
		t.fire(now)
	}
}

// Status reports each task's cadence and last completed run.
func (m *Monitor) Status() []TaskStatus {
	out := make([]TaskStatus, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.status())
	}
	return out
}
