// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/pitabwire/util"

	"github.com/choreboard/choreboard-auth/internal/security"
)

// DefaultInterval is how often the sweeps run.
const DefaultInterval = 5 * time.Minute

// Job tags.
const (
	JobSessions = "sessions"
	JobKV       = "kv"
)

// jobTimeout bounds a single sweep.
const jobTimeout = 30 * time.Second

// Result reports what one pass removed.
type Result struct {
	Sessions int
	Entries  int
}

// Stats is a snapshot of the scheduler's work so far.
type Stats struct {
	Runs            int
	Failures        int
	SessionsRemoved int
	EntriesRemoved  int
	LastRun         time.Time
	LastError       string
}

// =============================================================================
// MAINTAINER
// =============================================================================

// Maintainer schedules the sweeps. A nil kv sweeper skips the kv job.
type Maintainer struct {
	sessions  *security.SessionManager
	kv        security.Sweeper
	interval  time.Duration
	scheduler *gocron.Scheduler

	mu     sync.Mutex
	stats  Stats
	cancel context.CancelFunc
}

// New creates a Maintainer. A non-positive interval uses DefaultInterval.
func New(sessions *security.SessionManager, kv security.Sweeper, interval time.Duration) (*Maintainer, error) {
	if sessions == nil {
		return nil, errors.New("maintenance: session manager is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := gocron.NewScheduler(time.UTC)
	// A slow sweep must not overlap the next tick.
	s.SingletonModeAll()
	return &Maintainer{
		sessions:  sessions,
		kv:        kv,
		interval:  interval,
		scheduler: s,
	}, nil
}

// Interval returns the sweep interval.
func (m *Maintainer) Interval() time.Duration {
	return m.interval
}

// Start registers the jobs and runs them in the background until Stop or
// until ctx is canceled. The first pass runs immediately.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return errors.New("maintenance: already started")
	}
	ctx, cancel := context.WithCancel(ctx)

	if _, err := m.scheduler.Every(m.interval).Tag(JobSessions).Do(m.sweepSessions, ctx); err != nil {
		cancel()
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	if m.kv != nil {
		if _, err := m.scheduler.Every(m.interval).Tag(JobKV).Do(m.sweepKV, ctx); err != nil {
			cancel()
			m.scheduler.Clear()
			return fmt.Errorf("schedule kv sweep: %w", err)
		}
	}
	m.cancel = cancel
	m.scheduler.StartAsync()

	util.Log(ctx).With(
		"interval", m.interval.String(),
		"jobs", m.scheduler.Len(),
	).Info("maintenance scheduler started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to return.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.scheduler.Stop()
	m.scheduler.Clear()
}

// RunOnce performs both sweeps synchronously.
func (m *Maintainer) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	n, err := m.sessions.SweepExpired(ctx)
	m.record(n, 0, err)
	res.Sessions = n
	if err != nil {
		errs = append(errs, err)
	}
	if m.kv != nil {
		n, err = m.kv.Sweep(ctx)
		m.record(0, n, err)
		res.Entries = n
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep kv: %w", err))
		}
	}
	return res, errors.Join(errs...)
}

// Stats returns a snapshot of the counters.
func (m *Maintainer) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Maintainer) sweepSessions(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	n, err := m.sessions.SweepExpired(ctx)
	m.record(n, 0, err)
	m.logSweep(ctx, JobSessions, n, err)
}

func (m *Maintainer) sweepKV(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	n, err := m.kv.Sweep(ctx)
	m.record(0, n, err)
	m.logSweep(ctx, JobKV, n, err)
}

func (m *Maintainer) record(sessions, entries int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Runs++
	m.stats.LastRun = time.Now()
	if err != nil {
		m.stats.Failures++
		m.stats.LastError = err.Error()
		return
	}
	m.stats.SessionsRemoved += sessions
	m.stats.EntriesRemoved += entries
}

func (m *Maintainer) logSweep(ctx context.Context, job string, n int, err error) {
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		util.Log(ctx).WithError(err).WithField("job", job).Error("sweep failed")
		return
	}
	if n > 0 {
		util.Log(ctx).With("job", job, "removed", n).Debug("sweep done")
	}
}
