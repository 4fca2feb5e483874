// Package scheduler runs BizMitra's periodic maintenance on a cron schedule.
//
// Maintenance returns work orphaned by a crash to the queues and keeps the
// inbound dedup table from growing without bound.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/robfig/cron/v3"
)

const (
	// RequeueSpec requeues stale jobs and outbox rows.
	RequeueSpec = "*/5 * * * *"
	// PurgeSpec purges old dedup records.
	PurgeSpec = "15 3 * * *"
	// DefaultStaleAfter is how long a job or outbox row may stay claimed.
	DefaultStaleAfter = 5 * time.Minute
	// DefaultDedupRetention is how long inbound message ids are remembered.
	DefaultDedupRetention = 7 * 24 * time.Hour
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// 5-field cron (min, hour, dom, month, dow); panics in a job are recovered.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task with a 5-field cron expression.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Maintenance holds the repos the periodic jobs operate on.
type Maintenance struct {
	Jobs           store.JobRepo
	Outbox         store.OutboxRepo
	Dedup          store.DedupRepo
	StaleAfter     time.Duration
	DedupRetention time.Duration
	Now            func() time.Time
}

func (m *Maintenance) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// RequeueStale returns jobs and outbox rows claimed before the stale threshold to their queues.
func (m *Maintenance) RequeueStale() {
	staleAfter := m.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	staleBefore := m.now().Add(-staleAfter)
	if m.Jobs != nil {
		n, err := m.Jobs.RequeueStaleRunningJobs(staleBefore)
		if err != nil {
			slog.Error("Maintenance.RequeueStale: jobs", "error", err)
		} else if n > 0 {
			slog.Info("Maintenance.RequeueStale: requeued jobs", "count", n)
		}
	}
	if m.Outbox != nil {
		n, err := m.Outbox.RequeueStaleSendingMessages(staleBefore)
		if err != nil {
			slog.Error("Maintenance.RequeueStale: outbox", "error", err)
		} else if n > 0 {
			slog.Info("Maintenance.RequeueStale: requeued outbox messages", "count", n)
		}
	}
}

// PurgeDedup deletes inbound dedup records older than the retention window.
func (m *Maintenance) PurgeDedup() {
	if m.Dedup == nil {
		return
	}
	retention := m.DedupRetention
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	n, err := m.Dedup.PurgeDedupBefore(m.now().Add(-retention))
	if err != nil {
		slog.Error("Maintenance.PurgeDedup failed", "error", err)
		return
	}
	slog.Info("Maintenance.PurgeDedup: purged", "count", n)
}

// Register schedules the maintenance jobs on s.
func (m *Maintenance) Register(s *Scheduler) error {
	if err := s.AddJob(RequeueSpec, m.RequeueStale); err != nil {
		return fmt.Errorf("failed to schedule requeue: %w", err)
	}
	if err := s.AddJob(PurgeSpec, m.PurgeDedup); err != nil {
		return fmt.Errorf("failed to schedule dedup purge: %w", err)
	}
	return nil
}
