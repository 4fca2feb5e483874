package scheduler

import (
	"testing"
	"time"

	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/BizMitra/BizMitra/internal/testutil"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("every minute", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
	if s.Entries() != 1 {
		t.Errorf("expected 1 entry, got %d", s.Entries())
	}
}

func TestMaintenance_Register(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	s := NewScheduler()
	defer s.Stop()
	m := &Maintenance{Jobs: st, Outbox: st, Dedup: st}
	if err := m.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if s.Entries() != 2 {
		t.Errorf("expected 2 maintenance entries, got %d", s.Entries())
	}
}

func TestMaintenance_RequeueStale(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	now := time.Now()

	if _, err := st.EnqueueJob("booking_repair", now.Add(-time.Minute), `{}`, ""); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	claimed, err := st.ClaimDueJobs(now, 10)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed job, got %d, %v", len(claimed), err)
	}
	if _, err := st.EnqueueOutboxMessage("+447700900001", "cloud", `{}`, "reply:m1"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	sending, err := st.ClaimDueOutboxMessages(now.Add(time.Minute), 10)
	if err != nil || len(sending) != 1 {
		t.Fatalf("expected one claimed outbox row, got %d, %v", len(sending), err)
	}

	// Ten minutes on, both claims are stale.
	m := &Maintenance{Jobs: st, Outbox: st, Now: func() time.Time { return now.Add(10 * time.Minute) }}
	m.RequeueStale()

	jobs, err := st.ListJobs(store.JobStatusQueued, 10)
	if err != nil || len(jobs) != 1 {
		t.Errorf("expected the job requeued, got %d, %v", len(jobs), err)
	}
	again, err := st.ClaimDueOutboxMessages(now.Add(20*time.Minute), 10)
	if err != nil || len(again) != 1 {
		t.Errorf("expected the outbox row claimable again, got %d, %v", len(again), err)
	}
}

func TestMaintenance_PurgeDedup(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	if _, err := st.RecordInbound("wamid.old", "+447700900001"); err != nil {
		t.Fatalf("RecordInbound failed: %v", err)
	}

	m := &Maintenance{Dedup: st, Now: func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }}
	m.PurgeDedup()

	dup, err := st.IsDuplicate("wamid.old")
	if err != nil {
		t.Fatalf("IsDuplicate failed: %v", err)
	}
	if dup {
		t.Error("expected the old dedup record purged")
	}
}
