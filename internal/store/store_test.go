package store

import (
	"context"
	"errors"
	"regexp"
	"syscall"
	"testing"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// storeFactories runs the domain tests against every Store implementation.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewInMemoryStore() },
		"sqlite": func() Store { return newTestSQLiteStore(t) },
	}
}

func seedBusiness(t *testing.T, s Store) (*models.Business, *models.Client) {
	t.Helper()
	ctx := context.Background()
	biz := &models.Business{Name: "Glow Studio", PhoneNumberID: "pn-1", WABAID: "waba-1", Timezone: "Europe/London"}
	if err := s.CreateBusiness(ctx, biz); err != nil {
		t.Fatalf("CreateBusiness failed: %v", err)
	}
	client := &models.Client{BusinessID: biz.ID, Name: "Asha", Phone: "+447700900001"}
	if err := s.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	return biz, client
}

func TestStore_BusinessLookups(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			biz, _ := seedBusiness(t, s)

			if biz.APIKey == "" {
				t.Fatal("Expected API key to be generated")
			}
			got, err := s.GetBusinessByPhoneNumberID(ctx, "pn-1")
			if err != nil || got.ID != biz.ID {
				t.Fatalf("GetBusinessByPhoneNumberID = %v, %v", got, err)
			}
			got, err = s.GetBusinessByWABAID(ctx, "waba-1")
			if err != nil || got.ID != biz.ID {
				t.Fatalf("GetBusinessByWABAID = %v, %v", got, err)
			}
			got, err = s.GetBusinessByAPIKey(ctx, biz.APIKey)
			if err != nil || got.ID != biz.ID {
				t.Fatalf("GetBusinessByAPIKey = %v, %v", got, err)
			}
			if _, err := s.GetBusinessByAPIKey(ctx, "wrong"); !errors.Is(err, models.ErrInvalidAPIKey) {
				t.Errorf("Expected ErrInvalidAPIKey, got %v", err)
			}
			if _, err := s.GetBusiness(ctx, "missing"); !errors.Is(err, models.ErrBusinessNotFound) {
				t.Errorf("Expected ErrBusinessNotFound, got %v", err)
			}
			if _, err := s.GetBusinessByPhoneNumberID(ctx, ""); !errors.Is(err, models.ErrBusinessNotFound) {
				t.Errorf("Expected ErrBusinessNotFound for empty phone number id, got %v", err)
			}
		})
	}
}

func TestStore_BusinessCredentialsAndUsage(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			biz, _ := seedBusiness(t, s)

			if err := s.UpdateCalendarToken(ctx, biz.ID, "refresh-1"); err != nil {
				t.Fatalf("UpdateCalendarToken failed: %v", err)
			}
			if err := s.UpdateWhatsAppCredentials(ctx, biz.ID, "waba-2", "pn-2", "token-2"); err != nil {
				t.Fatalf("UpdateWhatsAppCredentials failed: %v", err)
			}
			for i := 0; i < 2; i++ {
				if err := s.IncrementAPIUsage(ctx, biz.ID); err != nil {
					t.Fatalf("IncrementAPIUsage failed: %v", err)
				}
			}

			got, err := s.GetBusiness(ctx, biz.ID)
			if err != nil {
				t.Fatalf("GetBusiness failed: %v", err)
			}
			if got.GCalRefreshToken != "refresh-1" {
				t.Errorf("Expected refresh token, got %q", got.GCalRefreshToken)
			}
			if got.PhoneNumberID != "pn-2" || got.WABAID != "waba-2" || got.WABAAccessToken != "token-2" {
				t.Errorf("WhatsApp credentials not updated: %+v", got)
			}
			if got.APIUsageCount != 2 {
				t.Errorf("Expected usage 2, got %d", got.APIUsageCount)
			}
			if err := s.UpdateCalendarToken(ctx, "missing", "x"); !errors.Is(err, models.ErrBusinessNotFound) {
				t.Errorf("Expected ErrBusinessNotFound, got %v", err)
			}
		})
	}
}

func TestStore_ProfileUpsert(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			biz, _ := seedBusiness(t, s)

			if _, err := s.GetProfileByBusinessID(ctx, biz.ID); !errors.Is(err, models.ErrProfileNotFound) {
				t.Fatalf("Expected ErrProfileNotFound, got %v", err)
			}

			p := &models.BusinessProfile{
				BusinessID: biz.ID,
				Tone:       "warm",
				Services:   []models.Service{{Name: "Facial", Price: 45}},
				About:      "Skin care studio",
			}
			if err := s.SaveProfile(ctx, p); err != nil {
				t.Fatalf("SaveProfile failed: %v", err)
			}
			p2 := &models.BusinessProfile{BusinessID: biz.ID, Tone: "brisk", About: "Skin care studio in Leeds"}
			if err := s.SaveProfile(ctx, p2); err != nil {
				t.Fatalf("SaveProfile (update) failed: %v", err)
			}

			got, err := s.GetProfileByBusinessID(ctx, biz.ID)
			if err != nil {
				t.Fatalf("GetProfileByBusinessID failed: %v", err)
			}
			if got.Tone != "brisk" || got.About != "Skin care studio in Leeds" {
				t.Errorf("Expected updated profile, got %+v", got)
			}
			if len(got.Services) != 0 {
				t.Errorf("Expected services replaced by empty list, got %+v", got.Services)
			}
		})
	}
}

func TestStore_ThreadLifecycle(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			biz, client := seedBusiness(t, s)

			if _, err := s.FindActiveThread(ctx, biz.ID, client.ID); !errors.Is(err, models.ErrThreadNotFound) {
				t.Fatalf("Expected ErrThreadNotFound, got %v", err)
			}

			thread := &models.Thread{BusinessID: biz.ID, ClientID: client.ID, PhoneNumber: client.Phone}
			if err := s.CreateThread(ctx, thread); err != nil {
				t.Fatalf("CreateThread failed: %v", err)
			}
			if thread.Status != models.ThreadStatusActive {
				t.Errorf("Expected active status, got %q", thread.Status)
			}

			thread.History = make([]models.HistoryEntry, 0, 30)
			for i := 0; i < 30; i++ {
				thread.History = append(thread.History, models.HistoryEntry{Role: models.RoleUser, Content: "m"})
			}
			thread.LastResponseID = "chatcmpl-1"
			if err := s.SaveThread(ctx, thread); err != nil {
				t.Fatalf("SaveThread failed: %v", err)
			}

			got, err := s.FindActiveThread(ctx, biz.ID, client.ID)
			if err != nil {
				t.Fatalf("FindActiveThread failed: %v", err)
			}
			if got.ID != thread.ID {
				t.Errorf("Expected thread %s, got %s", thread.ID, got.ID)
			}
			if len(got.History) != models.MaxThreadHistory {
				t.Errorf("Expected history trimmed to %d, got %d", models.MaxThreadHistory, len(got.History))
			}
			if got.LastResponseID != "chatcmpl-1" {
				t.Errorf("Expected last response id, got %q", got.LastResponseID)
			}

			threads, err := s.ListThreads(ctx, biz.ID)
			if err != nil || len(threads) != 1 {
				t.Fatalf("ListThreads = %d, %v", len(threads), err)
			}

			missing := &models.Thread{ID: "missing"}
			if err := s.SaveThread(ctx, missing); !errors.Is(err, models.ErrThreadNotFound) {
				t.Errorf("Expected ErrThreadNotFound, got %v", err)
			}
		})
	}
}

func TestStore_Bookings(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			biz, client := seedBusiness(t, s)

			start := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
			later := &models.Booking{BusinessID: biz.ID, ClientID: client.ID, Description: "Facial",
				StartTime: start.Add(48 * time.Hour), EndTime: start.Add(49 * time.Hour), EventID: "evt-2"}
			earlier := &models.Booking{BusinessID: biz.ID, ClientID: client.ID, Description: "Consult",
				StartTime: start, EndTime: start.Add(time.Hour), EventID: "evt-1"}
			for _, b := range []*models.Booking{later, earlier} {
				if err := s.CreateBooking(ctx, b); err != nil {
					t.Fatalf("CreateBooking failed: %v", err)
				}
			}

			list, err := s.ListClientBookings(ctx, biz.ID, client.ID)
			if err != nil {
				t.Fatalf("ListClientBookings failed: %v", err)
			}
			if len(list) != 2 || list[0].EventID != "evt-1" {
				t.Fatalf("Expected bookings ordered by start, got %+v", list)
			}

			earlier.StartTime = start.Add(time.Hour)
			earlier.EndTime = start.Add(2 * time.Hour)
			if err := s.UpdateBooking(ctx, earlier); err != nil {
				t.Fatalf("UpdateBooking failed: %v", err)
			}
			got, err := s.GetBooking(ctx, earlier.ID)
			if err != nil {
				t.Fatalf("GetBooking failed: %v", err)
			}
			if !got.StartTime.Equal(start.Add(time.Hour)) {
				t.Errorf("Expected start moved, got %v", got.StartTime)
			}
			if got.Status != models.BookingStatusConfirmed {
				t.Errorf("Expected confirmed status, got %q", got.Status)
			}
			if _, err := s.GetBooking(ctx, "missing"); !errors.Is(err, models.ErrBookingNotFound) {
				t.Errorf("Expected ErrBookingNotFound, got %v", err)
			}
		})
	}
}

func TestStore_TasksAndMessages(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			biz, client := seedBusiness(t, s)

			task := &models.OwnerTask{BusinessID: biz.ID, ClientID: client.ID, Description: "Call back about pricing", Priority: models.TaskPriorityHigh}
			if err := s.CreateTask(ctx, task); err != nil {
				t.Fatalf("CreateTask failed: %v", err)
			}
			if err := s.UpdateTaskStatus(ctx, task.ID, models.TaskStatusResolved); err != nil {
				t.Fatalf("UpdateTaskStatus failed: %v", err)
			}
			tasks, err := s.ListTasks(ctx, biz.ID)
			if err != nil || len(tasks) != 1 {
				t.Fatalf("ListTasks = %d, %v", len(tasks), err)
			}
			if tasks[0].Status != models.TaskStatusResolved {
				t.Errorf("Expected resolved, got %q", tasks[0].Status)
			}
			if err := s.UpdateTaskStatus(ctx, "missing", models.TaskStatusOpen); !errors.Is(err, models.ErrTaskNotFound) {
				t.Errorf("Expected ErrTaskNotFound, got %v", err)
			}

			msg := &models.ChatMessage{BusinessID: biz.ID, ClientID: client.ID, ThreadID: "thread-1",
				Direction: models.DirectionInbound, Channel: models.ChannelCloudAPI, Body: "Hi"}
			if err := s.AddChatMessage(ctx, msg); err != nil {
				t.Fatalf("AddChatMessage failed: %v", err)
			}
			msgs, err := s.ListChatMessages(ctx, "thread-1")
			if err != nil || len(msgs) != 1 || msgs[0].Body != "Hi" {
				t.Fatalf("ListChatMessages = %+v, %v", msgs, err)
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":   "postgres",
		"host=localhost dbname=bizmitra": "postgres",
		"/var/lib/bizmitra/state.db":     "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestSQLStore_PostgresClaimDueJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()
	s := NewSQLStoreFromDB(db, "postgres")

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "kind", "run_at", "payload_json", "status", "attempt", "max_attempts",
		"last_error", "locked_at", "dedupe_key", "created_at", "updated_at"}).
		AddRow("job_1", "booking_repair", now, `{}`, "running", 0, 5, nil, now, nil, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(sqlmock.AnyArg(), 10).
		WillReturnRows(rows)

	jobs, err := s.ClaimDueJobs(now, 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != JobStatusRunning || jobs[0].LockedAt == nil {
		t.Fatalf("Unexpected claimed jobs: %+v", jobs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSQLStore_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	defer db.Close()
	s := NewSQLStoreFromDB(db, "postgres")
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("FROM businesses WHERE api_key = $1 LIMIT 1")).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	if _, err := s.GetBusinessByAPIKey(ctx, "key-1"); !errors.Is(err, models.ErrInvalidAPIKey) {
		t.Errorf("Expected ErrInvalidAPIKey, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("SET api_usage_count = api_usage_count + 1, updated_at = $1 WHERE id = $2")).
		WithArgs(sqlmock.AnyArg(), "biz-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.IncrementAPIUsage(ctx, "biz-1"); !errors.Is(err, models.ErrBusinessNotFound) {
		t.Errorf("Expected ErrBusinessNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; DATABASE_URL holds the connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	if DetectDSNType(connStr) != "postgres" {
		t.Skip("DATABASE_URL is not a postgres DSN")
	}
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()

	ctx := context.Background()
	biz, client := seedBusiness(t, pgStore)
	task := &models.OwnerTask{BusinessID: biz.ID, ClientID: client.ID, Description: "Check refund", Priority: models.TaskPriorityLow}
	if err := pgStore.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	got, err := pgStore.GetTask(ctx, task.ID)
	if err != nil || got.Description != "Check refund" {
		t.Fatalf("GetTask = %+v, %v", got, err)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
