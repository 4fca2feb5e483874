package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/BizMitra/BizMitra/internal/genai"
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
)

func testStores(t *testing.T) map[string]func() store.Store {
	return map[string]func() store.Store{
		"memory": func() store.Store { return store.NewInMemoryStore() },
		"sqlite": func() store.Store { return newSQLiteTestStore(t) },
	}
}

func TestHandleTurn_BooksAppointment(t *testing.T) {
	for name, newStore := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			f := newFlowFixture(t, newStore())
			ctx := context.Background()
			f.gateway.responses = []genai.Response{
				toolResponse("resp-1", invocation("call-1", models.ToolScheduleAppointment, models.ScheduleAppointmentArgs{
					AppointmentDescription: "Haircut (service) for Asha",
					IsoStart:               "2025-03-11T10:00:00Z",
					IsoEnd:                 "2025-03-11T11:00:00Z",
				})),
				textResponse("resp-2", "You're booked for a haircut tomorrow at 10:00."),
			}

			reply, err := f.orch.HandleTurn(ctx, f.thread.ID, "Book a haircut tomorrow 10:00-11:00 UTC")
			if err != nil {
				t.Fatalf("HandleTurn failed: %v", err)
			}
			if reply != "You're booked for a haircut tomorrow at 10:00." {
				t.Errorf("unexpected reply %q", reply)
			}
			if len(f.gateway.toolResults) != 1 || f.gateway.toolResults[0] != ResultBookingSuccessful {
				t.Errorf("expected booking success fed back to the model, got %v", f.gateway.toolResults)
			}
			if f.gateway.priorRefs[0].ID != "resp-1" {
				t.Errorf("expected continuation from resp-1, got %q", f.gateway.priorRefs[0].ID)
			}

			bookings, err := f.st.ListBookings(ctx, f.business.ID)
			if err != nil {
				t.Fatalf("ListBookings failed: %v", err)
			}
			if len(bookings) != 1 {
				t.Fatalf("expected exactly one booking, got %d", len(bookings))
			}
			want := time.Date(2025, 3, 11, 10, 0, 0, 0, time.UTC)
			if !bookings[0].StartTime.Equal(want) || bookings[0].ClientID != f.client.ID || bookings[0].EventID == "" {
				t.Errorf("unexpected booking: %+v", bookings[0])
			}

			th := f.reloadThread(t)
			if len(th.History) != 2 || th.History[0].Role != models.RoleUser || th.History[1].Content != reply {
				t.Errorf("unexpected history: %+v", th.History)
			}
			if th.LastResponseID != "resp-2" || th.ExternalThreadID != "resp-1" {
				t.Errorf("unexpected response ids: last=%q external=%q", th.LastResponseID, th.ExternalThreadID)
			}
		})
	}
}

func TestHandleTurn_ConcurrentTurnIsRejected(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	f.gateway.entered = make(chan struct{}, 1)
	f.gateway.proceed = make(chan struct{})
	f.gateway.responses = []genai.Response{textResponse("resp-1", "Hello Asha!")}
	ctx := context.Background()

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := f.orch.HandleTurn(ctx, f.thread.ID, "first")
		done <- result{reply, err}
	}()

	select {
	case <-f.gateway.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn never reached the gateway")
	}

	if _, err := f.orch.HandleTurn(ctx, f.thread.ID, "second"); !errors.Is(err, models.ErrThreadBusy) {
		t.Fatalf("expected ErrThreadBusy, got %v", err)
	}
	close(f.gateway.proceed)

	var first result
	select {
	case first = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn did not complete")
	}
	if first.err != nil || first.reply != "Hello Asha!" {
		t.Fatalf("unexpected first turn result: %+v", first)
	}

	th := f.reloadThread(t)
	if len(th.History) != 2 || th.History[0].Content != "first" || th.History[1].Content != "Hello Asha!" {
		t.Errorf("expected exactly the first exchange in history, got %+v", th.History)
	}
	if f.orch.locks.Len() != 0 {
		t.Errorf("expected lock entries to be released, got %d", f.orch.locks.Len())
	}
}

func TestHandleTurn_HopBoundFallsBack(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	runner := &recordingRunner{result: "[]"}
	f.orch = NewOrchestrator(f.st, f.gateway, runner, f.profiles, WithClock(func() time.Time { return fixedNow }))
	for i := 0; i <= DefaultMaxToolHops; i++ {
		f.gateway.responses = append(f.gateway.responses,
			toolResponse(fmt.Sprintf("resp-%d", i), invocation(fmt.Sprintf("call-%d", i), models.ToolGetClientAppointments, struct{}{})))
	}

	reply, err := f.orch.HandleTurn(context.Background(), f.thread.ID, "What are my bookings?")
	if err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if reply != FallbackReply {
		t.Errorf("expected fallback reply, got %q", reply)
	}
	if len(runner.calls) != DefaultMaxToolHops {
		t.Errorf("expected %d tool executions, got %d", DefaultMaxToolHops, len(runner.calls))
	}
	th := f.reloadThread(t)
	if len(th.History) != 2 || th.History[1].Content != FallbackReply {
		t.Errorf("expected fallback persisted, got %+v", th.History)
	}
}

func TestHandleTurn_CustomHopBound(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	runner := &recordingRunner{result: "[]"}
	f.orch = NewOrchestrator(f.st, f.gateway, runner, f.profiles, WithMaxToolHops(1))
	f.gateway.responses = []genai.Response{
		toolResponse("resp-1", invocation("call-1", models.ToolGetClientAppointments, struct{}{})),
		toolResponse("resp-2", invocation("call-2", models.ToolGetClientAppointments, struct{}{})),
	}
	reply, err := f.orch.HandleTurn(context.Background(), f.thread.ID, "bookings?")
	if err != nil || reply != FallbackReply || len(runner.calls) != 1 {
		t.Fatalf("expected fallback after one hop, got reply=%q err=%v calls=%v", reply, err, runner.calls)
	}
}

func TestHandleTurn_ExecutesOnlyFirstInvocation(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	runner := &recordingRunner{result: ResultTaskCreated}
	f.orch = NewOrchestrator(f.st, f.gateway, runner, f.profiles)
	f.gateway.responses = []genai.Response{
		toolResponse("resp-1",
			invocation("call-1", models.ToolCreateOwnerTask, models.CreateOwnerTaskArgs{TaskDescription: "Call back", Priority: "low"}),
			invocation("call-2", models.ToolGetClientAppointments, struct{}{}),
		),
		textResponse("resp-2", "The owner will get back to you."),
	}

	if _, err := f.orch.HandleTurn(context.Background(), f.thread.ID, "Can someone call me?"); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if len(runner.calls) != 1 || runner.calls[0] != string(models.ToolCreateOwnerTask) {
		t.Errorf("expected only the first invocation executed, got %v", runner.calls)
	}
}

func TestHandleTurn_ToolFailuresAreSoft(t *testing.T) {
	tests := []struct {
		name       string
		invocation genai.ToolInvocation
		runnerErr  error
		wantResult string
		wantCalls  int
	}{
		{
			name:       "tool execution error",
			invocation: invocation("call-1", models.ToolCreateOwnerTask, models.CreateOwnerTaskArgs{TaskDescription: "x", Priority: "low"}),
			runnerErr:  &models.ToolExecutionError{Tool: "create_owner_task", Message: ResultTaskFailed, Err: errors.New("db down")},
			wantResult: ResultTaskFailed,
			wantCalls:  1,
		},
		{
			name:       "malformed invocation",
			invocation: genai.ToolInvocation{CallID: "call-1", Name: "delete_everything", Args: []byte(`{`), Malformed: true},
			wantResult: "could not be run",
			wantCalls:  0,
		},
		{
			name:       "infrastructure failure",
			invocation: invocation("call-1", models.ToolGetClientAppointments, struct{}{}),
			runnerErr:  errors.New("connection reset"),
			wantResult: "tool failed, try again later",
			wantCalls:  1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFlowFixture(t, store.NewInMemoryStore())
			runner := &recordingRunner{err: tt.runnerErr}
			f.orch = NewOrchestrator(f.st, f.gateway, runner, f.profiles)
			f.gateway.responses = []genai.Response{
				toolResponse("resp-1", tt.invocation),
				textResponse("resp-2", "Sorry, something went wrong. Let me get the owner."),
			}

			reply, err := f.orch.HandleTurn(context.Background(), f.thread.ID, "help")
			if err != nil {
				t.Fatalf("expected soft failure, got %v", err)
			}
			if reply != "Sorry, something went wrong. Let me get the owner." {
				t.Errorf("unexpected reply %q", reply)
			}
			if len(runner.calls) != tt.wantCalls {
				t.Errorf("expected %d executions, got %d", tt.wantCalls, len(runner.calls))
			}
			if len(f.gateway.toolResults) != 1 || !strings.Contains(f.gateway.toolResults[0], tt.wantResult) {
				t.Errorf("expected tool result containing %q, got %v", tt.wantResult, f.gateway.toolResults)
			}
		})
	}
}

func TestHandleTurn_UnrecoverableErrorsPersistNothing(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	ctx := context.Background()

	f.gateway.err = fmt.Errorf("%w: Converse: timeout", models.ErrGatewayUnavailable)
	if _, err := f.orch.HandleTurn(ctx, f.thread.ID, "hello"); !errors.Is(err, models.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if th := f.reloadThread(t); len(th.History) != 0 {
		t.Errorf("expected no history after gateway failure, got %+v", th.History)
	}

	if _, err := f.orch.HandleTurn(ctx, "missing-thread", "hello"); !errors.Is(err, models.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound, got %v", err)
	}
	if _, err := f.orch.HandleTurn(ctx, f.thread.ID, "   "); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if f.orch.locks.Len() != 0 {
		t.Errorf("expected every lock released, got %d", f.orch.locks.Len())
	}
}

func TestHandleTurn_GatewayFailureDuringContinue(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	runner := &recordingRunner{result: "[]"}
	f.orch = NewOrchestrator(f.st, f.gateway, runner, f.profiles)
	f.gateway.responses = []genai.Response{
		toolResponse("resp-1", invocation("call-1", models.ToolGetClientAppointments, struct{}{})),
	}
	_, err := f.orch.HandleTurn(context.Background(), f.thread.ID, "my bookings")
	if err == nil {
		t.Fatal("expected an error when the continuation fails")
	}
	if th := f.reloadThread(t); len(th.History) != 0 {
		t.Errorf("expected nothing persisted, got %+v", th.History)
	}
}

func TestHandleTurn_TrimsHistory(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	ctx := context.Background()
	for i := 0; i < models.MaxThreadHistory; i++ {
		f.thread.History = append(f.thread.History, models.HistoryEntry{Role: models.RoleUser, Content: fmt.Sprintf("old %d", i)})
	}
	if err := f.st.SaveThread(ctx, f.thread); err != nil {
		t.Fatalf("SaveThread failed: %v", err)
	}
	f.gateway.responses = []genai.Response{textResponse("resp-1", "Hi again")}

	if _, err := f.orch.HandleTurn(ctx, f.thread.ID, "new message"); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	th := f.reloadThread(t)
	if len(th.History) != models.MaxThreadHistory {
		t.Fatalf("expected %d entries, got %d", models.MaxThreadHistory, len(th.History))
	}
	if th.History[0].Content != "old 2" {
		t.Errorf("expected the two oldest entries dropped, first is %q", th.History[0].Content)
	}
	if th.History[len(th.History)-2].Content != "new message" || th.History[len(th.History)-1].Content != "Hi again" {
		t.Errorf("unexpected tail: %+v", th.History[len(th.History)-2:])
	}
	sent := f.gateway.histories[0]
	if len(sent) != models.MaxThreadHistory || sent[len(sent)-1].Content != "new message" {
		t.Errorf("expected trimmed history with the inbound message sent to the model, got %d entries", len(sent))
	}
}

func TestHandleTurn_Instructions(t *testing.T) {
	f := newFlowFixture(t, store.NewInMemoryStore())
	f.gateway.responses = []genai.Response{textResponse("resp-1", "Hi")}
	if _, err := f.orch.HandleTurn(context.Background(), f.thread.ID, "hi"); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	instr := f.gateway.instructions[0]
	for _, want := range []string{
		"You are a WhatsApp assistant",
		"You are a helpful assistant representing Glow Studio.",
		"Current date and time in UTC timezone: 2025-03-10 09:30:00.",
	} {
		if !strings.Contains(instr, want) {
			t.Errorf("instructions missing %q:\n%s", want, instr)
		}
	}
	if _, err := f.st.GetProfileByBusinessID(context.Background(), f.business.ID); err != nil {
		t.Errorf("expected default profile to be created, got %v", err)
	}
}

func TestHandleTurn_InconsistencyIsEscalated(t *testing.T) {
	sqlStore := newSQLiteTestStore(t)
	failing := &failingBookingStore{Store: sqlStore, createErr: errors.New("disk full")}
	escalator := NewEscalator(EscalationTask, sqlStore, sqlStore)
	f := newFlowFixture(t, failing, WithEscalator(escalator))
	ctx := context.Background()
	f.gateway.responses = []genai.Response{
		toolResponse("resp-1", invocation("call-1", models.ToolScheduleAppointment, models.ScheduleAppointmentArgs{
			AppointmentDescription: "Facial",
			IsoStart:               "2025-03-11T10:00:00Z",
			IsoEnd:                 "2025-03-11T11:00:00Z",
		})),
		textResponse("resp-2", "Booked!"),
	}

	if _, err := f.orch.HandleTurn(ctx, f.thread.ID, "Facial tomorrow at 10"); err != nil {
		t.Fatalf("HandleTurn failed: %v", err)
	}
	if f.gateway.toolResults[0] != ResultBookingSuccessful {
		t.Errorf("expected the held slot reported as booked, got %q", f.gateway.toolResults[0])
	}

	tasks, err := sqlStore.ListTasks(ctx, f.business.ID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Priority != models.TaskPriorityHigh {
		t.Fatalf("expected one high priority owner task, got %+v", tasks)
	}

	jobs, err := sqlStore.ListJobs(store.JobStatusQueued, 10)
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Kind != JobKindBookingRepair {
		t.Fatalf("expected one booking repair job, got %+v", jobs)
	}

	if err := makeBookingRepairHandler(sqlStore)(ctx, jobs[0].PayloadJSON); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	bookings, _ := sqlStore.ListBookings(ctx, f.business.ID)
	if len(bookings) != 1 || bookings[0].EventID == "" {
		t.Fatalf("expected the repaired booking, got %+v", bookings)
	}
	events := f.cal.Events(f.calendarID(t))
	if len(events) != 1 || events[0].ID != bookings[0].EventID {
		t.Errorf("expected booking to reference the calendar event, got events=%+v", events)
	}
}
