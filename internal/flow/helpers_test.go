package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BizMitra/BizMitra/internal/calendar"
	"github.com/BizMitra/BizMitra/internal/genai"
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/BizMitra/BizMitra/internal/testutil"
	"github.com/openai/openai-go"
)

// fixedNow is the clock of every flow test: Monday 10 March 2025, 09:30 UTC.
var fixedNow = time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

// scriptedGateway replays responses in order and records what it was sent.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []genai.Response
	err       error

	// entered is signalled on Converse; Converse then waits for proceed when set.
	entered chan struct{}
	proceed chan struct{}

	histories    [][]models.HistoryEntry
	instructions []string
	toolResults  []string
	priorRefs    []genai.ResponseRef
}

func (g *scriptedGateway) next() (genai.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return genai.Response{}, g.err
	}
	if len(g.responses) == 0 {
		return genai.Response{}, errors.New("scriptedGateway: no responses left")
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	return resp, nil
}

func (g *scriptedGateway) Converse(ctx context.Context, history []models.HistoryEntry, instructions string, tools []openai.ChatCompletionToolParam) (genai.Response, error) {
	g.mu.Lock()
	g.histories = append(g.histories, append([]models.HistoryEntry(nil), history...))
	g.instructions = append(g.instructions, instructions)
	entered, proceed := g.entered, g.proceed
	g.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if proceed != nil {
		select {
		case <-proceed:
		case <-ctx.Done():
			return genai.Response{}, ctx.Err()
		}
	}
	return g.next()
}

func (g *scriptedGateway) Continue(ctx context.Context, toolResult string, prior genai.ResponseRef, tools []openai.ChatCompletionToolParam) (genai.Response, error) {
	g.mu.Lock()
	g.toolResults = append(g.toolResults, toolResult)
	g.priorRefs = append(g.priorRefs, prior)
	g.mu.Unlock()
	return g.next()
}

func textResponse(id, text string) genai.Response {
	return genai.Response{Kind: genai.ResponseText, Text: text, Ref: genai.ResponseRef{ID: id}}
}

func toolResponse(id string, invocations ...genai.ToolInvocation) genai.Response {
	return genai.Response{Kind: genai.ResponseToolInvocation, Invocations: invocations, Ref: genai.ResponseRef{ID: id}}
}

func invocation(callID string, name models.ToolName, args interface{}) genai.ToolInvocation {
	raw, _ := json.Marshal(args)
	return genai.ToolInvocation{CallID: callID, Name: string(name), Args: raw}
}

// recordingRunner records tool calls and answers them from a fixed result.
type recordingRunner struct {
	mu     sync.Mutex
	calls  []string
	result string
	err    error
}

func (r *recordingRunner) Execute(ctx context.Context, threadID, name string, args json.RawMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	return r.result, r.err
}

// flowFixture wires the orchestrator to a store, a memory calendar and a scripted gateway.
type flowFixture struct {
	st       store.Store
	cal      *calendar.MemoryProvider
	gateway  *scriptedGateway
	executor *ToolExecutor
	profiles *ProfileProvider
	orch     *Orchestrator
	business *models.Business
	client   *models.Client
	thread   *models.Thread
}

func newSQLiteTestStore(t *testing.T) *store.SQLStore {
	return testutil.NewSQLiteStore(t)
}

func newFlowFixture(t *testing.T, st store.Store, opts ...Option) *flowFixture {
	t.Helper()
	f := &flowFixture{st: st, cal: calendar.NewMemoryProvider(), gateway: &scriptedGateway{}}

	conv := testutil.SeedConversation(t, st, &models.Business{Name: "Glow Studio", Timezone: "UTC", GCalRefreshToken: "refresh-1", PhoneNumberID: "pn-1"})
	f.business, f.client, f.thread = conv.Business, conv.Client, conv.Thread

	f.executor = NewToolExecutor(st, f.cal)
	f.profiles = NewProfileProvider(st)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	f.orch = NewOrchestrator(st, f.gateway, f.executor, f.profiles, opts...)
	return f
}

// calendarID returns the scheduling calendar of the fixture business.
func (f *flowFixture) calendarID(t *testing.T) string {
	t.Helper()
	id, err := f.cal.GetOrCreateSchedulingCalendar(context.Background(), f.business.GCalRefreshToken)
	if err != nil {
		t.Fatalf("GetOrCreateSchedulingCalendar failed: %v", err)
	}
	return id
}

func (f *flowFixture) reloadThread(t *testing.T) *models.Thread {
	t.Helper()
	th, err := f.st.GetThread(context.Background(), f.thread.ID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	return th
}

// failingBookingStore fails booking writes while delegating everything else.
type failingBookingStore struct {
	store.Store
	createErr error
	updateErr error
}

func (s *failingBookingStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.Store.CreateBooking(ctx, b)
}

func (s *failingBookingStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.Store.UpdateBooking(ctx, b)
}
