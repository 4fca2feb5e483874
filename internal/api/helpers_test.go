package api

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/BizMitra/BizMitra/internal/flow"
	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/BizMitra/BizMitra/internal/testutil"
)

type turnCall struct {
	threadID string
	text     string
}

// fakeTurns answers every turn with a fixed reply or error.
type fakeTurns struct {
	mu    sync.Mutex
	calls []turnCall
	reply string
	err   error
}

func (f *fakeTurns) HandleTurn(ctx context.Context, threadID, inboundText string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, turnCall{threadID: threadID, text: inboundText})
	return f.reply, f.err
}

func (f *fakeTurns) Calls() []turnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turnCall(nil), f.calls...)
}

type testServer struct {
	*Server
	st       *store.SQLStore
	turns    *fakeTurns
	business *models.Business
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	turns := &fakeTurns{reply: "Happy to help!"}
	business := &models.Business{Name: "Glow Studio", Timezone: "UTC", WABAID: "waba-1", PhoneNumberID: "pn-1", WABAAccessToken: "token-1"}
	if err := st.CreateBusiness(context.Background(), business); err != nil {
		t.Fatalf("CreateBusiness failed: %v", err)
	}
	pipeline := NewPipeline(st, st, turns, 2)
	srv, err := NewServer(st, pipeline, turns, flow.NewProfileProvider(st), opts...)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, st: st, turns: turns, business: business}
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) apiKeyHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + ts.business.APIKey}
}

// claimOutbox returns every queued reply.
func (ts *testServer) claimOutbox(t *testing.T) []store.OutboxMessage {
	t.Helper()
	msgs, err := ts.st.ClaimDueOutboxMessages(time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	return msgs
}
