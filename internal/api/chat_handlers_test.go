package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/testutil"
)

func TestStartChat(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	rr := ts.do(t, http.MethodPost, "/chat", `{"name":"Asha","email":"asha@example.com","message":"Do you do facials?"}`, ts.apiKeyHeader())
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "start chat")
	var got chatResponse
	env := testutil.DecodeEnvelope(t, rr, &got)
	if env.Status != "ok" || got.ThreadID == "" || got.Response != "Happy to help!" {
		t.Fatalf("unexpected response: %+v %+v", env, got)
	}

	calls := ts.turns.Calls()
	if len(calls) != 1 || calls[0].text != "Sender Name: Asha\nMessage: Do you do facials?" {
		t.Errorf("unexpected first turn text: %+v", calls)
	}
	thread, err := ts.st.GetThread(ctx, got.ThreadID)
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if thread.PhoneNumber != "" {
		t.Errorf("web chat threads have no channel phone, got %q", thread.PhoneNumber)
	}
	client, err := ts.st.GetClient(ctx, thread.ClientID)
	if err != nil || client.Phone != models.DefaultWebChatPhone || client.Email != "asha@example.com" {
		t.Errorf("unexpected client: %+v, %v", client, err)
	}
	logged, _ := ts.st.ListChatMessages(ctx, thread.ID)
	if len(logged) != 2 || logged[0].Channel != models.ChannelWebChat || logged[1].Direction != models.DirectionOutbound {
		t.Errorf("expected both sides logged, got %+v", logged)
	}
	business, _ := ts.st.GetBusiness(ctx, ts.business.ID)
	if business.APIUsageCount != 1 {
		t.Errorf("expected API usage 1, got %d", business.APIUsageCount)
	}
}

func TestStartChat_Rejections(t *testing.T) {
	ts := newTestServer(t)
	valid := `{"name":"Asha","email":"asha@example.com","message":"hi"}`

	rr := ts.do(t, http.MethodPost, "/chat", valid, nil)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "missing API key")

	rr = ts.do(t, http.MethodPost, "/chat", valid, map[string]string{"Authorization": "Bearer not-a-key"})
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "unknown API key")

	rr = ts.do(t, http.MethodPost, "/chat", `{"name":"Asha","email":"not-an-email","message":"hi"}`, ts.apiKeyHeader())
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid email")

	rr = ts.do(t, http.MethodPost, "/chat", `{"name":"Asha","email":"asha@example.com"}`, ts.apiKeyHeader())
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing message")

	if len(ts.turns.Calls()) != 0 {
		t.Error("rejected requests must not run turns")
	}
}

func TestContinueChat(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/chat", `{"name":"Asha","email":"asha@example.com","phone":"+447700900001","message":"hi"}`, ts.apiKeyHeader())
	var started chatResponse
	testutil.DecodeEnvelope(t, rr, &started)

	rr = ts.do(t, http.MethodPost, "/chat/"+started.ThreadID, `{"message":"What time do you open?"}`, ts.apiKeyHeader())
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "continue chat")
	var got chatResponse
	testutil.DecodeEnvelope(t, rr, &got)
	if got.ThreadID != started.ThreadID || got.Response != "Happy to help!" {
		t.Errorf("unexpected response %+v", got)
	}

	rr = ts.do(t, http.MethodPost, "/chat/missing-thread", `{"message":"hi"}`, ts.apiKeyHeader())
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown thread")

	other := &models.Business{Name: "Other Salon"}
	if err := ts.st.CreateBusiness(context.Background(), other); err != nil {
		t.Fatalf("CreateBusiness failed: %v", err)
	}
	rr = ts.do(t, http.MethodPost, "/chat/"+started.ThreadID, `{"message":"hi"}`, map[string]string{"Authorization": "Bearer " + other.APIKey})
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "thread of another business")
}

func TestContinueChat_TurnErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"thread busy", models.ErrThreadBusy, http.StatusConflict, BusyNotice},
		{"gateway unavailable", models.ErrGatewayUnavailable, http.StatusServiceUnavailable, ApologyReply},
		{"gateway rejected", models.ErrGatewayRejected, http.StatusBadGateway, ApologyReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rr := ts.do(t, http.MethodPost, "/chat", `{"name":"Asha","email":"asha@example.com","message":"hi"}`, ts.apiKeyHeader())
			var started chatResponse
			testutil.DecodeEnvelope(t, rr, &started)

			ts.turns.err = tt.err
			rr = ts.do(t, http.MethodPost, "/chat/"+started.ThreadID, `{"message":"again"}`, ts.apiKeyHeader())
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
			if env := testutil.DecodeEnvelope(t, rr, nil); env.Message != tt.msg {
				t.Errorf("expected message %q, got %q", tt.msg, env.Message)
			}
		})
	}
}

func TestChatRateLimit(t *testing.T) {
	ts := newTestServer(t, WithChatRateLimit("2-M"))
	body := `{"name":"Asha","email":"asha@example.com","message":"hi"}`
	for i := 0; i < 2; i++ {
		rr := ts.do(t, http.MethodPost, "/chat", body, ts.apiKeyHeader())
		testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "within limit")
	}
	rr := ts.do(t, http.MethodPost, "/chat", body, ts.apiKeyHeader())
	testutil.AssertHTTPStatus(t, http.StatusTooManyRequests, rr.Code, "over limit")
}

func TestChatCORSPreflight(t *testing.T) {
	ts := newTestServer(t, WithCORSOrigins([]string{"https://glow.example.com"}))
	rr := ts.do(t, http.MethodOptions, "/chat", "", map[string]string{
		"Origin":                         "https://glow.example.com",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": "Authorization, Content-Type",
	})
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://glow.example.com" {
		t.Errorf("expected allowed origin header, got %q (status %d)", got, rr.Code)
	}
}

func TestNewServer_InvalidRateLimit(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	turns := &fakeTurns{}
	if _, err := NewServer(st, NewPipeline(st, st, turns, 1), turns, nil, WithChatRateLimit("lots")); err == nil {
		t.Error("expected error for malformed rate")
	}
}
