package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
	"github.com/BizMitra/BizMitra/internal/testutil"
)

type fakeAuthorizer struct {
	token string
	err   error
}

func (f *fakeAuthorizer) Configured() bool { return true }

func (f *fakeAuthorizer) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeAuthorizer) Exchange(ctx context.Context, code string) (string, error) {
	return f.token, f.err
}

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, url string) (string, error) {
	return f.summary, f.err
}

type fakeConnector struct{}

func (fakeConnector) ConnectBusiness(ctx context.Context, businesses store.BusinessRepo, businessID, code, wabaID, phoneNumberID string) (*models.Business, error) {
	if _, err := businesses.GetBusiness(ctx, businessID); err != nil {
		return nil, err
	}
	if err := businesses.UpdateWhatsAppCredentials(ctx, businessID, wabaID, phoneNumberID, "token-"+code); err != nil {
		return nil, err
	}
	return businesses.GetBusiness(ctx, businessID)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/healthz", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "healthz")

	rr = ts.do(t, http.MethodGet, "/metrics", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "metrics")
	if !strings.Contains(rr.Body.String(), "bizmitra_http_requests_total") {
		t.Error("expected request counter in metrics output")
	}
}

func TestCreateBusiness(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/businesses", `{"name":"Fade Barbers","timezone":"Europe/London","businessType":"barber"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "create business")
	var got createBusinessResponse
	testutil.DecodeEnvelope(t, rr, &got)
	if got.Business == nil || got.Business.ID == "" || got.APIKey == "" {
		t.Fatalf("unexpected response %+v", got)
	}
	profile, err := ts.st.GetProfileByBusinessID(context.Background(), got.Business.ID)
	if err != nil || !strings.Contains(profile.SystemPrompt, "Fade Barbers") {
		t.Errorf("expected default profile with system prompt, got %+v, %v", profile, err)
	}

	rr = ts.do(t, http.MethodPost, "/businesses", `{"name":"Bad","timezone":"Mars/Olympus"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid timezone")
	rr = ts.do(t, http.MethodPost, "/businesses", `{"email":"x@example.com"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing name")
}

func TestProfileEndpoints(t *testing.T) {
	ts := newTestServer(t, WithSummarizer(&fakeSummarizer{summary: "About: facials and massages."}))
	base := "/businesses/" + ts.business.ID + "/profile"

	rr := ts.do(t, http.MethodGet, base, "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get default profile")

	rr = ts.do(t, http.MethodPut, base, `{"tone":"warm","services":[{"name":"Facial","price":45}],"hoursOfOperation":"Mon-Sat 9-6"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "update profile")
	var updated models.BusinessProfile
	testutil.DecodeEnvelope(t, rr, &updated)
	if updated.Tone != "warm" || len(updated.Services) != 1 || updated.About == "" {
		t.Errorf("expected partial update keeping other fields, got %+v", updated)
	}
	if !strings.Contains(updated.SystemPrompt, "Facial (£45)") || !strings.Contains(updated.SystemPrompt, "Mon-Sat 9-6") {
		t.Errorf("expected regenerated system prompt, got %q", updated.SystemPrompt)
	}

	rr = ts.do(t, http.MethodPut, base, `{"services":[{"name":"","price":45}]}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "service without name")

	rr = ts.do(t, http.MethodPost, base+"/scrape", `{"url":"https://glow.example.com"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "scrape")
	var scraped models.BusinessProfile
	testutil.DecodeEnvelope(t, rr, &scraped)
	if scraped.About != "About: facials and massages." || scraped.Website != "https://glow.example.com" {
		t.Errorf("unexpected scraped profile %+v", scraped)
	}

	rr = ts.do(t, http.MethodGet, "/businesses/missing/profile", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown business")
}

func TestScrape_NotConfigured(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/businesses/"+ts.business.ID+"/profile/scrape", `{"url":"https://glow.example.com"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotImplemented, rr.Code, "no summarizer")
}

func TestGoogleOAuth(t *testing.T) {
	auth := &fakeAuthorizer{token: "refresh-xyz"}
	ts := newTestServer(t, WithCalendarAuthorizer(auth))

	rr := ts.do(t, http.MethodGet, "/oauth/google/url?businessId="+ts.business.ID, "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "auth url")
	var got map[string]string
	testutil.DecodeEnvelope(t, rr, &got)
	if !strings.HasSuffix(got["url"], "state="+ts.business.ID) {
		t.Errorf("expected business id as state, got %q", got["url"])
	}

	rr = ts.do(t, http.MethodGet, "/oauth/google/callback?code=abc&state="+ts.business.ID, "", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "callback")
	business, _ := ts.st.GetBusiness(context.Background(), ts.business.ID)
	if business.GCalRefreshToken != "refresh-xyz" {
		t.Errorf("expected refresh token stored, got %q", business.GCalRefreshToken)
	}

	auth.err = errors.New("invalid_grant")
	rr = ts.do(t, http.MethodGet, "/oauth/google/callback?code=abc&state="+ts.business.ID, "", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadGateway, rr.Code, "exchange failure")

	rr = ts.do(t, http.MethodGet, "/oauth/google/callback?state="+ts.business.ID, "", nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing code")
}

func TestConnectWhatsApp(t *testing.T) {
	ts := newTestServer(t, WithWhatsAppConnector(fakeConnector{}))
	rr := ts.do(t, http.MethodPost, "/businesses/"+ts.business.ID+"/whatsapp/connect", `{"code":"c1","wabaId":"waba-2","phoneNumberId":"pn-2"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "connect")
	business, _ := ts.st.GetBusiness(context.Background(), ts.business.ID)
	if business.WABAID != "waba-2" || business.PhoneNumberID != "pn-2" || business.WABAAccessToken != "token-c1" {
		t.Errorf("unexpected credentials %+v", business)
	}

	rr = ts.do(t, http.MethodPost, "/businesses/missing/whatsapp/connect", `{"code":"c1","wabaId":"waba-2"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown business")
	rr = ts.do(t, http.MethodPost, "/businesses/"+ts.business.ID+"/whatsapp/connect", `{"wabaId":"waba-2"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "missing code")
}

func TestListingsAndTasks(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	task := &models.OwnerTask{BusinessID: ts.business.ID, Description: "Call back about parking", Priority: models.TaskPriorityMedium, Status: models.TaskStatusOpen}
	if err := ts.st.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	for _, path := range []string{"threads", "bookings", "tasks"} {
		rr := ts.do(t, http.MethodGet, "/businesses/"+ts.business.ID+"/"+path, "", nil)
		testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list "+path)
	}
	rr := ts.do(t, http.MethodGet, "/businesses/missing/tasks", "", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown business")

	rr = ts.do(t, http.MethodPatch, "/tasks/"+task.ID, `{"status":"resolved"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "resolve task")
	var got models.OwnerTask
	testutil.DecodeEnvelope(t, rr, &got)
	if got.Status != models.TaskStatusResolved {
		t.Errorf("expected resolved task, got %+v", got)
	}

	rr = ts.do(t, http.MethodPatch, "/tasks/"+task.ID, `{"status":"archived"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusBadRequest, rr.Code, "invalid status")
	rr = ts.do(t, http.MethodPatch, "/tasks/missing", `{"status":"resolved"}`, nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "unknown task")
}

func TestAdminToken(t *testing.T) {
	ts := newTestServer(t, WithAdminToken("owner-secret"))
	path := "/businesses/" + ts.business.ID + "/tasks"

	rr := ts.do(t, http.MethodGet, path, "", nil)
	testutil.AssertHTTPStatus(t, http.StatusUnauthorized, rr.Code, "missing admin token")
	rr = ts.do(t, http.MethodGet, path, "", map[string]string{"Authorization": "Bearer owner-secret"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "valid admin token")

	// Web chat keeps using business API keys.
	rr = ts.do(t, http.MethodPost, "/chat", `{"name":"Asha","email":"asha@example.com","message":"hi"}`, ts.apiKeyHeader())
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "chat with API key")
}
