// Package testutil provides test helpers shared by BizMitra packages.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/BizMitra/BizMitra/internal/models"
	"github.com/BizMitra/BizMitra/internal/store"
)

// NewSQLiteStore opens a SQLite store in a temporary directory removed at cleanup.
func NewSQLiteStore(t *testing.T) *store.SQLStore {
	t.Helper()
	tempDir, err := os.MkdirTemp("", "bizmitra_test_")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tempDir) })

	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(tempDir, "bizmitra.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Conversation is a business with one client and that client's active thread.
type Conversation struct {
	Business *models.Business
	Client   *models.Client
	Thread   *models.Thread
}

// SeedConversation stores business, then a client and an active thread for it.
// Zero fields of business default to a UTC salon named "Glow Studio".
func SeedConversation(t *testing.T, st store.Store, business *models.Business) Conversation {
	t.Helper()
	ctx := context.Background()
	if business == nil {
		business = &models.Business{}
	}
	if business.Name == "" {
		business.Name = "Glow Studio"
	}
	if business.Timezone == "" {
		business.Timezone = "UTC"
	}
	if err := st.CreateBusiness(ctx, business); err != nil {
		t.Fatalf("CreateBusiness failed: %v", err)
	}
	client := &models.Client{BusinessID: business.ID, Name: "Asha", Phone: "+447700900001"}
	if err := st.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient failed: %v", err)
	}
	thread := &models.Thread{BusinessID: business.ID, ClientID: client.ID, PhoneNumber: client.Phone, Status: models.ThreadStatusActive}
	if err := st.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	return Conversation{Business: business, Client: client, Thread: thread}
}

// Reporter is the subset of testing.TB the assertions need.
type Reporter interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t Reporter, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeEnvelope decodes a models.APIResponse body, unmarshalling its result into result when non-nil.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, result interface{}) models.APIResponse {
	t.Helper()
	var env struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			t.Fatalf("failed to decode result: %v", err)
		}
	}
	return models.APIResponse{Status: env.Status, Message: env.Message}
}

// MustMarshalJSON marshals v and fails the test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
