package flow

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestFormatToolArgumentsForLog(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"compacted", "{\n  \"priority\": \"high\",\n  \"task_description\": \"Call back\"\n}", `{"priority":"high","task_description":"Call back"}`},
		{"invalid kept as is", "  {\"iso_start\": ", `{"iso_start":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatToolArgumentsForLog(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("formatToolArgumentsForLog(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestFormatToolArgumentsForLog_Truncates(t *testing.T) {
	long := `{"appointment_description":"` + strings.Repeat("é", toolArgumentsLogLimit) + `"}`
	got := formatToolArgumentsForLog(json.RawMessage(long))
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Fatalf("expected truncation marker, got %q", got[len(got)-20:])
	}
	body := strings.TrimSuffix(got, "...(truncated)")
	if len(body) > toolArgumentsLogLimit || !strings.HasSuffix(body, "é") {
		t.Errorf("expected a cut on a rune boundary within the limit, got %d bytes ending %q", len(body), body[len(body)-4:])
	}
}
