package flow

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// toolArgumentsLogLimit caps the bytes of tool arguments written to a log line.
const toolArgumentsLogLimit = 512

// formatToolArgumentsForLog renders model-supplied arguments on one line.
// Invalid JSON is logged as received, since that is usually why it is being logged.
func formatToolArgumentsForLog(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var buf bytes.Buffer
	out := strings.TrimSpace(string(raw))
	if err := json.Compact(&buf, raw); err == nil {
		out = buf.String()
	}
	if len(out) <= toolArgumentsLogLimit {
		return out
	}
	cut := toolArgumentsLogLimit
	for cut > 0 && !utf8.RuneStart(out[cut]) {
		cut--
	}
	return out[:cut] + "...(truncated)"
}
