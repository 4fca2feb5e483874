package flow

import (
	"fmt"
	"strings"
	"time"

	"github.com/BizMitra/BizMitra/internal/models"
)

// assistantPreamble precedes the business system prompt in every model call.
const assistantPreamble = `You are a WhatsApp assistant that helps small businesses respond to clients. Always be helpful, short, and friendly. Business info follows below.
Do not respond to any message that requests information outside of the business profile. If a client asks something genuine and the answer is not in the instructions, say you will ask a human to pitch in, ask them to wait, and create an owner task with the create_owner_task tool. For irrelevant messages simply say you cannot help with it.
`

// BuildInstructions assembles the model instructions for one turn: the fixed preamble,
// the business system prompt and the current local time of the business.
func BuildInstructions(profile *models.BusinessProfile, loc *time.Location, now time.Time) string {
	var b strings.Builder
	b.WriteString(assistantPreamble)
	b.WriteString("\n")
	b.WriteString(profile.SystemPrompt)
	if !strings.HasSuffix(profile.SystemPrompt, "\n") {
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current date and time in %s timezone: %s.", loc.String(), now.In(loc).Format("2006-01-02 15:04:05"))
	return b.String()
}
