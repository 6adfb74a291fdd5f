package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/pkg/models"
)

// DefaultSystemPrompt is used when configuration does not provide one.
const DefaultSystemPrompt = `You are a personal assistant with access to tools.
Use tools when they help answer the request; never invent tool results.
If a tool reports an error, explain it plainly and suggest a next step.
Keep answers concise.`

// Recaller retrieves memories relevant to a query for a caller.
type Recaller interface {
	Recall(ctx context.Context, callerID, query string, k int) ([]string, error)
}

// BuildSystemPrompt appends the current time, the caller's connected
// integrations and any recalled memories to base.
func BuildSystemPrompt(base string, now time.Time, integrations []models.ConnectedIntegration, memories []string) string {
	if strings.TrimSpace(base) == "" {
		base = DefaultSystemPrompt
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))
	fmt.Fprintf(&b, "\n\nCurrent time: %s.", now.Format(time.RFC1123))

	if len(integrations) > 0 {
		names := make([]string, 0, len(integrations))
		for _, in := range integrations {
			names = append(names, string(in.Provider))
		}
		fmt.Fprintf(&b, "\nConnected integrations: %s.", strings.Join(names, ", "))
	}

	var kept []string
	for _, m := range memories {
		if m = strings.TrimSpace(m); m != "" {
			kept = append(kept, m)
		}
	}
	if len(kept) > 0 {
		b.WriteString("\n\nThings you remember about the user:")
		for _, m := range kept {
			b.WriteString("\n- ")
			b.WriteString(m)
		}
	}
	return b.String()
}
