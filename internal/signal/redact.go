package signal

import (
	"fmt"

	"github.com/sells-group/dealdesk/internal/model"
)

// Restricted reports whether the viewer may only see summarized signal
// content for this deal. Managers reading deals they do not own get the
// summary view; owners and hands-on roles see raw highlights.
func Restricted(role model.UserRole, ownsDeal bool) bool {
	return role == model.RoleManager && !ownsDeal
}

// Redact replaces every highlight with a generic per-source placeholder for
// restricted viewers and tags the signal manager_summary. The input is not
// mutated. Every signal is rewritten, including ones a provider already
// marked manager_summary, so no original highlight text survives redaction.
func Redact(signals []model.DealSignal, role model.UserRole, ownsDeal bool) []model.DealSignal {
	if !Restricted(role, ownsDeal) {
		return signals
	}

	out := make([]model.DealSignal, len(signals))
	for i, sig := range signals {
		redacted := sig
		redacted.Visibility = model.VisibilityManagerSummary
		redacted.Highlights = make([]string, len(sig.Highlights))
		for j := range sig.Highlights {
			redacted.Highlights[j] = fmt.Sprintf("Summary available from %s.", sig.Source)
		}
		out[i] = redacted
	}
	return out
}
