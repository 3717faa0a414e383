package signal

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealdesk/internal/model"
)

func TestRestricted(t *testing.T) {
	assert.True(t, Restricted(model.RoleManager, false))
	assert.False(t, Restricted(model.RoleManager, true))
	assert.False(t, Restricted(model.RoleAD, false))
	assert.False(t, Restricted(model.RoleSE, false))
}

func TestRedactOwnerSeesRawHighlights(t *testing.T) {
	signals := []model.DealSignal{{
		Source:     model.SourceGong,
		Highlights: []string{"CFO confirmed budget on the call"},
	}}

	out := Redact(signals, model.RoleAD, false)
	assert.Equal(t, signals, out)

	out = Redact(signals, model.RoleManager, true)
	assert.Equal(t, signals, out)
}

func TestRedactRestrictedViewerContentFirewall(t *testing.T) {
	secret := "CFO confirmed budget on the call"
	signals := []model.DealSignal{
		{
			Source:       model.SourceGong,
			TotalMatches: 2,
			Highlights:   []string{secret, "Security review concern raised"},
			DeepLinks:    []string{"https://gong.io/call/9"},
		},
		{
			Source:       model.SourceSlack,
			TotalMatches: 5,
			Highlights:   []string{"Acme champion pinged us about timeline"},
		},
	}

	out := Redact(signals, model.RoleManager, false)
	require.Len(t, out, 2)

	for _, sig := range out {
		assert.Equal(t, model.VisibilityManagerSummary, sig.Visibility)
		for _, h := range sig.Highlights {
			assert.Equal(t, "Summary available from "+string(sig.Source)+".", h)
		}
	}

	// No original highlight text survives the raw-signal path...
	for _, sig := range out {
		for _, h := range sig.Highlights {
			assert.NotContains(t, h, "CFO")
			assert.NotContains(t, h, "champion")
		}
	}

	// ...nor the consolidated path: one generic insight per signal.
	insights := Consolidate(out)
	require.Len(t, insights, len(out))
	for _, insight := range insights {
		assert.False(t, strings.Contains(insight.Summary, "CFO"))
		assert.False(t, strings.Contains(insight.NormalizedSummary, "cfo confirmed"))
		assert.Equal(t, model.CategoryGeneral, insight.Category)
	}

	// Input not mutated.
	assert.Equal(t, secret, signals[0].Highlights[0])
}

func TestRedactRewritesAlreadySummarizedSignals(t *testing.T) {
	signals := []model.DealSignal{{
		Source:     model.SourceGmail,
		Visibility: model.VisibilityManagerSummary,
		Highlights: []string{"Provider-written summary naming the CFO"},
	}}

	out := Redact(signals, model.RoleManager, false)
	require.Len(t, out, 1)
	assert.Equal(t, model.VisibilityManagerSummary, out[0].Visibility)
	require.Len(t, out[0].Highlights, 1)
	assert.Equal(t, "Summary available from gmail.", out[0].Highlights[0])
}
