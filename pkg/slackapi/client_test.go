package slackapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealdesk/internal/model"
)

func TestSearchSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.messages", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "Acme Renewal OR Acme Corp", r.URL.Query().Get("query"))

		_, _ = w.Write([]byte(`{
			"ok": true,
			"messages": {
				"total": 9,
				"matches": [
					{"text": "<@U123> CFO signed off on budget", "permalink": "https://slack.com/archives/C1/p1", "ts": "1756000000.000100"},
					{"text": "Timeline moved to Q4", "permalink": "https://slack.com/archives/C1/p2", "ts": "1755000000.000200"}
				]
			}
		}`))
	}))
	defer srv.Close()

	client := NewClient("user-token", "bot-token", "", WithBaseURL(srv.URL))

	signal, err := client.SearchSignal(context.Background(), model.SignalQuery{
		AccountName:     "Acme Corp",
		OpportunityName: "Acme Renewal",
	})
	require.NoError(t, err)
	require.NotNil(t, signal)

	assert.Equal(t, model.SourceSlack, signal.Source)
	assert.Equal(t, 9, signal.TotalMatches)
	// Markup tags are stripped from highlights.
	assert.Equal(t, []string{"CFO signed off on budget", "Timeline moved to Q4"}, signal.Highlights)
	assert.Equal(t, []string{"https://slack.com/archives/C1/p1", "https://slack.com/archives/C1/p2"}, signal.DeepLinks)

	require.NotNil(t, signal.LastActivity)
	assert.Equal(t, time.Unix(1756000000, 0).UTC(), *signal.LastActivity)
}

func TestSearchSignal_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok": false, "error": "not_allowed_token_type"}`))
	}))
	defer srv.Close()

	client := NewClient("user-token", "", "", WithBaseURL(srv.URL))
	_, err := client.SearchSignal(context.Background(), model.SignalQuery{AccountName: "Acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_allowed_token_type")
}

func TestSearchSignal_Disabled(t *testing.T) {
	client := NewClient("", "", "secret")
	assert.False(t, client.SearchEnabled())
	assert.True(t, client.EventsEnabled())

	signal, err := client.SearchSignal(context.Background(), model.SignalQuery{AccountName: "Acme"})
	require.NoError(t, err)
	assert.Nil(t, signal)
}

func TestNewClient_PrefersUserToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"ok": true, "messages": {"total": 0, "matches": []}}`))
	}))
	defer srv.Close()

	client := NewClient("user-token", "bot-token", "", WithBaseURL(srv.URL))
	_, err := client.SearchSignal(context.Background(), model.SignalQuery{AccountName: "Acme"})
	require.NoError(t, err)
}

func TestProbe_Modes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth.test", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	tests := []struct {
		name          string
		userToken     string
		signingSecret string
		wantConnected bool
		wantMode      string
	}{
		{"search and events", "tok", "secret", true, "search+events"},
		{"events only", "", "secret", true, "events_only"},
		{"search only", "tok", "", true, "search_only"},
		{"disabled", "", "", false, "disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(tt.userToken, "", tt.signingSecret, WithBaseURL(srv.URL))
			result := client.Probe(context.Background())
			assert.Equal(t, tt.wantConnected, result.Connected)
			assert.Equal(t, tt.wantMode, result.Mode)
		})
	}
}

func TestMergeSignals(t *testing.T) {
	older := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	stored := &model.DealSignal{
		Source:       model.SourceSlack,
		TotalMatches: 2,
		Highlights:   []string{"stored update"},
		DeepLinks:    []string{"https://slack.com/archives/C1/p1"},
		LastActivity: &older,
		SourceOwner:  model.OwnerSelf,
		Visibility:   model.VisibilityOwnerOnly,
	}
	searched := &model.DealSignal{
		Source:       model.SourceSlack,
		TotalMatches: 3,
		Highlights:   []string{"search hit", "stored update"},
		DeepLinks:    []string{"https://slack.com/archives/C1/p2"},
		LastActivity: &newer,
	}

	merged := MergeSignals(stored, searched)
	require.NotNil(t, merged)
	assert.Equal(t, 5, merged.TotalMatches)
	assert.Equal(t, []string{"stored update", "search hit"}, merged.Highlights)
	assert.Len(t, merged.DeepLinks, 2)
	assert.Equal(t, newer, *merged.LastActivity)
	assert.Equal(t, model.OwnerSelf, merged.SourceOwner)

	assert.Same(t, stored, MergeSignals(stored, nil))
	assert.Same(t, searched, MergeSignals(nil, searched))
	assert.Nil(t, MergeSignals(nil, nil))
}
