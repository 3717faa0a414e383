package gong

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dealdesk/internal/model"
)

func TestFetchSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/calls/extensive", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("Authorization"), "Basic ")

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		filter := req["filter"].(map[string]any)
		assert.Equal(t, "Acme Corp", filter["companyName"])

		_, _ = w.Write([]byte(`{
			"calls": [
				{"id": "c1", "title": "Intro call", "url": "https://app.gong.io/call?id=c1", "started": "2026-07-01T10:00:00Z", "snippet": "Discussed procurement path"},
				{"id": "c2", "title": "Pricing review", "url": "https://app.gong.io/call?id=c2", "startedAt": "2026-08-15T09:00:00Z"}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient("key", "secret", WithBaseURL(srv.URL))

	signal, err := client.FetchSignal(context.Background(), model.SignalQuery{
		AccountName:     "Acme Corp",
		OpportunityName: "Acme Renewal",
	})
	require.NoError(t, err)
	require.NotNil(t, signal)

	assert.Equal(t, model.SourceGong, signal.Source)
	assert.Equal(t, 2, signal.TotalMatches)
	// Newest call first; falls back to title when snippet is missing.
	assert.Equal(t, []string{"Pricing review", "Discussed procurement path"}, signal.Highlights)
	assert.Equal(t, []string{"https://app.gong.io/call?id=c2", "https://app.gong.io/call?id=c1"}, signal.DeepLinks)

	require.NotNil(t, signal.LastActivity)
	assert.Equal(t, time.Date(2026, 8, 15, 9, 0, 0, 0, time.UTC), *signal.LastActivity)
}

func TestFetchSignal_CustomEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Acme Corp", r.URL.Query().Get("account"))
		assert.Equal(t, "Acme Renewal", r.URL.Query().Get("deal"))

		_, _ = w.Write([]byte(`{
			"records": [
				{"id": "r1", "snippet": "Champion identified", "url": "https://evidence/r1", "started": "2026-08-01T00:00:00Z"}
			]
		}`))
	}))
	defer srv.Close()

	client := NewClient("key", "secret", WithSignalEndpoint(srv.URL))

	signal, err := client.FetchSignal(context.Background(), model.SignalQuery{
		AccountName:     "Acme Corp",
		OpportunityName: "Acme Renewal",
	})
	require.NoError(t, err)
	require.NotNil(t, signal)
	assert.Equal(t, []string{"Champion identified"}, signal.Highlights)
}

func TestFetchSignal_NoCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"calls": []}`))
	}))
	defer srv.Close()

	client := NewClient("key", "secret", WithBaseURL(srv.URL))
	signal, err := client.FetchSignal(context.Background(), model.SignalQuery{AccountName: "Ghost Inc"})
	require.NoError(t, err)
	assert.Nil(t, signal)
}

func TestFetchSignal_Disabled(t *testing.T) {
	client := NewClient("", "")
	assert.False(t, client.Enabled())

	signal, err := client.FetchSignal(context.Background(), model.SignalQuery{AccountName: "Acme"})
	require.NoError(t, err)
	assert.Nil(t, signal)
}

func TestProbe_MissingCredentials(t *testing.T) {
	client := NewClient("key", "")
	result := client.Probe(context.Background())
	assert.False(t, result.Connected)
	assert.Contains(t, result.Message, "Missing Gong access key")
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.EqualValues(t, 1, req["limit"])
		_, _ = w.Write([]byte(`{"calls": []}`))
	}))
	defer srv.Close()

	client := NewClient("key", "secret", WithBaseURL(srv.URL))
	result := client.Probe(context.Background())
	assert.True(t, result.Connected)
}
