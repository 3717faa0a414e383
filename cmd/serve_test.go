package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/config"
	"github.com/sells-group/dealdesk/internal/ingest"
	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/quality"
	"github.com/sells-group/dealdesk/internal/secrets"
	sig "github.com/sells-group/dealdesk/internal/signal"
	"github.com/sells-group/dealdesk/internal/store"
	"github.com/sells-group/dealdesk/pkg/gmail"
	"github.com/sells-group/dealdesk/pkg/gong"
	"github.com/sells-group/dealdesk/pkg/gtm"
	"github.com/sells-group/dealdesk/pkg/slackapi"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

const testSigningSecret = "test-signing-secret"

type stubExtractor struct {
	result *model.ExtractionResult
	err    error
}

func (s *stubExtractor) Extract(ctx context.Context, rawContext string) (*model.ExtractionResult, error) {
	return s.result, s.err
}

func newTestEnv(t *testing.T, extractor ingest.FieldExtractor) *appEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	enc, err := secrets.New(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	cfg = &config.Config{
		Slack: config.SlackConfig{
			SigningSecret: testSigningSecret,
			EventsUser:    "user-1",
		},
	}
	viewerUserID = "user-1"
	viewerRole = "AD"

	return &appEnv{
		Store: st,
		Aggregator: &sig.Aggregator{
			Store:    st,
			Cache:    sig.NewCache(time.Minute),
			AuthMode: "workspace",
		},
		Orchestrator: &ingest.Orchestrator{Store: st, Extractor: extractor, Secrets: enc},
		Reviewer:     &ingest.Reviewer{Store: st},
		Quality:      &quality.Engine{Cache: quality.NewReportCache(time.Minute)},
		Gmail:        gmail.NewClient(""),
		Slack:        slackapi.NewClient("", "", testSigningSecret),
		Gong:         gong.NewClient("", ""),
		GTM:          gtm.NewClient("", ""),
	}
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Dealdesk-User", "user-1")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func createDealHTTP(t *testing.T, handler http.Handler) model.DealCard {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/deals", map[string]any{
		"accountName":     "Acme Corp",
		"opportunityName": "Acme Renewal",
		"stage":           "Discovery - Qualification",
		"amount":          120000,
		"closeDate":       time.Now().UTC().AddDate(0, 2, 0).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[model.DealCard](t, rec)
}

func TestHealthEndpoint(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))

	rec := doJSON(t, handler, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestDealEndpoints(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))

	card := createDealHTTP(t, handler)
	assert.NotEmpty(t, card.OpportunityID)
	assert.Equal(t, "Acme Corp", card.AccountName)

	rec := doJSON(t, handler, http.MethodGet, "/api/deals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[struct {
		Deals []model.DealCard `json:"deals"`
	}](t, rec)
	require.Len(t, list.Deals, 1)
	assert.Equal(t, model.TasTotalQuestions, list.Deals[0].TasProgress.Total)

	rec = doJSON(t, handler, http.MethodGet, "/api/deals/"+card.OpportunityID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody[model.DealDetail](t, rec)
	assert.Len(t, detail.Questions, model.TasTotalQuestions)
	assert.Equal(t, card.OpportunityID, detail.Audit.OpportunityID)

	rec = doJSON(t, handler, http.MethodGet, "/api/deals/no-such-deal", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateDealValidation(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))

	rec := doJSON(t, handler, http.MethodPost, "/api/deals", map[string]any{
		"accountName": "Acme Corp",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQualityEndpoint(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))
	card := createDealHTTP(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/deals/"+card.OpportunityID+"/quality", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decodeBody[model.TasQualityReport](t, rec)
	assert.Len(t, report.SectionQuality, len(model.TasTemplate))
	assert.Len(t, report.QuestionQuality, model.TasTotalQuestions)
}

func TestIngestAndReviewEndpoints(t *testing.T) {
	extractor := &stubExtractor{result: &model.ExtractionResult{
		Model: "claude-sonnet-4-5-20250929",
		Fields: []model.ExtractionField{
			{
				QuestionID:       "q1",
				ProposedAnswer:   "Board mandated a finance replatforming initiative for FY26.",
				Confidence:       0.9,
				EvidenceSnippets: []string{"CEO said the board mandated it"},
				Reasoning:        "stated directly",
			},
		},
	}}
	handler := newRouter(newTestEnv(t, extractor))
	card := createDealHTTP(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/deals/"+card.OpportunityID+"/ingest", map[string]string{
		"sourceType": "call_notes",
		"rawContext": "CEO said the board mandated a finance replatforming initiative for FY26.",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decodeBody[ingest.SubmitResult](t, rec)
	assert.Equal(t, 1, submitted.DeltaCount)

	rec = doJSON(t, handler, http.MethodGet, "/api/deals/"+card.OpportunityID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decodeBody[struct {
		Runs []model.IngestionRun `json:"runs"`
	}](t, rec)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, model.RunCompleted, runs.Runs[0].Status)

	rec = doJSON(t, handler, http.MethodGet, "/api/deals/"+card.OpportunityID+"/review-queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	queue := decodeBody[struct {
		Deltas []model.DeltaView `json:"deltas"`
	}](t, rec)
	require.Len(t, queue.Deltas, 1)
	assert.NotEmpty(t, queue.Deltas[0].QuestionPrompt)

	deltaID := queue.Deltas[0].ID
	rec = doJSON(t, handler, http.MethodPost, "/api/review/"+deltaID, map[string]string{
		"action":   "accept",
		"userName": "Riley",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decided := decodeBody[model.IngestionDelta](t, rec)
	assert.Equal(t, model.DeltaAccepted, decided.Status)

	// A second decision on the same delta conflicts.
	rec = doJSON(t, handler, http.MethodPost, "/api/review/"+deltaID, map[string]string{
		"action": "reject",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/deals/"+card.OpportunityID+"/review/bulk", map[string]any{
		"action": "reject",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	bulk := decodeBody[map[string]int](t, rec)
	assert.Equal(t, 0, bulk["affected"])
}

func TestIngestValidationAndFailure(t *testing.T) {
	extractor := &stubExtractor{err: assert.AnError}
	handler := newRouter(newTestEnv(t, extractor))
	card := createDealHTTP(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/deals/"+card.OpportunityID+"/ingest", map[string]string{
		"rawContext": "too short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/deals/"+card.OpportunityID+"/ingest", map[string]string{
		"rawContext": "This context is long enough but the extraction provider is down.",
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/deals/unknown-deal/ingest", map[string]string{
		"rawContext": "This context is long enough but the deal does not exist at all.",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReviewActionValidation(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))
	card := createDealHTTP(t, handler)

	rec := doJSON(t, handler, http.MethodPost, "/api/deals/"+card.OpportunityID+"/review/bulk", map[string]any{
		"action": "escalate",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConnectorHealthEndpoint(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))

	rec := doJSON(t, handler, http.MethodGet, "/api/connector-health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[struct {
		Connectors map[string]model.ProbeResult `json:"connectors"`
	}](t, rec)
	for _, name := range []string{"gmail", "gong", "gtm_agent"} {
		probe, ok := body.Connectors[name]
		require.True(t, ok, name)
		assert.False(t, probe.Connected, name)
	}

	// Signing secret alone puts Slack in events-only mode, no outbound call.
	slack, ok := body.Connectors["slack"]
	require.True(t, ok)
	assert.True(t, slack.Connected)
	assert.Equal(t, "events_only", slack.Mode)
	_, hasSF := body.Connectors["salesforce"]
	assert.False(t, hasSF)
}

func slackSign(body string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(testSigningSecret))
	fmt.Fprintf(mac, "v0:%d:%s", ts, body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func postSlackEvent(t *testing.T, handler http.Handler, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/slack/events", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	ts := time.Now().Unix()
	req.Header.Set("X-Slack-Request-Timestamp", strconv.FormatInt(ts, 10))
	if sign {
		req.Header.Set("X-Slack-Signature", slackSign(body, ts))
	} else {
		req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSlackEventsRejectsBadSignature(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))

	rec := postSlackEvent(t, handler, `{"type":"url_verification","challenge":"c1"}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSlackEventsUnconfigured(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Slack = slackapi.NewClient("", "", "")
	handler := newRouter(env)

	rec := postSlackEvent(t, handler, `{}`, true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSlackEventsChallenge(t *testing.T) {
	handler := newRouter(newTestEnv(t, nil))

	rec := postSlackEvent(t, handler, `{"type":"url_verification","challenge":"c1"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "c1", body["challenge"])
}

func TestSlackEventsStoresMatchedUpdate(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := newRouter(env)
	card := createDealHTTP(t, handler)

	payload, err := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": "Ev001",
		"event": map[string]any{
			"type":    "message",
			"channel": "C99",
			"user":    "U42",
			"text":    "Acme Corp CFO confirmed budget | account: Acme Corp",
			"ts":      "1700000000.000100",
		},
	})
	require.NoError(t, err)

	rec := postSlackEvent(t, handler, string(payload), true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	updates, err := env.Store.ListSlackUpdates(context.Background(), model.SignalQuery{
		AccountName: "Acme Corp",
	}, "")
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "Ev001", updates[0].EventID)
	assert.Equal(t, card.OpportunityID, updates[0].OpportunityID)
	assert.Equal(t, "Acme Corp", updates[0].AccountName)
	assert.Equal(t, "U42", updates[0].SlackUserID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), updates[0].CreatedAt.UTC())
	assert.Contains(t, updates[0].Permalink, "C99")
}

func TestSlackEventsIgnoresSubtypes(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := newRouter(env)

	body := `{"type":"event_callback","event":{"type":"message","subtype":"message_changed","channel":"C99","text":"edited","ts":"1700000000.000200"}}`
	rec := postSlackEvent(t, handler, body, true)
	require.Equal(t, http.StatusOK, rec.Code)

	updates, err := env.Store.ListSlackUpdates(context.Background(), model.SignalQuery{AccountName: "edited"}, "")
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestSlackEventsThreadInheritsRootDeal(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := newRouter(env)
	card := createDealHTTP(t, handler)

	root := model.SlackDealUpdate{
		EventID:         "Ev100",
		UserID:          "user-1",
		ChannelID:       "C99",
		MessageTS:       "1700000300.000100",
		Text:            "kicking off Acme Corp thread",
		Permalink:       "https://slack.com/archives/C99/p1700000300000100",
		OpportunityID:   card.OpportunityID,
		AccountName:     card.AccountName,
		OpportunityName: card.OpportunityName,
		CreatedAt:       time.Unix(1700000300, 0).UTC(),
	}
	require.NoError(t, env.Store.UpsertSlackUpdate(context.Background(), root))

	payload, err := json.Marshal(map[string]any{
		"type":     "event_callback",
		"event_id": "Ev101",
		"event": map[string]any{
			"type":      "message",
			"channel":   "C99",
			"user":      "U42",
			"text":      "they want a revised quote by Friday",
			"ts":        "1700000400.000100",
			"thread_ts": "1700000300.000100",
		},
	})
	require.NoError(t, err)

	rec := postSlackEvent(t, handler, string(payload), true)
	require.Equal(t, http.StatusOK, rec.Code)

	updates, err := env.Store.ListSlackUpdates(context.Background(), model.SignalQuery{
		OpportunityID: card.OpportunityID,
	}, "")
	require.NoError(t, err)
	require.Len(t, updates, 2)
}

func TestMatchDealByContext(t *testing.T) {
	deals := []model.DealCard{
		{OpportunityID: "deal-1", AccountName: "Acme Corp", OpportunityName: "Acme Renewal"},
		{OpportunityID: "deal-2", SourceOpportunityID: "006xx0002", AccountName: "Globex", OpportunityName: "Globex Expansion"},
	}

	t.Run("explicit reference wins", func(t *testing.T) {
		m := matchDealByContext("deal: 006xx0002 is moving", "006xx0002", "", "", deals)
		assert.Equal(t, "006xx0002", m.OpportunityID)
		assert.Equal(t, "Globex", m.AccountName)
	})

	t.Run("hint match scores above threshold", func(t *testing.T) {
		m := matchDealByContext("budget approved", "", "acme corp", "", deals)
		assert.Equal(t, "deal-1", m.OpportunityID)
	})

	t.Run("text mention alone clears threshold", func(t *testing.T) {
		m := matchDealByContext("Spoke with Globex about the expansion scope.", "", "", "", deals)
		assert.Equal(t, "006xx0002", m.OpportunityID)
	})

	t.Run("weak context keeps hints only", func(t *testing.T) {
		m := matchDealByContext("no deal names here", "", "", "", deals)
		assert.Empty(t, m.OpportunityID)
	})

	t.Run("hints preserved when nothing matches", func(t *testing.T) {
		m := matchDealByContext("checking in", "", "Initech", "Initech Pilot", deals)
		assert.Empty(t, m.OpportunityID)
		assert.Equal(t, "Initech", m.AccountName)
		assert.Equal(t, "Initech Pilot", m.OpportunityName)
	})
}

func TestSlackEventTime(t *testing.T) {
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), slackEventTime("1700000000.000100"))
	assert.WithinDuration(t, time.Now().UTC(), slackEventTime("not-a-ts"), time.Minute)
}
