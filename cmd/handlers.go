package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/ingest"
	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/quality"
	"github.com/sells-group/dealdesk/internal/signal"
	"github.com/sells-group/dealdesk/internal/store"
	"github.com/sells-group/dealdesk/pkg/slackapi"
)

// api carries the wired services into the HTTP handlers.
type api struct {
	env *appEnv
}

func newRouter(env *appEnv) http.Handler {
	a := &api{env: env}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Dealdesk-User", "X-Dealdesk-Email", "X-Dealdesk-Role"},
		AllowCredentials: false,
	}))

	r.Get("/health", a.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/deals", a.handleListDeals)
		r.Post("/deals", a.handleCreateDeal)
		r.Get("/deals/{dealID}", a.handleGetDeal)
		r.Get("/deals/{dealID}/quality", a.handleQuality)
		r.Get("/deals/{dealID}/runs", a.handleListRuns)
		r.Post("/deals/{dealID}/ingest", a.handleIngest)
		r.Get("/deals/{dealID}/review-queue", a.handleReviewQueue)
		r.Post("/review/{deltaID}", a.handleReviewDecision)
		r.Post("/deals/{dealID}/review/bulk", a.handleBulkReview)
		r.Get("/connector-health", a.handleConnectorHealth)
		r.Post("/slack/events", a.handleSlackEvents)
	})

	return r
}

// requestViewer reads the acting identity from headers, falling back to the
// process-level flags. Per-user OAuth is out of scope; these headers come
// from the trusted frontend proxy.
func requestViewer(r *http.Request) signal.Viewer {
	v := viewer()
	if u := r.Header.Get("X-Dealdesk-User"); u != "" {
		v.UserID = u
	}
	if e := r.Header.Get("X-Dealdesk-Email"); e != "" {
		v.Email = e
	}
	if role := r.Header.Get("X-Dealdesk-Role"); role != "" {
		v.Role = parseRole(role)
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Warn("response encode failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors onto HTTP statuses: missing rows to
// 404, caller mistakes to 400, double decisions to 409, the rest to 500.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ingest.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, rootMessage(err))
	case errors.Is(err, store.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, "delta already decided")
	default:
		zap.L().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// rootMessage strips wrap layers down to the first human-readable line.
func rootMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": ingest: invalid input"); i > 0 {
		msg = msg[:i]
	}
	return msg
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := a.env.Store.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (a *api) handleListDeals(w http.ResponseWriter, r *http.Request) {
	opts := signal.ListOptions{
		OwnerEmail:  r.URL.Query().Get("ownerEmail"),
		WithSignals: queryBool(r, "withSignals"),
	}

	deals, err := a.env.Aggregator.ListDeals(r.Context(), requestViewer(r), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deals": deals})
}

func (a *api) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		model.ManualDealDraft
		CreateInCRM bool `json:"createInCrm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.AccountName) == "" || strings.TrimSpace(req.OpportunityName) == "" {
		writeError(w, http.StatusBadRequest, "accountName and opportunityName are required")
		return
	}
	if req.CloseDate.IsZero() {
		req.CloseDate = time.Now().UTC().AddDate(0, 1, 0)
	}

	card, err := a.env.Aggregator.CreateDeal(r.Context(), requestViewer(r), req.ManualDealDraft, req.CreateInCRM)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

func (a *api) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	detail, err := a.env.Aggregator.GetDeal(r.Context(), requestViewer(r), chi.URLParam(r, "dealID"), signal.ListOptions{
		WithSignals: queryBool(r, "withSignals"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *api) handleQuality(w http.ResponseWriter, r *http.Request) {
	v := requestViewer(r)
	detail, err := a.env.Aggregator.GetDeal(r.Context(), v, chi.URLParam(r, "dealID"), signal.ListOptions{})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	key := quality.Fingerprint(v.UserID, detail.Deal.OpportunityID, detail.Deal.Stage, detail.Questions)
	report := a.env.Quality.Evaluate(r.Context(), detail.Deal, detail.Questions, key)
	writeJSON(w, http.StatusOK, report)
}

func (a *api) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := a.env.Orchestrator.ListRuns(r.Context(), chi.URLParam(r, "dealID"), requestViewer(r).UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *api) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceType string `json:"sourceType"`
		RawContext string `json:"rawContext"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sourceType := model.IngestionSourceType(req.SourceType)
	if sourceType == "" {
		sourceType = model.SourceTypePastedContext
	}

	result, err := a.env.Orchestrator.SubmitContext(r.Context(), ingest.SubmitInput{
		DealID:     chi.URLParam(r, "dealID"),
		UserID:     requestViewer(r).UserID,
		SourceType: sourceType,
		RawContext: req.RawContext,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, ingest.ErrInvalidInput) {
			writeServiceError(w, err)
			return
		}
		// The run row captured the failure; surface it as an upstream error.
		writeError(w, http.StatusBadGateway, rootMessage(err))
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (a *api) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := a.env.Orchestrator.ReviewQueue(r.Context(), chi.URLParam(r, "dealID"), requestViewer(r).UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deltas": queue})
}

func (a *api) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action       string `json:"action"`
		EditedAnswer string `json:"editedAnswer"`
		UserName     string `json:"userName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v := requestViewer(r)
	delta, err := a.env.Reviewer.Decide(r.Context(), ingest.DecideInput{
		DeltaID:      chi.URLParam(r, "deltaID"),
		UserID:       v.UserID,
		UserName:     req.UserName,
		Action:       ingest.ReviewAction(req.Action),
		EditedAnswer: req.EditedAnswer,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, delta)
}

func (a *api) handleBulkReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action        string  `json:"action"`
		MinConfidence float64 `json:"minConfidence"`
		UserName      string  `json:"userName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v := requestViewer(r)
	affected, err := a.env.Reviewer.DecideBulk(r.Context(), ingest.BulkInput{
		DealID:        chi.URLParam(r, "dealID"),
		UserID:        v.UserID,
		UserName:      req.UserName,
		Action:        ingest.ReviewAction(req.Action),
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"affected": affected})
}

func (a *api) handleConnectorHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	probes := map[string]model.ProbeResult{
		"gmail":     a.env.Gmail.Probe(ctx),
		"slack":     a.env.Slack.Probe(ctx),
		"gong":      a.env.Gong.Probe(ctx),
		"gtm_agent": a.env.GTM.Probe(ctx),
	}
	if a.env.SF != nil {
		probes["salesforce"] = probeSalesforce(ctx, a.env)
	}
	writeJSON(w, http.StatusOK, map[string]any{"connectors": probes})
}

type slackEventPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type     string `json:"type"`
		Subtype  string `json:"subtype"`
		Channel  string `json:"channel"`
		User     string `json:"user"`
		Text     string `json:"text"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// handleSlackEvents ingests signed Slack Events API callbacks: verify the
// HMAC, match the message to a deal, store the channel update, and evict
// cached signals for whatever it touched.
func (a *api) handleSlackEvents(w http.ResponseWriter, r *http.Request) {
	if !a.env.Slack.EventsEnabled() {
		writeError(w, http.StatusServiceUnavailable, "Slack events are not configured")
		return
	}

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	ok := slackapi.VerifySignature(
		cfg.Slack.SigningSecret,
		string(rawBody),
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
	)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid Slack signature")
		return
	}

	var payload slackEventPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if payload.Type == "url_verification" && payload.Challenge != "" {
		writeJSON(w, http.StatusOK, map[string]string{"challenge": payload.Challenge})
		return
	}

	event := payload.Event
	if payload.Type != "event_callback" || event.Type != "message" || event.Subtype != "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if event.Channel == "" || event.TS == "" || event.Text == "" {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	if cfg.Slack.ChannelID != "" && event.Channel != cfg.Slack.ChannelID {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	ctx := r.Context()
	eventsUser := cfg.Slack.EventsUser
	if eventsUser == "" {
		eventsUser = viewerUserID
	}

	deals, err := a.env.Store.ListManualDeals(ctx, eventsUser, "")
	if err != nil {
		zap.L().Warn("slack event deal listing failed", zap.Error(err))
		deals = nil
	}

	matched := matchDealByContext(
		event.Text,
		slackapi.ExtractDealReference(event.Text),
		slackapi.ExtractNamedField(event.Text, "account"),
		slackapi.ExtractNamedField(event.Text, "opportunity"),
		deals,
	)

	// Thread replies inherit the root message's deal when they carry no
	// signal of their own.
	if matched.OpportunityID == "" && event.ThreadTS != "" && event.ThreadTS != event.TS {
		if root, err := a.env.Store.FindSlackThreadRoot(ctx, event.Channel, event.ThreadTS, eventsUser); err == nil && root.OpportunityID != "" {
			matched.OpportunityID = root.OpportunityID
			matched.AccountName = root.AccountName
			matched.OpportunityName = root.OpportunityName
		}
	}

	eventID := payload.EventID
	if eventID == "" {
		eventID = event.Channel + ":" + event.TS
	}

	update := model.SlackDealUpdate{
		EventID:         eventID,
		UserID:          eventsUser,
		ChannelID:       event.Channel,
		MessageTS:       event.TS,
		ThreadTS:        event.ThreadTS,
		SlackUserID:     event.User,
		Text:            event.Text,
		Permalink:       slackapi.Permalink(event.Channel, event.TS),
		OpportunityID:   matched.OpportunityID,
		AccountName:     matched.AccountName,
		OpportunityName: matched.OpportunityName,
		CreatedAt:       slackEventTime(event.TS),
	}
	if err := a.env.Store.UpsertSlackUpdate(ctx, update); err != nil {
		writeServiceError(w, err)
		return
	}

	a.env.Aggregator.InvalidateSignals(signal.InvalidateCriteria{
		AccountName:     matched.AccountName,
		OpportunityName: matched.OpportunityName,
	})

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type dealMatch struct {
	OpportunityID   string
	AccountName     string
	OpportunityName string
}

// matchDealByContext resolves a Slack message to a deal: an explicit
// reference wins outright, otherwise deals are scored on hint and name
// mentions and the best match must clear a minimum score of 2.
func matchDealByContext(text, explicitRef, accountHint, opportunityHint string, deals []model.DealCard) dealMatch {
	if ref := strings.ToLower(strings.TrimSpace(explicitRef)); ref != "" {
		for _, deal := range deals {
			if strings.ToLower(deal.OpportunityID) == ref || strings.ToLower(deal.SourceOpportunityID) == ref {
				return dealMatch{
					OpportunityID:   matchID(deal),
					AccountName:     deal.AccountName,
					OpportunityName: deal.OpportunityName,
				}
			}
		}
	}

	textNorm := normalizeMention(text)
	accountNorm := normalizeMention(accountHint)
	oppNorm := normalizeMention(opportunityHint)

	type scored struct {
		deal  model.DealCard
		score int
	}
	ranked := make([]scored, 0, len(deals))
	for _, deal := range deals {
		dealAccount := normalizeMention(deal.AccountName)
		dealOpp := normalizeMention(deal.OpportunityName)

		score := 0
		if accountNorm != "" && strings.Contains(dealAccount, accountNorm) {
			score += 3
		}
		if oppNorm != "" && strings.Contains(dealOpp, oppNorm) {
			score += 3
		}
		if dealAccount != "" && strings.Contains(textNorm, dealAccount) {
			score += 2
		}
		if dealOpp != "" && strings.Contains(textNorm, dealOpp) {
			score += 2
		}
		ranked = append(ranked, scored{deal: deal, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if len(ranked) == 0 || ranked[0].score < 2 {
		return dealMatch{AccountName: accountHint, OpportunityName: opportunityHint}
	}

	best := ranked[0].deal
	return dealMatch{
		OpportunityID:   matchID(best),
		AccountName:     best.AccountName,
		OpportunityName: best.OpportunityName,
	}
}

func matchID(deal model.DealCard) string {
	if deal.SourceOpportunityID != "" {
		return deal.SourceOpportunityID
	}
	return deal.OpportunityID
}

var mentionCleaner = strings.NewReplacer(
	".", " ", ",", " ", ";", " ", ":", " ", "!", " ", "?", " ",
	"(", " ", ")", " ", "[", " ", "]", " ", "<", " ", ">", " ",
	"\"", " ", "'", " ", "*", " ", "_", " ", "`", " ", "-", " ", "/", " ",
)

func normalizeMention(value string) string {
	return strings.Join(strings.Fields(mentionCleaner.Replace(strings.ToLower(value))), " ")
}

func slackEventTime(ts string) time.Time {
	secs, _, _ := strings.Cut(ts, ".")
	epoch, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
