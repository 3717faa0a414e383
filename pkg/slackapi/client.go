package slackapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/resilience"
)

const (
	defaultBaseURL = "https://slack.com/api"

	maxMatches    = 5
	maxHighlights = 3
)

var markupTags = regexp.MustCompile(`<[^>]+>`)

// Client searches Slack workspace messages for deal evidence.
type Client interface {
	// SearchEnabled reports whether a user or bot token is configured for
	// outbound search calls.
	SearchEnabled() bool
	// EventsEnabled reports whether inbound event ingestion is configured
	// (a signing secret is present).
	EventsEnabled() bool
	Probe(ctx context.Context) model.ProbeResult
	SearchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error)
}

type searchResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Messages struct {
		Total   int `json:"total"`
		Matches []struct {
			Text      string `json:"text"`
			Permalink string `json:"permalink"`
			TS        string `json:"ts"`
		} `json:"matches"`
	} `json:"messages"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	token         string
	signingSecret string
	baseURL       string
	http          *http.Client
}

// NewClient creates a Slack API client. The user token is preferred over the
// bot token for search because search.messages requires a user scope.
func NewClient(userToken, botToken, signingSecret string, opts ...Option) Client {
	token := userToken
	if token == "" {
		token = botToken
	}
	c := &httpClient{
		token:         token,
		signingSecret: signingSecret,
		baseURL:       defaultBaseURL,
		http: &http.Client{
			Timeout: 12 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) SearchEnabled() bool {
	return c.token != ""
}

func (c *httpClient) EventsEnabled() bool {
	return c.signingSecret != ""
}

func (c *httpClient) Probe(ctx context.Context) model.ProbeResult {
	mode := "disabled"
	switch {
	case c.SearchEnabled() && c.EventsEnabled():
		mode = "search+events"
	case c.EventsEnabled():
		mode = "events_only"
	case c.SearchEnabled():
		mode = "search_only"
	}

	if mode == "disabled" {
		return model.ProbeResult{Connected: false, Mode: mode, Message: "Missing Slack token and signing secret."}
	}

	// Events-only mode ingests channel updates without outbound calls.
	if !c.SearchEnabled() {
		return model.ProbeResult{Connected: true, Mode: mode}
	}

	var payload struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/auth.test", &payload); err != nil {
		return model.ProbeResult{Connected: false, Mode: mode, Message: err.Error()}
	}
	if !payload.OK {
		msg := payload.Error
		if msg == "" {
			msg = "Slack auth probe failed."
		}
		return model.ProbeResult{Connected: false, Mode: mode, Message: msg}
	}
	return model.ProbeResult{Connected: true, Mode: mode}
}

// SearchSignal queries search.messages for the deal's opportunity and account
// names. Returns nil when search is disabled or nothing matches.
func (c *httpClient) SearchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error) {
	if !c.SearchEnabled() {
		return nil, nil
	}

	q := query.OpportunityName + " OR " + query.AccountName
	searchURL := fmt.Sprintf("%s/search.messages?query=%s&count=%d&sort=timestamp&sort_dir=desc",
		c.baseURL, url.QueryEscape(q), maxMatches)

	var resp searchResponse
	if err := c.getJSON(ctx, searchURL, &resp); err != nil {
		return nil, eris.Wrap(err, "slack: search messages")
	}
	if !resp.OK {
		msg := resp.Error
		if msg == "" {
			msg = "unknown Slack API error"
		}
		return nil, eris.Errorf("slack: search messages: %s", msg)
	}

	matches := resp.Messages.Matches
	if len(matches) == 0 {
		return nil, nil
	}

	var lastTS float64
	for _, m := range matches {
		if ts, err := strconv.ParseFloat(m.TS, 64); err == nil && ts > lastTS {
			lastTS = ts
		}
	}

	signal := &model.DealSignal{
		Source:       model.SourceSlack,
		TotalMatches: resp.Messages.Total,
	}
	if signal.TotalMatches == 0 {
		signal.TotalMatches = len(matches)
	}

	for _, m := range matches {
		text := strings.TrimSpace(markupTags.ReplaceAllString(m.Text, ""))
		if text != "" && len(signal.Highlights) < maxHighlights {
			signal.Highlights = append(signal.Highlights, text)
		}
	}
	for _, m := range matches {
		if m.Permalink != "" && len(signal.DeepLinks) < maxHighlights {
			signal.DeepLinks = append(signal.DeepLinks, m.Permalink)
		}
	}
	if lastTS > 0 {
		ts := time.Unix(int64(lastTS), 0).UTC()
		signal.LastActivity = &ts
	}

	return signal, nil
}

func (c *httpClient) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "slack: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "slack: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "slack: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("slack: unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "slack: decode response")
	}
	return nil
}

// MergeSignals combines a workspace search signal with a stored channel-update
// signal for the same deal. Either side may be nil.
func MergeSignals(stored, searched *model.DealSignal) *model.DealSignal {
	if stored == nil {
		return searched
	}
	if searched == nil {
		return stored
	}

	merged := &model.DealSignal{
		Source:       model.SourceSlack,
		TotalMatches: stored.TotalMatches + searched.TotalMatches,
		Highlights:   dedupeCap(append(append([]string{}, stored.Highlights...), searched.Highlights...), 6),
		DeepLinks:    dedupeCap(append(append([]string{}, stored.DeepLinks...), searched.DeepLinks...), 6),
		SourceOwner:  stored.SourceOwner,
		Visibility:   stored.Visibility,
	}

	times := make([]time.Time, 0, 2)
	for _, s := range []*model.DealSignal{stored, searched} {
		if s.LastActivity != nil {
			times = append(times, *s.LastActivity)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].After(times[j]) })
	if len(times) > 0 {
		merged.LastActivity = &times[0]
	}

	return merged
}

func dedupeCap(items []string, limit int) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, limit)
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}
