package gong

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/resilience"
)

const (
	defaultBaseURL = "https://api.gong.io"

	fetchLookback = 180 * 24 * time.Hour
	probeLookback = 7 * 24 * time.Hour

	maxCalls      = 6
	maxHighlights = 3
)

// Client fetches call evidence from Gong.
type Client interface {
	Enabled() bool
	Probe(ctx context.Context) model.ProbeResult
	FetchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error)
}

type call struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Started   string `json:"started"`
	StartedAt string `json:"startedAt"`
	Snippet   string `json:"snippet"`
}

type searchResponse struct {
	Calls   []call `json:"calls"`
	Records []call `json:"records"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithSignalEndpoint routes signal fetches to a custom search endpoint
// instead of the stock calls API. Some workspaces expose a curated
// deal-evidence index there.
func WithSignalEndpoint(u string) Option {
	return func(c *httpClient) {
		c.signalEndpoint = u
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	accessKey      string
	accessSecret   string
	baseURL        string
	signalEndpoint string
	http           *http.Client
}

// NewClient creates a Gong API client using basic auth with an access key
// pair. Missing credentials produce a disabled client.
func NewClient(accessKey, accessSecret string, opts ...Option) Client {
	c := &httpClient{
		accessKey:    accessKey,
		accessSecret: accessSecret,
		baseURL:      defaultBaseURL,
		http: &http.Client{
			Timeout: 12 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Enabled() bool {
	return c.accessKey != "" && c.accessSecret != ""
}

func (c *httpClient) authHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.accessKey+":"+c.accessSecret))
}

func (c *httpClient) Probe(ctx context.Context) model.ProbeResult {
	if !c.Enabled() {
		return model.ProbeResult{Connected: false, Message: "Missing Gong access key or secret."}
	}

	now := time.Now().UTC()
	body := map[string]any{
		"filter": map[string]any{
			"fromDateTime": now.Add(-probeLookback).Format(time.RFC3339),
			"toDateTime":   now.Format(time.RFC3339),
		},
		"limit": 1,
	}

	var resp searchResponse
	if err := c.postJSON(ctx, c.baseURL+"/v2/calls/extensive", body, &resp); err != nil {
		return model.ProbeResult{Connected: false, Message: err.Error()}
	}
	return model.ProbeResult{Connected: true}
}

// FetchSignal pulls recent calls for the deal's account and summarizes them.
// Returns nil when no calls match or the client is disabled.
func (c *httpClient) FetchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error) {
	if !c.Enabled() {
		return nil, nil
	}

	var resp searchResponse
	if c.signalEndpoint != "" {
		u := fmt.Sprintf("%s?account=%s&deal=%s", c.signalEndpoint,
			url.QueryEscape(query.AccountName), url.QueryEscape(query.OpportunityName))
		if err := c.getJSON(ctx, u, &resp); err != nil {
			return nil, eris.Wrap(err, "gong: fetch signal endpoint")
		}
	} else {
		now := time.Now().UTC()
		body := map[string]any{
			"filter": map[string]any{
				"fromDateTime": now.Add(-fetchLookback).Format(time.RFC3339),
				"toDateTime":   now.Format(time.RFC3339),
				"companyName":  query.AccountName,
			},
			"limit": maxCalls,
		}
		if err := c.postJSON(ctx, c.baseURL+"/v2/calls/extensive", body, &resp); err != nil {
			return nil, eris.Wrap(err, "gong: search calls")
		}
	}

	rows := resp.Calls
	if len(rows) == 0 {
		rows = resp.Records
	}
	return summarize(rows), nil
}

// summarize converts raw call rows into a signal: newest first, snippets
// preferred over titles for highlights.
func summarize(rows []call) *model.DealSignal {
	if len(rows) == 0 {
		return nil
	}

	type timedCall struct {
		call
		ts time.Time
	}
	timed := make([]timedCall, 0, len(rows))
	for _, row := range rows {
		tc := timedCall{call: row}
		raw := row.StartedAt
		if raw == "" {
			raw = row.Started
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			tc.ts = t
		}
		timed = append(timed, tc)
	}
	sort.SliceStable(timed, func(i, j int) bool { return timed[i].ts.After(timed[j].ts) })

	signal := &model.DealSignal{
		Source:       model.SourceGong,
		TotalMatches: len(rows),
	}
	for _, tc := range timed {
		text := tc.Snippet
		if text == "" {
			text = tc.Title
		}
		if text != "" && len(signal.Highlights) < maxHighlights {
			signal.Highlights = append(signal.Highlights, text)
		}
	}
	for _, tc := range timed {
		if tc.URL != "" && len(signal.DeepLinks) < maxHighlights {
			signal.DeepLinks = append(signal.DeepLinks, tc.URL)
		}
	}
	if !timed[0].ts.IsZero() {
		ts := timed[0].ts.UTC()
		signal.LastActivity = &ts
	}

	return signal
}

func (c *httpClient) postJSON(ctx context.Context, rawURL string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "gong: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "gong: create request")
	}
	return c.send(req, out)
}

func (c *httpClient) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "gong: create request")
	}
	return c.send(req, out)
}

func (c *httpClient) send(req *http.Request, out any) error {
	req.Header.Set("Authorization", c.authHeader())
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "gong: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "gong: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("gong: unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "gong: decode response")
	}
	return nil
}
