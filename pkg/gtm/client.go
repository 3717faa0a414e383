package gtm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/resilience"
)

const (
	maxRows       = 10
	maxHighlights = 3
)

// Client fetches curated deal signals from a GTM agent service.
type Client interface {
	Enabled() bool
	Probe(ctx context.Context) model.ProbeResult
	FetchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error)
}

type signalRow struct {
	Summary   string `json:"summary"`
	Link      string `json:"link"`
	Timestamp string `json:"timestamp"`
}

type signalResponse struct {
	Total   int         `json:"total"`
	Signals []signalRow `json:"signals"`
	Items   []signalRow `json:"items"`
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates a GTM agent client. An empty base URL produces a
// disabled client. The API key is optional; agents deployed inside the
// network perimeter often run unauthenticated.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
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
	return c.baseURL != ""
}

// Probe tries the agent's health endpoints in order; deployments differ in
// which one they expose.
func (c *httpClient) Probe(ctx context.Context) model.ProbeResult {
	if !c.Enabled() {
		return model.ProbeResult{Connected: false, Message: "Missing GTM agent base URL."}
	}

	for _, path := range []string{"/health", "/status", ""} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			continue
		}
		c.setHeaders(req)

		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return model.ProbeResult{Connected: true}
		}
	}

	return model.ProbeResult{Connected: false, Message: "Unable to reach GTM agent health/status endpoint."}
}

// FetchSignal posts the deal query to the agent and summarizes the returned
// rows. Returns nil when the agent has nothing for the deal or the client is
// disabled.
func (c *httpClient) FetchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error) {
	if !c.Enabled() {
		return nil, nil
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, eris.Wrap(err, "gtm: marshal query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/deals/signals", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "gtm: create request")
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "gtm: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "gtm: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("gtm: unexpected status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	var parsed signalResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, eris.Wrap(err, "gtm: decode response")
	}

	rows := parsed.Signals
	if len(rows) == 0 {
		rows = parsed.Items
	}
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	if len(rows) == 0 {
		return nil, nil
	}

	type timedRow struct {
		signalRow
		ts time.Time
	}
	timed := make([]timedRow, 0, len(rows))
	for _, row := range rows {
		tr := timedRow{signalRow: row}
		if t, err := time.Parse(time.RFC3339, row.Timestamp); err == nil {
			tr.ts = t
		}
		timed = append(timed, tr)
	}
	sort.SliceStable(timed, func(i, j int) bool { return timed[i].ts.After(timed[j].ts) })

	signal := &model.DealSignal{
		Source:       model.SourceGTMAgent,
		TotalMatches: parsed.Total,
	}
	if signal.TotalMatches == 0 {
		signal.TotalMatches = len(rows)
	}

	for _, tr := range timed {
		if tr.Summary != "" && len(signal.Highlights) < maxHighlights {
			signal.Highlights = append(signal.Highlights, tr.Summary)
		}
	}
	for _, tr := range timed {
		if tr.Link != "" && len(signal.DeepLinks) < maxHighlights {
			signal.DeepLinks = append(signal.DeepLinks, tr.Link)
		}
	}
	if !timed[0].ts.IsZero() {
		ts := timed[0].ts.UTC()
		signal.LastActivity = &ts
	}

	return signal, nil
}

func (c *httpClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
