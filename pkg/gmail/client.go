package gmail

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/resilience"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com"

	// lookbackWindow scopes the mailbox search; older threads rarely
	// describe the current deal cycle.
	lookbackWindow = "newer_than:180d"

	maxResults    = 5
	maxHighlights = 3
)

// Client fetches deal evidence from a Gmail mailbox.
type Client interface {
	Enabled() bool
	Probe(ctx context.Context) model.ProbeResult
	FetchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error)
}

type listResponse struct {
	Messages           []messageRef `json:"messages"`
	ResultSizeEstimate int          `json:"resultSizeEstimate"`
}

type messageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type messageResponse struct {
	ID           string `json:"id"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
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
	accessToken string
	baseURL     string
	http        *http.Client
}

// NewClient creates a Gmail API client. An empty access token produces a
// disabled client: Enabled reports false and FetchSignal returns nil.
func NewClient(accessToken string, opts ...Option) Client {
	c := &httpClient{
		accessToken: accessToken,
		baseURL:     defaultBaseURL,
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
	return c.accessToken != ""
}

func (c *httpClient) Probe(ctx context.Context) model.ProbeResult {
	if !c.Enabled() {
		return model.ProbeResult{Connected: false, Message: "Missing Gmail access token."}
	}

	var profile map[string]any
	if err := c.getJSON(ctx, c.baseURL+"/gmail/v1/users/me/profile", &profile); err != nil {
		return model.ProbeResult{Connected: false, Message: err.Error()}
	}
	return model.ProbeResult{Connected: true}
}

// FetchSignal searches the mailbox for the deal's opportunity and account
// names and summarizes the matching threads. Returns nil when the mailbox has
// no matches or the client is disabled.
func (c *httpClient) FetchSignal(ctx context.Context, query model.SignalQuery) (*model.DealSignal, error) {
	if !c.Enabled() {
		return nil, nil
	}

	q := fmt.Sprintf("%q OR %q OR %s", query.OpportunityName, query.AccountName, lookbackWindow)
	listURL := fmt.Sprintf("%s/gmail/v1/users/me/messages?q=%s&maxResults=%d",
		c.baseURL, url.QueryEscape(q), maxResults)

	var list listResponse
	if err := c.getJSON(ctx, listURL, &list); err != nil {
		return nil, eris.Wrap(err, "gmail: list messages")
	}
	if len(list.Messages) == 0 {
		return nil, nil
	}

	details := make([]messageResponse, 0, len(list.Messages))
	for _, ref := range list.Messages {
		var detail messageResponse
		detailURL := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=metadata", c.baseURL, ref.ID)
		if err := c.getJSON(ctx, detailURL, &detail); err != nil {
			return nil, eris.Wrap(err, "gmail: get message")
		}
		details = append(details, detail)
	}

	var timestamps []int64
	for _, d := range details {
		if ms, err := strconv.ParseInt(d.InternalDate, 10, 64); err == nil && ms > 0 {
			timestamps = append(timestamps, ms)
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] > timestamps[j] })

	signal := &model.DealSignal{
		Source:       model.SourceGmail,
		TotalMatches: list.ResultSizeEstimate,
	}
	if signal.TotalMatches == 0 {
		signal.TotalMatches = len(list.Messages)
	}

	for _, d := range details {
		if d.Snippet != "" && len(signal.Highlights) < maxHighlights {
			signal.Highlights = append(signal.Highlights, d.Snippet)
		}
	}
	for i, ref := range list.Messages {
		if i >= maxHighlights {
			break
		}
		signal.DeepLinks = append(signal.DeepLinks, "https://mail.google.com/mail/u/0/#all/"+ref.ID)
	}
	if len(timestamps) > 0 {
		ts := time.UnixMilli(timestamps[0]).UTC()
		signal.LastActivity = &ts
	}

	return signal, nil
}

func (c *httpClient) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "gmail: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "gmail: send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "gmail: read response")
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("gmail: unexpected status %d: %s", resp.StatusCode, truncate(string(body), 280))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "gmail: decode response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
