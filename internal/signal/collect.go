package signal

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/dealdesk/internal/model"
	"github.com/sells-group/dealdesk/internal/resilience"
	"github.com/sells-group/dealdesk/pkg/gmail"
	"github.com/sells-group/dealdesk/pkg/gong"
	"github.com/sells-group/dealdesk/pkg/gtm"
	"github.com/sells-group/dealdesk/pkg/slackapi"
)

// SlackUpdateSource reads stored Slack channel updates for a deal. The store
// implements it.
type SlackUpdateSource interface {
	ListSlackUpdates(ctx context.Context, query model.SignalQuery, restrictToUser string) ([]model.SlackDealUpdate, error)
}

// Collector fans a signal query out to every configured provider. A failing
// or disabled provider contributes nothing; it never fails the bundle.
type Collector struct {
	Gmail        gmail.Client
	Slack        slackapi.Client
	Gong         gong.Client
	GTM          gtm.Client
	SlackUpdates SlackUpdateSource
}

// Collect queries all providers concurrently and returns their signals in a
// fixed order: gmail, slack, gong, gtm_agent. The slack slot merges stored
// channel updates with live search results.
func (c *Collector) Collect(ctx context.Context, query model.SignalQuery, role model.UserRole) []model.DealSignal {
	results := make([]*model.DealSignal, 4)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if c.Gmail == nil || !c.Gmail.Enabled() {
			return nil
		}
		results[0] = c.fetch(gctx, model.SourceGmail, func() (*model.DealSignal, error) {
			return c.Gmail.FetchSignal(gctx, query)
		})
		return nil
	})
	g.Go(func() error {
		results[1] = c.collectSlack(gctx, query, role)
		return nil
	})
	g.Go(func() error {
		if c.Gong == nil || !c.Gong.Enabled() {
			return nil
		}
		results[2] = c.fetch(gctx, model.SourceGong, func() (*model.DealSignal, error) {
			return c.Gong.FetchSignal(gctx, query)
		})
		return nil
	})
	g.Go(func() error {
		if c.GTM == nil || !c.GTM.Enabled() {
			return nil
		}
		results[3] = c.fetch(gctx, model.SourceGTMAgent, func() (*model.DealSignal, error) {
			return c.GTM.FetchSignal(gctx, query)
		})
		return nil
	})
	g.Wait() //nolint:errcheck // workers never return errors

	signals := make([]model.DealSignal, 0, 4)
	for _, sig := range results {
		if sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals
}

func (c *Collector) fetch(ctx context.Context, source model.SourceSystem, fn func() (*model.DealSignal, error)) *model.DealSignal {
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.OnRetry = resilience.RetryLogger("signals", string(source))

	sig, err := resilience.DoVal(ctx, retryCfg, func(context.Context) (*model.DealSignal, error) {
		return fn()
	})
	if err != nil {
		zap.L().Warn("signal fetch failed",
			zap.String("source", string(source)),
			zap.Error(err))
		return nil
	}
	return sig
}

// collectSlack merges the stored channel-update signal with a live
// search.messages signal. Either half may be absent.
func (c *Collector) collectSlack(ctx context.Context, query model.SignalQuery, role model.UserRole) *model.DealSignal {
	var stored *model.DealSignal
	if c.SlackUpdates != nil {
		stored = c.storedSlackSignal(ctx, query, role)
	}

	var searched *model.DealSignal
	if c.Slack != nil && c.Slack.SearchEnabled() {
		searched = c.fetch(ctx, model.SourceSlack, func() (*model.DealSignal, error) {
			return c.Slack.SearchSignal(ctx, query)
		})
	}

	return slackapi.MergeSignals(stored, searched)
}

const (
	storedSlackHighlightCap = 4
	storedSlackLinkCap      = 6
)

// storedSlackSignal builds a signal from Slack updates captured via the
// events webhook. Non-manager viewers only see their own captures; managers
// see everyone's, but messages written by other users are reduced to a
// capture notice before they leave the store layer.
func (c *Collector) storedSlackSignal(ctx context.Context, query model.SignalQuery, role model.UserRole) *model.DealSignal {
	restrictTo := query.ViewerUserID
	if role == model.RoleManager {
		restrictTo = ""
	}

	rows, err := c.SlackUpdates.ListSlackUpdates(ctx, query, restrictTo)
	if err != nil {
		zap.L().Warn("stored slack updates unavailable", zap.Error(err))
		return nil
	}
	if len(rows) == 0 {
		return nil
	}

	hasOtherAuthors := false
	highlights := make([]string, 0, storedSlackHighlightCap)
	links := make([]string, 0, storedSlackLinkCap)
	seenLinks := make(map[string]struct{})

	for _, row := range rows {
		fromSelf := query.ViewerUserID == "" || row.UserID == query.ViewerUserID
		if !fromSelf {
			hasOtherAuthors = true
		}

		if len(highlights) < storedSlackHighlightCap {
			if role == model.RoleManager && !fromSelf {
				highlights = append(highlights, fmt.Sprintf("Slack update captured (%s).", row.CreatedAt.Format("2006-01-02")))
			} else {
				highlights = append(highlights, row.Text)
			}
		}
		if row.Permalink != "" && len(links) < storedSlackLinkCap {
			if _, ok := seenLinks[row.Permalink]; !ok {
				seenLinks[row.Permalink] = struct{}{}
				links = append(links, row.Permalink)
			}
		}
	}

	lastActivity := rows[0].CreatedAt
	owner := model.OwnerSelf
	visibility := model.VisibilityOwnerOnly
	if hasOtherAuthors {
		owner = model.OwnerOther
		visibility = model.VisibilityManagerSummary
	}

	return &model.DealSignal{
		Source:       model.SourceSlack,
		TotalMatches: len(rows),
		Highlights:   highlights,
		DeepLinks:    links,
		LastActivity: &lastActivity,
		SourceOwner:  owner,
		Visibility:   visibility,
	}
}
