package signal

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/dealdesk/internal/model"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "to": {}, "for": {},
	"of": {}, "in": {}, "on": {}, "with": {}, "is": {}, "are": {}, "was": {},
	"were": {}, "it": {}, "this": {}, "that": {},
}

var (
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	nonAlnumPattern = regexp.MustCompile(`[^a-z0-9\s]`)
)

// categoryPatterns are checked in priority order; the first match wins.
var categoryPatterns = []struct {
	category model.InsightCategory
	pattern  *regexp.Regexp
}{
	{model.CategorySignerPath, regexp.MustCompile(`signer|signature|cfo|cio|buyer|procurement|approver`)},
	{model.CategoryEconomicValue, regexp.MustCompile(`roi|metric|value|cost|savings|revenue|payback`)},
	{model.CategoryCompetition, regexp.MustCompile(`competitor|competition|incumbent|displacement`)},
	{model.CategoryTimeline, regexp.MustCompile(`next step|next action|due|timeline|deadline|close date`)},
	{model.CategoryRisk, regexp.MustCompile(`risk|blocker|issue|concern|security|legal`)},
}

// normalizeText lowercases, strips URLs and punctuation, drops stop words
// and collapses whitespace. Two highlights that normalize identically are
// the same insight.
func normalizeText(input string) string {
	cleaned := strings.ToLower(input)
	cleaned = urlPattern.ReplaceAllString(cleaned, " ")
	cleaned = nonAlnumPattern.ReplaceAllString(cleaned, " ")

	tokens := strings.Fields(cleaned)
	kept := tokens[:0]
	for _, token := range tokens {
		if _, stop := stopWords[token]; !stop {
			kept = append(kept, token)
		}
	}
	return strings.Join(kept, " ")
}

func classifyInsight(normalized string) model.InsightCategory {
	for _, cp := range categoryPatterns {
		if cp.pattern.MatchString(normalized) {
			return cp.category
		}
	}
	return model.CategoryGeneral
}

// jaccard computes token-set similarity between two normalized strings.
func jaccard(a, b string) float64 {
	aSet := tokenSet(a)
	bSet := tokenSet(b)
	if len(aSet) == 0 || len(bSet) == 0 {
		return 0
	}

	intersection := 0
	for token := range aSet {
		if _, ok := bSet[token]; ok {
			intersection++
		}
	}
	union := len(aSet) + len(bSet) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, token := range strings.Fields(s) {
		set[token] = struct{}{}
	}
	return set
}

const similarityThreshold = 0.78

// Consolidate clusters near-duplicate highlights across signals into
// categorized insights. Clustering is a greedy single pass in input order:
// deterministic for a given call, not globally optimal, which is fine for
// the few dozen highlights a deal ever carries.
//
// Signals already redacted for a restricted viewer never merge with
// anything: each becomes exactly one generic insight keyed by source and
// match count, so no highlight text leaks through the consolidated path.
func Consolidate(signals []model.DealSignal) []model.ConsolidatedInsight {
	var buckets []*insightBucket

	for si := range signals {
		sig := &signals[si]

		if sig.Visibility == model.VisibilityManagerSummary {
			buckets = append(buckets, redactedBucket(sig))
			continue
		}

		for i, highlight := range sig.Highlights {
			normalized := normalizeText(highlight)
			if normalized == "" {
				continue
			}
			category := classifyInsight(normalized)

			var target *insightBucket
			for _, b := range buckets {
				if b.redacted || b.category != category {
					continue
				}
				if strings.Contains(b.normalized, normalized) ||
					strings.Contains(normalized, b.normalized) ||
					jaccard(b.normalized, normalized) >= similarityThreshold {
					target = b
					break
				}
			}

			link := ""
			if i < len(sig.DeepLinks) {
				link = sig.DeepLinks[i]
			} else if len(sig.DeepLinks) > 0 {
				link = sig.DeepLinks[0]
			}

			if target != nil {
				target.occurrences++
				target.addSource(sig.Source)
				if link != "" {
					target.links = append(target.links, link)
				}
				if sig.LastActivity != nil &&
					(target.lastActivity == nil || sig.LastActivity.After(*target.lastActivity)) {
					target.lastActivity = sig.LastActivity
				}
				continue
			}

			b := &insightBucket{
				id:           string(category) + ":" + normalized,
				category:     category,
				summary:      highlight,
				normalized:   normalized,
				sources:      []model.SourceSystem{sig.Source},
				occurrences:  1,
				lastActivity: sig.LastActivity,
			}
			if link != "" {
				b.links = []string{link}
			}
			buckets = append(buckets, b)
		}
	}

	insights := make([]model.ConsolidatedInsight, 0, len(buckets))
	for _, b := range buckets {
		insights = append(insights, model.ConsolidatedInsight{
			ID:                b.id,
			Category:          b.category,
			Summary:           b.summary,
			NormalizedSummary: b.normalized,
			Sources:           b.sources,
			EvidenceLinks:     dedupeLinks(b.links),
			Occurrences:       b.occurrences,
			LastActivity:      b.lastActivity,
		})
	}

	sort.SliceStable(insights, func(i, j int) bool {
		if insights[i].Occurrences != insights[j].Occurrences {
			return insights[i].Occurrences > insights[j].Occurrences
		}
		ti, tj := int64(0), int64(0)
		if insights[i].LastActivity != nil {
			ti = insights[i].LastActivity.UnixMilli()
		}
		if insights[j].LastActivity != nil {
			tj = insights[j].LastActivity.UnixMilli()
		}
		return ti > tj
	})
	return insights
}

type insightBucket struct {
	id           string
	category     model.InsightCategory
	summary      string
	normalized   string
	sources      []model.SourceSystem
	links        []string
	occurrences  int
	lastActivity *time.Time
	redacted     bool
}

func redactedBucket(sig *model.DealSignal) *insightBucket {
	normalized := fmt.Sprintf("%s %d", sig.Source, sig.TotalMatches)
	return &insightBucket{
		id:           string(model.CategoryGeneral) + ":" + normalized,
		category:     model.CategoryGeneral,
		summary:      fmt.Sprintf("%d update(s) available from %s.", sig.TotalMatches, sig.Source),
		normalized:   normalized,
		sources:      []model.SourceSystem{sig.Source},
		occurrences:  1,
		lastActivity: sig.LastActivity,
		redacted:     true,
	}
}

func (b *insightBucket) addSource(s model.SourceSystem) {
	for _, existing := range b.sources {
		if existing == s {
			return
		}
	}
	b.sources = append(b.sources, s)
}

func dedupeLinks(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		if link == "" {
			continue
		}
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}
