package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/sells-group/dealdesk/internal/model"
)

// DefaultReportTTL is how long a computed quality report stays valid.
const DefaultReportTTL = 5 * time.Minute

type reportEntry struct {
	expiresAt time.Time
	report    model.TasQualityReport
}

// ReportCache is a TTL cache for quality reports keyed by content
// fingerprint, so an unchanged blueprint never pays for a second model call.
type ReportCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]reportEntry

	now func() time.Time
}

// NewReportCache builds a cache; ttl <= 0 uses the default.
func NewReportCache(ttl time.Duration) *ReportCache {
	if ttl <= 0 {
		ttl = DefaultReportTTL
	}
	return &ReportCache{
		ttl:     ttl,
		entries: make(map[string]reportEntry),
		now:     time.Now,
	}
}

// Get returns a cached report when present and unexpired.
func (c *ReportCache) Get(key string) (model.TasQualityReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.now().After(entry.expiresAt) {
		return model.TasQualityReport{}, false
	}
	return entry.report, true
}

// Put stores a report under the key for one TTL.
func (c *ReportCache) Put(key string, report model.TasQualityReport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = reportEntry{
		expiresAt: c.now().Add(c.ttl),
		report:    report,
	}
}

// Fingerprint derives the cache key from who is asking, which deal and stage,
// and the answer content itself, so any edit invalidates immediately.
func Fingerprint(viewerID, dealID, stage string, states []model.TasAnswerState) string {
	h := sha256.New()
	h.Write([]byte(viewerID))
	h.Write([]byte{'|'})
	h.Write([]byte(dealID))
	h.Write([]byte{'|'})
	h.Write([]byte(stage))
	for _, state := range states {
		h.Write([]byte{'|'})
		h.Write([]byte(strings.Join([]string{state.QuestionID, string(state.Status), state.Answer}, "\x1f")))
	}
	return hex.EncodeToString(h.Sum(nil))
}
