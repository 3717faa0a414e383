package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/dealdesk/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestCacheGetOrFetch(t *testing.T) {
	c := NewCache(time.Minute)
	ctx := context.Background()

	calls := 0
	producer := func(context.Context) ([]model.DealSignal, error) {
		calls++
		return []model.DealSignal{{Source: model.SourceGmail, TotalMatches: 3}}, nil
	}

	key := Key("workspace", "user-1", "Acme Corp", "Acme Expansion")

	first, err := c.GetOrFetch(ctx, key, producer)
	require.NoError(t, err)
	second, err := c.GetOrFetch(ctx, key, producer)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)
	ctx := context.Background()

	now := time.Now()
	c.now = func() time.Time { return now }

	calls := 0
	producer := func(context.Context) ([]model.DealSignal, error) {
		calls++
		return nil, nil
	}

	_, err := c.GetOrFetch(ctx, "k", producer)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = c.GetOrFetch(ctx, "k", producer)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestCacheProducerErrorNotCached(t *testing.T) {
	c := NewCache(time.Minute)
	ctx := context.Background()

	calls := 0
	producer := func(context.Context) ([]model.DealSignal, error) {
		calls++
		if calls == 1 {
			return nil, assert.AnError
		}
		return []model.DealSignal{{Source: model.SourceGong}}, nil
	}

	_, err := c.GetOrFetch(ctx, "k", producer)
	assert.Error(t, err)

	signals, err := c.GetOrFetch(ctx, "k", producer)
	require.NoError(t, err)
	assert.Len(t, signals, 1)
	assert.Equal(t, 2, calls)
}

func TestCacheInvalidateSubstringMatch(t *testing.T) {
	c := NewCache(time.Minute)
	ctx := context.Background()

	produceEmpty := func(context.Context) ([]model.DealSignal, error) { return nil, nil }

	keys := []string{
		Key("workspace", "user-1", "Acme Corp", "Acme Expansion"),
		Key("workspace", "user-2", "Acme Corp", "Acme Renewal"),
		Key("workspace", "user-1", "Globex", "Globex Pilot"),
	}
	for _, key := range keys {
		_, err := c.GetOrFetch(ctx, key, produceEmpty)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.Len())

	// Coarse on purpose: both viewers' Acme entries go, Globex stays.
	evicted := c.Invalidate(InvalidateCriteria{AccountName: "acme corp"})
	assert.Equal(t, 2, evicted)
	assert.Equal(t, 1, c.Len())
}

func TestCacheInvalidateBothTokensMustMatch(t *testing.T) {
	c := NewCache(time.Minute)
	ctx := context.Background()

	produceEmpty := func(context.Context) ([]model.DealSignal, error) { return nil, nil }
	_, err := c.GetOrFetch(ctx, Key("workspace", "u", "Acme Corp", "Expansion"), produceEmpty)
	require.NoError(t, err)

	assert.Equal(t, 0, c.Invalidate(InvalidateCriteria{AccountName: "acme corp", OpportunityName: "renewal"}))
	assert.Equal(t, 1, c.Invalidate(InvalidateCriteria{AccountName: "acme corp", OpportunityName: "expansion"}))
}

func TestCacheInvalidateNoCriteria(t *testing.T) {
	c := NewCache(time.Minute)
	ctx := context.Background()

	_, err := c.GetOrFetch(ctx, "k", func(context.Context) ([]model.DealSignal, error) { return nil, nil })
	require.NoError(t, err)

	assert.Equal(t, 0, c.Invalidate(InvalidateCriteria{}))
	assert.Equal(t, 1, c.Len())
}
