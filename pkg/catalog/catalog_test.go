package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/billing"
)

const planFile = `
plans:
  - id: 1
    key: free
    name: Free
    price_minor_units: 0
    limits:
      max_members: 1
      max_projects: 2
  - id: 3
    key: professional
    name: Professional
    price_minor_units: 3000
    external_price_id: price_pro
  - id: 2
    key: starter
    name: Starter
    price_minor_units: 1000
    currency: eur
    interval: year
    external_price_id: price_starter
`

func strPtr(s string) *string { return &s }

func TestParsePlans(t *testing.T) {
	plans, err := ParsePlans([]byte(planFile))
	require.NoError(t, err)
	require.Len(t, plans, 3)

	assert.Equal(t, "free", plans[0].Key)
	assert.Equal(t, billing.PlanIntervalMonth, plans[0].Interval)
	assert.Equal(t, "usd", plans[0].Currency)
	assert.Nil(t, plans[0].ExternalPriceID)
	assert.Equal(t, 2, plans[0].Limits.MaxProjects)

	assert.Equal(t, billing.PlanIntervalYear, plans[2].Interval)
	assert.Equal(t, "eur", plans[2].Currency)
	assert.Equal(t, "price_starter", *plans[2].ExternalPriceID)

	_, err = ParsePlans([]byte("plans: [oops"))
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	plans, err := ParsePlans([]byte(planFile))
	require.NoError(t, err)

	s, err := NewStatic(plans)
	require.NoError(t, err)

	t.Run("lookups", func(t *testing.T) {
		p, err := s.PlanByKey(ctx, "starter")
		require.NoError(t, err)
		assert.Equal(t, int64(2), p.ID)

		p, err = s.PlanByID(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, "professional", p.Key)

		_, err = s.PlanByKey(ctx, "gold")
		assert.ErrorIs(t, err, billing.ErrRecordNotFound)
		_, err = s.PlanByID(ctx, 99)
		assert.ErrorIs(t, err, billing.ErrRecordNotFound)
	})

	t.Run("list is cheapest first", func(t *testing.T) {
		list, err := s.ListPlans(ctx)
		require.NoError(t, err)
		keys := []string{}
		for _, p := range list {
			keys = append(keys, p.Key)
		}
		assert.Equal(t, []string{"free", "starter", "professional"}, keys)
	})

	t.Run("returned plans are copies", func(t *testing.T) {
		p, err := s.PlanByKey(ctx, "starter")
		require.NoError(t, err)
		*p.ExternalPriceID = "tampered"
		p.Name = "tampered"

		again, err := s.PlanByKey(ctx, "starter")
		require.NoError(t, err)
		assert.Equal(t, "Starter", again.Name)
		assert.Equal(t, "price_starter", *again.ExternalPriceID)
	})

	t.Run("missing ids are assigned", func(t *testing.T) {
		s, err := NewStatic([]*billing.Plan{
			{ID: 5, Key: "a", Interval: billing.PlanIntervalMonth},
			{Key: "b", Interval: billing.PlanIntervalMonth},
		})
		require.NoError(t, err)
		p, err := s.PlanByKey(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, int64(6), p.ID)
	})

	t.Run("invalid catalogs", func(t *testing.T) {
		tests := map[string][]*billing.Plan{
			"duplicate key":    {{ID: 1, Key: "a", Interval: "month"}, {ID: 2, Key: "a", Interval: "month"}},
			"duplicate id":     {{ID: 1, Key: "a", Interval: "month"}, {ID: 1, Key: "b", Interval: "month"}},
			"empty key":        {{ID: 1, Interval: "month"}},
			"negative price":   {{ID: 1, Key: "a", Interval: "month", PriceMinorUnits: -1}},
			"unknown interval": {{ID: 1, Key: "a", Interval: "week"}},
		}
		for name, plans := range tests {
			t.Run(name, func(t *testing.T) {
				_, err := NewStatic(plans)
				assert.Error(t, err)
			})
		}
	})
}

func writePlanFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestFile(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFile(ctx, filepath.Join(t.TempDir(), "plans.yaml"), nil, nil)
		assert.Error(t, err)
	})

	t.Run("sync assigns ids", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		writePlanFile(t, path, planFile)

		var synced int
		f, err := NewFile(ctx, path, func(ctx context.Context, plans []*billing.Plan) error {
			for i, p := range plans {
				p.ID = int64(100 + i)
			}
			synced = len(plans)
			return nil
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, synced)

		p, err := f.PlanByKey(ctx, "professional")
		require.NoError(t, err)
		assert.Equal(t, int64(101), p.ID)
	})

	t.Run("sync failure fails the load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		writePlanFile(t, path, planFile)

		_, err := NewFile(ctx, path, func(context.Context, []*billing.Plan) error {
			return errors.New("db down")
		}, nil)
		assert.ErrorContains(t, err, "db down")
	})

	t.Run("reload keeps previous snapshot on bad file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		writePlanFile(t, path, planFile)
		f, err := NewFile(ctx, path, nil, nil)
		require.NoError(t, err)

		writePlanFile(t, path, "plans:\n  - key: \"\"\n")
		assert.Error(t, f.Reload(ctx))

		plans, err := f.ListPlans(ctx)
		require.NoError(t, err)
		assert.Len(t, plans, 3)
	})

	t.Run("watch picks up changes", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plans.yaml")
		writePlanFile(t, path, planFile)
		f, err := NewFile(ctx, path, nil, nil)
		require.NoError(t, err)
		f.debounce = 10 * time.Millisecond

		var reloads atomic.Int32
		f.onReload = func(err error) {
			if err == nil {
				reloads.Add(1)
			}
		}

		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		require.NoError(t, f.Watch(watchCtx))

		writePlanFile(t, path, planFile+`
  - id: 4
    key: enterprise
    name: Enterprise
    price_minor_units: 10000
    external_price_id: price_ent
`)

		assert.Eventually(t, func() bool {
			_, err := f.PlanByKey(ctx, "enterprise")
			return err == nil
		}, 5*time.Second, 20*time.Millisecond)
		assert.GreaterOrEqual(t, reloads.Load(), int32(1))
	})
}

// countingCatalog counts calls to the backing catalog
type countingCatalog struct {
	*Static
	byKey, byID, list atomic.Int32
}

func (c *countingCatalog) PlanByKey(ctx context.Context, key string) (*billing.Plan, error) {
	c.byKey.Add(1)
	return c.Static.PlanByKey(ctx, key)
}

func (c *countingCatalog) PlanByID(ctx context.Context, id int64) (*billing.Plan, error) {
	c.byID.Add(1)
	return c.Static.PlanByID(ctx, id)
}

func (c *countingCatalog) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	c.list.Add(1)
	return c.Static.ListPlans(ctx)
}

func TestCached(t *testing.T) {
	ctx := context.Background()
	static, err := NewStatic([]*billing.Plan{
		{ID: 1, Key: "free", Interval: billing.PlanIntervalMonth},
		{ID: 2, Key: "starter", PriceMinorUnits: 1000, Interval: billing.PlanIntervalMonth, ExternalPriceID: strPtr("price_starter")},
	})
	require.NoError(t, err)

	t.Run("hits skip the backing catalog", func(t *testing.T) {
		backing := &countingCatalog{Static: static}
		c := NewCached(backing, CacheConfig{MaxEntries: 10, TTL: time.Minute})

		for i := 0; i < 3; i++ {
			p, err := c.PlanByKey(ctx, "starter")
			require.NoError(t, err)
			assert.Equal(t, int64(2), p.ID)
		}
		assert.Equal(t, int32(1), backing.byKey.Load())

		// Key lookups also warm the id cache
		_, err := c.PlanByID(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int32(0), backing.byID.Load())
	})

	t.Run("misses are not cached", func(t *testing.T) {
		backing := &countingCatalog{Static: static}
		c := NewCached(backing, CacheConfig{})

		for i := 0; i < 2; i++ {
			_, err := c.PlanByKey(ctx, "gold")
			assert.ErrorIs(t, err, billing.ErrRecordNotFound)
		}
		assert.Equal(t, int32(2), backing.byKey.Load())
	})

	t.Run("list and purge", func(t *testing.T) {
		backing := &countingCatalog{Static: static}
		c := NewCached(backing, CacheConfig{MaxEntries: 10, TTL: time.Minute})

		plans, err := c.ListPlans(ctx)
		require.NoError(t, err)
		assert.Len(t, plans, 2)
		_, err = c.ListPlans(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(1), backing.list.Load())

		_, err = c.PlanByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int32(0), backing.byID.Load())

		c.Purge()
		_, err = c.ListPlans(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(2), backing.list.Load())
	})

	t.Run("cached plans are copies", func(t *testing.T) {
		c := NewCached(static, CacheConfig{})
		p, err := c.PlanByKey(ctx, "starter")
		require.NoError(t, err)
		p.Name = "tampered"

		again, err := c.PlanByKey(ctx, "starter")
		require.NoError(t, err)
		assert.Empty(t, again.Name)
	})
}
