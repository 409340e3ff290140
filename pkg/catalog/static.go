// Package catalog provides the plan catalog used by the billing service.
//
// Three sources are available:
//
//   - Static: an immutable in-memory snapshot
//   - File: a YAML file reloaded on change via fsnotify
//   - Cached: an expiring LRU in front of another catalog, usually the
//     Postgres ledger
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/platinummonkey/subledger/pkg/billing"
)

// Static is an immutable plan snapshot
type Static struct {
	byKey map[string]*billing.Plan
	byID  map[int64]*billing.Plan
	plans []*billing.Plan
}

// NewStatic builds a snapshot. Plan keys and IDs must be unique; plans without
// an ID are numbered after the highest ID present.
func NewStatic(plans []*billing.Plan) (*Static, error) {
	s := &Static{
		byKey: make(map[string]*billing.Plan, len(plans)),
		byID:  make(map[int64]*billing.Plan, len(plans)),
	}

	var maxID int64
	for _, p := range plans {
		if p.ID > maxID {
			maxID = p.ID
		}
	}

	for _, p := range plans {
		if err := validatePlan(p); err != nil {
			return nil, err
		}
		plan := clonePlan(p)
		if plan.ID == 0 {
			maxID++
			plan.ID = maxID
		}
		if _, dup := s.byKey[plan.Key]; dup {
			return nil, fmt.Errorf("duplicate plan key %q", plan.Key)
		}
		if _, dup := s.byID[plan.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %d", plan.ID)
		}
		s.byKey[plan.Key] = plan
		s.byID[plan.ID] = plan
		s.plans = append(s.plans, plan)
	}

	sort.SliceStable(s.plans, func(i, j int) bool {
		if s.plans[i].PriceMinorUnits != s.plans[j].PriceMinorUnits {
			return s.plans[i].PriceMinorUnits < s.plans[j].PriceMinorUnits
		}
		return s.plans[i].ID < s.plans[j].ID
	})
	return s, nil
}

func validatePlan(p *billing.Plan) error {
	if p.Key == "" {
		return fmt.Errorf("plan key is required")
	}
	if p.PriceMinorUnits < 0 {
		return fmt.Errorf("plan %q: price must not be negative", p.Key)
	}
	switch p.Interval {
	case billing.PlanIntervalMonth, billing.PlanIntervalYear:
	default:
		return fmt.Errorf("plan %q: unknown interval %q", p.Key, p.Interval)
	}
	return nil
}

func clonePlan(p *billing.Plan) *billing.Plan {
	cp := *p
	if p.ExternalPriceID != nil {
		id := *p.ExternalPriceID
		cp.ExternalPriceID = &id
	}
	return &cp
}

// PlanByKey implements billing.Catalog
func (s *Static) PlanByKey(ctx context.Context, key string) (*billing.Plan, error) {
	if p, ok := s.byKey[key]; ok {
		return clonePlan(p), nil
	}
	return nil, billing.ErrRecordNotFound
}

// PlanByID implements billing.Catalog
func (s *Static) PlanByID(ctx context.Context, id int64) (*billing.Plan, error) {
	if p, ok := s.byID[id]; ok {
		return clonePlan(p), nil
	}
	return nil, billing.ErrRecordNotFound
}

// ListPlans implements billing.Catalog, cheapest first
func (s *Static) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	out := make([]*billing.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, clonePlan(p))
	}
	return out, nil
}
