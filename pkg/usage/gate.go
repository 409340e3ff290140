// Package usage implements the downgrade gate on top of per-tenant resource
// usage.
//
// A tenant may move to a cheaper plan only when its current usage fits within
// the target plan's limits. Usage above a limit blocks the downgrade; usage at
// or above NearLimitPercent of a limit is reported as a warning.
//
// Usage:
//
//	gate := usage.NewGate(usage.NewPostgresSource(db))
//	verdict, err := gate.ValidateDowngrade(ctx, tenantID, targetPlan)
//	if !verdict.CanDowngrade {
//	    // verdict.Blockers lists the exceeded resources
//	}
package usage

import (
	"context"
	"fmt"

	"github.com/platinummonkey/subledger/pkg/billing"
)

// Blocker and warning codes
const (
	BlockerTeamLimitExceeded    = "team_limit_exceeded"
	BlockerProjectLimitExceeded = "project_limit_exceeded"
	BlockerStorageLimitExceeded = "storage_limit_exceeded"

	WarningTeamNearLimit    = "team_near_limit"
	WarningProjectNearLimit = "project_near_limit"
	WarningStorageNearLimit = "storage_near_limit"
)

// NearLimitPercent is the share of a limit at which a warning is raised
const NearLimitPercent = 80

// Snapshot is a tenant's current resource usage
type Snapshot struct {
	Members      int64
	Projects     int64
	StorageBytes int64
}

// Source reads tenant usage. Tenants without recorded usage report a zero
// snapshot.
type Source interface {
	GetUsage(ctx context.Context, tenantID string) (*Snapshot, error)
}

// Gate implements billing.DowngradeGate
type Gate struct {
	source Source
}

// NewGate creates a gate over source
func NewGate(source Source) *Gate {
	return &Gate{source: source}
}

// ValidateDowngrade implements billing.DowngradeGate
func (g *Gate) ValidateDowngrade(ctx context.Context, tenantID string, target *billing.Plan) (*billing.DowngradeVerdict, error) {
	usage, err := g.source.GetUsage(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return Evaluate(usage, target.Limits), nil
}

// Evaluate compares usage with limits. A zero limit means unlimited.
func Evaluate(usage *Snapshot, limits billing.PlanLimits) *billing.DowngradeVerdict {
	verdict := &billing.DowngradeVerdict{
		Blockers: []string{},
		Warnings: []string{},
	}

	checks := []struct {
		current, limit     int64
		blocker, nearLimit string
	}{
		{usage.Members, int64(limits.MaxMembers), BlockerTeamLimitExceeded, WarningTeamNearLimit},
		{usage.Projects, int64(limits.MaxProjects), BlockerProjectLimitExceeded, WarningProjectNearLimit},
		{usage.StorageBytes, limits.MaxStorageBytes, BlockerStorageLimitExceeded, WarningStorageNearLimit},
	}
	for _, c := range checks {
		switch {
		case c.limit <= 0:
		case c.current > c.limit:
			verdict.Blockers = append(verdict.Blockers, c.blocker)
		case c.current*100 >= c.limit*NearLimitPercent:
			verdict.Warnings = append(verdict.Warnings, c.nearLimit)
		}
	}

	verdict.CanDowngrade = len(verdict.Blockers) == 0
	return verdict
}
