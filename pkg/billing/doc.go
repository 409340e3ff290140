// Package billing implements the subscription lifecycle engine: the local
// subscription ledger model, the change orchestrator, the webhook reconciler
// and the drift-repair syncer.
//
// # Write paths
//
// Two paths mutate a subscription and both serialize on the same
// per-subscription lock (see SubscriptionLockKey) before a compare-and-set
// write to the Store:
//
//   - Service: user-initiated changes. The gateway is called first; the
//     ledger only ever records what the gateway accepted.
//   - Reconciler: gateway notifications, delivered at least once and in any
//     order. Applying the same event twice yields the same row.
//
// # Plan changes
//
//	sub, err := svc.UpdateSubscription(ctx, tenantID, billing.PlanChange{PlanKey: "team"})
//
// Upgrades invoice the prorated difference immediately. Downgrades consult
// the DowngradeGate first and carry credit into the next invoice; a veto is
// returned as a BadRequest *Error listing the blockers.
//
// # Status mapping
//
// MapGatewayStatus is total: gateway statuses the engine does not know map
// to incomplete so they are never mistaken for a paid state.
package billing
