package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

func strPtr(s string) *string { return &s }

var (
	planFree = &Plan{ID: 1, Key: "free", Name: "Free", PriceMinorUnits: 0, Interval: PlanIntervalMonth,
		Limits: PlanLimits{MaxMembers: 3, MaxProjects: 1}}
	planStarter = &Plan{ID: 2, Key: "starter", Name: "Starter", PriceMinorUnits: 1000, Interval: PlanIntervalMonth,
		ExternalPriceID: strPtr("price_starter"), Limits: PlanLimits{MaxMembers: 5, MaxProjects: 5}}
	planProfessional = &Plan{ID: 3, Key: "professional", Name: "Professional", PriceMinorUnits: 3000, Interval: PlanIntervalMonth,
		ExternalPriceID: strPtr("price_professional"), Limits: PlanLimits{MaxMembers: 25, MaxProjects: 50}}
	planStarterAnnual = &Plan{ID: 4, Key: "starter-annual", Name: "Starter (annual)", PriceMinorUnits: 1000, Interval: PlanIntervalYear,
		ExternalPriceID: strPtr("price_starter_annual")}
)

// memStore is an in-memory Store with the same uniqueness and
// compare-and-set behavior as the Postgres ledger.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*BillingAccount
	subs     map[string]*Subscription
	nextID   int64
	updates  int

	getAccountErr error
	updateErr     error
}

func newMemStore() *memStore {
	return &memStore{
		accounts: make(map[string]*BillingAccount),
		subs:     make(map[string]*Subscription),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) GetAccountByTenant(ctx context.Context, tenantID string) (*BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getAccountErr != nil {
		return nil, m.getAccountErr
	}
	a, ok := m.accounts[tenantID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) CreateAccount(ctx context.Context, account *BillingAccount) (*BillingAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.accounts[account.TenantID]; ok {
		cp := *existing
		return &cp, nil
	}
	stored := *account
	stored.ID = m.id()
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.accounts[account.TenantID] = &stored
	cp := stored
	return &cp, nil
}

func (m *memStore) addAccount(tenantID, customerID string) *BillingAccount {
	a, _ := m.CreateAccount(context.Background(), &BillingAccount{TenantID: tenantID, ExternalCustomerID: customerID})
	return a
}

func (m *memStore) GetCurrentSubscription(ctx context.Context, accountID int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Subscription
	for _, s := range m.subs {
		if s.BillingAccountID == accountID && (latest == nil || s.ID > latest.ID) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) FindLiveSubscription(ctx context.Context, accountID int64) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.liveLocked(accountID, ""); s != nil {
		cp := *s
		return &cp, nil
	}
	return nil, ErrRecordNotFound
}

func (m *memStore) liveLocked(accountID int64, exceptExternalID string) *Subscription {
	for _, s := range m.subs {
		if s.BillingAccountID == accountID && s.Status.IsLive() && s.ExternalSubscriptionID != exceptExternalID {
			return s
		}
	}
	return nil
}

func (m *memStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[externalID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.Status.IsLive() && m.liveLocked(sub.BillingAccountID, "") != nil {
		return ErrLiveSubscriptionExists
	}
	sub.ID = m.id()
	sub.Version = 1
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = sub.CreatedAt
	stored := *sub
	m.subs[sub.ExternalSubscriptionID] = &stored
	return nil
}

func (m *memStore) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	existing, ok := m.subs[sub.ExternalSubscriptionID]
	if !ok {
		return ErrRecordNotFound
	}
	if existing.Version != sub.Version {
		return ErrVersionConflict
	}
	if sub.Status.IsLive() && m.liveLocked(sub.BillingAccountID, sub.ExternalSubscriptionID) != nil {
		return ErrLiveSubscriptionExists
	}
	sub.Version++
	sub.UpdatedAt = time.Now()
	stored := *sub
	m.subs[sub.ExternalSubscriptionID] = &stored
	m.updates++
	return nil
}

func (m *memStore) ListStaleSubscriptions(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, s := range m.subs {
		if !s.Status.IsTerminal() && s.UpdatedAt.Before(cutoff) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// put stores a subscription as-is, bypassing invariants
func (m *memStore) put(sub *Subscription) *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = m.id()
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	stored := *sub
	m.subs[sub.ExternalSubscriptionID] = &stored
	return sub
}

func (m *memStore) get(externalID string) *Subscription {
	s, _ := m.GetSubscriptionByExternalID(context.Background(), externalID)
	return s
}

type mapCatalog map[string]*Plan

func newCatalog(plans ...*Plan) mapCatalog {
	c := mapCatalog{}
	for _, p := range plans {
		c[p.Key] = p
	}
	return c
}

func (c mapCatalog) PlanByKey(ctx context.Context, key string) (*Plan, error) {
	if p, ok := c[key]; ok {
		return p, nil
	}
	return nil, ErrRecordNotFound
}

func (c mapCatalog) PlanByID(ctx context.Context, id int64) (*Plan, error) {
	for _, p := range c {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (c mapCatalog) ListPlans(ctx context.Context) ([]*Plan, error) {
	out := make([]*Plan, 0, len(c))
	for _, p := range c {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// mockGateway records calls; unset funcs return a plausible default
type mockGateway struct {
	mu sync.Mutex

	createCustomerFunc func(req CustomerRequest) (string, error)
	createSubFunc      func(req CreateSubscriptionRequest) (*GatewaySubscription, error)
	getSubFunc         func(id string) (*GatewaySubscription, error)
	updateSubFunc      func(id string, req UpdateSubscriptionRequest) (*GatewaySubscription, error)
	cancelSubFunc      func(id string, atPeriodEnd bool) error

	customerCalls []CustomerRequest
	createCalls   []CreateSubscriptionRequest
	getCalls      []string
	updateCalls   []UpdateSubscriptionRequest
	cancelCalls   []bool
}

func (g *mockGateway) CreateOrGetCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	g.mu.Lock()
	g.customerCalls = append(g.customerCalls, req)
	g.mu.Unlock()
	if g.createCustomerFunc != nil {
		return g.createCustomerFunc(req)
	}
	return "cus_" + req.TenantID, nil
}

func (g *mockGateway) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*GatewaySubscription, error) {
	g.mu.Lock()
	g.createCalls = append(g.createCalls, req)
	g.mu.Unlock()
	if g.createSubFunc != nil {
		return g.createSubFunc(req)
	}
	return &GatewaySubscription{ID: "sub_new", CustomerID: req.CustomerID, Status: "active", ItemID: "si_new", PriceID: req.PriceID}, nil
}

func (g *mockGateway) GetSubscription(ctx context.Context, id string) (*GatewaySubscription, error) {
	g.mu.Lock()
	g.getCalls = append(g.getCalls, id)
	g.mu.Unlock()
	if g.getSubFunc != nil {
		return g.getSubFunc(id)
	}
	return &GatewaySubscription{ID: id, Status: "active", ItemID: "si_" + id}, nil
}

func (g *mockGateway) UpdateSubscription(ctx context.Context, id string, req UpdateSubscriptionRequest) (*GatewaySubscription, error) {
	g.mu.Lock()
	g.updateCalls = append(g.updateCalls, req)
	g.mu.Unlock()
	if g.updateSubFunc != nil {
		return g.updateSubFunc(id, req)
	}
	gs := &GatewaySubscription{ID: id, Status: "active", ItemID: req.ItemID}
	if req.NewPriceID != nil {
		gs.PriceID = *req.NewPriceID
	}
	return gs, nil
}

func (g *mockGateway) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool, idempotencyKey string) error {
	g.mu.Lock()
	g.cancelCalls = append(g.cancelCalls, atPeriodEnd)
	g.mu.Unlock()
	if g.cancelSubFunc != nil {
		return g.cancelSubFunc(id, atPeriodEnd)
	}
	return nil
}

type mockGate struct {
	calls    int
	validate func(tenantID string, target *Plan) (*DowngradeVerdict, error)
}

func (g *mockGate) ValidateDowngrade(ctx context.Context, tenantID string, target *Plan) (*DowngradeVerdict, error) {
	g.calls++
	if g.validate != nil {
		return g.validate(tenantID, target)
	}
	return &DowngradeVerdict{CanDowngrade: true}, nil
}

// chanLocker is a keyed mutex good enough for single-goroutine tests
type chanLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	keys  []string
}

func newLocker() *chanLocker {
	return &chanLocker{locks: make(map[string]chan struct{})}
}

func (l *chanLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	l.keys = append(l.keys, key)
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return func() { <-ch }, nil
}

type memCounters struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newCounters() *memCounters {
	return &memCounters{counts: make(map[string]int64)}
}

func (c *memCounters) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func (c *memCounters) get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}
