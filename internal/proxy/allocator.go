// Package proxy assigns network egress endpoints to sending identities and
// quarantines endpoints that keep failing. Bindings are sticky: rotating a
// proxy mid-session is itself a detection signal, so a healthy binding is
// never changed.
package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dripper/internal/domain"
	"dripper/internal/observability"
)

// Prober is the external health-check collaborator used to restore
// quarantined proxies.
type Prober interface {
	Probe(ctx context.Context, address, protocol string) error
}

type Store interface {
	UpdateProxyHealth(ctx context.Context, id string, health domain.ProxyHealth, failStreak int, now time.Time) error
	UpdateIdentityProxy(ctx context.Context, identityID, proxyID string, now time.Time) error
}

// Rebinder is the identity pool surface the allocator needs when a proxy is
// pulled out from under its identities.
type Rebinder interface {
	Rebind(identityID, proxyID string)
	BoundTo(proxyID string) []string
}

type record struct {
	mu sync.Mutex

	id       string
	tenantID string
	address  string
	protocol string

	health       domain.ProxyHealth
	failStreak   int
	lastFailure  time.Time
	lastAssigned time.Time
}

type Allocator struct {
	mu       sync.RWMutex
	byID     map[string]*record
	byTenant map[string][]*record

	threshold int
	store     Store
	pool      Rebinder
	now       func() time.Time
}

func NewAllocator(threshold int, store Store, pool Rebinder) *Allocator {
	if threshold <= 0 {
		threshold = 3
	}
	return &Allocator{
		byID:      make(map[string]*record),
		byTenant:  make(map[string][]*record),
		threshold: threshold,
		store:     store,
		pool:      pool,
		now:       time.Now,
	}
}

func (a *Allocator) Sync(proxies []domain.Proxy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range proxies {
		if _, ok := a.byID[p.ID]; ok {
			continue
		}
		r := &record{
			id:       p.ID,
			tenantID: p.TenantID,
			address:  p.Address,
			protocol: p.Protocol,
			health:   p.Health,
		}
		if p.LastAssignedAt != nil {
			r.lastAssigned = *p.LastAssignedAt
		}
		a.byID[p.ID] = r
		a.byTenant[p.TenantID] = append(a.byTenant[p.TenantID], r)
	}
}

// EnsureBinding returns the identity's proxy, rebinding only if the current
// one is missing or failed. A replacement is chosen by least-recent
// assignment among the tenant's healthy proxies.
func (a *Allocator) EnsureBinding(ctx context.Context, tenantID, identityID, currentProxyID string) (string, error) {
	if currentProxyID != "" {
		a.mu.RLock()
		cur := a.byID[currentProxyID]
		a.mu.RUnlock()
		if cur != nil {
			cur.mu.Lock()
			healthy := cur.health == domain.ProxyHealthy
			cur.mu.Unlock()
			if healthy {
				return currentProxyID, nil
			}
		}
	}
	return a.rebind(ctx, tenantID, identityID)
}

func (a *Allocator) rebind(ctx context.Context, tenantID, identityID string) (string, error) {
	a.mu.RLock()
	recs := a.byTenant[tenantID]
	a.mu.RUnlock()

	now := a.now()
	var best *record
	var bestAssigned time.Time
	for _, r := range recs {
		r.mu.Lock()
		if r.health == domain.ProxyHealthy && (best == nil || r.lastAssigned.Before(bestAssigned)) {
			best = r
			bestAssigned = r.lastAssigned
		}
		r.mu.Unlock()
	}
	if best == nil {
		observability.ProxyRebinds.WithLabelValues("none").Inc()
		return "", domain.ErrNoProxyAvailable
	}

	best.mu.Lock()
	best.lastAssigned = now
	proxyID := best.id
	best.mu.Unlock()

	a.pool.Rebind(identityID, proxyID)
	if a.store != nil {
		if err := a.store.UpdateIdentityProxy(ctx, identityID, proxyID, now); err != nil {
			slog.Error("identity proxy write-through failed", "err", err, "identity_id", identityID, "proxy_id", proxyID)
		}
	}
	observability.ProxyRebinds.WithLabelValues("ok").Inc()
	return proxyID, nil
}

// Address returns the dialable URL of a proxy.
func (a *Allocator) Address(proxyID string) (string, bool) {
	a.mu.RLock()
	r := a.byID[proxyID]
	a.mu.RUnlock()
	if r == nil {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.protocol + "://" + r.address, true
}

// ReportFailure increments the proxy's failure streak. At the threshold the
// proxy is quarantined and every identity still bound to it is moved to a
// different healthy proxy.
func (a *Allocator) ReportFailure(ctx context.Context, proxyID string) {
	a.mu.RLock()
	r := a.byID[proxyID]
	a.mu.RUnlock()
	if r == nil {
		return
	}

	now := a.now()
	r.mu.Lock()
	r.failStreak++
	r.lastFailure = now
	quarantine := r.health == domain.ProxyHealthy && r.failStreak >= a.threshold
	if quarantine {
		r.health = domain.ProxyFailed
	}
	streak := r.failStreak
	health := r.health
	tenantID := r.tenantID
	r.mu.Unlock()

	if a.store != nil {
		if err := a.store.UpdateProxyHealth(ctx, proxyID, health, streak, now); err != nil {
			slog.Error("proxy health write-through failed", "err", err, "proxy_id", proxyID)
		}
	}
	if !quarantine {
		return
	}

	slog.Warn("proxy quarantined", "proxy_id", proxyID, "fail_streak", streak)
	for _, identityID := range a.pool.BoundTo(proxyID) {
		if _, err := a.rebind(ctx, tenantID, identityID); err != nil {
			slog.Error("rebind after proxy quarantine failed", "err", err, "identity_id", identityID, "proxy_id", proxyID)
		}
	}
}

// ReportSuccess resets the failure streak of a healthy proxy.
func (a *Allocator) ReportSuccess(proxyID string) {
	a.mu.RLock()
	r := a.byID[proxyID]
	a.mu.RUnlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.health == domain.ProxyHealthy {
		r.failStreak = 0
	}
	r.mu.Unlock()
}

// RunProbes re-probes quarantined proxies on each tick and restores the ones
// that answer. Blocks until ctx is cancelled.
func (a *Allocator) RunProbes(ctx context.Context, prober Prober, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.probeFailed(ctx, prober)
		}
	}
}

func (a *Allocator) probeFailed(ctx context.Context, prober Prober) {
	a.mu.RLock()
	var failed []*record
	for _, r := range a.byID {
		r.mu.Lock()
		if r.health == domain.ProxyFailed {
			failed = append(failed, r)
		}
		r.mu.Unlock()
	}
	a.mu.RUnlock()

	now := a.now()
	for _, r := range failed {
		r.mu.Lock()
		address, protocol := r.address, r.protocol
		r.mu.Unlock()

		if err := prober.Probe(ctx, address, protocol); err != nil {
			continue
		}

		r.mu.Lock()
		r.health = domain.ProxyHealthy
		r.failStreak = 0
		r.mu.Unlock()

		slog.Info("proxy restored", "proxy_id", r.id)
		if a.store != nil {
			if err := a.store.UpdateProxyHealth(ctx, r.id, domain.ProxyHealthy, 0, now); err != nil {
				slog.Error("proxy health write-through failed", "err", err, "proxy_id", r.id)
			}
		}
	}
}
