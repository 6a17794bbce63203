// Package identity tracks each chip's health, proxy binding and rate budget,
// and hands out sending identities to the dispatcher. State is an in-memory
// arena of per-identity records; all mutation happens under the record's own
// lock so acquisition cost does not grow with pool size.
package identity

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"dripper/internal/domain"
	"dripper/internal/observability"
)

type ReleaseOutcome int

const (
	ReleaseSent ReleaseOutcome = iota
	ReleaseTransientFailure
	ReleaseBan
	// ReleaseSkipped returns an identity whose claim was never used (no
	// proxy, breaker open). The charged rate windows are refunded and no
	// health transition applies.
	ReleaseSkipped
)

type Limits struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// HealthStore persists identity health transitions. Writes are best-effort;
// the pool remains authoritative while the engine runs.
type HealthStore interface {
	UpdateIdentityHealth(ctx context.Context, id string, health domain.IdentityHealth, lastError string, lastSendAt *time.Time, now time.Time) error
}

type record struct {
	mu sync.Mutex

	id         string
	tenantID   string
	sessionRef string
	proxyID    string

	health       domain.IdentityHealth
	failStreak   int
	coolUntil    time.Time
	lastSend     time.Time
	prevLastSend time.Time
	inFlight     bool

	minute *slidingWindow
	hour   *slidingWindow
	day    *slidingWindow
}

// Acquired is a stable snapshot of a claimed identity. The claim holds until
// Release; no other caller can acquire the same identity in between.
type Acquired struct {
	ID         string
	TenantID   string
	SessionRef string
	ProxyID    string
}

type Pool struct {
	mu       sync.RWMutex
	byID     map[string]*record
	byTenant map[string][]*record

	limits   Limits
	cooldown time.Duration
	store    HealthStore
	now      func() time.Time
}

func NewPool(limits Limits, cooldown time.Duration, store HealthStore) *Pool {
	return &Pool{
		byID:     make(map[string]*record),
		byTenant: make(map[string][]*record),
		limits:   limits,
		cooldown: cooldown,
		store:    store,
		now:      time.Now,
	}
}

// Sync adds identities the pool has not seen yet. Known records keep their
// in-memory health and counters; the pool is the authority while running.
func (p *Pool) Sync(identities []domain.SendingIdentity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range identities {
		if _, ok := p.byID[id.ID]; ok {
			continue
		}
		r := &record{
			id:         id.ID,
			tenantID:   id.TenantID,
			sessionRef: id.SessionRef,
			proxyID:    id.ProxyID,
			health:     id.Health,
			minute:     newWindow(time.Minute),
			hour:       newWindow(time.Hour),
			day:        newWindow(24 * time.Hour),
		}
		if id.LastSendAt != nil {
			r.lastSend = *id.LastSendAt
		}
		p.byID[id.ID] = r
		p.byTenant[id.TenantID] = append(p.byTenant[id.TenantID], r)
	}
}

// Acquire picks the least-recently-used healthy identity of the tenant that
// still has budget in every rate window, claims its in-flight flag and charges
// the windows. Two concurrent callers never get the same identity.
func (p *Pool) Acquire(ctx context.Context, tenantID string) (Acquired, error) {
	p.mu.RLock()
	recs := p.byTenant[tenantID]
	p.mu.RUnlock()
	if len(recs) == 0 {
		observability.IdentityAcquires.WithLabelValues("none").Inc()
		return Acquired{}, domain.ErrNoIdentityAvailable
	}

	now := p.now()

	type candidate struct {
		rec      *record
		lastSend time.Time
	}
	candidates := make([]candidate, 0, len(recs))
	for _, r := range recs {
		r.mu.Lock()
		p.lazyRevert(r, now)
		if r.eligible(now, p.limits) {
			candidates = append(candidates, candidate{rec: r, lastSend: r.lastSend})
		}
		r.mu.Unlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastSend.Before(candidates[j].lastSend)
	})

	for _, c := range candidates {
		r := c.rec
		r.mu.Lock()
		p.lazyRevert(r, now)
		if !r.eligible(now, p.limits) {
			r.mu.Unlock()
			continue
		}
		r.inFlight = true
		r.prevLastSend = r.lastSend
		r.lastSend = now
		r.minute.add(now)
		r.hour.add(now)
		r.day.add(now)
		out := Acquired{ID: r.id, TenantID: r.tenantID, SessionRef: r.sessionRef, ProxyID: r.proxyID}
		r.mu.Unlock()
		observability.IdentityAcquires.WithLabelValues("ok").Inc()
		return out, nil
	}

	observability.IdentityAcquires.WithLabelValues("exhausted").Inc()
	return Acquired{}, domain.ErrNoIdentityAvailable
}

// eligible is called with r.mu held.
func (r *record) eligible(now time.Time, limits Limits) bool {
	if r.inFlight || r.health != domain.IdentityHealthy {
		return false
	}
	return r.minute.allow(now, limits.PerMinute) &&
		r.hour.allow(now, limits.PerHour) &&
		r.day.allow(now, limits.PerDay)
}

// lazyRevert flips cooling_down back to healthy once the backoff window has
// passed. Called with r.mu held.
func (p *Pool) lazyRevert(r *record, now time.Time) {
	if r.health == domain.IdentityCoolingDown && now.After(r.coolUntil) {
		r.health = domain.IdentityHealthy
	}
}

// Release returns a claimed identity and applies the health transition for
// the attempt's outcome: a ban is terminal, three consecutive failures turn
// the chip degraded, a lone transient failure sends it cooling down.
func (p *Pool) Release(ctx context.Context, id string, outcome ReleaseOutcome, reason string) {
	p.mu.RLock()
	r := p.byID[id]
	p.mu.RUnlock()
	if r == nil {
		return
	}

	now := p.now()

	r.mu.Lock()
	r.inFlight = false
	switch outcome {
	case ReleaseSkipped:
		r.lastSend = r.prevLastSend
		r.minute.refund()
		r.hour.refund()
		r.day.refund()
	case ReleaseSent:
		r.failStreak = 0
		r.lastSend = now
	case ReleaseBan:
		r.health = domain.IdentityBanned
	case ReleaseTransientFailure:
		r.failStreak++
		if r.health == domain.IdentityHealthy {
			if r.failStreak >= 3 {
				r.health = domain.IdentityDegraded
			} else {
				r.health = domain.IdentityCoolingDown
				r.coolUntil = now.Add(p.cooldown)
			}
		}
	}
	health := r.health
	lastSend := r.lastSend
	r.mu.Unlock()

	if outcome == ReleaseSkipped {
		return
	}
	if p.store != nil {
		var ls *time.Time
		if !lastSend.IsZero() {
			ls = &lastSend
		}
		if err := p.store.UpdateIdentityHealth(ctx, id, health, reason, ls, now); err != nil {
			slog.Error("identity health write-through failed", "err", err, "identity_id", id, "health", health)
		}
	}
	observability.IdentityHealthTransitions.WithLabelValues(string(health)).Inc()
}

// Rebind points an identity at a different proxy. Used by the proxy
// allocator when a proxy is quarantined.
func (p *Pool) Rebind(id, proxyID string) {
	p.mu.RLock()
	r := p.byID[id]
	p.mu.RUnlock()
	if r == nil {
		return
	}
	r.mu.Lock()
	r.proxyID = proxyID
	r.mu.Unlock()
}

// BoundTo lists identity IDs currently bound to the given proxy.
func (p *Pool) BoundTo(proxyID string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, r := range p.byID {
		r.mu.Lock()
		if r.proxyID == proxyID {
			out = append(out, r.id)
		}
		r.mu.Unlock()
	}
	return out
}
